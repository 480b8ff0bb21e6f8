package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/allaspectsdev/keyrelay/internal/version"
)

const pidFilename = "keyrelay.pid"

var (
	// ErrAlreadyRunning means a live relay already owns the data directory.
	ErrAlreadyRunning = errors.New("keyrelay is already running")
	// ErrNotRunning means no live relay owns the data directory.
	ErrNotRunning = errors.New("keyrelay is not running")
)

// runRecord is what a running relay leaves in its data directory so the
// status and stop commands can find it.
type runRecord struct {
	PID     int       `json:"pid"`
	Addr    string    `json:"addr,omitempty"`
	TLS     bool      `json:"tls,omitempty"`
	Version string    `json:"version,omitempty"`
	Started time.Time `json:"started,omitzero"`
}

// adminURL returns the URL of an admin endpoint on the recorded listener.
func (r runRecord) adminURL(path string) string {
	scheme := "http"
	if r.TLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/admin%s", scheme, r.Addr, path)
}

// claimRunRecord records the current process as the relay serving addr
// from dataDir. A record left by a process that has since exited is
// replaced.
func claimRunRecord(dataDir, addr string, tls bool) (runRecord, error) {
	if prev, err := readRunRecord(dataDir); err == nil && prev.PID != os.Getpid() && isProcessAlive(prev.PID) {
		return prev, fmt.Errorf("%w (PID %d, see %s)", ErrAlreadyRunning, prev.PID, pidPath(dataDir))
	}

	rec := runRecord{
		PID:     os.Getpid(),
		Addr:    addr,
		TLS:     tls,
		Version: version.Version,
		Started: time.Now().UTC().Truncate(time.Second),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return rec, err
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return rec, fmt.Errorf("creating data directory for PID file: %w", err)
	}

	// Written aside and renamed so a concurrent status never reads half a record.
	tmp, err := os.CreateTemp(dataDir, pidFilename+".*")
	if err != nil {
		return rec, fmt.Errorf("writing PID file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return rec, fmt.Errorf("writing PID file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return rec, fmt.Errorf("writing PID file: %w", err)
	}
	if err := os.Rename(tmp.Name(), pidPath(dataDir)); err != nil {
		os.Remove(tmp.Name())
		return rec, fmt.Errorf("writing PID file: %w", err)
	}
	return rec, nil
}

// readRunRecord parses the record in dataDir. A file holding only a
// number, as written by older releases, yields a record with just the PID.
func readRunRecord(dataDir string) (runRecord, error) {
	path := pidPath(dataDir)
	data, err := os.ReadFile(path)
	if err != nil {
		return runRecord{}, fmt.Errorf("reading PID file %s: %w", path, err)
	}

	var rec runRecord
	text := strings.TrimSpace(string(data))
	if pid, err := strconv.Atoi(text); err == nil {
		rec.PID = pid
	} else if err := json.Unmarshal([]byte(text), &rec); err != nil {
		return runRecord{}, fmt.Errorf("parsing PID file %s: %w", path, err)
	}
	if rec.PID <= 0 {
		return runRecord{}, fmt.Errorf("parsing PID file %s: invalid PID %d", path, rec.PID)
	}
	return rec, nil
}

func removeRunRecord(dataDir string) error {
	path := pidPath(dataDir)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing PID file %s: %w", path, err)
	}
	return nil
}

// findRelay returns the record of the live relay owning dataDir. A record
// whose process is gone is removed and reported as ErrNotRunning.
func findRelay(dataDir string) (runRecord, error) {
	rec, err := readRunRecord(dataDir)
	if errors.Is(err, os.ErrNotExist) {
		return runRecord{}, ErrNotRunning
	}
	if err != nil {
		return runRecord{}, err
	}
	if isProcessAlive(rec.PID) {
		return rec, nil
	}
	if err := removeRunRecord(dataDir); err != nil {
		return runRecord{}, fmt.Errorf("%w; stale PID file: %v", ErrNotRunning, err)
	}
	return runRecord{}, fmt.Errorf("%w (stale PID file removed)", ErrNotRunning)
}

// isProcessAlive sends signal 0, which checks for the process without
// delivering anything.
func isProcessAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

func pidPath(dataDir string) string {
	return filepath.Join(dataDir, pidFilename)
}
