package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/allaspectsdev/keyrelay/internal/keys"
	"github.com/allaspectsdev/keyrelay/internal/vault"
)

func cmdKeys(args []string) {
	if len(args) == 0 {
		fmt.Println("Usage: keyrelay keys <list|add|delete> [service]")
		os.Exit(1)
	}

	v := vault.New()

	switch args[0] {
	case "list":
		names := make([]string, len(keys.Services))
		for i, s := range keys.Services {
			names[i] = string(s)
		}
		counts := v.Count(names)
		stored := 0
		for _, name := range names {
			if n := counts[name]; n > 0 {
				fmt.Printf("  %-10s %d key(s)\n", name, n)
				stored += n
			}
		}
		if stored == 0 {
			fmt.Println("No API keys stored")
		}

	case "add":
		svc := serviceArg(args, "add")
		secrets, err := readSecrets(svc)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error reading keys: %v\n", err)
			os.Exit(1)
		}
		for _, s := range secrets {
			if got := keys.ServiceForSecret(s); got != svc {
				fmt.Fprintf(os.Stderr, "warning: a key looks like a %s key, not %s\n", got, svc)
			}
		}
		n, err := v.Add(string(svc), secrets...)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error storing keys: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%d new key(s) stored for %s\n", n, svc)

	case "delete":
		svc := serviceArg(args, "delete")
		if err := v.Delete(string(svc)); err != nil {
			fmt.Fprintf(os.Stderr, "error deleting keys: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Keys for %s deleted\n", svc)

	default:
		fmt.Fprintf(os.Stderr, "unknown keys command: %s\n", args[0])
		os.Exit(1)
	}
}

func serviceArg(args []string, sub string) keys.Service {
	if len(args) < 2 {
		fmt.Printf("Usage: keyrelay keys %s <service>\n", sub)
		os.Exit(1)
	}
	svc, err := keys.ParseService(args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	return svc
}

// readSecrets prompts for keys without echo on a terminal, or reads them
// from a pipe, one per line.
func readSecrets(svc keys.Service) ([]string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, err
		}
		return nonEmpty(vault.SplitSecrets(string(data)))
	}

	fmt.Printf("Enter API key(s) for %s, comma-separated: ", svc)
	raw, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return nil, err
	}
	return nonEmpty(vault.SplitSecrets(strings.TrimSpace(string(raw))))
}

func nonEmpty(secrets []string) ([]string, error) {
	if len(secrets) == 0 {
		return nil, errors.New("no keys given")
	}
	return secrets, nil
}
