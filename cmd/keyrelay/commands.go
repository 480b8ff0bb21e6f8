package main

import (
	"fmt"
	"os"

	"github.com/allaspectsdev/keyrelay/internal/config"
	"github.com/allaspectsdev/keyrelay/internal/daemon"
)

// parseFlags extracts --foreground and --config from args.
func parseFlags(args []string) (configPath string, foreground bool) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--foreground", "-f":
			foreground = true
		case "--config", "-c":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		}
	}
	return configPath, foreground
}

func loadConfig(path string) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func cmdStart(args []string) {
	path, foreground := parseFlags(args)
	cfg := loadConfig(path)

	if err := daemon.Run(cfg, foreground); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func cmdStop(args []string) {
	path, _ := parseFlags(args)
	loadConfig(path)

	if err := daemon.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "error stopping daemon: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("keyrelay stopped")
}

func cmdStatus(args []string) {
	path, _ := parseFlags(args)
	loadConfig(path)

	if err := daemon.Status(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func cmdInitConfig() {
	path, created, err := config.InitConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error generating config: %v\n", err)
		os.Exit(1)
	}
	if !created {
		fmt.Printf("Config already exists: %s\n", path)
		return
	}
	fmt.Printf("Config written to %s\n", path)
	fmt.Println("Add keys with: keyrelay keys add <service>")
}
