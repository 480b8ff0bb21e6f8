package main

import (
	"fmt"
	"os"

	"github.com/allaspectsdev/keyrelay/internal/version"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "start":
		cmdStart(os.Args[2:])
	case "stop":
		cmdStop(os.Args[2:])
	case "status":
		cmdStatus(os.Args[2:])
	case "keys":
		cmdKeys(os.Args[2:])
	case "init-config":
		cmdInitConfig()
	case "version":
		fmt.Println(version.Get())
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: keyrelay <command> [options]

Commands:
  start            Start the keyrelay daemon
  stop             Stop the running daemon
  status           Show daemon status and key counts
  keys             Manage stored API keys (list|add|delete <service>)
  init-config      Generate default config file
  version          Print version information
  help             Show this help message

Options:
  --foreground     Run in foreground (with 'start')
  --config <file>  Use this config file instead of ~/.keyrelay/keyrelay.toml`)
}
