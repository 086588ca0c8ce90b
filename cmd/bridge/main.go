package main

import (
	"fmt"
	"io"
	"os"
)

// Version is set at build time via -ldflags.
// Example: go build -ldflags="-X main.Version=v0.1.0" ./cmd/bridge
var Version = "dev"

const usage = `bridge - device pairing and experiment synchronization hub

Usage:
  bridge <command> [options]

Commands:
  serve         Start the hub daemon
  pair          Generate a registration code for a new device
  devices list  List registered devices
  devices revoke <device-id>  Revoke a device credential
  discover      Find bridge hubs on the local network

Run 'bridge <command> --help' for more information on a command.
`

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		fmt.Fprint(stdout, usage)
		return 0
	}

	switch args[1] {
	case "serve":
		return runServe(args[2:], stdout, stderr)
	case "pair":
		return runPair(args[2:], stdout, stderr)
	case "devices":
		if len(args) < 3 {
			fmt.Fprintln(stdout, "Usage: bridge devices <list|revoke>")
			return 1
		}
		switch args[2] {
		case "list":
			return runDevicesList(args[3:], stdout, stderr)
		case "revoke":
			return runDevicesRevoke(args[3:], stdout, stderr)
		default:
			fmt.Fprintf(stdout, "Unknown devices command: %s\n", args[2])
			return 1
		}
	case "discover":
		return runDiscover(args[2:], stdout, stderr)
	case "--help", "-h", "help":
		fmt.Fprint(stdout, usage)
		return 0
	case "--version", "-v", "version":
		fmt.Fprintf(stdout, "bridge %s\n", Version)
		return 0
	default:
		fmt.Fprintf(stdout, "Unknown command: %s\n", args[1])
		fmt.Fprint(stdout, usage)
		return 1
	}
}
