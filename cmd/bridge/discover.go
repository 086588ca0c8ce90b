package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/neurolab/bridge/internal/mdns"
)

func runDiscover(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("discover", flag.ContinueOnError)
	fs.SetOutput(stderr)

	timeout := fs.Duration("timeout", 3*time.Second, "How long to browse for hubs")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: bridge discover [options]\n\nFind bridge hubs advertising on the local network.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	hubs, err := mdns.Discover(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if len(hubs) == 0 {
		fmt.Fprintln(stdout, "No hubs found.")
		return 0
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tVERSION")
	for _, h := range hubs {
		fmt.Fprintf(w, "%s\t%s:%d\t%s\n", h.Name, h.Host, h.Port, h.Version)
	}
	w.Flush()

	return 0
}
