package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/neurolab/bridge/internal/config"
	"github.com/neurolab/bridge/internal/hub"
	"github.com/neurolab/bridge/internal/storage"
)

// DevicesConfig holds the configuration for device management commands.
type DevicesConfig struct {
	TokenStore string
	Addr       string
}

// formatDuration formats a duration in a human-readable way.
// Examples: "just now", "5m ago", "2h ago", "3d ago"
func formatDuration(d time.Duration) string {
	if d < 0 {
		return "in the future"
	}
	if d < time.Minute {
		return "just now"
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
	return fmt.Sprintf("%dd ago", int(d.Hours()/24))
}

func runDevicesList(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("devices list", flag.ContinueOnError)
	fs.SetOutput(stderr)

	cfg := &DevicesConfig{}
	fs.StringVar(&cfg.TokenStore, "token-store", "", "Path to device registry database")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: bridge devices list [options]\n\nList registered devices.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	storePath := cfg.TokenStore
	if storePath == "" {
		var err error
		storePath, err = config.DefaultTokenStorePath()
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}

	if _, err := os.Stat(storePath); os.IsNotExist(err) {
		fmt.Fprintln(stdout, "No registered devices found.")
		return 0
	}

	store, err := storage.NewSQLiteStore(storePath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to open device registry: %v\n", err)
		return 1
	}
	defer store.Close()

	devices, err := store.ListDevices()
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to list devices: %v\n", err)
		return 1
	}

	if len(devices) == 0 {
		fmt.Fprintln(stdout, "No registered devices found.")
		return 0
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE ID\tNAME\tROLE\tCREATED\tLAST SEEN")
	fmt.Fprintln(w, "---------\t----\t----\t-------\t---------")

	now := time.Now()
	for _, device := range devices {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			device.ID,
			device.Name,
			device.Role,
			formatDuration(now.Sub(device.CreatedAt)),
			formatDuration(now.Sub(device.LastSeen)),
		)
	}
	w.Flush()

	return 0
}

func runDevicesRevoke(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("devices revoke", flag.ContinueOnError)
	fs.SetOutput(stderr)

	cfg := &DevicesConfig{}
	fs.StringVar(&cfg.TokenStore, "token-store", "", "Path to device registry database")
	fs.StringVar(&cfg.Addr, "addr", "127.0.0.1:7170", "Hub address to notify of the revocation")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: bridge devices revoke [options] <device-id>\n\nRevoke a device credential and disconnect its channels.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	if fs.NArg() < 1 {
		fmt.Fprintln(stderr, "Error: device-id is required")
		fs.Usage()
		return 1
	}
	deviceID := fs.Arg(0)

	storePath := cfg.TokenStore
	if storePath == "" {
		var err error
		storePath, err = config.DefaultTokenStorePath()
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}

	if _, err := os.Stat(storePath); os.IsNotExist(err) {
		fmt.Fprintf(stderr, "Error: device %s not found\n", deviceID)
		return 1
	}

	store, err := storage.NewSQLiteStore(storePath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to open device registry: %v\n", err)
		return 1
	}
	defer store.Close()

	device, err := store.GetDevice(deviceID)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to lookup device: %v\n", err)
		return 1
	}
	if device == nil {
		fmt.Fprintf(stderr, "Error: device %s not found\n", deviceID)
		return 1
	}

	// Prefer notifying the running hub: its endpoint closes live channel
	// connections before deleting the credential. Fall back to a direct
	// delete when the hub is unreachable.
	if closed, handled := notifyHubRevocation(cfg.Addr, deviceID); handled {
		fmt.Fprintf(stdout, "Revoked device: %s (%s)\n", device.ID, device.Name)
		fmt.Fprintf(stdout, "Closed %d active connection(s).\n", closed)
		return 0
	}

	if err := store.DeleteDevice(deviceID); err != nil {
		fmt.Fprintf(stderr, "Error: failed to revoke device: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Revoked device: %s (%s)\n", device.ID, device.Name)
	fmt.Fprintln(stdout, "Note: hub is not running or unreachable. The device will be rejected on its next connect.")

	return 0
}

// notifyHubRevocation asks the running hub to revoke a device. Returns
// the number of closed connections and whether the hub handled it.
func notifyHubRevocation(addr, deviceID string) (int, bool) {
	client := &http.Client{Timeout: 2 * time.Second}

	body, err := json.Marshal(hub.RevokeRequest{DeviceID: deviceID})
	if err != nil {
		return 0, false
	}

	url := fmt.Sprintf("http://%s/api/devices/revoke", addr)
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return 0, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, false
	}

	var result hub.RevokeResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, false
	}
	return result.ClosedConnections, result.Revoked
}
