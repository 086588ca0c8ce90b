// Package mdns provides optional mDNS/Bonjour service advertisement.
//
// When enabled, the hub advertises itself on the local network using
// DNS-SD so participant devices can discover it without manual address
// entry. This is an opt-in feature; discovery only reveals presence,
// and a registration code is still required to obtain a credential.
package mdns

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the mDNS service type for bridge hubs, following the
// standard Bonjour naming convention.
const ServiceType = "_neurobridge._tcp"

// ProtocolVersion identifies the advertisement format for compatibility.
const ProtocolVersion = "1"

// Config holds configuration for mDNS advertisement.
type Config struct {
	// Port is the hub port to advertise.
	Port int

	// Name is a human-readable name for this hub. Defaults to the
	// system hostname if empty.
	Name string
}

// Advertiser manages mDNS/DNS-SD service registration for the hub.
type Advertiser struct {
	config Config
	server *zeroconf.Server
	mu     sync.Mutex
}

// NewAdvertiser creates a new mDNS advertiser with the given configuration.
func NewAdvertiser(cfg Config) *Advertiser {
	return &Advertiser{config: cfg}
}

// Start begins advertising the service. It is safe to call multiple
// times; subsequent calls are no-ops while running.
func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		return nil
	}

	name := a.config.Name
	if name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			name = "neurobridge"
		} else {
			name = hostname
		}
	}

	txtRecords := []string{
		fmt.Sprintf("version=%s", ProtocolVersion),
		fmt.Sprintf("name=%s", name),
	}

	server, err := zeroconf.Register(
		name,
		ServiceType,
		"local.",
		a.config.Port,
		txtRecords,
		nil, // all interfaces
	)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}

	a.server = server
	return nil
}

// Stop stops the advertisement. Safe to call multiple times or on an
// advertiser that was never started.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// IsRunning reports whether the advertiser is currently running.
func (a *Advertiser) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.server != nil
}

// DiscoveredHub is a hub found via mDNS discovery.
type DiscoveredHub struct {
	Name    string
	Host    string
	Port    int
	Version string
}

// Discover browses the local network for bridge hubs until the context
// expires and returns what it found.
func Discover(ctx context.Context) ([]DiscoveredHub, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	var (
		hubs []DiscoveredHub
		mu   sync.Mutex
		wg   sync.WaitGroup
	)

	entries := make(chan *zeroconf.ServiceEntry)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			hub := DiscoveredHub{
				Name: entry.Instance,
				Port: entry.Port,
			}

			// Prefer IPv4.
			if len(entry.AddrIPv4) > 0 {
				hub.Host = entry.AddrIPv4[0].String()
			} else if len(entry.AddrIPv6) > 0 {
				hub.Host = entry.AddrIPv6[0].String()
			}

			for _, txt := range entry.Text {
				switch {
				case strings.HasPrefix(txt, "version="):
					hub.Version = strings.TrimPrefix(txt, "version=")
				case strings.HasPrefix(txt, "name="):
					hub.Name = strings.TrimPrefix(txt, "name=")
				}
			}

			mu.Lock()
			hubs = append(hubs, hub)
			mu.Unlock()
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, "local.", entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	// zeroconf closes the entries channel when the context is done.
	<-ctx.Done()
	wg.Wait()

	return hubs, nil
}
