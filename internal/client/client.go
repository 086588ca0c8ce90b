// Package client composes the client-side engines over one channel
// connection manager: the device directory and pairing engine, and the
// experiment synchronization engine, bound so that losing the pairing
// resets the experiment run.
package client

import (
	"time"

	"github.com/neurolab/bridge/internal/config"
	"github.com/neurolab/bridge/internal/conn"
	"github.com/neurolab/bridge/internal/device"
	"github.com/neurolab/bridge/internal/experiment"
)

// Config assembles a client.
type Config struct {
	// BaseURL is the hub address, e.g. "ws://127.0.0.1:7170".
	BaseURL string

	// Identity authenticates the channels and feeds the directory.
	Identity conn.Identity

	// Role selects the experiment engine side. Default: participant.
	Role experiment.Role

	// File carries the tunables shared with the configuration file:
	// pairing_timeout_seconds and resync_interval_seconds. Nil leaves
	// the engine defaults in place.
	File *config.Config
}

// Client bundles the connection manager with the pairing and
// experiment engines.
type Client struct {
	Conn       *conn.Manager
	Devices    *device.Engine
	Experiment *experiment.Engine

	identity conn.Identity
	unbind   func()
}

// New wires the engines together over a fresh connection manager.
// Call Connect to go online and Close to tear everything down.
func New(cfg Config) *Client {
	mgr := conn.NewManager(conn.Config{BaseURL: cfg.BaseURL})
	deviceCfg, expCfg := engineConfigs(cfg)
	devices := device.NewEngine(mgr, deviceCfg)
	exp := experiment.NewEngine(mgr, expCfg)

	c := &Client{
		Conn:       mgr,
		Devices:    devices,
		Experiment: exp,
		identity:   cfg.Identity,
	}
	c.unbind = exp.BindPairing(devices)
	return c
}

// engineConfigs translates the file tunables into engine configs. A
// negative pairing timeout disables session expiry; a zero resync
// interval leaves automatic time re-sync off.
func engineConfigs(cfg Config) (device.Config, experiment.Config) {
	var deviceCfg device.Config
	expCfg := experiment.Config{Role: cfg.Role}
	if cfg.File != nil {
		if cfg.File.PairingTimeoutSeconds != 0 {
			deviceCfg.SessionTimeout = time.Duration(cfg.File.PairingTimeoutSeconds) * time.Second
		}
		if cfg.File.ResyncIntervalSeconds > 0 {
			expCfg.ResyncInterval = time.Duration(cfg.File.ResyncIntervalSeconds) * time.Second
		}
	}
	return deviceCfg, expCfg
}

// Connect opens the four channels under the configured identity.
func (c *Client) Connect() error {
	return c.Conn.Connect(c.identity)
}

// Close tears the client down: engines first, then the channels.
func (c *Client) Close() {
	c.unbind()
	c.Experiment.Close()
	c.Devices.Close()
	c.Conn.Close()
}
