package config

// DefaultAddr is the default listen address for the hub.
const DefaultAddr = "127.0.0.1:7170"

// DefaultPairingTimeoutSeconds is how long an outbound pairing request
// waits for an answer before timing out.
const DefaultPairingTimeoutSeconds = 120

// DefaultEEGMaxFramesPerSecond caps inbound EEG frames per hub client.
const DefaultEEGMaxFramesPerSecond = 500
