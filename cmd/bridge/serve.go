package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/neurolab/bridge/internal/auth"
	"github.com/neurolab/bridge/internal/config"
	"github.com/neurolab/bridge/internal/hub"
	"github.com/neurolab/bridge/internal/mdns"
	"github.com/neurolab/bridge/internal/storage"
)

// ServeConfig holds the resolved serve command configuration after
// merging flags, environment, and the config file. Precedence:
// flags > environment > config file > defaults.
type ServeConfig struct {
	Addr        string
	TokenStore  string
	RequireAuth bool
	Mdns        bool

	// Pair generates a registration code at startup and displays it,
	// optionally as a QR code.
	Pair bool
	QR   bool
}

func runServe(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		configPath  = fs.String("config", "", "Path to config file (default: ~/.neurobridge/config.toml)")
		addr        = fs.String("addr", "", "Listen address (default: "+config.DefaultAddr+")")
		tokenStore  = fs.String("token-store", "", "Path to device registry database")
		requireAuth = fs.Bool("require-auth", false, "Require a bearer token on every channel connect")
		mdnsFlag    = fs.Bool("mdns", false, "Advertise the hub on the LAN via DNS-SD")
		pairFlag    = fs.Bool("pair", false, "Generate a registration code at startup")
		qrFlag      = fs.Bool("qr", false, "Display the startup registration code as a QR code (implies --pair)")
	)

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: bridge serve [options]\n\nStart the hub daemon.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	// A .env file in the working directory supplies environment
	// overrides; absence is not an error.
	_ = godotenv.Load()

	fileCfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })

	cfg := resolveServeConfig(fileCfg, setFlags, *addr, *tokenStore, *requireAuth, *mdnsFlag)
	cfg.Pair = *pairFlag || *qrFlag
	cfg.QR = *qrFlag

	return serve(cfg, fileCfg, stdout, stderr)
}

// resolveServeConfig merges flag, environment, and file values.
func resolveServeConfig(fileCfg *config.Config, setFlags map[string]bool, addr, tokenStore string, requireAuth, mdnsEnabled bool) ServeConfig {
	cfg := ServeConfig{
		Addr:        fileCfg.Addr,
		TokenStore:  fileCfg.TokenStore,
		RequireAuth: fileCfg.RequireAuth,
		Mdns:        fileCfg.MdnsEnabled,
	}

	if v := os.Getenv("BRIDGE_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("BRIDGE_TOKEN_STORE"); v != "" {
		cfg.TokenStore = v
	}
	if v := os.Getenv("BRIDGE_REQUIRE_AUTH"); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			cfg.RequireAuth = parsed
		}
	}

	if setFlags["addr"] {
		cfg.Addr = addr
	}
	if setFlags["token-store"] {
		cfg.TokenStore = tokenStore
	}
	if setFlags["require-auth"] {
		cfg.RequireAuth = requireAuth
	}
	if setFlags["mdns"] {
		cfg.Mdns = mdnsEnabled
	}

	if cfg.Addr == "" {
		cfg.Addr = config.DefaultAddr
	}
	return cfg
}

func serve(cfg ServeConfig, fileCfg *config.Config, stdout, stderr io.Writer) int {
	storePath := cfg.TokenStore
	if storePath == "" {
		defaultPath, err := config.DefaultTokenStorePath()
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		storePath = defaultPath
	}
	if err := os.MkdirAll(filepath.Dir(storePath), 0o700); err != nil {
		fmt.Fprintf(stderr, "Error: create data directory: %v\n", err)
		return 1
	}

	store, err := storage.NewSQLiteStore(storePath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: open device registry: %v\n", err)
		return 1
	}
	defer store.Close()

	registration := auth.NewRegistrationManager(auth.RegistrationConfig{
		DeviceStore: store,
	})
	validator := auth.NewTokenValidator(store)

	eegCap := fileCfg.EEGMaxFramesPerSecond
	if eegCap == 0 {
		eegCap = config.DefaultEEGMaxFramesPerSecond
	}

	h := hub.New(hub.Config{
		Addr:                  cfg.Addr,
		RequireAuth:           cfg.RequireAuth,
		EEGMaxFramesPerSecond: eegCap,
	})
	h.SetTokenValidator(func(token string) (string, error) {
		device, err := validator.ValidateToken(token)
		if err != nil {
			return "", err
		}
		return device.ID, nil
	})
	h.SetRegisterHandler(auth.NewRegisterHandler(registration))
	h.SetGenerateCodeHandler(auth.NewGenerateCodeHandler(registration))
	h.SetDevicesHandler(hub.NewDevicesHandler(store))
	h.SetRevokeHandler(hub.NewRevokeHandler(h, store))

	errCh, err := h.StartAsync()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	log.Printf("serve: hub listening on %s (auth required: %v)", cfg.Addr, cfg.RequireAuth)

	var advertiser *mdns.Advertiser
	if cfg.Mdns {
		port := hubPort(cfg.Addr)
		advertiser = mdns.NewAdvertiser(mdns.Config{Port: port})
		if err := advertiser.Start(); err != nil {
			fmt.Fprintf(stderr, "Warning: mDNS advertisement failed: %v\n", err)
		} else {
			log.Printf("serve: advertising %s on port %d via mDNS", mdns.ServiceType, port)
		}
	}

	if cfg.Pair {
		code, err := registration.GenerateCode()
		if err != nil {
			fmt.Fprintf(stderr, "Warning: could not generate registration code: %v\n", err)
		} else if cfg.QR {
			DisplayQRCode(stdout, code, registration.GetCodeExpiry(), cfg.Addr)
		} else {
			DisplayRegistrationCode(stdout, code, registration.GetCodeExpiry(), cfg.Addr)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	// errCh delivers only when the server exits; the normal path out of
	// this select is an operator signal.
	select {
	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			if advertiser != nil {
				advertiser.Stop()
			}
			return 1
		}
	case sig := <-sigCh:
		log.Printf("serve: received %v, shutting down", sig)
	}

	if advertiser != nil {
		advertiser.Stop()
	}
	h.Stop()
	return 0
}

// hubPort extracts the port number from a host:port listen address.
func hubPort(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return port
}
