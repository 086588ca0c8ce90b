package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/skip2/go-qrcode"
)

// PairConfig holds configuration for the pair command.
type PairConfig struct {
	Addr string
	QR   bool
}

func runPair(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("pair", flag.ContinueOnError)
	fs.SetOutput(stderr)

	cfg := &PairConfig{}
	fs.StringVar(&cfg.Addr, "addr", "", "Hub address for display (default: LAN IP:7170)")
	fs.BoolVar(&cfg.QR, "qr", false, "Display registration information as a QR code")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: bridge pair [options]\n\nGenerate a registration code for a new device.\n\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nThe code is valid for 2 minutes and can only be used once.\n")
		fmt.Fprintf(stderr, "The device enters this code at the /register endpoint to get a token.\n")
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	// The display address must be reachable from the joining device, so
	// prefer a LAN IP. Code generation itself always goes to localhost:
	// the hub restricts /register/generate to loopback.
	displayAddr := cfg.Addr
	if displayAddr == "" {
		if ip := GetPreferredOutboundIP(); ip != "" {
			displayAddr = ip + ":7170"
		} else {
			fmt.Fprintf(stderr, "Warning: could not detect network IP, using localhost\n")
			displayAddr = "127.0.0.1:7170"
		}
	}

	code, expiry, err := requestRegistrationCode("127.0.0.1:7170")
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		fmt.Fprintf(stderr, "\nThe hub must be running to generate a registration code.\n")
		fmt.Fprintf(stderr, "Start it with: bridge serve --require-auth\n")
		return 1
	}

	if cfg.QR {
		DisplayQRCode(stdout, code, expiry, displayAddr)
	} else {
		DisplayRegistrationCode(stdout, code, expiry, displayAddr)
	}
	return 0
}

// requestRegistrationCode asks the running hub for a fresh code.
func requestRegistrationCode(addr string) (code string, expiry time.Time, err error) {
	client := &http.Client{Timeout: 5 * time.Second}
	reqURL := fmt.Sprintf("http://%s/register/generate", addr)

	resp, err := client.Post(reqURL, "application/json", nil)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("could not connect to hub at %s: %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		return "", time.Time{}, fmt.Errorf("code generation is restricted to localhost")
	}
	if resp.StatusCode != http.StatusOK {
		return "", time.Time{}, fmt.Errorf("hub returned status %d", resp.StatusCode)
	}

	var result struct {
		Code   string    `json:"code"`
		Expiry time.Time `json:"expiry"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", time.Time{}, err
	}

	return result.Code, result.Expiry, nil
}

// DisplayRegistrationCode shows the registration code to the user.
func DisplayRegistrationCode(w io.Writer, code string, expiry time.Time, addr string) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "        REGISTRATION CODE")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "           %s\n", FormatCodeGrouped(code))
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "  Expires: %s\n", expiry.Format("15:04:05"))
	fmt.Fprintf(w, "  Hub:     %s\n", addr)
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "  Enter this code on the joining device.")
	fmt.Fprintln(w, "  The code can only be used once.")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "")
}

// DisplayQRCode shows registration information as a QR code with a
// plain-text fallback. The payload uses a URL scheme the participant
// app can parse: neurobridge://register?hub=<addr>&code=<code>
func DisplayQRCode(w io.Writer, code string, expiry time.Time, addr string) {
	payload := fmt.Sprintf("neurobridge://register?hub=%s&code=%s",
		url.QueryEscape(addr), code)

	qr, err := qrcode.New(payload, qrcode.Medium)
	if err != nil {
		fmt.Fprintf(w, "Error generating QR code: %v\n", err)
		fmt.Fprintf(w, "Falling back to text display.\n\n")
		DisplayRegistrationCode(w, code, expiry, addr)
		return
	}

	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "        SCAN TO REGISTER")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "")

	fmt.Fprint(w, qr.ToSmallString(false))

	fmt.Fprintln(w, "-------------------------------------------")
	fmt.Fprintln(w, "  Plain-text fallback:")
	fmt.Fprintf(w, "  Code:    %s\n", FormatCodeGrouped(code))
	fmt.Fprintf(w, "  Hub:     %s\n", addr)
	fmt.Fprintf(w, "  Expires: %s\n", expiry.Format("15:04:05"))
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "")
}

// FormatCodeGrouped renders a 6-digit code as XXX-XXX for readability.
func FormatCodeGrouped(code string) string {
	if len(code) != 6 {
		return code
	}
	return code[:3] + "-" + code[3:]
}

// GetPreferredOutboundIP returns the machine's preferred outbound IPv4
// address by asking the OS routing table which local address it would
// use for an external destination. No packets are actually sent.
func GetPreferredOutboundIP() string {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}
