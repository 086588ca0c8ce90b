package auth

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"time"
)

// RegisterRequest is the JSON body for the /register endpoint.
type RegisterRequest struct {
	// Code is the 6-digit registration code displayed by `bridge pair`.
	Code string `json:"code"`

	// DeviceName is a friendly name for the device (e.g., "Lab Tablet 3").
	DeviceName string `json:"device_name"`

	// Role is the device role: admin, researcher, or user.
	Role string `json:"role"`
}

// RegisterResponse is the JSON response from /register on success.
type RegisterResponse struct {
	// DeviceID is the unique identifier for the registered device.
	DeviceID string `json:"device_id"`

	// Token is the bearer token for channel connections.
	// This is only returned once and should be stored securely by the client.
	Token string `json:"token"`
}

// ErrorResponse is the JSON response for error conditions.
type ErrorResponse struct {
	// Error is a machine-readable error code (e.g., "invalid_code").
	Error string `json:"error"`

	// Message is a human-readable description.
	Message string `json:"message"`
}

// RegisterHandler handles the /register HTTP endpoint for code-to-token
// exchange. It validates the registration code and returns a bearer token
// on success.
type RegisterHandler struct {
	manager *RegistrationManager
}

// NewRegisterHandler creates a new register handler.
func NewRegisterHandler(rm *RegistrationManager) *RegisterHandler {
	return &RegisterHandler{manager: rm}
}

// ServeHTTP handles POST /register requests.
func (h *RegisterHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST is allowed")
		return
	}

	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("auth: failed to parse register request: %v", err)
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}

	if req.Code == "" {
		writeError(w, http.StatusBadRequest, "missing_code", "Registration code is required")
		return
	}

	deviceName := req.DeviceName
	if deviceName == "" {
		deviceName = "Unknown Device"
	}
	role := req.Role
	if role == "" {
		role = "user"
	}

	deviceID, token, err := h.manager.RedeemCode(req.Code, deviceName, role)
	if err != nil {
		switch err {
		case ErrCodeInvalid:
			writeError(w, http.StatusUnauthorized, "invalid_code", "Invalid registration code")
		case ErrCodeExpired:
			writeError(w, http.StatusUnauthorized, "expired_code", "Registration code has expired")
		case ErrCodeUsed:
			writeError(w, http.StatusUnauthorized, "used_code", "Registration code has already been used")
		case ErrRateLimited:
			writeError(w, http.StatusTooManyRequests, "rate_limited", "Too many registration attempts, please wait")
		default:
			log.Printf("auth: unexpected error during registration: %v", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "Failed to complete registration")
		}
		return
	}

	log.Printf("auth: device registered successfully: %s (%s)", deviceID, deviceName)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(RegisterResponse{
		DeviceID: deviceID,
		Token:    token,
	})
}

// GenerateCodeResponse is the JSON response for /register/generate.
type GenerateCodeResponse struct {
	Code   string    `json:"code"`
	Expiry time.Time `json:"expiry"`
}

// GenerateCodeHandler handles the /register/generate endpoint.
// This is called by the `bridge pair` CLI command to generate a code.
type GenerateCodeHandler struct {
	manager *RegistrationManager
}

// NewGenerateCodeHandler creates a new generate code handler.
func NewGenerateCodeHandler(rm *RegistrationManager) *GenerateCodeHandler {
	return &GenerateCodeHandler{manager: rm}
}

// ServeHTTP handles POST /register/generate requests.
// The endpoint is restricted to loopback requests: remote access to code
// generation would let attackers mint codes and race legitimate users.
func (h *GenerateCodeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !isLoopbackRequest(r) {
		log.Printf("auth: rejected /register/generate from non-loopback address: %s", r.RemoteAddr)
		writeError(w, http.StatusForbidden, "forbidden", "Code generation is only available from localhost")
		return
	}

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST is allowed")
		return
	}

	code, err := h.manager.GenerateCode()
	if err != nil {
		log.Printf("auth: failed to generate registration code: %v", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to generate registration code")
		return
	}

	expiry := h.manager.GetCodeExpiry()

	log.Printf("auth: generated registration code via /register/generate endpoint")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(GenerateCodeResponse{
		Code:   code,
		Expiry: expiry,
	})
}

// isLoopbackRequest checks if the request originates from the local machine.
func isLoopbackRequest(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// If we can't parse the address, be conservative and reject
		log.Printf("auth: failed to parse RemoteAddr %q: %v", r.RemoteAddr, err)
		return false
	}

	ip := net.ParseIP(host)
	if ip == nil {
		log.Printf("auth: failed to parse IP from host %q", host)
		return false
	}

	return ip.IsLoopback()
}

// writeError sends a JSON error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   code,
		Message: message,
	})
}
