package hub

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/neurolab/bridge/internal/storage"
)

// DeviceStore is the subset of the device registry the management
// endpoints need.
type DeviceStore interface {
	ListDevices() ([]*storage.Device, error)
	GetDevice(id string) (*storage.Device, error)
	DeleteDevice(id string) error
}

// DeviceSummary is one row in the /api/devices response.
type DeviceSummary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	LastSeen  time.Time `json:"last_seen"`
}

// DevicesHandler answers GET /api/devices with the registered device list.
type DevicesHandler struct {
	store DeviceStore
}

// NewDevicesHandler creates the device list handler.
func NewDevicesHandler(store DeviceStore) *DevicesHandler {
	return &DevicesHandler{store: store}
}

func (h *DevicesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	devices, err := h.store.ListDevices()
	if err != nil {
		log.Printf("hub: list devices: %v", err)
		http.Error(w, "failed to list devices", http.StatusInternalServerError)
		return
	}

	summaries := make([]DeviceSummary, 0, len(devices))
	for _, d := range devices {
		summaries = append(summaries, DeviceSummary{
			ID:        d.ID,
			Name:      d.Name,
			Role:      d.Role,
			CreatedAt: d.CreatedAt,
			LastSeen:  d.LastSeen,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summaries)
}

// RevokeRequest is the JSON body for POST /api/devices/revoke.
type RevokeRequest struct {
	DeviceID string `json:"device_id"`
}

// RevokeResponse reports the outcome of a revocation.
type RevokeResponse struct {
	Revoked           bool `json:"revoked"`
	ClosedConnections int  `json:"closed_connections"`
}

// RevokeHandler handles POST /api/devices/revoke. It deletes the device
// credential and immediately closes any live channel connections it holds,
// so revocation takes effect without waiting for the next connect.
type RevokeHandler struct {
	hub   *Hub
	store DeviceStore
}

// NewRevokeHandler creates the revocation handler.
func NewRevokeHandler(h *Hub, store DeviceStore) *RevokeHandler {
	return &RevokeHandler{hub: h, store: store}
}

func (h *RevokeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req RevokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceID == "" {
		http.Error(w, "device_id is required", http.StatusBadRequest)
		return
	}

	device, err := h.store.GetDevice(req.DeviceID)
	if err != nil {
		log.Printf("hub: revoke lookup: %v", err)
		http.Error(w, "failed to look up device", http.StatusInternalServerError)
		return
	}
	if device == nil {
		http.Error(w, "device not found", http.StatusNotFound)
		return
	}

	if err := h.store.DeleteDevice(req.DeviceID); err != nil {
		log.Printf("hub: revoke delete: %v", err)
		http.Error(w, "failed to revoke device", http.StatusInternalServerError)
		return
	}

	closed := h.hub.CloseDeviceConnections(req.DeviceID)
	log.Printf("hub: revoked device %s (%s)", device.ID, device.Name)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(RevokeResponse{
		Revoked:           true,
		ClosedConnections: closed,
	})
}
