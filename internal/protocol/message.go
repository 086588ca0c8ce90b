// Package protocol defines the wire format shared by the hub and the
// channel connection manager: the message envelope, the logical channel
// names, and the event vocabulary with its payload structures.
//
// Event names and payload field names are load-bearing. Existing admin
// and participant applications speak exactly this vocabulary, so none of
// the string constants below may change.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Logical channel names. Each channel is an independently connectable
// WebSocket stream; the main channel anchors connectivity, the other
// three carry domain traffic.
const (
	ChannelMain       = "main"
	ChannelExperiment = "experiment"
	ChannelDevice     = "device"
	ChannelEEG        = "eeg"
)

// Channels lists all logical channels in connect order.
var Channels = []string{ChannelMain, ChannelExperiment, ChannelDevice, ChannelEEG}

// Device channel events.
const (
	// EventDeviceRegistered is sent by the hub to a device-channel client
	// right after it joins, confirming the connection id the hub assigned.
	EventDeviceRegistered = "device-registered"

	// EventDeviceScan requests a fresh directory snapshot.
	EventDeviceScan = "device-scan"

	// EventDeviceScanResults carries the directory snapshot in reply to a scan.
	EventDeviceScanResults = "device-scan-results"

	// EventDeviceListUpdated is an unsolicited directory snapshot pushed
	// whenever a device joins or leaves the device channel.
	EventDeviceListUpdated = "device-list-updated"

	// EventPairRequest asks a target device to pair, carrying the
	// requester-generated 6-digit code.
	EventPairRequest = "pair-request"

	// EventPairResponse answers a pair request (accepted or rejected).
	EventPairResponse = "pair-response"

	// EventPairResponseError reports a pairing failure (e.g. code mismatch)
	// back to the requester.
	EventPairResponseError = "pair-response-error"

	// EventUnpaired notifies the partner that the pairing was dissolved.
	EventUnpaired = "unpaired"

	// EventPairDisconnected notifies a device that its paired partner
	// dropped off the device channel.
	EventPairDisconnected = "pair-disconnected"

	// EventDeviceStatus requests (empty payload) or reports the hub's view
	// of the sender's device status.
	EventDeviceStatus = "device-status"
)

// Experiment channel events.
const (
	EventDeviceConnected   = "device-connected"
	EventExperimentStart   = "experiment-start"
	EventExperimentStop    = "experiment-stop"
	EventExperimentPause   = "experiment-pause"
	EventStepChange        = "step-change"
	EventStepComplete      = "step-complete"
	EventTimeSync          = "time-sync"
	EventJoinAsAdmin       = "join-as-admin"
	EventJoinAsParticipant = "join-as-participant"
)

// EEG channel events.
const (
	// EventEEGData carries one already-sampled multi-channel frame.
	EventEEGData = "eeg-data"
)

// Main channel events.
const (
	EventHeartbeat = "heartbeat"
)

// Envelope is the frame for every message on every channel.
//
// From is stamped by the hub with the sender's connection id before
// delivery. To, when set by the sender, requests targeted routing on the
// device channel; all other traffic is broadcast to the channel.
type Envelope struct {
	Event   string          `json:"event"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope builds an envelope with the payload marshaled to JSON.
func NewEnvelope(event, to string, payload any) (Envelope, error) {
	env := Envelope{Event: event, To: to}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", event, err)
		}
		env.Payload = data
	}
	return env, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Event)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Event, err)
	}
	return nil
}

// Device roles as they appear on the wire.
const (
	RoleAdmin       = "admin"
	RoleResearcher  = "researcher"
	RoleParticipant = "user"
)

// DeviceInfo describes one device visible on the device channel.
type DeviceInfo struct {
	ConnectionID string `json:"connectionId"`
	Name         string `json:"name"`
	Role         string `json:"role"`
	Status       string `json:"status"`
	ConnectedAt  int64  `json:"connectedAt"`
}

// DeviceRegisteredPayload confirms the hub-assigned connection id.
type DeviceRegisteredPayload struct {
	ConnectionID string `json:"connectionId"`
}

// DeviceListPayload carries a wholesale directory snapshot. It is the
// payload of both device-scan-results and device-list-updated.
type DeviceListPayload struct {
	Devices []DeviceInfo `json:"devices"`
}

// PairRequestPayload asks the target to pair.
type PairRequestPayload struct {
	TargetID    string `json:"targetId"`
	PairingCode string `json:"pairingCode"`
}

// PairResponsePayload answers a pair request. On acceptance it carries
// both the originally generated code and the code the responder entered,
// so either side can verify them.
type PairResponsePayload struct {
	TargetID    string `json:"targetId"`
	Accepted    bool   `json:"accepted"`
	PairingCode string `json:"pairingCode,omitempty"`
	EnteredCode string `json:"enteredCode,omitempty"`
}

// PairErrorPayload reports a pairing failure.
type PairErrorPayload struct {
	TargetID string `json:"targetId,omitempty"`
	Message  string `json:"message"`
}

// UnpairedPayload notifies the target of a unilateral unpair.
type UnpairedPayload struct {
	TargetID string `json:"targetId"`
}

// PairDisconnectedPayload identifies the partner that dropped off.
type PairDisconnectedPayload struct {
	ConnectionID string `json:"connectionId"`
}

// DeviceStatusPayload is the hub's reply to a device-status request.
type DeviceStatusPayload struct {
	ConnectionID string `json:"connectionId"`
	Status       string `json:"status"`
}

// Step describes one experiment step as shown to the participant.
type Step struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

// ExperimentStartPayload announces a new run entering the running state.
type ExperimentStartPayload struct {
	ExperimentID string `json:"experimentId"`
	CurrentStep  Step   `json:"currentStep"`
	Timestamp    int64  `json:"timestamp"`
}

// ExperimentControlPayload is shared by experiment-stop and experiment-pause.
type ExperimentControlPayload struct {
	ExperimentID string `json:"experimentId"`
	Timestamp    int64  `json:"timestamp"`
}

// StepChangePayload moves the run to a new step/trial position.
type StepChangePayload struct {
	ExperimentID string `json:"experimentId"`
	CurrentStep  Step   `json:"currentStep"`
	StepIndex    int    `json:"stepIndex"`
	TrialIndex   int    `json:"trialIndex"`
	Timestamp    int64  `json:"timestamp"`
}

// StepCompletePayload is participant telemetry for the controller's
// status table. It never gates controller progression.
type StepCompletePayload struct {
	ExperimentID string `json:"experimentId"`
	StepIndex    int    `json:"stepIndex"`
	TrialIndex   int    `json:"trialIndex"`
	Timestamp    int64  `json:"timestamp"`
}

// TimeSyncPayload is the hub's timestamped reply to a time-sync request.
type TimeSyncPayload struct {
	ServerTime int64 `json:"serverTime"`
}

// JoinPayload accompanies join-as-participant (experiment id) and, with
// an empty id, join-as-admin.
type JoinPayload struct {
	ExperimentID string `json:"experimentId,omitempty"`
}

// DeviceConnectedPayload announces a device joining an experiment run.
type DeviceConnectedPayload struct {
	ExperimentID string `json:"experimentId"`
	Role         string `json:"role"`
}
