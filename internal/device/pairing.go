package device

import (
	"errors"
	"log"
	"time"

	"github.com/neurolab/bridge/internal/auth"
	"github.com/neurolab/bridge/internal/protocol"
)

// Pairing errors.
var (
	ErrNotConnected  = errors.New("device channel is not connected")
	ErrAlreadyPaired = errors.New("already paired with a device")
	ErrSessionActive = errors.New("a pairing session is already active")
	ErrNoSuchRequest = errors.New("no pending pairing request from that device")
	ErrCodeRequired  = errors.New("a pairing code must be entered to accept")
	ErrCodeMismatch  = errors.New("entered code does not match the pairing code")
	ErrNotPaired     = errors.New("not paired with any device")
)

// SessionRole says which side of the handshake the local device is on.
type SessionRole string

const (
	RoleRequester SessionRole = "requester"
	RoleResponder SessionRole = "responder"
)

// SessionStep is the pairing session state. The idle state is
// represented by the absence of a session.
type SessionStep string

const (
	StepWaiting    SessionStep = "waiting"
	StepConfirming SessionStep = "confirming"
	StepPaired     SessionStep = "paired"
)

// Session is one active pairing attempt. A requester-side session
// always carries the code it generated.
type Session struct {
	Role       SessionRole
	Step       SessionStep
	Code       string
	TargetID   string
	TargetName string
	CreatedAt  time.Time

	timeout *time.Timer
}

// PairedDevice records the single current pairing.
type PairedDevice struct {
	ConnectionID string
	Name         string
	Role         string
	PairedAt     time.Time
}

// InboundRequest is a pair request awaiting a local answer.
type InboundRequest struct {
	From       string
	FromName   string
	Code       string
	ReceivedAt time.Time

	timeout *time.Timer
}

// RequestPairing generates a fresh 6-digit code, opens a waiting
// session, and sends a pair request addressed to the target. Reaching
// the waiting state requires no delivery confirmation.
func (e *Engine) RequestPairing(targetID string) error {
	if !e.bus.Connected(protocol.ChannelDevice) {
		return ErrNotConnected
	}

	e.mu.Lock()
	if e.paired != nil {
		e.mu.Unlock()
		return ErrAlreadyPaired
	}
	if e.session != nil {
		e.mu.Unlock()
		return ErrSessionActive
	}

	code, err := auth.GenerateNumericCode()
	if err != nil {
		e.mu.Unlock()
		return err
	}

	session := &Session{
		Role:       RoleRequester,
		Step:       StepWaiting,
		Code:       code,
		TargetID:   targetID,
		TargetName: e.lookupNameLocked(targetID),
		CreatedAt:  e.config.TimeNow(),
	}
	if e.config.SessionTimeout > 0 {
		session.timeout = time.AfterFunc(e.config.SessionTimeout, func() {
			e.expireSession(session)
		})
	}
	e.session = session
	e.mu.Unlock()

	e.bus.EmitTo(protocol.ChannelDevice, protocol.EventPairRequest, targetID,
		protocol.PairRequestPayload{TargetID: targetID, PairingCode: code})
	e.notify()
	return nil
}

// CancelPairing abandons the active session and returns to idle.
func (e *Engine) CancelPairing() {
	e.mu.Lock()
	e.clearSessionLocked()
	e.mu.Unlock()
	e.notify()
}

// RespondToPairingRequest answers the pending request from the given
// origin. Accepting requires the entered code to match the code the
// requester sent; a mismatch notifies the requester and leaves the
// request pending so the responder can retry. Acceptance transitions
// to paired immediately using the request's claimed identity, without
// waiting for a confirmation round trip.
func (e *Engine) RespondToPairingRequest(from string, accepted bool, enteredCode string) error {
	e.mu.Lock()
	idx := -1
	for i, req := range e.pending {
		if req.From == from {
			idx = i
			break
		}
	}
	if idx == -1 {
		e.mu.Unlock()
		return ErrNoSuchRequest
	}
	req := e.pending[idx]

	if !accepted {
		e.removePendingLocked(from)
		e.clearSessionLocked()
		e.mu.Unlock()

		e.bus.EmitTo(protocol.ChannelDevice, protocol.EventPairResponse, from,
			protocol.PairResponsePayload{TargetID: from, Accepted: false})
		e.notify()
		return nil
	}

	if enteredCode == "" {
		e.mu.Unlock()
		return ErrCodeRequired
	}
	if enteredCode != req.Code {
		e.setErrorLocked("entered code does not match")
		e.mu.Unlock()

		e.bus.EmitTo(protocol.ChannelDevice, protocol.EventPairResponseError, from,
			protocol.PairErrorPayload{TargetID: from, Message: "pairing code mismatch"})
		e.notify()
		return ErrCodeMismatch
	}

	e.removePendingLocked(from)
	e.clearSessionLocked()
	_, role := e.lookupPartnerLocked(from)
	e.paired = &PairedDevice{
		ConnectionID: from,
		Name:         req.FromName,
		Role:         role,
		PairedAt:     e.config.TimeNow(),
	}
	code := req.Code
	e.mu.Unlock()

	e.bus.EmitTo(protocol.ChannelDevice, protocol.EventPairResponse, from,
		protocol.PairResponsePayload{
			TargetID:    from,
			Accepted:    true,
			PairingCode: code,
			EnteredCode: enteredCode,
		})
	e.notify()
	return nil
}

// DismissRequest drops a pending request without answering it.
func (e *Engine) DismissRequest(from string) {
	e.mu.Lock()
	e.removePendingLocked(from)
	if e.session != nil && e.session.Role == RoleResponder && e.session.TargetID == from {
		e.clearSessionLocked()
	}
	e.mu.Unlock()
	e.notify()
}

// UnpairDevice sends an unpair notification to the current partner and
// clears local pairing state unilaterally, without waiting for an
// acknowledgement.
func (e *Engine) UnpairDevice() error {
	e.mu.Lock()
	if e.paired == nil {
		e.mu.Unlock()
		return ErrNotPaired
	}
	partnerID := e.paired.ConnectionID
	e.paired = nil
	e.clearSessionLocked()
	e.mu.Unlock()

	e.bus.EmitTo(protocol.ChannelDevice, protocol.EventUnpaired, partnerID,
		protocol.UnpairedPayload{TargetID: partnerID})
	e.notify()
	return nil
}

// handlePairRequest records an inbound request, deduplicated by origin:
// re-receiving a request from the same origin before it is answered
// refreshes the code but never creates a duplicate entry.
func (e *Engine) handlePairRequest(env protocol.Envelope) {
	var payload protocol.PairRequestPayload
	if err := env.Decode(&payload); err != nil {
		log.Printf("device: %v", err)
		return
	}
	if env.From == "" {
		log.Printf("device: pair-request without origin id, ignoring")
		return
	}

	e.mu.Lock()
	for _, req := range e.pending {
		if req.From == env.From {
			req.Code = payload.PairingCode
			e.mu.Unlock()
			e.notify()
			return
		}
	}

	req := &InboundRequest{
		From:       env.From,
		FromName:   e.lookupNameLocked(env.From),
		Code:       payload.PairingCode,
		ReceivedAt: e.config.TimeNow(),
	}
	// An answered request followed by a fresh one from the same origin
	// must not be removed by the old request's expired timer.
	if e.config.SessionTimeout > 0 {
		req.timeout = time.AfterFunc(e.config.SessionTimeout, func() {
			e.mu.Lock()
			for _, cur := range e.pending {
				if cur == req {
					e.removePendingLocked(req.From)
					e.mu.Unlock()
					e.notify()
					return
				}
			}
			e.mu.Unlock()
		})
	}
	e.pending = append(e.pending, req)

	if e.session == nil && e.paired == nil {
		e.session = &Session{
			Role:       RoleResponder,
			Step:       StepConfirming,
			TargetID:   req.From,
			TargetName: req.FromName,
			CreatedAt:  req.ReceivedAt,
		}
	}
	e.mu.Unlock()
	e.notify()
}

// handlePairResponse completes the requester side of the handshake.
// The requester does not re-check the code: verification already
// happened on the side that entered it.
func (e *Engine) handlePairResponse(env protocol.Envelope) {
	var payload protocol.PairResponsePayload
	if err := env.Decode(&payload); err != nil {
		log.Printf("device: %v", err)
		return
	}

	e.mu.Lock()
	session := e.session
	if session == nil || session.Role != RoleRequester || session.Step != StepWaiting {
		e.mu.Unlock()
		log.Printf("device: unexpected pair-response from %s, ignoring", env.From)
		return
	}

	if !payload.Accepted {
		e.clearSessionLocked()
		e.setErrorLocked("pairing request was declined")
		e.mu.Unlock()
		e.notify()
		return
	}

	partnerID := env.From
	if partnerID == "" {
		partnerID = session.TargetID
	}
	session.Step = StepPaired
	if session.timeout != nil {
		session.timeout.Stop()
	}
	name, role := e.lookupPartnerLocked(partnerID)
	e.paired = &PairedDevice{
		ConnectionID: partnerID,
		Name:         name,
		Role:         role,
		PairedAt:     e.config.TimeNow(),
	}

	// Keep the completed session visible briefly, then fold it into
	// the paired record.
	if e.graceTimer != nil {
		e.graceTimer.Stop()
	}
	e.graceTimer = time.AfterFunc(e.config.AcceptGrace, func() {
		e.mu.Lock()
		if e.session == session {
			e.session = nil
		}
		e.graceTimer = nil
		e.mu.Unlock()
		e.notify()
	})
	e.mu.Unlock()
	e.notify()
}

// handlePairResponseError surfaces a mismatch reported by the other
// side. The waiting session stays open so the responder can retry.
func (e *Engine) handlePairResponseError(env protocol.Envelope) {
	var payload protocol.PairErrorPayload
	message := "pairing failed"
	if err := env.Decode(&payload); err == nil && payload.Message != "" {
		message = payload.Message
	}

	e.mu.Lock()
	e.setErrorLocked(message)
	e.mu.Unlock()
	e.notify()
}

// handleUnpaired clears pairing state unconditionally, regardless of
// local belief about pairing status.
func (e *Engine) handleUnpaired(env protocol.Envelope) {
	e.mu.Lock()
	e.paired = nil
	e.clearSessionLocked()
	e.mu.Unlock()
	e.notify()
}

// handlePairDisconnected clears pairing state when the channel reports
// the partner gone.
func (e *Engine) handlePairDisconnected(env protocol.Envelope) {
	e.mu.Lock()
	e.paired = nil
	e.clearSessionLocked()
	e.mu.Unlock()
	e.notify()
}

// expireSession times out an unanswered waiting session.
func (e *Engine) expireSession(session *Session) {
	e.mu.Lock()
	if e.session != session || session.Step != StepWaiting {
		e.mu.Unlock()
		return
	}
	e.session = nil
	e.setErrorLocked("pairing request timed out")
	e.mu.Unlock()
	e.notify()
}

func (e *Engine) clearSessionLocked() {
	if e.session != nil && e.session.timeout != nil {
		e.session.timeout.Stop()
	}
	e.session = nil
}

func (e *Engine) removePendingLocked(from string) {
	for i, req := range e.pending {
		if req.From == from {
			if req.timeout != nil {
				req.timeout.Stop()
			}
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			return
		}
	}
}

// setErrorLocked records a transient error that auto-clears.
func (e *Engine) setErrorLocked(message string) {
	e.lastError = message
	if e.errorTimer != nil {
		e.errorTimer.Stop()
	}
	e.errorTimer = time.AfterFunc(e.config.ErrorClear, func() {
		e.mu.Lock()
		e.lastError = ""
		e.errorTimer = nil
		e.mu.Unlock()
		e.notify()
	})
}

// FormatCode renders a 6-digit pairing code grouped as XXX-XXX.
func FormatCode(code string) string {
	if len(code) != 6 {
		return code
	}
	return code[:3] + "-" + code[3:]
}
