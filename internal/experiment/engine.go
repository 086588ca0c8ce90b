// Package experiment implements the experiment synchronization engine:
// a controller broadcasts lifecycle and step-change events over the
// experiment channel, participants mirror the run state and report
// step completion, and both sides can estimate clock offset against
// the hub.
package experiment

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/neurolab/bridge/internal/conn"
	"github.com/neurolab/bridge/internal/protocol"
)

// Bus is the slice of the channel connection manager the engine needs.
type Bus interface {
	Emit(channel, event string, payload any) bool
	On(channel, event string, handler conn.Handler) func()
	OnStatus(channel string, watcher func(conn.Status)) func()
	Connected(channel string) bool
}

// Role says whether this engine drives step progression or mirrors it.
type Role string

const (
	RoleController  Role = "controller"
	RoleParticipant Role = "participant"
)

// RunStatus is the experiment run state. completed is terminal per run;
// only a fresh experiment-start re-enters running.
type RunStatus string

const (
	StatusIdle      RunStatus = "idle"
	StatusRunning   RunStatus = "running"
	StatusPaused    RunStatus = "paused"
	StatusCompleted RunStatus = "completed"
)

// Engine errors.
var (
	ErrNotController   = errors.New("operation requires the controller role")
	ErrNotParticipant  = errors.New("operation requires the participant role")
	ErrNotRunning      = errors.New("no experiment is running")
	ErrStepRegression  = errors.New("step or trial index would move backwards")
	ErrChannelNotReady = errors.New("experiment channel is not connected")
)

// State is a read-only snapshot of the run.
type State struct {
	ExperimentID string
	Status       RunStatus
	CurrentStep  protocol.Step
	StepIndex    int
	TrialIndex   int
	LastSyncTime int64
	ClockOffset  int64
	Synced       bool
}

// ParticipantProgress is the controller's view of one participant,
// keyed by connection id, fed by step-complete telemetry.
type ParticipantProgress struct {
	StepIndex  int
	TrialIndex int
	UpdatedAt  time.Time
}

// Config holds engine tuning.
type Config struct {
	Role Role

	// ResyncInterval re-requests a time sync periodically. Zero disables
	// automatic re-sync; callers re-invoke RequestTimeSync as needed.
	ResyncInterval time.Duration

	// TimeNow is injectable for tests. Default: time.Now.
	TimeNow func() time.Time
}

// Engine runs one side of an experiment.
type Engine struct {
	bus    Bus
	config Config

	mu sync.Mutex

	experimentID string
	status       RunStatus
	currentStep  protocol.Step
	stepIndex    int
	trialIndex   int

	// lastSyncTime and clockOffset come from time-sync round trips.
	// synced flips true on the first round trip after the channel
	// connects and back to false whenever the channel drops.
	lastSyncTime int64
	clockOffset  int64
	synced       bool

	// participants maps connection id to latest reported progress.
	// Controller role only.
	participants map[string]ParticipantProgress

	resyncTicker *time.Ticker
	resyncStop   chan struct{}

	watchers      map[int]func()
	nextWatcherID int

	unsubs []func()
	closed bool
}

// NewEngine creates the engine and subscribes it to the experiment
// channel according to its role.
func NewEngine(bus Bus, config Config) *Engine {
	if config.Role == "" {
		config.Role = RoleParticipant
	}
	if config.TimeNow == nil {
		config.TimeNow = time.Now
	}

	e := &Engine{
		bus:          bus,
		config:       config,
		status:       StatusIdle,
		participants: make(map[string]ParticipantProgress),
		watchers:     make(map[int]func()),
	}

	e.unsubs = append(e.unsubs,
		bus.On(protocol.ChannelExperiment, protocol.EventTimeSync, e.handleTimeSync),
		bus.OnStatus(protocol.ChannelExperiment, e.handleChannelStatus),
	)
	if config.Role == RoleParticipant {
		e.unsubs = append(e.unsubs,
			bus.On(protocol.ChannelExperiment, protocol.EventExperimentStart, e.handleExperimentStart),
			bus.On(protocol.ChannelExperiment, protocol.EventStepChange, e.handleStepChange),
			bus.On(protocol.ChannelExperiment, protocol.EventExperimentPause, e.handleExperimentPause),
			bus.On(protocol.ChannelExperiment, protocol.EventExperimentStop, e.handleExperimentStop),
		)
	} else {
		e.unsubs = append(e.unsubs,
			bus.On(protocol.ChannelExperiment, protocol.EventStepComplete, e.handleStepComplete),
		)
	}

	if config.ResyncInterval > 0 {
		e.startResyncLoop(config.ResyncInterval)
	}
	return e
}

// Close unsubscribes the engine and stops the resync loop.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	unsubs := e.unsubs
	e.unsubs = nil
	if e.resyncTicker != nil {
		e.resyncTicker.Stop()
		close(e.resyncStop)
		e.resyncTicker = nil
	}
	e.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

// Role returns the engine's configured role.
func (e *Engine) Role() Role {
	return e.config.Role
}

// State returns a snapshot of the run. A local mutation is visible here
// immediately, without waiting for any acknowledgement.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return State{
		ExperimentID: e.experimentID,
		Status:       e.status,
		CurrentStep:  e.currentStep,
		StepIndex:    e.stepIndex,
		TrialIndex:   e.trialIndex,
		LastSyncTime: e.lastSyncTime,
		ClockOffset:  e.clockOffset,
		Synced:       e.synced,
	}
}

// Participants returns the controller's progress table, keyed by
// participant connection id.
func (e *Engine) Participants() map[string]ParticipantProgress {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]ParticipantProgress, len(e.participants))
	for id, p := range e.participants {
		out[id] = p
	}
	return out
}

// OnChange subscribes a watcher to engine state changes. The returned
// capability removes the registration and is idempotent.
func (e *Engine) OnChange(watcher func()) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextWatcherID
	e.nextWatcherID++
	e.watchers[id] = watcher

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.watchers, id)
	}
}

// Pairing is the slice of the pairing engine a run can be bound to.
// device.Engine satisfies it.
type Pairing interface {
	OnChange(watcher func()) func()
	IsPaired() bool
}

// BindPairing ties the run lifecycle to a pairing: once a partner has
// been seen, losing it resets the run to idle. The run has no meaning
// without the partner it was synchronized with. The returned
// capability removes the binding.
func (e *Engine) BindPairing(p Pairing) func() {
	var mu sync.Mutex
	seen := p.IsPaired()
	return p.OnChange(func() {
		paired := p.IsPaired()
		mu.Lock()
		lost := seen && !paired
		seen = paired
		mu.Unlock()
		if lost {
			e.resetRun()
		}
	})
}

// resetRun drops the current run and returns the engine to idle.
func (e *Engine) resetRun() {
	e.mu.Lock()
	if e.status == StatusIdle {
		e.mu.Unlock()
		return
	}
	log.Printf("experiment: pairing lost, resetting run %q to idle", e.experimentID)
	e.experimentID = ""
	e.status = StatusIdle
	e.currentStep = protocol.Step{}
	e.stepIndex = 0
	e.trialIndex = 0
	e.participants = make(map[string]ParticipantProgress)
	e.mu.Unlock()
	e.notify()
}

func (e *Engine) notify() {
	e.mu.Lock()
	watchers := make([]func(), 0, len(e.watchers))
	for _, w := range e.watchers {
		watchers = append(watchers, w)
	}
	e.mu.Unlock()

	for _, w := range watchers {
		w()
	}
}

// StartExperiment enters the running state at step (0,0) and broadcasts
// experiment-start. Local mutation and broadcast are simultaneous, not
// sequenced through a round trip. A fresh start always begins a new
// logical run, even over a completed one.
func (e *Engine) StartExperiment(experimentID string, firstStep protocol.Step) error {
	if e.config.Role != RoleController {
		return ErrNotController
	}

	e.mu.Lock()
	e.experimentID = experimentID
	e.status = StatusRunning
	e.currentStep = firstStep
	e.stepIndex = 0
	e.trialIndex = 0
	e.participants = make(map[string]ParticipantProgress)
	now := e.nowMillisLocked()
	e.mu.Unlock()

	e.bus.Emit(protocol.ChannelExperiment, protocol.EventExperimentStart,
		protocol.ExperimentStartPayload{
			ExperimentID: experimentID,
			CurrentStep:  firstStep,
			Timestamp:    now,
		})
	e.notify()
	return nil
}

// AdvanceStep moves the run to a new step/trial position and broadcasts
// step-change. Indices must be monotonically non-decreasing within a
// run.
func (e *Engine) AdvanceStep(step protocol.Step, stepIndex, trialIndex int) error {
	if e.config.Role != RoleController {
		return ErrNotController
	}

	e.mu.Lock()
	if e.status != StatusRunning {
		e.mu.Unlock()
		return ErrNotRunning
	}
	if stepIndex < e.stepIndex || (stepIndex == e.stepIndex && trialIndex < e.trialIndex) {
		e.mu.Unlock()
		return ErrStepRegression
	}
	e.currentStep = step
	e.stepIndex = stepIndex
	e.trialIndex = trialIndex
	experimentID := e.experimentID
	now := e.nowMillisLocked()
	e.mu.Unlock()

	e.bus.Emit(protocol.ChannelExperiment, protocol.EventStepChange,
		protocol.StepChangePayload{
			ExperimentID: experimentID,
			CurrentStep:  step,
			StepIndex:    stepIndex,
			TrialIndex:   trialIndex,
			Timestamp:    now,
		})
	e.notify()
	return nil
}

// PauseExperiment broadcasts experiment-pause and pauses the local run.
func (e *Engine) PauseExperiment() error {
	if e.config.Role != RoleController {
		return ErrNotController
	}

	e.mu.Lock()
	if e.status != StatusRunning {
		e.mu.Unlock()
		return ErrNotRunning
	}
	e.status = StatusPaused
	experimentID := e.experimentID
	now := e.nowMillisLocked()
	e.mu.Unlock()

	e.bus.Emit(protocol.ChannelExperiment, protocol.EventExperimentPause,
		protocol.ExperimentControlPayload{ExperimentID: experimentID, Timestamp: now})
	e.notify()
	return nil
}

// ResumeExperiment re-enters running from paused by re-broadcasting the
// current position as a step-change.
func (e *Engine) ResumeExperiment() error {
	if e.config.Role != RoleController {
		return ErrNotController
	}

	e.mu.Lock()
	if e.status != StatusPaused {
		e.mu.Unlock()
		return ErrNotRunning
	}
	e.status = StatusRunning
	experimentID := e.experimentID
	step := e.currentStep
	stepIndex := e.stepIndex
	trialIndex := e.trialIndex
	now := e.nowMillisLocked()
	e.mu.Unlock()

	e.bus.Emit(protocol.ChannelExperiment, protocol.EventStepChange,
		protocol.StepChangePayload{
			ExperimentID: experimentID,
			CurrentStep:  step,
			StepIndex:    stepIndex,
			TrialIndex:   trialIndex,
			Timestamp:    now,
		})
	e.notify()
	return nil
}

// StopExperiment broadcasts experiment-stop and marks the local run
// completed. completed is terminal: only a fresh StartExperiment begins
// a new run.
func (e *Engine) StopExperiment() error {
	if e.config.Role != RoleController {
		return ErrNotController
	}

	e.mu.Lock()
	if e.status != StatusRunning && e.status != StatusPaused {
		e.mu.Unlock()
		return ErrNotRunning
	}
	e.status = StatusCompleted
	experimentID := e.experimentID
	now := e.nowMillisLocked()
	e.mu.Unlock()

	e.bus.Emit(protocol.ChannelExperiment, protocol.EventExperimentStop,
		protocol.ExperimentControlPayload{ExperimentID: experimentID, Timestamp: now})
	e.notify()
	return nil
}

// CompleteStep broadcasts step-complete with the participant's current
// position. This is advisory telemetry for the controller's progress
// table, not a gate on the controller's own progression.
func (e *Engine) CompleteStep() error {
	if e.config.Role != RoleParticipant {
		return ErrNotParticipant
	}

	e.mu.Lock()
	if e.status != StatusRunning {
		e.mu.Unlock()
		return ErrNotRunning
	}
	experimentID := e.experimentID
	stepIndex := e.stepIndex
	trialIndex := e.trialIndex
	now := e.nowMillisLocked()
	e.mu.Unlock()

	e.bus.Emit(protocol.ChannelExperiment, protocol.EventStepComplete,
		protocol.StepCompletePayload{
			ExperimentID: experimentID,
			StepIndex:    stepIndex,
			TrialIndex:   trialIndex,
			Timestamp:    now,
		})
	return nil
}

// RequestTimeSync emits a time-sync request. The hub's timestamped
// reply arrives through handleTimeSync.
func (e *Engine) RequestTimeSync() bool {
	return e.bus.Emit(protocol.ChannelExperiment, protocol.EventTimeSync, nil)
}

// JoinAsAdmin announces this device as the controller for a run.
func (e *Engine) JoinAsAdmin(experimentID string) error {
	if !e.bus.Connected(protocol.ChannelExperiment) {
		return ErrChannelNotReady
	}
	e.bus.Emit(protocol.ChannelExperiment, protocol.EventJoinAsAdmin, protocol.JoinPayload{})
	e.bus.Emit(protocol.ChannelExperiment, protocol.EventDeviceConnected,
		protocol.DeviceConnectedPayload{ExperimentID: experimentID, Role: protocol.RoleAdmin})
	return nil
}

// JoinAsParticipant announces this device as a participant in a run.
func (e *Engine) JoinAsParticipant(experimentID string) error {
	if !e.bus.Connected(protocol.ChannelExperiment) {
		return ErrChannelNotReady
	}
	e.bus.Emit(protocol.ChannelExperiment, protocol.EventJoinAsParticipant,
		protocol.JoinPayload{ExperimentID: experimentID})
	e.bus.Emit(protocol.ChannelExperiment, protocol.EventDeviceConnected,
		protocol.DeviceConnectedPayload{ExperimentID: experimentID, Role: protocol.RoleParticipant})
	return nil
}

// handleExperimentStart mirrors a new run: running with indices reset
// to (0,0). Always applied, even over a completed run.
func (e *Engine) handleExperimentStart(env protocol.Envelope) {
	var payload protocol.ExperimentStartPayload
	if err := env.Decode(&payload); err != nil {
		log.Printf("experiment: %v", err)
		return
	}

	e.mu.Lock()
	e.experimentID = payload.ExperimentID
	e.status = StatusRunning
	e.currentStep = payload.CurrentStep
	e.stepIndex = 0
	e.trialIndex = 0
	e.mu.Unlock()
	e.notify()
}

// handleStepChange applies a position update, discarding stale events:
// a step-change whose indices are behind the last-applied indices is an
// out-of-order duplicate and is dropped.
func (e *Engine) handleStepChange(env protocol.Envelope) {
	var payload protocol.StepChangePayload
	if err := env.Decode(&payload); err != nil {
		log.Printf("experiment: %v", err)
		return
	}

	e.mu.Lock()
	if e.status == StatusIdle || e.status == StatusCompleted {
		e.mu.Unlock()
		return
	}
	if payload.StepIndex < e.stepIndex ||
		(payload.StepIndex == e.stepIndex && payload.TrialIndex < e.trialIndex) {
		e.mu.Unlock()
		log.Printf("experiment: discarding stale step-change (%d,%d), at (%d,%d)",
			payload.StepIndex, payload.TrialIndex, e.stepIndex, e.trialIndex)
		return
	}
	e.status = StatusRunning
	e.currentStep = payload.CurrentStep
	e.stepIndex = payload.StepIndex
	e.trialIndex = payload.TrialIndex
	e.mu.Unlock()
	e.notify()
}

func (e *Engine) handleExperimentPause(env protocol.Envelope) {
	e.mu.Lock()
	if e.status != StatusRunning {
		e.mu.Unlock()
		return
	}
	e.status = StatusPaused
	e.mu.Unlock()
	e.notify()
}

func (e *Engine) handleExperimentStop(env protocol.Envelope) {
	e.mu.Lock()
	if e.status == StatusIdle {
		e.mu.Unlock()
		return
	}
	e.status = StatusCompleted
	e.mu.Unlock()
	e.notify()
}

// handleStepComplete updates the controller's progress table from
// participant telemetry.
func (e *Engine) handleStepComplete(env protocol.Envelope) {
	var payload protocol.StepCompletePayload
	if err := env.Decode(&payload); err != nil {
		log.Printf("experiment: %v", err)
		return
	}
	if env.From == "" {
		log.Printf("experiment: step-complete without origin id, ignoring")
		return
	}

	e.mu.Lock()
	e.participants[env.From] = ParticipantProgress{
		StepIndex:  payload.StepIndex,
		TrialIndex: payload.TrialIndex,
		UpdatedAt:  e.config.TimeNow(),
	}
	e.mu.Unlock()
	e.notify()
}

// handleTimeSync records the hub's timestamped reply. The engine is
// synced after at least one round trip since the channel connected.
func (e *Engine) handleTimeSync(env protocol.Envelope) {
	var payload protocol.TimeSyncPayload
	if err := env.Decode(&payload); err != nil {
		// The hub replies only to requests; a bare time-sync echo from
		// another client carries no payload.
		return
	}

	e.mu.Lock()
	e.lastSyncTime = payload.ServerTime
	e.clockOffset = payload.ServerTime - e.nowMillisLocked()
	e.synced = true
	e.mu.Unlock()
	e.notify()
}

// handleChannelStatus resets sync state when the channel drops: the
// offset estimate belongs to the lost connection.
func (e *Engine) handleChannelStatus(status conn.Status) {
	if status == conn.StatusConnected {
		return
	}
	e.mu.Lock()
	e.synced = false
	e.mu.Unlock()
	e.notify()
}

func (e *Engine) startResyncLoop(interval time.Duration) {
	e.resyncTicker = time.NewTicker(interval)
	e.resyncStop = make(chan struct{})
	ticker := e.resyncTicker
	stop := e.resyncStop
	go func() {
		for {
			select {
			case <-ticker.C:
				e.RequestTimeSync()
			case <-stop:
				return
			}
		}
	}()
}

func (e *Engine) nowMillisLocked() int64 {
	return e.config.TimeNow().UnixMilli()
}
