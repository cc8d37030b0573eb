// Package devicestate is the single source of truth for the device
// lifecycle, grounded on the teacher's pkg/hardware/states.go shape (a small
// explicit enum guarded by a mutex) but modeling the client's lifecycle
// (spec.md §3 DeviceState/ActivationStage) instead of the server's
// per-session ASR/TTS phase.
package devicestate

import "sync"

// State is one of the device's lifecycle states.
type State int

const (
	Uninitialized State = iota
	PendingActivation
	Activated
	WsConnecting
	WsReady
	Streaming
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case PendingActivation:
		return "pendingActivation"
	case Activated:
		return "activated"
	case WsConnecting:
		return "wsConnecting"
	case WsReady:
		return "wsReady"
	case Streaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// Stage is the transient sub-state while State == PendingActivation.
type Stage int

const (
	StageIdle Stage = iota
	StageNeedCode
	StagePolling
	StageActivated
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageNeedCode:
		return "needCode"
	case StagePolling:
		return "polling"
	case StageActivated:
		return "activated"
	default:
		return "unknown"
	}
}

// Machine serializes state transitions: no two transitions are ever in
// flight (spec.md §5).
type Machine struct {
	mu    sync.RWMutex
	state State
	stage Stage
}

func New() *Machine {
	return &Machine{state: Uninitialized, stage: StageIdle}
}

func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Machine) Stage() Stage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stage
}

func (m *Machine) SetState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}

func (m *Machine) SetStage(s Stage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stage = s
}

// Reset returns the machine to its terminal sink state (spec.md §3).
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = Uninitialized
	m.stage = StageIdle
}

// CanOpenWebSocket reports whether the current state permits opening a
// WebSocket connection (spec.md §3: only activated/wsConnecting/wsReady/streaming).
func (m *Machine) CanOpenWebSocket() bool {
	switch m.State() {
	case Activated, WsConnecting, WsReady, Streaming:
		return true
	default:
		return false
	}
}

// CanSendData reports whether the current state permits sending data over
// an open WebSocket (spec.md §3: only wsReady/streaming).
func (m *Machine) CanSendData() bool {
	switch m.State() {
	case WsReady, Streaming:
		return true
	default:
		return false
	}
}
