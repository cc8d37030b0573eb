// Package engine is the single orchestrating value of spec.md §4.7 and §9:
// it owns identity, activation, the WebSocket client and the audio sink,
// and exposes the public operations and callbacks a host program wires up.
// Grounded on the teacher's session-owns-everything shape in
// pkg/hardware/protocol/session.go, generalized from one server-side
// per-connection session into one client-side process-lifetime engine (no
// ambient mutable state, per spec.md §9).
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/xiaozhi-go/xiaozhi-client/pkg/activation"
	"github.com/xiaozhi-go/xiaozhi-client/pkg/audiosink"
	"github.com/xiaozhi-go/xiaozhi-client/pkg/devicestate"
	"github.com/xiaozhi-go/xiaozhi-client/pkg/errkind"
	"github.com/xiaozhi-go/xiaozhi-client/pkg/identity"
	"github.com/xiaozhi-go/xiaozhi-client/pkg/logging"
	"github.com/xiaozhi-go/xiaozhi-client/pkg/metrics"
	"github.com/xiaozhi-go/xiaozhi-client/pkg/ota"
	"github.com/xiaozhi-go/xiaozhi-client/pkg/securestore"
	"github.com/xiaozhi-go/xiaozhi-client/pkg/wsclient"
)

// Config is the subset of the host's configuration the Engine needs to
// construct its sub-components (spec.md §3 EngineConfig).
type Config struct {
	OtaBase      string
	Product      string
	BoardVersion string
	StorePath    string
	ForceNew     bool
}

// Callbacks is the host-facing event surface of spec.md §4.7. Every field
// is optional.
type Callbacks struct {
	OnActivationCode func(code, challenge string)
	OnWebsocketReady func(sessionID string, sampleRate int)
	OnTTS            func(state, text string)
	OnEmotion        func(emotion string)
	OnAudioReceived  func(opus []byte)
	OnError          func(kind errkind.Kind, detail string)
}

// Engine is the single value a host holds (spec.md §9: "the host holds
// exactly one").
type Engine struct {
	cfg       Config
	callbacks Callbacks
	logger    *zap.Logger

	store     *securestore.Store
	identity  *identity.Manager
	ota       *ota.Client
	activator *activation.Activator
	state     *devicestate.Machine
	ws        *wsclient.Client
	audio     audiosink.Sink
	metrics   *metrics.Registry

	mu sync.Mutex
}

// New constructs an Engine with its own logger built from logCfg (pkg/logging).
func New(cfg Config, logCfg logging.Config, callbacks Callbacks) (*Engine, error) {
	logger, err := logging.New(logCfg)
	if err != nil {
		return nil, fmt.Errorf("engine: build logger: %w", err)
	}
	return NewWithLogger(cfg, callbacks, logger)
}

// NewWithLogger is the DI-friendly constructor used directly by tests.
func NewWithLogger(cfg Config, callbacks Callbacks, logger *zap.Logger) (*Engine, error) {
	store, err := securestore.Open(cfg.StorePath, logger)
	if err != nil {
		return nil, fmt.Errorf("engine: open store: %w", err)
	}

	idMgr := identity.NewManager(store)
	otaClient := ota.New(cfg.OtaBase, cfg.Product, cfg.BoardVersion, logger)
	state := devicestate.New()
	activator := activation.New(idMgr, otaClient, state, store, logger)

	// Each Engine gets its own registry: promauto panics on duplicate
	// registration, and nothing requires engines to share one process-wide
	// default registerer (a host that wants /metrics can re-register these
	// collectors against its own prometheus.DefaultRegisterer).
	reg := metrics.New(prometheus.NewRegistry())

	e := &Engine{
		cfg:       cfg,
		callbacks: callbacks,
		logger:    logger,
		store:     store,
		identity:  idMgr,
		ota:       otaClient,
		activator: activator,
		state:     state,
		audio:     audiosink.New(audiosink.DefaultSampleRate, logger),
		metrics:   reg,
	}
	e.audio.SetDropHook(reg.AudioDrops.Inc)
	activator.SetPollHook(reg.ActivationPolls.Inc)

	id, err := idMgr.Current(false)
	if err == nil {
		e.ws = wsclient.New(id.DeviceID, id.ClientID, state, e.wsCallbacks(), logger)
	}

	return e, nil
}

// Metrics exposes the engine's counters so a host can register them
// against its own /metrics surface.
func (e *Engine) Metrics() *metrics.Registry {
	return e.metrics
}

func (e *Engine) wsCallbacks() wsclient.Callbacks {
	return wsclient.Callbacks{
		OnHello: func(sessionID string, sampleRate int) {
			if err := e.audio.UpdateSampleRate(sampleRate); err != nil {
				e.logger.Warn("audio sample rate update failed", zap.Error(err))
			}
			if e.callbacks.OnWebsocketReady != nil {
				e.callbacks.OnWebsocketReady(sessionID, sampleRate)
			}
		},
		OnTTS: func(state, text string) {
			if e.callbacks.OnTTS != nil {
				e.callbacks.OnTTS(state, text)
			}
		},
		OnEmotion: func(emotion string) {
			if e.callbacks.OnEmotion != nil {
				e.callbacks.OnEmotion(emotion)
			}
		},
		OnMcp: func(raw json.RawMessage) {
			e.logger.Debug("mcp message passthrough", zap.Int("bytes", len(raw)))
		},
		OnAudio: func(opus []byte) {
			e.audio.Enqueue(opus)
			if e.callbacks.OnAudioReceived != nil {
				e.callbacks.OnAudioReceived(opus)
			}
		},
		OnError: func(kind errkind.Kind, detail string) {
			switch kind {
			case errkind.HeartbeatTimeout:
				e.metrics.HeartbeatFailures.Inc()
				e.metrics.Reconnects.Inc()
			case errkind.NetworkError:
				e.metrics.Reconnects.Inc()
			}
			if e.callbacks.OnError != nil {
				e.callbacks.OnError(kind, detail)
			}
		},
	}
}

// Boot orchestrates identity -> activation -> WS connect (spec.md §4.7).
func (e *Engine) Boot(ctx context.Context, forceNew bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	result, err := e.activator.Run(ctx, forceNew || e.cfg.ForceNew)
	if err != nil {
		e.reportError(errkind.ActivationError, err.Error())
		return err
	}

	if result.Stage == devicestate.StageNeedCode {
		if e.callbacks.OnActivationCode != nil {
			e.callbacks.OnActivationCode(result.Code, result.Challenge)
		}
		return nil
	}

	return e.connectWS()
}

// CompleteActivation finishes Branch A after the host has surfaced the
// code to the user and they have bound it externally (spec.md §4.7).
func (e *Engine) CompleteActivation(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	result, err := e.activator.SubmitActivation(ctx)
	if err != nil {
		e.reportError(errkind.ActivationError, err.Error())
		return err
	}
	if result.Stage != devicestate.StageActivated {
		return nil
	}
	return e.connectWS()
}

func (e *Engine) connectWS() error {
	session, ok := e.activator.Session()
	if !ok {
		err := errkind.New(errkind.ConfigError, "activated but no websocket session config persisted")
		e.reportError(errkind.ConfigError, err.Error())
		return err
	}

	id, err := e.identity.Current(false)
	if err != nil {
		e.reportError(errkind.ConfigError, err.Error())
		return err
	}
	if e.ws == nil {
		e.ws = wsclient.New(id.DeviceID, id.ClientID, e.state, e.wsCallbacks(), e.logger)
	}

	return e.ws.Connect(context.Background(), session.URL, session.Token)
}

// SendTextMessage emits a listen/detect JSON carrying text.
func (e *Engine) SendTextMessage(text string) error {
	if e.ws == nil {
		return errkind.New(errkind.StateError, "websocket not connected")
	}
	return e.ws.SendListenDetect(text)
}

// StartListening emits listen/start with the given capture mode.
func (e *Engine) StartListening(mode string) error {
	if e.ws == nil {
		return errkind.New(errkind.StateError, "websocket not connected")
	}
	e.state.SetState(devicestate.Streaming)
	return e.ws.SendListenStart(mode)
}

// StopListening emits listen/stop.
func (e *Engine) StopListening() error {
	if e.ws == nil {
		return errkind.New(errkind.StateError, "websocket not connected")
	}
	e.state.SetState(devicestate.WsReady)
	return e.ws.SendListenStop()
}

// Disconnect tears down the WebSocket session (spec.md §4.7/§5).
func (e *Engine) Disconnect() {
	if e.ws != nil {
		e.ws.Disconnect()
	}
}

// Reset performs a factory reset: identity, session and state are all
// cleared (spec.md §4.7).
func (e *Engine) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.Disconnect()
	e.audio.Cleanup()
	e.state.Reset()
	return e.identity.ResetAll()
}

// GetCurrentState reports the device's current lifecycle state.
func (e *Engine) GetCurrentState() devicestate.State {
	return e.state.State()
}

func (e *Engine) reportError(kind errkind.Kind, detail string) {
	e.logger.Warn("engine error", zap.String("kind", string(kind)), zap.String("detail", detail))
	if e.callbacks.OnError != nil {
		e.callbacks.OnError(kind, detail)
	}
}
