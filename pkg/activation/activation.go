// Package activation drives the two-phase activation handshake end to end
// (spec.md §4.4), composing pkg/identity, pkg/ota and pkg/devicestate. The
// HMAC-SHA256 proof of possession is grounded on the teacher's
// generatePasswordSignature in internal/handler/ota.go (same hmac.New(sha256.New, key)
// construct; encoded as hex here instead of base64 per spec.md §4.4).
package activation

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xiaozhi-go/xiaozhi-client/pkg/devicestate"
	"github.com/xiaozhi-go/xiaozhi-client/pkg/errkind"
	"github.com/xiaozhi-go/xiaozhi-client/pkg/identity"
	"github.com/xiaozhi-go/xiaozhi-client/pkg/ota"
	"github.com/xiaozhi-go/xiaozhi-client/pkg/securestore"
)

const (
	pollAttempts = 60

	keyWsURL   = "websocket_url"
	keyWsToken = "websocket_token"
)

// pollInterval is a var, not a const, so tests can shrink the 5s fixed
// interval mandated by spec.md §4.4 without waiting out the real ladder.
var pollInterval = 5 * time.Second

// Result is what callers of Run/SubmitActivation observe.
type Result struct {
	Stage     devicestate.Stage
	Code      string
	Challenge string
}

// SessionConfig is the websocket bootstrap info persisted once the device
// is authorized (spec.md §3).
type SessionConfig struct {
	URL   string
	Token string
}

// Activator orchestrates identity, OTA negotiation and the device state
// machine to produce an activated device (spec.md §4.4).
type Activator struct {
	identity *identity.Manager
	ota      *ota.Client
	state    *devicestate.Machine
	store    *securestore.Store
	logger   *zap.Logger

	pendingChallenge string
	onPoll           func()
}

func New(idMgr *identity.Manager, otaClient *ota.Client, state *devicestate.Machine, store *securestore.Store, logger *zap.Logger) *Activator {
	return &Activator{identity: idMgr, ota: otaClient, state: state, store: store, logger: logger}
}

// SetPollHook registers fn to be called once per poll_activate request
// issued by SubmitActivation (wired by the engine to a metrics counter).
func (a *Activator) SetPollHook(fn func()) {
	a.onPoll = fn
}

// Run executes steps 1-5 of spec.md §4.4.
func (a *Activator) Run(ctx context.Context, forceNew bool) (Result, error) {
	if forceNew {
		if err := a.identity.ResetAll(); err != nil {
			return Result{}, errkind.Wrap(errkind.ActivationError, "reset identity before forced re-activation", err)
		}
		a.state.Reset()
	}

	id, err := a.identity.Current(forceNew)
	if err != nil {
		return Result{}, errkind.Wrap(errkind.ActivationError, "load identity", err)
	}

	if id.Activated {
		a.state.SetState(devicestate.Activated)
		a.state.SetStage(devicestate.StageActivated)
		return Result{Stage: devicestate.StageActivated}, nil
	}

	a.state.SetState(devicestate.PendingActivation)

	cfg, err := a.ota.RequestConfig(ctx, toOtaIdentity(id))
	if err != nil {
		return Result{}, errkind.Wrap(errkind.ActivationError, "request_config", err)
	}

	if cfg.Activation != nil {
		a.pendingChallenge = cfg.Activation.Challenge
		a.state.SetStage(devicestate.StageNeedCode)
		a.logger.Info("activation code issued", zap.String("code", cfg.Activation.Code))
		return Result{Stage: devicestate.StageNeedCode, Code: cfg.Activation.Code, Challenge: cfg.Activation.Challenge}, nil
	}

	if cfg.Websocket == nil {
		return Result{}, errkind.New(errkind.ActivationError, "request_config returned neither activation nor websocket")
	}

	if err := a.persistSession(cfg.Websocket); err != nil {
		return Result{}, err
	}
	if err := a.identity.MarkActivated(); err != nil {
		return Result{}, errkind.Wrap(errkind.ActivationError, "mark_activated", err)
	}
	a.state.SetState(devicestate.Activated)
	a.state.SetStage(devicestate.StageActivated)
	return Result{Stage: devicestate.StageActivated}, nil
}

// SubmitActivation signs the challenge and polls poll_activate up to 60
// times at a 5s fixed interval (spec.md §4.4).
func (a *Activator) SubmitActivation(ctx context.Context) (Result, error) {
	id, err := a.identity.Current(false)
	if err != nil {
		return Result{}, errkind.Wrap(errkind.ActivationError, "load identity", err)
	}
	if a.pendingChallenge == "" || id.Serial == "" || id.HMACKey == "" {
		return Result{}, errkind.New(errkind.ActivationError, "submit_activation: incomplete parameters")
	}

	signature, err := signChallenge(id.HMACKey, a.pendingChallenge)
	if err != nil {
		return Result{}, errkind.Wrap(errkind.ActivationError, "sign challenge", err)
	}
	a.state.SetStage(devicestate.StagePolling)

	for attempt := 0; attempt < pollAttempts; attempt++ {
		if a.onPoll != nil {
			a.onPoll()
		}
		result, err := a.ota.PollActivate(ctx, toOtaIdentity(id), id.Serial, a.pendingChallenge, signature)
		if err != nil {
			return Result{}, errkind.Wrap(errkind.ActivationError, "poll_activate", err)
		}

		switch result.Status {
		case 200:
			return a.completeActivation(ctx, id)
		case 202:
			// pending, keep polling
		default:
			a.state.SetStage(devicestate.StageIdle)
			return Result{}, errkind.New(errkind.ActivationError, fmt.Sprintf("poll_activate: non-retryable status %d", result.Status))
		}

		select {
		case <-ctx.Done():
			a.state.SetStage(devicestate.StageIdle)
			return Result{}, ctx.Err()
		case <-time.After(pollInterval):
		}
	}

	a.state.SetStage(devicestate.StageIdle)
	return Result{}, errkind.New(errkind.ActivationError, "poll_activate: exhausted 60 attempts")
}

func (a *Activator) completeActivation(ctx context.Context, id identity.Identity) (Result, error) {
	cfg, err := a.ota.RequestConfig(ctx, toOtaIdentity(id))
	if err != nil {
		return Result{}, errkind.Wrap(errkind.ActivationError, "request_config (post-activation)", err)
	}
	if cfg.Websocket == nil {
		return Result{}, errkind.New(errkind.ActivationError, "device activated but no websocket session config returned")
	}

	if err := a.persistSession(cfg.Websocket); err != nil {
		return Result{}, err
	}
	if err := a.identity.MarkActivated(); err != nil {
		return Result{}, errkind.Wrap(errkind.ActivationError, "mark_activated", err)
	}

	a.state.SetState(devicestate.Activated)
	a.state.SetStage(devicestate.StageActivated)
	return Result{Stage: devicestate.StageActivated}, nil
}

func (a *Activator) persistSession(ws *ota.WebsocketConfig) error {
	if err := a.store.SetAll(map[string]string{
		keyWsURL:   ws.URL,
		keyWsToken: ws.Token,
	}); err != nil {
		return errkind.Wrap(errkind.ActivationError, "persist session config", err)
	}
	return nil
}

// Session returns the persisted websocket session config, if any.
func (a *Activator) Session() (SessionConfig, bool) {
	url, ok1 := a.store.Get(keyWsURL)
	token, ok2 := a.store.Get(keyWsToken)
	if !ok1 || !ok2 || url == "" {
		return SessionConfig{}, false
	}
	return SessionConfig{URL: url, Token: token}, true
}

// signChallenge computes hex(HMAC-SHA256(hex_decode(hmac_key), challenge))
// per spec.md §8 property 6. hmac_key is stored as hex text; the signing
// key is its decoded bytes, not the hex string itself.
func signChallenge(hmacKeyHex, challenge string) (string, error) {
	key, err := hex.DecodeString(hmacKeyHex)
	if err != nil {
		return "", fmt.Errorf("activation: hmac_key is not valid hex: %w", err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(challenge))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func toOtaIdentity(id identity.Identity) ota.Identity {
	return ota.Identity{DeviceID: id.DeviceID, ClientID: id.ClientID, HMACKey: id.HMACKey}
}
