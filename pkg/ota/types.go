package ota

import (
	"encoding/json"

	"github.com/spf13/cast"
)

// ConfigRequest is the body of POST <ota_base>ota/ (spec.md §4.3).
type ConfigRequest struct {
	Application ConfigApplication `json:"application"`
	Board       ConfigBoard       `json:"board"`
}

type ConfigApplication struct {
	Version    string `json:"version"`
	ElfSHA256  string `json:"elf_sha256"`
}

type ConfigBoard struct {
	Type string `json:"type"`
	Name string `json:"name"`
	IP   string `json:"ip"`
	MAC  string `json:"mac"`
}

// ConfigResponse is the body returned by request_config. Both Activation and
// Websocket may be present; Activation takes priority when present
// (spec.md §4.3 Branch A vs Branch B).
type ConfigResponse struct {
	Activation *ActivationChallenge `json:"activation,omitempty"`
	Websocket  *WebsocketConfig     `json:"websocket,omitempty"`
}

// ActivationChallenge is the transient server nonce the device must sign
// with its HMAC key to prove possession (spec.md §3). TimeoutMs is decoded
// loosely (some deployments send it as a JSON string, others as a number)
// via spf13/cast in UnmarshalJSON below.
type ActivationChallenge struct {
	Code      string `json:"code"`
	Challenge string `json:"challenge"`
	TimeoutMs int64  `json:"-"`
}

type activationChallengeWire struct {
	Code      string `json:"code"`
	Challenge string `json:"challenge"`
	TimeoutMs any    `json:"timeout_ms,omitempty"`
}

// UnmarshalJSON tolerates a timeout_ms sent as either a JSON number or a
// JSON string, the same looseness the teacher's models.FlexibleInt gives
// device-reported fields in internal/handler/ota.go.
func (a *ActivationChallenge) UnmarshalJSON(data []byte) error {
	var wire activationChallengeWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	a.Code = wire.Code
	a.Challenge = wire.Challenge
	if wire.TimeoutMs != nil {
		a.TimeoutMs = cast.ToInt64(wire.TimeoutMs)
	}
	return nil
}

// WebsocketConfig is the session bootstrap info handed out once the device
// is server-side authorized (spec.md §3 SessionConfig).
type WebsocketConfig struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

// ActivatePayload is the body of POST <ota_base>ota/activate.
type ActivatePayload struct {
	Payload ActivateInner `json:"Payload"`
}

type ActivateInner struct {
	Algorithm    string `json:"algorithm"`
	SerialNumber string `json:"serial_number"`
	Challenge    string `json:"challenge"`
	HMAC         string `json:"hmac"`
}

// ActivateResult captures the outcome of a single poll_activate call.
type ActivateResult struct {
	// Status mirrors the HTTP status: 200 completed, 202 pending, anything
	// else is a permanent failure for this attempt (spec.md §4.3).
	Status   int
	DeviceID string
}
