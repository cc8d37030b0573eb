// Package ota talks to the provisioning service's HTTPS endpoints
// (spec.md §4.3): request_config negotiates either a Branch A activation
// challenge or a Branch B websocket session, and poll_activate submits the
// device's proof of possession. Grounded on the teacher's resty usage in
// internal/handler/knowledge.go (UploadFile builds one client, sets headers
// and body, issues the call, checks resp.IsError()); spf13/cast covers the
// spots where the server may send timeout_ms as either a string or a number.
package ota

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

// Client issues request_config and poll_activate calls against a single
// ota_base origin.
type Client struct {
	http     *resty.Client
	baseURL  string // ota_base; "ota/" is appended per call
	product  string
	board    string
	logger   *zap.Logger
}

// Identity carries the fields OTAClient needs from the device's identity
// tuple without importing pkg/identity (keeps this package leaf-level).
type Identity struct {
	DeviceID string
	ClientID string
	HMACKey  string
}

// New builds a Client. baseURL is the ota_base config value (e.g.
// "https://api.xiaozhi.me/"); "ota/" is appended for every call.
func New(baseURL, product, boardVersion string, logger *zap.Logger) *Client {
	return &Client{
		http:    resty.New(),
		baseURL: baseURL,
		product: product,
		board:   boardVersion,
		logger:  logger,
	}
}

func (c *Client) headers(id Identity) map[string]string {
	return map[string]string{
		"Device-Id":         id.DeviceID,
		"Client-Id":         id.ClientID,
		"Activation-Version": "2",
		"Content-Type":       "application/json",
		"User-Agent":         fmt.Sprintf("board_type/%s-%s", c.product, c.board),
		"Accept-Language":    "zh-CN",
	}
}

// RequestConfig performs POST <ota_base>ota/ (spec.md §4.3 request_config).
func (c *Client) RequestConfig(ctx context.Context, id Identity) (*ConfigResponse, error) {
	body := ConfigRequest{
		Application: ConfigApplication{
			Version:   c.board,
			ElfSHA256: id.HMACKey,
		},
		Board: ConfigBoard{
			Type: c.product,
			Name: c.board,
			IP:   "0.0.0.0",
			MAC:  id.DeviceID,
		},
	}

	var out ConfigResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.headers(id)).
		SetBody(body).
		SetResult(&out).
		ForceContentType("application/json").
		Post(c.baseURL + "ota/")
	if err != nil {
		return nil, fmt.Errorf("ota: request_config: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("ota: request_config: http %d", resp.StatusCode())
	}

	c.logger.Debug("ota request_config",
		zap.Bool("branch_a", out.Activation != nil),
		zap.Bool("branch_b", out.Websocket != nil),
	)
	return &out, nil
}

// PollActivate performs POST <ota_base>ota/activate (spec.md §4.3
// poll_activate). serial, challenge, hmacHex must all be non-empty; callers
// are expected to fail fast on incomplete parameters rather than retry.
func (c *Client) PollActivate(ctx context.Context, id Identity, serial, challenge, hmacHex string) (ActivateResult, error) {
	if serial == "" || challenge == "" || hmacHex == "" {
		return ActivateResult{}, fmt.Errorf("ota: poll_activate: incomplete parameters")
	}

	body := ActivatePayload{Payload: ActivateInner{
		Algorithm:    "hmac-sha256",
		SerialNumber: serial,
		Challenge:    challenge,
		HMAC:         hmacHex,
	}}

	raw := map[string]any{}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.headers(id)).
		SetBody(body).
		SetResult(&raw).
		ForceContentType("application/json").
		Post(c.baseURL + "ota/activate")
	if err != nil {
		return ActivateResult{}, fmt.Errorf("ota: poll_activate: %w", err)
	}

	result := ActivateResult{Status: resp.StatusCode()}
	if deviceID, ok := raw["device_id"]; ok {
		result.DeviceID = cast.ToString(deviceID)
	}
	return result, nil
}
