package ota

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testIdentity() Identity {
	return Identity{DeviceID: "02:00:00:aa:bb:cc", ClientID: "client-1", HMACKey: "deadbeef"}
}

func TestRequestConfigBranchA(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ota/", r.URL.Path)
		assert.Equal(t, "2", r.Header.Get("Activation-Version"))
		assert.Equal(t, "02:00:00:aa:bb:cc", r.Header.Get("Device-Id"))

		var body ConfigRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "deadbeef", body.Application.ElfSHA256)
		assert.Equal(t, "0.0.0.0", body.Board.IP)

		json.NewEncoder(w).Encode(ConfigResponse{
			Activation: &ActivationChallenge{Code: "123456", Challenge: "nonce-1"},
		})
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "xiaozhi-board", "1.0.0", zap.NewNop())
	out, err := c.RequestConfig(context.Background(), testIdentity())
	require.NoError(t, err)
	require.NotNil(t, out.Activation)
	assert.Nil(t, out.Websocket)
	assert.Equal(t, "123456", out.Activation.Code)
	assert.Equal(t, "nonce-1", out.Activation.Challenge)
}

func TestRequestConfigBranchB(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ConfigResponse{
			Websocket: &WebsocketConfig{URL: "wss://example.test/ws/", Token: "tok"},
		})
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "xiaozhi-board", "1.0.0", zap.NewNop())
	out, err := c.RequestConfig(context.Background(), testIdentity())
	require.NoError(t, err)
	assert.Nil(t, out.Activation)
	require.NotNil(t, out.Websocket)
	assert.Equal(t, "tok", out.Websocket.Token)
}

func TestPollActivatePending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ota/activate", r.URL.Path)

		var body ActivatePayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "hmac-sha256", body.Payload.Algorithm)
		assert.Equal(t, "SN-1", body.Payload.SerialNumber)

		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]any{})
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "xiaozhi-board", "1.0.0", zap.NewNop())
	result, err := c.PollActivate(context.Background(), testIdentity(), "SN-1", "nonce-1", "abcd")
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, result.Status)
}

func TestPollActivateCompleted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"device_id": "02:00:00:aa:bb:cc"})
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "xiaozhi-board", "1.0.0", zap.NewNop())
	result, err := c.PollActivate(context.Background(), testIdentity(), "SN-1", "nonce-1", "abcd")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, result.Status)
	assert.Equal(t, "02:00:00:aa:bb:cc", result.DeviceID)
}

func TestActivationChallengeTimeoutMsToleratesStringOrNumber(t *testing.T) {
	var a ActivationChallenge
	require.NoError(t, json.Unmarshal([]byte(`{"code":"1","challenge":"c","timeout_ms":30000}`), &a))
	assert.EqualValues(t, 30000, a.TimeoutMs)

	var b ActivationChallenge
	require.NoError(t, json.Unmarshal([]byte(`{"code":"1","challenge":"c","timeout_ms":"30000"}`), &b))
	assert.EqualValues(t, 30000, b.TimeoutMs)
}

func TestPollActivateRejectsIncompleteParams(t *testing.T) {
	c := New("http://unused/", "xiaozhi-board", "1.0.0", zap.NewNop())
	_, err := c.PollActivate(context.Background(), testIdentity(), "", "nonce-1", "abcd")
	assert.Error(t, err)
}
