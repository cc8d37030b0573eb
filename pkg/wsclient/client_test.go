package wsclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xiaozhi-go/xiaozhi-client/pkg/devicestate"
	"github.com/xiaozhi-go/xiaozhi-client/pkg/errkind"
)

var upgrader = websocket.Upgrader{}

// helloEchoServer upgrades every request and replies to the client's hello
// with a fixed hello reply, then blocks until the test closes it.
func helloEchoServer(t *testing.T, sessionID string, sampleRate int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var hello map[string]any
		if err := conn.ReadJSON(&hello); err != nil {
			return
		}

		reply := map[string]any{"type": "hello", "session_id": sessionID}
		if sampleRate > 0 {
			reply["audio_params"] = map[string]any{"sample_rate": sampleRate}
		}
		if err := conn.WriteJSON(reply); err != nil {
			return
		}

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsURL(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
}

// TestConnectHandshakeSucceeds verifies scenario S1's tail: after a
// successful hello exchange, state is wsReady and OnHello fires with the
// negotiated session id and sample rate.
func TestConnectHandshakeSucceeds(t *testing.T) {
	srv := helloEchoServer(t, "sess-1", 24000)
	defer srv.Close()

	state := devicestate.New()
	state.SetState(devicestate.Activated)

	var mu sync.Mutex
	var gotSession string
	var gotRate int
	cb := Callbacks{
		OnHello: func(sessionID string, sampleRate int) {
			mu.Lock()
			defer mu.Unlock()
			gotSession, gotRate = sessionID, sampleRate
		},
	}

	c := New("02:00:00:aa:bb:cc", "client-1", state, cb, zap.NewNop())
	err := c.Connect(context.Background(), wsURL(t, srv), "tok")
	require.NoError(t, err)

	assert.Equal(t, devicestate.WsReady, state.State())
	assert.Equal(t, "sess-1", c.SessionID())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "sess-1", gotSession)
	assert.Equal(t, 24000, gotRate)
}

// TestConnectDefaultsSampleRate verifies the default of 16000 Hz applies
// when the server omits audio_params (spec.md §4.5).
func TestConnectDefaultsSampleRate(t *testing.T) {
	srv := helloEchoServer(t, "sess-2", 0)
	defer srv.Close()

	state := devicestate.New()
	state.SetState(devicestate.Activated)

	var gotRate int
	cb := Callbacks{OnHello: func(_ string, sampleRate int) { gotRate = sampleRate }}

	c := New("02:00:00:aa:bb:cc", "client-1", state, cb, zap.NewNop())
	require.NoError(t, c.Connect(context.Background(), wsURL(t, srv), "tok"))
	assert.Equal(t, 16000, gotRate)
}

// TestConnectRejectsURLWithoutTrailingSlash verifies property 5 / scenario
// S4: a WS URL not ending with "/" is rejected before any connection
// attempt, and no state mutation occurs.
func TestConnectRejectsURLWithoutTrailingSlash(t *testing.T) {
	state := devicestate.New()
	state.SetState(devicestate.Activated)

	var errored bool
	c := New("dev", "client", state, Callbacks{
		OnError: func(kind errkind.Kind, detail string) {
			errored = true
			assert.Equal(t, errkind.ConfigError, kind)
		},
	}, zap.NewNop())

	err := c.Connect(context.Background(), "wss://example.test/ws", "tok")
	assert.Error(t, err)
	assert.True(t, errored)
	assert.Equal(t, devicestate.Activated, state.State())
}

// TestConnectRefusesWhenNotActivated verifies property 4: the client never
// opens a WebSocket while the device state forbids it.
func TestConnectRefusesWhenNotActivated(t *testing.T) {
	state := devicestate.New()

	c := New("dev", "client", state, Callbacks{}, zap.NewNop())
	err := c.Connect(context.Background(), "wss://example.test/ws/", "tok")
	assert.Error(t, err)
}

// TestSendRefusedBeforeReady verifies Send is gated on CanSendData.
func TestSendRefusedBeforeReady(t *testing.T) {
	state := devicestate.New()
	state.SetState(devicestate.Activated)

	c := New("dev", "client", state, Callbacks{}, zap.NewNop())
	err := c.Send(map[string]string{"type": "listen"})
	assert.Error(t, err)
}

// TestDispatchRoutesTTSAndEmotion exercises dispatchJSON directly against
// the inbound message shapes in spec.md §4.5.
func TestDispatchRoutesTTSAndEmotion(t *testing.T) {
	var gotState, gotText, gotEmotion string
	c := &Client{
		logger: zap.NewNop(),
		state:  devicestate.New(),
		callbacks: Callbacks{
			OnTTS:     func(state, text string) { gotState, gotText = state, text },
			OnEmotion: func(emotion string) { gotEmotion = emotion },
		},
	}

	tts, _ := json.Marshal(map[string]string{"type": "tts", "state": "sentence_start", "text": "你好"})
	c.dispatchJSON(tts)
	assert.Equal(t, "sentence_start", gotState)
	assert.Equal(t, "你好", gotText)

	llm, _ := json.Marshal(map[string]string{"type": "llm", "emotion": "happy"})
	c.dispatchJSON(llm)
	assert.Equal(t, "happy", gotEmotion)
}

// TestScheduleReconnectDedupesConcurrentCallers covers the case spec.md §8
// property 9 forbids: a heartbeat trip and a readLoop error observing the
// same dead connection must not both advance the reconnect ladder.
func TestScheduleReconnectDedupesConcurrentCallers(t *testing.T) {
	c := &Client{
		state:   devicestate.New(),
		logger:  zap.NewNop(),
		dialer:  websocket.DefaultDialer,
		url:     "ws://127.0.0.1:1/",
		token:   "tok",
		connGen: 1,
	}

	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); c.scheduleReconnect(ctx, 1) }()
	go func() { defer wg.Done(); c.scheduleReconnect(ctx, 1) }()
	wg.Wait()

	// Stop the pending delayed reconnect goroutine before it dials.
	cancel()

	c.mu.Lock()
	attempts := c.ladder.Attempts()
	c.mu.Unlock()
	assert.Equal(t, 1, attempts, "two concurrent failures on the same connection must consume exactly one ladder step")
}

func TestMain(m *testing.M) {
	// keep CI-friendly defaults for the dialer timeout used across this
	// file's subtests.
	websocket.DefaultDialer.HandshakeTimeout = 5 * time.Second
	m.Run()
}
