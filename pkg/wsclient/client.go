// Package wsclient owns the WebSocket session: handshake, frame
// demultiplexing, heartbeat and reconnect (spec.md §4.5). Grounded on the
// teacher's pkg/hardware/protocol/session.go messageLoop (ctx-cancellable
// read loop, switch-on-type dispatch, zap logging throughout) and
// HardwareWriter's write path, built on gorilla/websocket exactly as the
// teacher does.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xiaozhi-go/xiaozhi-client/pkg/devicestate"
	"github.com/xiaozhi-go/xiaozhi-client/pkg/errkind"
)

const fixedOrigin = "https://xiaozhi.me"

const (
	heartbeatInterval = 45 * time.Second
	pongTimeout       = 15 * time.Second
	pingWriteTimeout  = 5 * time.Second
)

// Callbacks is the event surface the Engine subscribes to (spec.md §4.7).
// Every field is optional; a nil callback is simply not invoked.
type Callbacks struct {
	OnHello func(sessionID string, sampleRate int)
	OnTTS   func(state, text string)
	OnEmotion func(emotion string)
	OnMcp   func(raw json.RawMessage)
	OnAudio func(opus []byte)
	OnError func(kind errkind.Kind, detail string)
}

// Client is one WebSocket session manager for a single device. It is safe
// for the host to call Send/Disconnect from other goroutines; the read and
// heartbeat loops run on their own goroutines per spec.md §5.
type Client struct {
	deviceID string
	clientID string

	state     *devicestate.Machine
	callbacks Callbacks
	logger    *zap.Logger
	dialer    *websocket.Dialer

	mu       sync.Mutex
	conn     *websocket.Conn
	url      string
	token    string
	demux    Demuxer
	sessionID string
	sampleRate int

	ladder       reconnectLadder
	connCancel   context.CancelFunc
	connGen      int
	reconnecting bool
	closing      bool
}

func New(deviceID, clientID string, state *devicestate.Machine, callbacks Callbacks, logger *zap.Logger) *Client {
	return &Client{
		deviceID:  deviceID,
		clientID:  clientID,
		state:     state,
		callbacks: callbacks,
		logger:    logger,
		dialer:    websocket.DefaultDialer,
	}
}

// Connect performs steps 1-2 of spec.md §4.5: gating, URL validation,
// dial, header construction and the hello handshake. On success it
// launches the read and heartbeat loops and returns nil.
func (c *Client) Connect(ctx context.Context, url, token string) error {
	if !strings.HasSuffix(url, "/") {
		return c.fail(errkind.New(errkind.ConfigError, "websocket url must end with \"/\""))
	}
	if !c.state.CanOpenWebSocket() {
		return c.fail(errkind.New(errkind.StateError, fmt.Sprintf("cannot open websocket in state %s", c.state.State())))
	}

	c.state.SetState(devicestate.WsConnecting)

	header := http.Header{}
	bearer := token
	if bearer == "" {
		bearer = "placeholder"
	}
	header.Set("Authorization", "Bearer "+bearer)
	header.Set("Protocol-Version", "1")
	header.Set("Device-Id", c.deviceID)
	header.Set("Client-Id", c.clientID)
	header.Set("Origin", fixedOrigin)

	conn, _, err := c.dialer.DialContext(ctx, url, header)
	if err != nil {
		return c.fail(errkind.Wrap(errkind.NetworkError, "dial websocket", err))
	}

	connCtx, cancel := context.WithCancel(ctx)

	// This connection supersedes whatever the previous generation's read
	// and heartbeat loops were doing; cancel them now instead of leaving
	// them to leak until Disconnect (spec.md §5: "no two transitions are
	// ever in flight").
	c.mu.Lock()
	if c.connCancel != nil {
		c.connCancel()
	}
	c.conn = conn
	c.url = url
	c.token = token
	c.demux.Reset()
	c.connCancel = cancel
	c.connGen++
	gen := c.connGen
	c.mu.Unlock()

	if err := c.performHandshake(connCtx, conn); err != nil {
		cancel()
		conn.Close()
		return c.fail(err)
	}

	c.mu.Lock()
	c.ladder.Reset()
	sessionID, sampleRate := c.sessionID, c.sampleRate
	c.mu.Unlock()

	c.state.SetState(devicestate.WsReady)
	if c.callbacks.OnHello != nil {
		c.callbacks.OnHello(sessionID, sampleRate)
	}

	go c.readLoop(connCtx, conn, gen)
	go c.heartbeatLoop(connCtx, conn, gen)
	return nil
}

func (c *Client) performHandshake(ctx context.Context, conn *websocket.Conn) error {
	hello := helloOut{
		Type:      "hello",
		Version:   1,
		Transport: "websocket",
		Features:  helloFeatures{Mcp: true},
		Audio: audioParams{
			Format:        "opus",
			SampleRate:    16000,
			Channels:      1,
			FrameDuration: 60,
		},
	}
	if err := conn.WriteJSON(hello); err != nil {
		return errkind.Wrap(errkind.NetworkError, "send hello", err)
	}

	for {
		select {
		case <-ctx.Done():
			return errkind.Wrap(errkind.NetworkError, "handshake", ctx.Err())
		default:
		}

		mt, data, err := conn.ReadMessage()
		if err != nil {
			return errkind.Wrap(errkind.NetworkError, "read hello reply", err)
		}

		kind, payload, discarded := c.demux.Feed(mt == websocket.TextMessage, data)
		if discarded {
			c.logger.Warn("discarded partial json fragment before hello")
		}
		if kind != EventJSON {
			continue
		}

		var env typeEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			return errkind.Wrap(errkind.ProtocolError, "malformed hello reply", err)
		}
		if env.Type != "hello" {
			c.logger.Warn("message received before hello handshake completed", zap.String("type", env.Type))
			continue
		}

		var in helloIn
		if err := json.Unmarshal(payload, &in); err != nil {
			return errkind.Wrap(errkind.ProtocolError, "malformed hello reply", err)
		}

		sampleRate := 16000
		if in.Audio != nil && in.Audio.SampleRate > 0 {
			sampleRate = in.Audio.SampleRate
		}

		c.mu.Lock()
		c.sessionID = in.SessionID
		c.sampleRate = sampleRate
		c.mu.Unlock()
		return nil
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, gen int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		mt, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closing := c.closing
			stale := gen != c.connGen
			c.mu.Unlock()
			if closing || stale {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.logger.Info("websocket closed", zap.Error(err))
			} else {
				c.logger.Warn("websocket read failed", zap.Error(err))
			}
			c.scheduleReconnect(ctx, gen)
			return
		}

		kind, payload, discarded := c.demux.Feed(mt == websocket.TextMessage, data)
		if discarded {
			c.logger.Warn("discarded partial json fragment")
		}

		switch kind {
		case EventAudio:
			if c.callbacks.OnAudio != nil {
				c.callbacks.OnAudio(payload)
			}
		case EventJSON:
			c.dispatchJSON(payload)
		}
	}
}

func (c *Client) dispatchJSON(payload []byte) {
	var env typeEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		c.logger.Warn("malformed json message", zap.Error(err))
		return
	}

	switch env.Type {
	case "tts":
		var m ttsIn
		if err := json.Unmarshal(payload, &m); err != nil {
			c.logger.Warn("malformed tts message", zap.Error(err))
			return
		}
		if c.callbacks.OnTTS != nil {
			c.callbacks.OnTTS(m.State, m.Text)
		}
	case "llm":
		var m llmIn
		if err := json.Unmarshal(payload, &m); err != nil {
			c.logger.Warn("malformed llm message", zap.Error(err))
			return
		}
		if c.callbacks.OnEmotion != nil {
			c.callbacks.OnEmotion(m.Emotion)
		}
	case "mcp":
		if method := sniffMcpMethod(payload); method != "" {
			c.logger.Debug("mcp message", zap.String("method", method))
		}
		if c.callbacks.OnMcp != nil {
			c.callbacks.OnMcp(json.RawMessage(payload))
		}
	case "hello":
		c.logger.Debug("ignoring duplicate hello after handshake")
	default:
		c.logger.Debug("unhandled message type", zap.String("type", env.Type))
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn, gen int) {
	var hb heartbeatState
	pongCh := make(chan struct{}, 1)
	conn.SetPongHandler(func(string) error {
		select {
		case pongCh <- struct{}{}:
		default:
		}
		return nil
	})

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		switch c.state.State() {
		case devicestate.WsReady, devicestate.Streaming:
		default:
			continue
		}

		if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingWriteTimeout)); err != nil {
			if hb.MissPong() {
				c.tripHeartbeat(ctx, conn, gen)
				return
			}
			continue
		}

		select {
		case <-pongCh:
			hb.Pong()
		case <-time.After(pongTimeout):
			if hb.MissPong() {
				c.tripHeartbeat(ctx, conn, gen)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) tripHeartbeat(ctx context.Context, conn *websocket.Conn, gen int) {
	c.fail(errkind.New(errkind.HeartbeatTimeout, "5 consecutive missed pongs"))
	conn.Close()
	c.scheduleReconnect(ctx, gen)
}

// scheduleReconnect is the single entry point onto the reconnect ladder.
// Both readLoop and heartbeatLoop observe the same dead connection and may
// call this concurrently (a heartbeat trip closes the socket, which also
// unblocks the blocked ReadMessage in readLoop); gen plus the reconnecting
// flag make sure only one of them actually consumes a ladder step
// (spec.md §8 property 9: the ladder must advance exactly once per
// failure).
func (c *Client) scheduleReconnect(ctx context.Context, gen int) {
	c.mu.Lock()
	if c.closing || gen != c.connGen || c.reconnecting {
		c.mu.Unlock()
		return
	}
	delay, ok := c.ladder.Next()
	if !ok {
		c.mu.Unlock()
		c.fail(errkind.New(errkind.NetworkError, "reconnect attempts exhausted"))
		return
	}
	c.reconnecting = true
	url, token := c.url, c.token
	c.mu.Unlock()

	c.state.SetState(devicestate.WsConnecting)
	go func() {
		defer func() {
			c.mu.Lock()
			c.reconnecting = false
			c.mu.Unlock()
		}()
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if err := c.Connect(context.Background(), url, token); err != nil {
			c.logger.Warn("reconnect attempt failed", zap.Int("attempt", c.ladder.Attempts()), zap.Error(err))
		}
	}()
}

// Send transmits an arbitrary outbound JSON message; refused unless the
// current state permits data transfer (spec.md §4.5 gating).
func (c *Client) Send(v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if !c.state.CanSendData() || conn == nil {
		return errkind.New(errkind.StateError, fmt.Sprintf("cannot send in state %s", c.state.State()))
	}
	if err := conn.WriteJSON(v); err != nil {
		return errkind.Wrap(errkind.NetworkError, "send message", err)
	}
	return nil
}

// SendListenStart emits listen/start with the given capture mode.
func (c *Client) SendListenStart(mode string) error {
	return c.Send(listenOut{SessionID: c.sessionID, Type: "listen", State: "start", Mode: mode})
}

// SendListenStop emits listen/stop.
func (c *Client) SendListenStop() error {
	return c.Send(listenOut{SessionID: c.sessionID, Type: "listen", State: "stop"})
}

// SendListenDetect injects a textual utterance via listen/detect.
func (c *Client) SendListenDetect(text string) error {
	return c.Send(listenOut{SessionID: c.sessionID, Type: "listen", State: "detect", Text: text})
}

// SessionID returns the session id negotiated during the hello handshake.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Disconnect cancels heartbeat and reconnect tasks and closes the socket
// (spec.md §5: "disconnect cancels heartbeat and reconnect tasks").
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closing = true
	conn := c.conn
	cancel := c.connCancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
}

func (c *Client) fail(err error) error {
	kind := errkind.NetworkError
	detail := err.Error()
	var ekErr *errkind.Error
	if errors.As(err, &ekErr) {
		kind = ekErr.Kind
		detail = ekErr.Detail
	}
	if c.callbacks.OnError != nil {
		c.callbacks.OnError(kind, detail)
	}
	return err
}
