// Package audiosink decodes the Opus downlink into PCM and plays it
// (spec.md §4.6). Grounded on the sibling snapshot's
// pkg/devices/playback.go StreamAudioPlayer (malgo.InitContext, a
// DefaultDeviceConfig(Playback) device, a bounded audioBuffer channel
// drained by the Data callback into an internal smoothing buffer with a
// silence fade-out on underrun) and on pkg/devices/device_list.go's
// AllocatedContext lifecycle, adapted here to decode Opus via hraban/opus
// before the bytes ever reach the channel.
package audiosink

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/hraban/opus"
	"go.uber.org/zap"
)

const (
	channels          = 1
	bytesPerSample    = 2 // 16-bit signed PCM
	frameDurationSecs = 0.06
	queueCapacity     = 32
	dequeueTimeout    = 1 * time.Second

	// DefaultSampleRate is the downstream rate assumed before a hello reply
	// negotiates a different one (spec.md §3 WsSession.downstream_sample_rate).
	DefaultSampleRate = 16000
)

// Sink is the playback surface the Engine drives; AudioSink failures never
// propagate as engine failures (spec.md §4.6 failure policy).
type Sink interface {
	// Enqueue accepts one Opus packet for decode-and-playback. Never blocks
	// longer than the bounded queue allows; a full queue drops the packet.
	Enqueue(opusPacket []byte)
	// UpdateSampleRate rebuilds the decoder and output device at sr if it
	// differs from the current rate.
	UpdateSampleRate(sr int) error
	// Cleanup stops playback, drains the queue and releases the device.
	Cleanup()
	// SetDropHook registers a callback fired once per dropped or
	// undecodable Opus packet. fn may be nil to disable it.
	SetDropHook(fn func())
}

// New builds a real Opus+malgo Sink, or falls back to a NoopSink (logging a
// single warning) if either the decoder or the output device cannot be
// constructed at sampleRate (spec.md §4.6 failure policy, §9 design note:
// the decoder is modeled as a capability with a no-op implementation).
func New(sampleRate int, logger *zap.Logger) Sink {
	sink, err := newOpusSink(sampleRate, logger)
	if err != nil {
		logger.Warn("audio playback unavailable, falling back to silent sink", zap.Error(err))
		return NewNoopSink(logger)
	}
	return sink
}

// OpusSink decodes Opus packets on a dedicated playback worker and feeds
// the decoded PCM to a malgo output device.
type OpusSink struct {
	logger *zap.Logger

	mu         sync.Mutex
	sampleRate int
	decoder    *opus.Decoder
	ctx        *malgo.AllocatedContext
	device     *malgo.Device
	queue      chan []byte
	stop       chan struct{}
	wg         sync.WaitGroup

	bufMu  sync.Mutex
	buf    []byte
	closed bool

	dropMu sync.Mutex
	onDrop func()
}

func newOpusSink(sampleRate int, logger *zap.Logger) (*OpusSink, error) {
	s := &OpusSink{logger: logger, queue: make(chan []byte, queueCapacity)}
	if err := s.rebuild(sampleRate); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *OpusSink) rebuild(sampleRate int) error {
	decoder, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return fmt.Errorf("audiosink: create opus decoder: %w", err)
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(string) {})
	if err != nil {
		return fmt.Errorf("audiosink: init audio context: %w", err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = channels
	deviceConfig.SampleRate = uint32(sampleRate)
	deviceConfig.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(ctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: s.onSendFrames})
	if err != nil {
		ctx.Uninit()
		ctx.Free()
		return fmt.Errorf("audiosink: init playback device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		ctx.Uninit()
		ctx.Free()
		return fmt.Errorf("audiosink: start playback device: %w", err)
	}

	s.mu.Lock()
	s.sampleRate = sampleRate
	s.decoder = decoder
	s.ctx = ctx
	s.device = device
	s.mu.Unlock()

	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.playbackLoop()
	return nil
}

// onSendFrames is malgo's pull callback: it drains the internal smoothing
// buffer into the requested output, padding short reads with silence.
func (s *OpusSink) onSendFrames(pOutputSample, _ []byte, framecount uint32) {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	s.buf = fillFromBuffer(s.buf, pOutputSample)
}

// fillFromBuffer copies as much of buf into out as available and zero-fills
// the remainder, returning the unconsumed remainder of buf. Kept free of
// malgo/device state so it is directly unit-testable.
func fillFromBuffer(buf, out []byte) []byte {
	if len(buf) >= len(out) {
		copy(out, buf[:len(out)])
		return buf[len(out):]
	}
	copied := copy(out, buf)
	for i := copied; i < len(out); i++ {
		out[i] = 0
	}
	return buf[:0]
}

// playbackLoop is the dedicated worker of spec.md §4.6: dequeue with a 1s
// timeout, decode, hand PCM to the device. A decode failure drops the
// packet and the worker continues.
func (s *OpusSink) playbackLoop() {
	defer s.wg.Done()

	pcm := make([]int16, int(float64(48000)*frameDurationSecs)*channels)
	for {
		select {
		case <-s.stop:
			return
		case packet, ok := <-s.queue:
			if !ok {
				return
			}
			s.decodeAndBuffer(packet, pcm)
		case <-time.After(dequeueTimeout):
		}
	}
}

func (s *OpusSink) decodeAndBuffer(packet []byte, pcm []int16) {
	s.mu.Lock()
	decoder := s.decoder
	s.mu.Unlock()
	if decoder == nil {
		return
	}

	n, err := decoder.Decode(packet, pcm)
	if err != nil {
		s.logger.Warn("dropped opus packet: decode failed", zap.Error(err))
		s.notifyDrop()
		return
	}

	frame := pcmToBytes(pcm[:n*channels])

	s.bufMu.Lock()
	s.buf = append(s.buf, frame...)
	s.bufMu.Unlock()
}

// pcmToBytes little-endian-encodes 16-bit PCM samples, the wire format
// malgo's S16 device config expects.
func pcmToBytes(pcm []int16) []byte {
	out := make([]byte, len(pcm)*bytesPerSample)
	for i, sample := range pcm {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(sample))
	}
	return out
}

func (s *OpusSink) Enqueue(opusPacket []byte) {
	select {
	case s.queue <- opusPacket:
	default:
		s.logger.Warn("audio queue full, dropping opus packet")
		s.notifyDrop()
	}
}

// SetDropHook registers fn to be called once per dropped or undecodable
// packet (wired by the engine to a metrics counter).
func (s *OpusSink) SetDropHook(fn func()) {
	s.dropMu.Lock()
	s.onDrop = fn
	s.dropMu.Unlock()
}

func (s *OpusSink) notifyDrop() {
	s.dropMu.Lock()
	fn := s.onDrop
	s.dropMu.Unlock()
	if fn != nil {
		fn()
	}
}

// UpdateSampleRate stops playback, recreates the decoder and device at sr,
// and restarts the playback worker (spec.md §4.6).
func (s *OpusSink) UpdateSampleRate(sr int) error {
	s.mu.Lock()
	current := s.sampleRate
	s.mu.Unlock()
	if sr == current {
		return nil
	}

	s.teardown()
	if err := s.rebuild(sr); err != nil {
		return fmt.Errorf("audiosink: update sample rate: %w", err)
	}
	return nil
}

func (s *OpusSink) Cleanup() {
	s.bufMu.Lock()
	if s.closed {
		s.bufMu.Unlock()
		return
	}
	s.closed = true
	s.bufMu.Unlock()

	s.teardown()
	close(s.queue)
}

func (s *OpusSink) teardown() {
	if s.stop != nil {
		close(s.stop)
		s.wg.Wait()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device != nil {
		s.device.Uninit()
		s.device = nil
	}
	if s.ctx != nil {
		s.ctx.Uninit()
		s.ctx.Free()
		s.ctx = nil
	}
	s.decoder = nil

	s.bufMu.Lock()
	s.buf = nil
	s.bufMu.Unlock()
}

// NoopSink is the silent fallback of spec.md §4.6/§9: the engine keeps
// running with no audio output.
type NoopSink struct {
	logger *zap.Logger
	once   sync.Once
}

func NewNoopSink(logger *zap.Logger) *NoopSink {
	return &NoopSink{logger: logger}
}

func (s *NoopSink) Enqueue(_ []byte) {
	s.once.Do(func() { s.logger.Warn("audio playback disabled: discarding opus packets") })
}

func (s *NoopSink) UpdateSampleRate(int) error { return nil }

func (s *NoopSink) Cleanup() {}

func (s *NoopSink) SetDropHook(func()) {}
