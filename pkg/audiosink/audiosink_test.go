package audiosink

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestFillFromBufferDrainsAvailableData(t *testing.T) {
	buf := []byte{1, 2, 3, 4, 5, 6}
	out := make([]byte, 4)

	remainder := fillFromBuffer(buf, out)
	assert.Equal(t, []byte{1, 2, 3, 4}, out)
	assert.Equal(t, []byte{5, 6}, remainder)
}

func TestFillFromBufferPadsSilenceOnUnderrun(t *testing.T) {
	buf := []byte{1, 2}
	out := make([]byte, 4)

	remainder := fillFromBuffer(buf, out)
	assert.Equal(t, []byte{1, 2, 0, 0}, out)
	assert.Empty(t, remainder)
}

func TestPCMToBytesLittleEndian(t *testing.T) {
	pcm := []int16{1, -1, 256}
	out := pcmToBytes(pcm)
	assert.Equal(t, []byte{
		0x01, 0x00,
		0xff, 0xff,
		0x00, 0x01,
	}, out)
}

// TestNoopSinkWarnsOnce verifies the failure policy of spec.md §4.6: a
// silent sink degrades gracefully and only logs its warning once.
func TestNoopSinkWarnsOnce(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	sink := NewNoopSink(zap.New(core))
	assert.NotPanics(t, func() {
		sink.Enqueue([]byte{1, 2, 3})
		sink.Enqueue([]byte{4, 5, 6})
	})
	assert.NoError(t, sink.UpdateSampleRate(24000))
	sink.Cleanup()
	assert.Equal(t, 1, logs.Len())
}

// TestNoopSinkDropHookIsANoop verifies a NoopSink accepts a drop hook
// without ever calling it, since it never decodes anything.
func TestNoopSinkDropHookIsANoop(t *testing.T) {
	sink := NewNoopSink(zap.NewNop())
	called := false
	sink.SetDropHook(func() { called = true })
	sink.Enqueue([]byte{1, 2, 3})
	assert.False(t, called)
}
