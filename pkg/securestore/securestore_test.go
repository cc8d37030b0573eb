package securestore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSetGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.json")

	s, err := Open(path, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, s.Set("device_id", "02:00:00:aa:bb:cc"))

	v, ok := s.Get("device_id")
	assert.True(t, ok)
	assert.Equal(t, "02:00:00:aa:bb:cc", v)

	// A fresh Store over the same file sees the persisted value.
	reopened, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	v, ok = reopened.Get("device_id")
	assert.True(t, ok)
	assert.Equal(t, "02:00:00:aa:bb:cc", v)
}

func TestGetAbsentYieldsFalse(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "missing.json"), zap.NewNop())
	require.NoError(t, err)

	_, ok := s.Get("nope")
	assert.False(t, ok)
}

func TestSetAllIsAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.json")
	s, err := Open(path, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, s.SetAll(map[string]string{
		"device_id": "02:00:00:11:22:33",
		"client_id": "11111111-1111-4111-8111-111111111111",
		"serial":    "SN-AABBCCDD-112233445566",
		"hmac_key":  "ab",
		"activated": "false",
	}))

	reopened, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	for _, key := range []string{"device_id", "client_id", "serial", "hmac_key", "activated"} {
		_, ok := reopened.Get(key)
		assert.Truef(t, ok, "expected key %s to be present", key)
	}
}

func TestRemoveAndClearAll(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.json")
	s, err := Open(path, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, s.Set("a", "1"))
	require.NoError(t, s.Set("b", "2"))

	require.NoError(t, s.Remove("a"))
	_, ok := s.Get("a")
	assert.False(t, ok)

	require.NoError(t, s.ClearAll())
	_, ok = s.Get("b")
	assert.False(t, ok)
}
