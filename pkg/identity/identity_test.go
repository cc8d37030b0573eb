package identity

import (
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xiaozhi-go/xiaozhi-client/pkg/securestore"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	store, err := securestore.Open(filepath.Join(t.TempDir(), "identity.json"), zap.NewNop())
	require.NoError(t, err)
	return NewManager(store)
}

var macPattern = regexp.MustCompile(`^02:00:00:[0-9a-f]{2}:[0-9a-f]{2}:[0-9a-f]{2}$`)

func TestCurrentGeneratesOnFirstCall(t *testing.T) {
	m := newManager(t)

	id, err := m.Current(false)
	require.NoError(t, err)

	assert.True(t, macPattern.MatchString(id.DeviceID))
	assert.Len(t, id.HMACKey, 64)
	assert.False(t, id.Activated)
	assert.NotEmpty(t, id.ClientID)
}

// TestIdentityStability verifies property 1: a persisted identity survives
// a fresh load byte-for-byte.
func TestIdentityStability(t *testing.T) {
	m := newManager(t)

	first, err := m.Current(false)
	require.NoError(t, err)

	second, err := m.Current(false)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

// TestSerialDerivation verifies property 3.
func TestSerialDerivation(t *testing.T) {
	m := newManager(t)

	id, err := m.Current(false)
	require.NoError(t, err)

	wantTail := strings.ToUpper(strings.ReplaceAll(id.DeviceID, ":", ""))
	require.True(t, strings.HasSuffix(id.Serial, wantTail))
	require.True(t, strings.HasPrefix(id.Serial, "SN-"))
}

func TestForceNewGeneratesDifferentIdentity(t *testing.T) {
	m := newManager(t)

	first, err := m.Current(false)
	require.NoError(t, err)

	second, err := m.Current(true)
	require.NoError(t, err)

	assert.NotEqual(t, first.DeviceID, second.DeviceID)
	assert.NotEqual(t, first.ClientID, second.ClientID)
}

func TestMarkActivatedPersists(t *testing.T) {
	m := newManager(t)

	id, err := m.Current(false)
	require.NoError(t, err)
	require.False(t, id.Activated)

	require.NoError(t, m.MarkActivated())

	reloaded, err := m.Current(false)
	require.NoError(t, err)
	assert.True(t, reloaded.Activated)
	assert.Equal(t, id.DeviceID, reloaded.DeviceID)
}

func TestResetAllClearsIdentity(t *testing.T) {
	m := newManager(t)

	first, err := m.Current(false)
	require.NoError(t, err)

	require.NoError(t, m.ResetAll())

	second, err := m.Current(false)
	require.NoError(t, err)
	assert.NotEqual(t, first.DeviceID, second.DeviceID)
}
