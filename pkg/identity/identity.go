// Package identity generates and loads the device's cryptographically
// attested identity tuple: a locally-administered MAC-shaped device id, a
// v4 UUID client id, a derived serial number, and an HMAC key the server
// never sees directly. Grounded on the teacher's HMAC use in
// internal/handler/ota.go (generatePasswordSignature signs an MQTT
// client-id/username pair with crypto/hmac+sha256; here the same construct
// signs the server's activation challenge instead) and on google/uuid for
// the client id, exactly as the teacher uses it in pkg/hardware/stream
// (session/play ids).
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/xiaozhi-go/xiaozhi-client/pkg/securestore"
)

const (
	keyDeviceID  = "device_id"
	keyClientID  = "client_id"
	keySerial    = "serial"
	keyHMACKey   = "hmac_key"
	keyActivated = "activated"
)

// Identity is the device's persisted identity tuple (spec.md §3).
type Identity struct {
	DeviceID  string
	ClientID  string
	Serial    string
	HMACKey   string // 64 lowercase hex chars
	Activated bool
}

// Manager loads or generates the device identity, backed by a SecureStore.
type Manager struct {
	store *securestore.Store
}

func NewManager(store *securestore.Store) *Manager {
	return &Manager{store: store}
}

// Current returns the persisted identity, generating and persisting a new
// one if forceNew is true or any of the four identity fields is absent.
func (m *Manager) Current(forceNew bool) (Identity, error) {
	if !forceNew {
		if id, ok := m.load(); ok {
			return id, nil
		}
	}
	return m.generateAndPersist()
}

func (m *Manager) load() (Identity, bool) {
	deviceID, ok1 := m.store.Get(keyDeviceID)
	clientID, ok2 := m.store.Get(keyClientID)
	serial, ok3 := m.store.Get(keySerial)
	hmacKey, ok4 := m.store.Get(keyHMACKey)
	if !ok1 || !ok2 || !ok3 || !ok4 || deviceID == "" || clientID == "" || serial == "" || hmacKey == "" {
		return Identity{}, false
	}
	activated, _ := m.store.Get(keyActivated)
	return Identity{
		DeviceID:  deviceID,
		ClientID:  clientID,
		Serial:    serial,
		HMACKey:   hmacKey,
		Activated: activated == "true",
	}, true
}

func (m *Manager) generateAndPersist() (Identity, error) {
	deviceID, err := generateDeviceID()
	if err != nil {
		return Identity{}, fmt.Errorf("identity: generate device id: %w", err)
	}
	serial, err := generateSerial(deviceID)
	if err != nil {
		return Identity{}, fmt.Errorf("identity: generate serial: %w", err)
	}
	hmacKey, err := generateHMACKey()
	if err != nil {
		return Identity{}, fmt.Errorf("identity: generate hmac key: %w", err)
	}

	id := Identity{
		DeviceID:  deviceID,
		ClientID:  uuid.New().String(),
		Serial:    serial,
		HMACKey:   hmacKey,
		Activated: false,
	}

	if err := m.store.SetAll(map[string]string{
		keyDeviceID:  id.DeviceID,
		keyClientID:  id.ClientID,
		keySerial:    id.Serial,
		keyHMACKey:   id.HMACKey,
		keyActivated: "false",
	}); err != nil {
		return Identity{}, fmt.Errorf("identity: persist: %w", err)
	}

	return id, nil
}

// MarkActivated flips the persisted activated flag to true.
func (m *Manager) MarkActivated() error {
	return m.store.Set(keyActivated, "true")
}

// ResetAll deletes every persisted identity and session key (factory reset).
func (m *Manager) ResetAll() error {
	return m.store.ClearAll()
}

// generateDeviceID builds a locally-administered MAC: 02:00:00:xx:xx:xx.
func generateDeviceID() (string, error) {
	var tail [3]byte
	if _, err := rand.Read(tail[:]); err != nil {
		return "", err
	}
	return fmt.Sprintf("02:00:00:%02x:%02x:%02x", tail[0], tail[1], tail[2]), nil
}

// generateSerial builds SN-<8 uppercase hex>-<12 uppercase hex tail of the MAC>.
func generateSerial(deviceID string) (string, error) {
	var prefix [4]byte
	if _, err := rand.Read(prefix[:]); err != nil {
		return "", err
	}

	tail := strings.ToUpper(strings.ReplaceAll(deviceID, ":", ""))
	if len(tail) > 12 {
		tail = tail[len(tail)-12:]
	} else if len(tail) < 12 {
		tail = tail + strings.Repeat("0", 12-len(tail))
	}

	return fmt.Sprintf("SN-%s-%s", strings.ToUpper(hex.EncodeToString(prefix[:])), tail), nil
}

// generateHMACKey returns 32 random bytes as 64 lowercase hex chars.
func generateHMACKey() (string, error) {
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(key[:]), nil
}
