package secretmodule

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/scrypt"

	"github.com/threshold-custody/core/pkg/curve"
	"github.com/threshold-custody/core/pkg/custodyerr"
	"github.com/threshold-custody/core/pkg/identity"
)

const (
	memorySaltSize  = 16
	memoryFileName  = "secrets.enc"
	scryptN         = 1 << 15
	scryptR         = 8
	scryptP         = 1
	scryptKeyLength = 32
)

// Memory is the software emulation of the secret module. Objects live in a
// process map and are sealed to disk under a key derived from the PIN, so a
// restart re-authenticates with the same PIN instead of re-entering secrets.
// The production/demo extractability contract is enforced at the API layer;
// internal derivation and signing read values directly, mirroring a hardware
// token computing inside its boundary.
type Memory struct {
	mu   sync.Mutex
	mode Mode
	path string

	loggedIn bool
	salt     []byte
	aead     cipher.AEAD

	identityKey *rsa.PrivateKey
	objects     map[string][]byte
}

var _ Module = (*Memory)(nil)

// NewMemory creates a software module persisting to dir/secrets.enc. An
// empty dir keeps everything in memory only, which the test suite uses.
func NewMemory(dir string, mode Mode) *Memory {
	path := ""
	if dir != "" {
		path = filepath.Join(dir, memoryFileName)
	}
	return &Memory{
		mode:    mode,
		path:    path,
		objects: make(map[string][]byte),
	}
}

type memoryPayload struct {
	IdentityKey string            `json:"identity_key,omitempty"`
	Objects     map[string]string `json:"objects"`
}

func (m *Memory) Login(pin string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loggedIn {
		return nil
	}
	if m.path == "" {
		m.loggedIn = true
		return nil
	}

	data, err := os.ReadFile(m.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		m.salt = make([]byte, memorySaltSize)
		if _, err := rand.Read(m.salt); err != nil {
			return fmt.Errorf("secretmodule: generating salt: %w", err)
		}
		if m.aead, err = deriveAEAD(pin, m.salt); err != nil {
			return err
		}
		m.loggedIn = true
		return m.persist()
	case err != nil:
		return fmt.Errorf("secretmodule: reading %s: %w", m.path, err)
	}

	if len(data) < memorySaltSize+12 {
		return fmt.Errorf("secretmodule: %s is truncated", m.path)
	}
	m.salt = data[:memorySaltSize]
	if m.aead, err = deriveAEAD(pin, m.salt); err != nil {
		return err
	}
	nonce := data[memorySaltSize : memorySaltSize+12]
	plaintext, err := m.aead.Open(nil, nonce, data[memorySaltSize+12:], nil)
	if err != nil {
		return fmt.Errorf("secretmodule: login failed, wrong PIN or corrupt store: %w", err)
	}

	var payload memoryPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return fmt.Errorf("secretmodule: decoding store: %w", err)
	}
	m.objects = make(map[string][]byte, len(payload.Objects))
	for label, b64 := range payload.Objects {
		v, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return fmt.Errorf("secretmodule: decoding object %s: %w", label, err)
		}
		m.objects[label] = v
	}
	if payload.IdentityKey != "" {
		der, err := base64.StdEncoding.DecodeString(payload.IdentityKey)
		if err != nil {
			return fmt.Errorf("secretmodule: decoding identity key: %w", err)
		}
		if m.identityKey, err = x509.ParsePKCS1PrivateKey(der); err != nil {
			return fmt.Errorf("secretmodule: parsing identity key: %w", err)
		}
	}
	m.loggedIn = true
	return nil
}

func (m *Memory) Logout() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loggedIn = false
	return nil
}

func (m *Memory) Mode() Mode { return m.mode }

func deriveAEAD(pin string, salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(pin), salt, scryptN, scryptR, scryptP, scryptKeyLength)
	if err != nil {
		return nil, fmt.Errorf("secretmodule: deriving store key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secretmodule: store cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secretmodule: store AEAD: %w", err)
	}
	return aead, nil
}

// persist seals the current object set to disk. Callers hold m.mu.
func (m *Memory) persist() error {
	if m.path == "" {
		return nil
	}
	payload := memoryPayload{Objects: make(map[string]string, len(m.objects))}
	for label, v := range m.objects {
		payload.Objects[label] = base64.StdEncoding.EncodeToString(v)
	}
	if m.identityKey != nil {
		payload.IdentityKey = base64.StdEncoding.EncodeToString(x509.MarshalPKCS1PrivateKey(m.identityKey))
	}
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("secretmodule: encoding store: %w", err)
	}
	nonce := make([]byte, 12)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("secretmodule: store nonce: %w", err)
	}
	sealed := m.aead.Seal(nil, nonce, plaintext, nil)

	out := make([]byte, 0, len(m.salt)+len(nonce)+len(sealed))
	out = append(out, m.salt...)
	out = append(out, nonce...)
	out = append(out, sealed...)

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return fmt.Errorf("secretmodule: writing store: %w", err)
	}
	return os.Rename(tmp, m.path)
}

func (m *Memory) requireLogin() error {
	if !m.loggedIn {
		return fmt.Errorf("secretmodule: not logged in")
	}
	return nil
}

func (m *Memory) EnsureIdentityKey() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireLogin(); err != nil {
		return err
	}
	if m.identityKey != nil {
		return nil
	}
	key, err := identity.GenerateKey()
	if err != nil {
		return err
	}
	m.identityKey = key
	return m.persist()
}

func (m *Memory) IdentityPublicKeyPEM() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireLogin(); err != nil {
		return nil, err
	}
	if m.identityKey == nil {
		return nil, fmt.Errorf("secretmodule: identity key not created")
	}
	return identity.MarshalPublicKeyPEM(&m.identityKey.PublicKey)
}

func (m *Memory) DecryptWithIdentityKey(ciphertext []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireLogin(); err != nil {
		return nil, err
	}
	if m.identityKey == nil {
		return nil, fmt.Errorf("secretmodule: identity key not created")
	}
	return identity.Decrypt(m.identityKey, ciphertext)
}

func (m *Memory) PutSecret(label string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireLogin(); err != nil {
		return err
	}
	return m.putObjectStrict(label, value)
}

// putObjectStrict is create-if-absent: identical content is idempotent,
// different content is refused.
func (m *Memory) putObjectStrict(label string, value []byte) error {
	if existing, ok := m.objects[label]; ok {
		if string(existing) == string(value) {
			return nil
		}
		return fmt.Errorf("secretmodule: object %s already exists with different content", label)
	}
	m.objects[label] = append([]byte(nil), value...)
	return m.persist()
}

func (m *Memory) ReplaceSecret(label string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireLogin(); err != nil {
		return err
	}
	m.objects[label] = append([]byte(nil), value...)
	return m.persist()
}

func (m *Memory) GetSecret(label string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireLogin(); err != nil {
		return nil, err
	}
	if m.mode == ModeProduction && extractionGated(label) {
		return nil, fmt.Errorf("secretmodule: reading %s: %w", label, custodyerr.ErrSecretExtractionForbidden)
	}
	return m.getObject(label)
}

func (m *Memory) HasSecret(label string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireLogin(); err != nil {
		return false, err
	}
	return m.hasObject(label)
}

func (m *Memory) ListSecretLabels(prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireLogin(); err != nil {
		return nil, err
	}
	return m.listObjects(prefix)
}

func (m *Memory) DeleteSecret(label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireLogin(); err != nil {
		return err
	}
	if _, ok := m.objects[label]; !ok {
		return nil
	}
	delete(m.objects, label)
	return m.persist()
}

func (m *Memory) CounterGet() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireLogin(); err != nil {
		return 0, err
	}
	return m.counterValue()
}

func (m *Memory) CounterIncrementAndGet() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireLogin(); err != nil {
		return 0, err
	}
	return m.counterIncrementAndGet()
}

func (m *Memory) InitNonceDerivation() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireLogin(); err != nil {
		return false, err
	}
	if _, ok := m.objects[LabelNonceMasterSeed]; ok {
		return false, nil
	}
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return false, fmt.Errorf("secretmodule: generating master seed: %w", err)
	}
	m.objects[LabelNonceMasterSeed] = seed
	var zero [8]byte
	m.objects[LabelNonceCounter] = zero[:]
	return true, m.persist()
}

func (m *Memory) DeriveNonce(requestID string, messageDigest []byte) (*Derivation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireLogin(); err != nil {
		return nil, err
	}
	return deriveNonce(m, requestID, messageDigest)
}

func (m *Memory) RederiveNoncePoint(counter uint64, requestID string, messageDigest []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireLogin(); err != nil {
		return "", err
	}
	return rederiveNoncePoint(m, counter, requestID, messageDigest)
}

func (m *Memory) ComputePartial(roundID string, counter uint64, requestID string, messageDigest []byte, challenge, lambda *curve.Scalar) (*curve.Scalar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireLogin(); err != nil {
		return nil, err
	}
	return computePartial(m, roundID, counter, requestID, messageDigest, challenge, lambda)
}

func (m *Memory) DerivationRecords() ([]DerivationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireLogin(); err != nil {
		return nil, err
	}
	return derivationRecords(m)
}

// objectStore implementation. Callers hold m.mu.

func (m *Memory) getObject(label string) ([]byte, error) {
	v, ok := m.objects[label]
	if !ok {
		return nil, fmt.Errorf("secretmodule: object %s not found", label)
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) putObject(label string, value []byte) error {
	return m.putObjectStrict(label, value)
}

func (m *Memory) hasObject(label string) (bool, error) {
	_, ok := m.objects[label]
	return ok, nil
}

func (m *Memory) listObjects(prefix string) ([]string, error) {
	var out []string
	for label := range m.objects {
		if strings.HasPrefix(label, prefix) {
			out = append(out, label)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) counterValue() (uint64, error) {
	raw, ok := m.objects[LabelNonceCounter]
	if !ok {
		return 0, fmt.Errorf("secretmodule: counter not initialized")
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("secretmodule: counter is %d bytes, want 8", len(raw))
	}
	return binary.BigEndian.Uint64(raw), nil
}

func (m *Memory) counterIncrementAndGet() (uint64, error) {
	current, err := m.counterValue()
	if err != nil {
		return 0, err
	}
	if current == math.MaxUint64 {
		return 0, fmt.Errorf("secretmodule: %w", custodyerr.ErrCounterExhausted)
	}
	next := current + 1
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], next)
	m.objects[LabelNonceCounter] = raw[:]
	if err := m.persist(); err != nil {
		return 0, err
	}
	return next, nil
}
