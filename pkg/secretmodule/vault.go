package secretmodule

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/vault/api"

	"github.com/threshold-custody/core/pkg/curve"
	"github.com/threshold-custody/core/pkg/custodyerr"
	"github.com/threshold-custody/core/pkg/identity"
)

// Vault stores module objects in a HashiCorp Vault KV v2 mount, one secret
// per label under a node-scoped base path. The PIN is the Vault token.
// Counter increments use check-and-set writes so concurrent processes
// sharing a Vault namespace cannot both claim the same counter value.
//
// Like the in-process backend this is a software adapter: derivation and
// partial-signature computation read the seed and share under the adapter's
// control in both modes, while GetSecret enforces the production
// extractability gate at the API surface.
type Vault struct {
	mu       sync.Mutex
	mode     Mode
	addr     string
	mount    string
	basePath string

	client      *api.Client
	kv          *api.KVv2
	identityKey *rsa.PrivateKey
	open        bool
}

var _ Module = (*Vault)(nil)

// NewVault prepares a module backed by the KV v2 engine mounted at mount on
// the Vault server at addr, storing objects under basePath (typically the
// node id).
func NewVault(addr, mount, basePath string, mode Mode) *Vault {
	return &Vault{
		mode:     mode,
		addr:     addr,
		mount:    mount,
		basePath: basePath,
	}
}

func (v *Vault) Login(pin string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.open {
		return nil
	}
	client, err := api.NewClient(&api.Config{Address: v.addr})
	if err != nil {
		return fmt.Errorf("secretmodule: vault client: %w", err)
	}
	client.SetToken(pin)
	v.client = client
	v.kv = client.KVv2(v.mount)
	v.open = true
	return nil
}

func (v *Vault) Logout() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.client = nil
	v.kv = nil
	v.identityKey = nil
	v.open = false
	return nil
}

func (v *Vault) Mode() Mode { return v.mode }

func (v *Vault) requireOpen() error {
	if !v.open {
		return fmt.Errorf("secretmodule: not logged in")
	}
	return nil
}

func (v *Vault) secretPath(label string) string {
	return v.basePath + "/" + label
}

// readSecret returns the value and KV version of a label, or found=false.
func (v *Vault) readSecret(label string) (value []byte, version int, found bool, err error) {
	secret, err := v.kv.Get(context.Background(), v.secretPath(label))
	if err != nil {
		var respErr *api.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == 404 {
			return nil, 0, false, nil
		}
		return nil, 0, false, fmt.Errorf("secretmodule: reading %s: %w", label, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, 0, false, nil
	}
	b64, ok := secret.Data["value"].(string)
	if !ok {
		return nil, 0, false, fmt.Errorf("secretmodule: %s has no value field", label)
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, 0, false, fmt.Errorf("secretmodule: decoding %s: %w", label, err)
	}
	return raw, secret.VersionMetadata.Version, true, nil
}

func (v *Vault) writeSecret(label string, value []byte, opts ...api.KVOption) error {
	_, err := v.kv.Put(context.Background(), v.secretPath(label),
		map[string]interface{}{"value": base64.StdEncoding.EncodeToString(value)}, opts...)
	if err != nil {
		return fmt.Errorf("secretmodule: writing %s: %w", label, err)
	}
	return nil
}

func (v *Vault) loadIdentityKey() (*rsa.PrivateKey, error) {
	if v.identityKey != nil {
		return v.identityKey, nil
	}
	raw, _, found, err := v.readSecret(LabelIdentityKey)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("secretmodule: identity key not created")
	}
	key, err := x509.ParsePKCS1PrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("secretmodule: parsing identity key: %w", err)
	}
	v.identityKey = key
	return key, nil
}

func (v *Vault) EnsureIdentityKey() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireOpen(); err != nil {
		return err
	}
	_, _, found, err := v.readSecret(LabelIdentityKey)
	if err != nil {
		return err
	}
	if found {
		return nil
	}
	key, err := identity.GenerateKey()
	if err != nil {
		return err
	}
	if err := v.writeSecret(LabelIdentityKey, x509.MarshalPKCS1PrivateKey(key)); err != nil {
		return err
	}
	v.identityKey = key
	return nil
}

func (v *Vault) IdentityPublicKeyPEM() ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireOpen(); err != nil {
		return nil, err
	}
	key, err := v.loadIdentityKey()
	if err != nil {
		return nil, err
	}
	return identity.MarshalPublicKeyPEM(&key.PublicKey)
}

func (v *Vault) DecryptWithIdentityKey(ciphertext []byte) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireOpen(); err != nil {
		return nil, err
	}
	key, err := v.loadIdentityKey()
	if err != nil {
		return nil, err
	}
	return identity.Decrypt(key, ciphertext)
}

func (v *Vault) PutSecret(label string, value []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireOpen(); err != nil {
		return err
	}
	return v.putObject(label, value)
}

func (v *Vault) ReplaceSecret(label string, value []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireOpen(); err != nil {
		return err
	}
	return v.writeSecret(label, value)
}

func (v *Vault) GetSecret(label string) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireOpen(); err != nil {
		return nil, err
	}
	if v.mode == ModeProduction && extractionGated(label) {
		return nil, fmt.Errorf("secretmodule: reading %s: %w", label, custodyerr.ErrSecretExtractionForbidden)
	}
	return v.getObject(label)
}

func (v *Vault) HasSecret(label string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireOpen(); err != nil {
		return false, err
	}
	return v.hasObject(label)
}

func (v *Vault) ListSecretLabels(prefix string) ([]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireOpen(); err != nil {
		return nil, err
	}
	return v.listObjects(prefix)
}

func (v *Vault) DeleteSecret(label string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireOpen(); err != nil {
		return err
	}
	if err := v.kv.DeleteMetadata(context.Background(), v.secretPath(label)); err != nil {
		return fmt.Errorf("secretmodule: deleting %s: %w", label, err)
	}
	return nil
}

func (v *Vault) CounterGet() (uint64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireOpen(); err != nil {
		return 0, err
	}
	raw, _, found, err := v.readSecret(LabelNonceCounter)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("secretmodule: counter not initialized")
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("secretmodule: counter is %d bytes, want 8", len(raw))
	}
	return binary.BigEndian.Uint64(raw), nil
}

func (v *Vault) CounterIncrementAndGet() (uint64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireOpen(); err != nil {
		return 0, err
	}
	return v.counterIncrementAndGet()
}

// counterIncrementAndGet is a check-and-set loop: the write only lands if
// the counter secret is still at the version we read, so two processes can
// never both claim the same value.
func (v *Vault) counterIncrementAndGet() (uint64, error) {
	const casAttempts = 5
	for attempt := 0; attempt < casAttempts; attempt++ {
		raw, version, found, err := v.readSecret(LabelNonceCounter)
		if err != nil {
			return 0, err
		}
		if !found {
			return 0, fmt.Errorf("secretmodule: counter not initialized")
		}
		if len(raw) != 8 {
			return 0, fmt.Errorf("secretmodule: counter is %d bytes, want 8", len(raw))
		}
		current := binary.BigEndian.Uint64(raw)
		if current == math.MaxUint64 {
			return 0, fmt.Errorf("secretmodule: %w", custodyerr.ErrCounterExhausted)
		}
		next := current + 1
		var nextRaw [8]byte
		binary.BigEndian.PutUint64(nextRaw[:], next)
		err = v.writeSecret(LabelNonceCounter, nextRaw[:], api.WithCheckAndSet(version))
		if err == nil {
			return next, nil
		}
	}
	return 0, fmt.Errorf("secretmodule: counter check-and-set contention after %d attempts", casAttempts)
}

func (v *Vault) InitNonceDerivation() (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireOpen(); err != nil {
		return false, err
	}
	found, err := v.hasObject(LabelNonceMasterSeed)
	if err != nil {
		return false, err
	}
	if found {
		return false, nil
	}
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return false, fmt.Errorf("secretmodule: generating master seed: %w", err)
	}
	if err := v.writeSecret(LabelNonceMasterSeed, seed); err != nil {
		return false, err
	}
	var zero [8]byte
	if err := v.writeSecret(LabelNonceCounter, zero[:]); err != nil {
		return false, err
	}
	return true, nil
}

func (v *Vault) DeriveNonce(requestID string, messageDigest []byte) (*Derivation, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireOpen(); err != nil {
		return nil, err
	}
	return deriveNonce(v, requestID, messageDigest)
}

func (v *Vault) RederiveNoncePoint(counter uint64, requestID string, messageDigest []byte) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireOpen(); err != nil {
		return "", err
	}
	return rederiveNoncePoint(v, counter, requestID, messageDigest)
}

func (v *Vault) ComputePartial(roundID string, counter uint64, requestID string, messageDigest []byte, challenge, lambda *curve.Scalar) (*curve.Scalar, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireOpen(); err != nil {
		return nil, err
	}
	return computePartial(v, roundID, counter, requestID, messageDigest, challenge, lambda)
}

func (v *Vault) DerivationRecords() ([]DerivationRecord, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireOpen(); err != nil {
		return nil, err
	}
	return derivationRecords(v)
}

// objectStore implementation. Callers hold v.mu.

func (v *Vault) getObject(label string) ([]byte, error) {
	raw, _, found, err := v.readSecret(label)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("secretmodule: object %s not found", label)
	}
	return raw, nil
}

func (v *Vault) putObject(label string, value []byte) error {
	existing, _, found, err := v.readSecret(label)
	if err != nil {
		return err
	}
	if found {
		if string(existing) == string(value) {
			return nil
		}
		return fmt.Errorf("secretmodule: object %s already exists with different content", label)
	}
	// Check-and-set at version 0: the write fails rather than clobbering a
	// secret created between our read and this put.
	return v.writeSecret(label, value, api.WithCheckAndSet(0))
}

func (v *Vault) hasObject(label string) (bool, error) {
	_, _, found, err := v.readSecret(label)
	return found, err
}

func (v *Vault) listObjects(prefix string) ([]string, error) {
	listPath := v.mount + "/metadata/" + v.basePath
	secret, err := v.client.Logical().List(listPath)
	if err != nil {
		return nil, fmt.Errorf("secretmodule: listing objects: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}
	keysRaw, ok := secret.Data["keys"].([]interface{})
	if !ok {
		return nil, nil
	}
	var labels []string
	for _, k := range keysRaw {
		label, ok := k.(string)
		if !ok {
			continue
		}
		if strings.HasPrefix(label, prefix) {
			labels = append(labels, label)
		}
	}
	sort.Strings(labels)
	return labels, nil
}
