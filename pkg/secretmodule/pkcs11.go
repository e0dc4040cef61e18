package secretmodule

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/miekg/pkcs11"

	"github.com/threshold-custody/core/pkg/curve"
	"github.com/threshold-custody/core/pkg/custodyerr"
	"github.com/threshold-custody/core/pkg/identity"
)

// PKCS11 talks to a real PKCS#11 token (SoftHSM or hardware). Generic
// secrets are stored as CKO_SECRET_KEY/CKK_GENERIC_SECRET objects; in
// production mode they carry CKA_SENSITIVE=true and CKA_EXTRACTABLE=false,
// so value readback fails at the token itself. The monotonic counter is the
// one exception: it is bookkeeping, not key material, and stays readable so
// increments work in both modes.
//
// Tokens do not expose an HMAC-then-reduce-mod-n derivation mechanism, so
// DeriveNonce and ComputePartial only work in demo mode, where the adapter
// reads the seed and share host-side. A production deployment of this
// backend covers init, identity, and bookkeeping; signing requires a token
// with a native secp256k1 derivation path or one of the software backends.
type PKCS11 struct {
	mu          sync.Mutex
	mode        Mode
	libraryPath string
	tokenLabel  string

	ctx     *pkcs11.Ctx
	session pkcs11.SessionHandle
	open    bool
}

var _ Module = (*PKCS11)(nil)

// NewPKCS11 prepares a module backed by the PKCS#11 library at libraryPath
// and the token with the given label. Nothing is loaded until Login.
func NewPKCS11(libraryPath, tokenLabel string, mode Mode) *PKCS11 {
	return &PKCS11{
		mode:        mode,
		libraryPath: libraryPath,
		tokenLabel:  tokenLabel,
	}
}

func (p *PKCS11) Login(pin string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.open {
		return nil
	}

	ctx := pkcs11.New(p.libraryPath)
	if ctx == nil {
		return fmt.Errorf("secretmodule: loading PKCS#11 library %s", p.libraryPath)
	}
	if err := ctx.Initialize(); err != nil {
		if err != pkcs11.Error(pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED) {
			ctx.Destroy()
			return fmt.Errorf("secretmodule: initializing PKCS#11: %w", err)
		}
	}

	slots, err := ctx.GetSlotList(true)
	if err != nil {
		ctx.Destroy()
		return fmt.Errorf("secretmodule: listing slots: %w", err)
	}
	slot, err := p.findSlot(ctx, slots)
	if err != nil {
		ctx.Destroy()
		return err
	}

	session, err := ctx.OpenSession(slot, pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
	if err != nil {
		ctx.Destroy()
		return fmt.Errorf("secretmodule: opening session: %w", err)
	}
	if err := ctx.Login(session, pkcs11.CKU_USER, pin); err != nil {
		if err != pkcs11.Error(pkcs11.CKR_USER_ALREADY_LOGGED_IN) {
			ctx.CloseSession(session)
			ctx.Destroy()
			return fmt.Errorf("secretmodule: token login: %w", err)
		}
	}

	p.ctx = ctx
	p.session = session
	p.open = true
	return nil
}

func (p *PKCS11) findSlot(ctx *pkcs11.Ctx, slots []uint) (uint, error) {
	for _, slot := range slots {
		info, err := ctx.GetTokenInfo(slot)
		if err != nil {
			continue
		}
		if strings.TrimRight(info.Label, " ") == p.tokenLabel {
			return slot, nil
		}
	}
	return 0, fmt.Errorf("secretmodule: token %q not found", p.tokenLabel)
}

func (p *PKCS11) Logout() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open {
		return nil
	}
	p.ctx.Logout(p.session)
	p.ctx.CloseSession(p.session)
	p.ctx.Finalize()
	p.ctx.Destroy()
	p.ctx = nil
	p.open = false
	return nil
}

func (p *PKCS11) Mode() Mode { return p.mode }

func (p *PKCS11) requireOpen() error {
	if !p.open {
		return fmt.Errorf("secretmodule: not logged in")
	}
	return nil
}

// findObject returns the first object matching the template, or found=false.
func (p *PKCS11) findObject(template []*pkcs11.Attribute) (pkcs11.ObjectHandle, bool, error) {
	if err := p.ctx.FindObjectsInit(p.session, template); err != nil {
		return 0, false, fmt.Errorf("secretmodule: find init: %w", err)
	}
	handles, _, err := p.ctx.FindObjects(p.session, 1)
	if ferr := p.ctx.FindObjectsFinal(p.session); ferr != nil && err == nil {
		err = ferr
	}
	if err != nil {
		return 0, false, fmt.Errorf("secretmodule: find objects: %w", err)
	}
	if len(handles) == 0 {
		return 0, false, nil
	}
	return handles[0], true, nil
}

func secretTemplate(label string) []*pkcs11.Attribute {
	return []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_SECRET_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_GENERIC_SECRET),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
	}
}

// sensitiveAttrs returns the extractability attribute pair for a label in
// the current mode. The counter stays readable regardless of mode.
func (p *PKCS11) sensitiveAttrs(label string) (sensitive, extractable bool) {
	if label == LabelNonceCounter {
		return false, true
	}
	if p.mode == ModeProduction {
		return true, false
	}
	return false, true
}

func (p *PKCS11) createSecret(label string, value []byte) error {
	sensitive, extractable := p.sensitiveAttrs(label)
	_, err := p.ctx.CreateObject(p.session, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_SECRET_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_GENERIC_SECRET),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
		pkcs11.NewAttribute(pkcs11.CKA_VALUE, value),
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
		pkcs11.NewAttribute(pkcs11.CKA_SENSITIVE, sensitive),
		pkcs11.NewAttribute(pkcs11.CKA_EXTRACTABLE, extractable),
	})
	if err != nil {
		return fmt.Errorf("secretmodule: creating object %s: %w", label, err)
	}
	return nil
}

func (p *PKCS11) readValue(handle pkcs11.ObjectHandle, label string) ([]byte, error) {
	attrs, err := p.ctx.GetAttributeValue(p.session, handle, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_VALUE, nil),
	})
	if err != nil {
		return nil, fmt.Errorf("secretmodule: reading object %s: %w", label, err)
	}
	return attrs[0].Value, nil
}

func (p *PKCS11) EnsureIdentityKey() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireOpen(); err != nil {
		return err
	}
	_, found, err := p.findObject([]*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, LabelIdentityKey),
	})
	if err != nil {
		return err
	}
	if found {
		return nil
	}

	publicTemplate := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PUBLIC_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, LabelIdentityKey),
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
		pkcs11.NewAttribute(pkcs11.CKA_ENCRYPT, true),
		pkcs11.NewAttribute(pkcs11.CKA_MODULUS_BITS, identity.KeyBits),
		pkcs11.NewAttribute(pkcs11.CKA_PUBLIC_EXPONENT, []byte{0x01, 0x00, 0x01}),
	}
	privateTemplate := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, LabelIdentityKey),
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
		pkcs11.NewAttribute(pkcs11.CKA_PRIVATE, true),
		pkcs11.NewAttribute(pkcs11.CKA_DECRYPT, true),
		pkcs11.NewAttribute(pkcs11.CKA_SENSITIVE, true),
		pkcs11.NewAttribute(pkcs11.CKA_EXTRACTABLE, false),
	}
	_, _, err = p.ctx.GenerateKeyPair(p.session,
		[]*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS_KEY_PAIR_GEN, nil)},
		publicTemplate, privateTemplate)
	if err != nil {
		return fmt.Errorf("secretmodule: generating identity keypair: %w", err)
	}
	return nil
}

func (p *PKCS11) IdentityPublicKeyPEM() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireOpen(); err != nil {
		return nil, err
	}
	handle, found, err := p.findObject([]*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PUBLIC_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, LabelIdentityKey),
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("secretmodule: identity key not created")
	}
	attrs, err := p.ctx.GetAttributeValue(p.session, handle, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_MODULUS, nil),
		pkcs11.NewAttribute(pkcs11.CKA_PUBLIC_EXPONENT, nil),
	})
	if err != nil {
		return nil, fmt.Errorf("secretmodule: reading public key: %w", err)
	}
	pub := &rsa.PublicKey{
		N: new(big.Int).SetBytes(attrs[0].Value),
		E: int(new(big.Int).SetBytes(attrs[1].Value).Int64()),
	}
	return identity.MarshalPublicKeyPEM(pub)
}

func (p *PKCS11) DecryptWithIdentityKey(ciphertext []byte) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireOpen(); err != nil {
		return nil, err
	}
	handle, found, err := p.findObject([]*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, LabelIdentityKey),
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("secretmodule: identity key not created")
	}
	params := pkcs11.NewOAEPParams(pkcs11.CKM_SHA256, pkcs11.CKG_MGF1_SHA256,
		pkcs11.CKZ_DATA_SPECIFIED, nil)
	mech := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS_OAEP, params)}
	if err := p.ctx.DecryptInit(p.session, mech, handle); err != nil {
		return nil, fmt.Errorf("secretmodule: decrypt init: %w", err)
	}
	plaintext, err := p.ctx.Decrypt(p.session, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("secretmodule: decrypting share: %w", err)
	}
	return plaintext, nil
}

func (p *PKCS11) PutSecret(label string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireOpen(); err != nil {
		return err
	}
	return p.putObject(label, value)
}

func (p *PKCS11) ReplaceSecret(label string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireOpen(); err != nil {
		return err
	}
	handle, found, err := p.findObject(secretTemplate(label))
	if err != nil {
		return err
	}
	if found {
		if err := p.ctx.DestroyObject(p.session, handle); err != nil {
			return fmt.Errorf("secretmodule: destroying object %s: %w", label, err)
		}
	}
	return p.createSecret(label, value)
}

func (p *PKCS11) GetSecret(label string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireOpen(); err != nil {
		return nil, err
	}
	if p.mode == ModeProduction && extractionGated(label) {
		return nil, fmt.Errorf("secretmodule: reading %s: %w", label, custodyerr.ErrSecretExtractionForbidden)
	}
	return p.getObject(label)
}

func (p *PKCS11) HasSecret(label string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireOpen(); err != nil {
		return false, err
	}
	return p.hasObject(label)
}

func (p *PKCS11) ListSecretLabels(prefix string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireOpen(); err != nil {
		return nil, err
	}
	return p.listObjects(prefix)
}

func (p *PKCS11) DeleteSecret(label string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireOpen(); err != nil {
		return err
	}
	handle, found, err := p.findObject(secretTemplate(label))
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if err := p.ctx.DestroyObject(p.session, handle); err != nil {
		return fmt.Errorf("secretmodule: destroying object %s: %w", label, err)
	}
	return nil
}

func (p *PKCS11) CounterGet() (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireOpen(); err != nil {
		return 0, err
	}
	raw, err := p.getObject(LabelNonceCounter)
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("secretmodule: counter is %d bytes, want 8", len(raw))
	}
	return binary.BigEndian.Uint64(raw), nil
}

func (p *PKCS11) CounterIncrementAndGet() (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireOpen(); err != nil {
		return 0, err
	}
	return p.counterIncrementAndGet()
}

// counterIncrementAndGet reads, destroys, and recreates the counter object.
// The token serialises object operations per session; p.mu serialises the
// read-modify-write within this process.
func (p *PKCS11) counterIncrementAndGet() (uint64, error) {
	handle, found, err := p.findObject(secretTemplate(LabelNonceCounter))
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("secretmodule: counter not initialized")
	}
	raw, err := p.readValue(handle, LabelNonceCounter)
	if err != nil {
		return 0, err
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
	if err := p.ctx.DestroyObject(p.session, handle); err != nil {
		return 0, fmt.Errorf("secretmodule: destroying counter: %w", err)
	}
	if err := p.createSecret(LabelNonceCounter, nextRaw[:]); err != nil {
		return 0, err
	}
	return next, nil
}

func (p *PKCS11) InitNonceDerivation() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireOpen(); err != nil {
		return false, err
	}
	found, err := p.hasObject(LabelNonceMasterSeed)
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
	if err := p.createSecret(LabelNonceMasterSeed, seed); err != nil {
		return false, err
	}
	var zero [8]byte
	if err := p.createSecret(LabelNonceCounter, zero[:]); err != nil {
		return false, err
	}
	return true, nil
}

func (p *PKCS11) DeriveNonce(requestID string, messageDigest []byte) (*Derivation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireOpen(); err != nil {
		return nil, err
	}
	if p.mode == ModeProduction {
		return nil, fmt.Errorf("secretmodule: host-side derivation on a production token: %w",
			custodyerr.ErrSecretExtractionForbidden)
	}
	return deriveNonce(p, requestID, messageDigest)
}

func (p *PKCS11) RederiveNoncePoint(counter uint64, requestID string, messageDigest []byte) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireOpen(); err != nil {
		return "", err
	}
	if p.mode == ModeProduction {
		return "", fmt.Errorf("secretmodule: host-side derivation on a production token: %w",
			custodyerr.ErrSecretExtractionForbidden)
	}
	return rederiveNoncePoint(p, counter, requestID, messageDigest)
}

func (p *PKCS11) ComputePartial(roundID string, counter uint64, requestID string, messageDigest []byte, challenge, lambda *curve.Scalar) (*curve.Scalar, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireOpen(); err != nil {
		return nil, err
	}
	if p.mode == ModeProduction {
		return nil, fmt.Errorf("secretmodule: host-side signing on a production token: %w",
			custodyerr.ErrSecretExtractionForbidden)
	}
	return computePartial(p, roundID, counter, requestID, messageDigest, challenge, lambda)
}

func (p *PKCS11) DerivationRecords() ([]DerivationRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireOpen(); err != nil {
		return nil, err
	}
	if p.mode == ModeProduction {
		// Values are CKA_SENSITIVE; reconstruct what we can from labels.
		labels, err := p.listObjects(NonceDerivPrefix)
		if err != nil {
			return nil, err
		}
		records := make([]DerivationRecord, 0, len(labels))
		for _, label := range labels {
			if c, ok := counterFromDerivLabel(label); ok {
				records = append(records, DerivationRecord{Counter: c})
			}
		}
		sort.Slice(records, func(i, j int) bool { return records[i].Counter < records[j].Counter })
		return records, nil
	}
	return derivationRecords(p)
}

// objectStore implementation. Callers hold p.mu.

func (p *PKCS11) getObject(label string) ([]byte, error) {
	handle, found, err := p.findObject(secretTemplate(label))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("secretmodule: object %s not found", label)
	}
	return p.readValue(handle, label)
}

func (p *PKCS11) putObject(label string, value []byte) error {
	_, found, err := p.findObject(secretTemplate(label))
	if err != nil {
		return err
	}
	if found {
		// Creation is idempotent; in production the value cannot be read
		// back for comparison, so an existing object stands.
		return nil
	}
	return p.createSecret(label, value)
}

func (p *PKCS11) hasObject(label string) (bool, error) {
	_, found, err := p.findObject(secretTemplate(label))
	return found, err
}

func (p *PKCS11) listObjects(prefix string) ([]string, error) {
	if err := p.ctx.FindObjectsInit(p.session, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_SECRET_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_GENERIC_SECRET),
	}); err != nil {
		return nil, fmt.Errorf("secretmodule: find init: %w", err)
	}
	var labels []string
	for {
		handles, _, err := p.ctx.FindObjects(p.session, 32)
		if err != nil {
			p.ctx.FindObjectsFinal(p.session)
			return nil, fmt.Errorf("secretmodule: find objects: %w", err)
		}
		if len(handles) == 0 {
			break
		}
		for _, handle := range handles {
			attrs, err := p.ctx.GetAttributeValue(p.session, handle, []*pkcs11.Attribute{
				pkcs11.NewAttribute(pkcs11.CKA_LABEL, nil),
			})
			if err != nil {
				continue
			}
			label := string(attrs[0].Value)
			if strings.HasPrefix(label, prefix) {
				labels = append(labels, label)
			}
		}
	}
	if err := p.ctx.FindObjectsFinal(p.session); err != nil {
		return nil, fmt.Errorf("secretmodule: find final: %w", err)
	}
	sort.Strings(labels)
	return labels, nil
}
