package secretmodule

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/threshold-custody/core/pkg/curve"
	"github.com/threshold-custody/core/pkg/custodyerr"
)

// objectStore is the ungated internal view a backend exposes to the shared
// derivation logic. Reads through it bypass the production-mode extraction
// gate: values fetched here are consumed inside the adapter and wiped, never
// returned to user code.
type objectStore interface {
	getObject(label string) ([]byte, error)
	putObject(label string, value []byte) error
	hasObject(label string) (bool, error)
	listObjects(prefix string) ([]string, error)
	counterIncrementAndGet() (uint64, error)
}

// deriveScalar computes the raw derivation
//
//	HMAC-SHA512(seed, 0x00 || BE8(counter) || requestID || digest)[0:32] mod n
//
// and reports whether the result reduced to zero, in which case the caller
// advances the counter and tries again.
func deriveScalar(seed []byte, counter uint64, requestID string, digest []byte) (*curve.Scalar, bool, error) {
	mac := hmac.New(sha512.New, seed)
	mac.Write([]byte{0x00})
	var be [8]byte
	binary.BigEndian.PutUint64(be[:], counter)
	mac.Write(be[:])
	mac.Write([]byte(requestID))
	mac.Write(digest)
	sum := mac.Sum(nil)

	k, err := curve.ScalarFromBytes(sum[:32])
	if err != nil {
		return nil, false, err
	}
	if k.IsZero() {
		return nil, true, nil
	}
	return k, false, nil
}

// deriveNonce runs the full derivation against a backend's object store:
// advance the counter, derive k, compute R, persist the derivation record.
// k is wiped before returning.
func deriveNonce(store objectStore, requestID string, messageDigest []byte) (*Derivation, error) {
	if len(messageDigest) != 32 {
		return nil, fmt.Errorf("secretmodule: message digest must be 32 bytes, got %d", len(messageDigest))
	}
	seed, err := store.getObject(LabelNonceMasterSeed)
	if err != nil {
		return nil, fmt.Errorf("secretmodule: nonce master seed not initialized: %w", err)
	}

	var k *curve.Scalar
	var counter uint64
	for {
		counter, err = store.counterIncrementAndGet()
		if err != nil {
			return nil, err
		}
		var zero bool
		k, zero, err = deriveScalar(seed, counter, requestID, messageDigest)
		if err != nil {
			return nil, err
		}
		if !zero {
			break
		}
	}
	defer k.Zero()

	compressed, err := k.ActOnBase().Compress()
	if err != nil {
		return nil, fmt.Errorf("secretmodule: compressing nonce point: %w", err)
	}
	rHex := hex.EncodeToString(compressed)
	digestHex := hex.EncodeToString(messageDigest)

	record, err := json.Marshal(DerivationRecord{
		Counter:          counter,
		RequestID:        requestID,
		RHex:             rHex,
		MessageDigestHex: digestHex,
	})
	if err != nil {
		return nil, fmt.Errorf("secretmodule: encoding derivation record: %w", err)
	}
	if err := store.putObject(NonceDerivLabel(counter), record); err != nil {
		return nil, err
	}

	return &Derivation{
		Counter:          counter,
		RHex:             rHex,
		RequestID:        requestID,
		MessageDigestHex: digestHex,
	}, nil
}

// rederiveNonce recomputes k for a past derivation without touching the
// counter. The caller owns the returned scalar and must wipe it.
func rederiveNonce(store objectStore, counter uint64, requestID string, messageDigest []byte) (*curve.Scalar, error) {
	seed, err := store.getObject(LabelNonceMasterSeed)
	if err != nil {
		return nil, fmt.Errorf("secretmodule: nonce master seed not initialized: %w", err)
	}
	k, zero, err := deriveScalar(seed, counter, requestID, messageDigest)
	if err != nil {
		return nil, err
	}
	if zero {
		return nil, fmt.Errorf("secretmodule: derivation at counter %d reduced to zero", counter)
	}
	return k, nil
}

// rederiveNoncePoint recomputes only the public commitment R.
func rederiveNoncePoint(store objectStore, counter uint64, requestID string, messageDigest []byte) (string, error) {
	k, err := rederiveNonce(store, counter, requestID, messageDigest)
	if err != nil {
		return "", err
	}
	defer k.Zero()
	compressed, err := k.ActOnBase().Compress()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(compressed), nil
}

// computePartial recomputes the nonce for the recorded counter, checks it
// against the persisted derivation record, and folds in the round's share:
// s = k + challenge*lambda*share mod n. Both k and the share copy are wiped
// before returning.
func computePartial(store objectStore, roundID string, counter uint64, requestID string, messageDigest []byte, challenge, lambda *curve.Scalar) (*curve.Scalar, error) {
	k, err := rederiveNonce(store, counter, requestID, messageDigest)
	if err != nil {
		return nil, err
	}
	defer k.Zero()

	recordRaw, err := store.getObject(NonceDerivLabel(counter))
	if err != nil {
		return nil, fmt.Errorf("secretmodule: no derivation record for counter %d: %w", counter, err)
	}
	var record DerivationRecord
	if err := json.Unmarshal(recordRaw, &record); err != nil {
		return nil, fmt.Errorf("secretmodule: decoding derivation record %d: %w", counter, err)
	}
	if record.RequestID != requestID {
		return nil, fmt.Errorf("secretmodule: derivation record %d belongs to request %q, not %q: %w",
			counter, record.RequestID, requestID, custodyerr.ErrStateCorruption)
	}
	compressed, err := k.ActOnBase().Compress()
	if err != nil {
		return nil, err
	}
	if hex.EncodeToString(compressed) != record.RHex {
		return nil, fmt.Errorf("secretmodule: rederived nonce point disagrees with record %d: %w",
			counter, custodyerr.ErrStateCorruption)
	}

	shareRaw, err := store.getObject(DKGShareLabel(roundID))
	if err != nil {
		return nil, fmt.Errorf("secretmodule: no DKG share for round %q: %w", roundID, err)
	}
	share, err := curve.ScalarFromBytes(shareRaw)
	if err != nil {
		return nil, fmt.Errorf("secretmodule: decoding DKG share: %w", err)
	}
	defer share.Zero()

	s := curve.NewScalar().Mul(challenge, lambda)
	s = curve.NewScalar().Mul(s, share)
	s = curve.NewScalar().Add(s, k)
	return s, nil
}

// derivationRecords lists the persisted records in counter order.
func derivationRecords(store objectStore) ([]DerivationRecord, error) {
	labels, err := store.listObjects(NonceDerivPrefix)
	if err != nil {
		return nil, err
	}
	records := make([]DerivationRecord, 0, len(labels))
	for _, label := range labels {
		if _, ok := counterFromDerivLabel(label); !ok {
			continue
		}
		raw, err := store.getObject(label)
		if err != nil {
			return nil, err
		}
		var record DerivationRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			return nil, fmt.Errorf("secretmodule: decoding %s: %w", label, err)
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Counter < records[j].Counter })
	return records, nil
}
