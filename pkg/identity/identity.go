// Package identity handles the asymmetric identity keys nodes use to
// encrypt DKG shares for one another. The public half travels on the board
// as PEM; the private half lives inside the secret module and never leaves
// it.
package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// KeyBits is the RSA modulus size for identity keys.
const KeyBits = 2048

// GenerateKey creates a fresh RSA identity keypair.
func GenerateKey() (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, fmt.Errorf("identity: generating keypair: %w", err)
	}
	return key, nil
}

// MarshalPublicKeyPEM encodes pub as a PKIX SubjectPublicKeyInfo PEM block,
// the format posted under identity/{node_id}.
func MarshalPublicKeyPEM(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("identity: marshalling public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// ParsePublicKeyPEM decodes a PEM public key read from the board.
func ParsePublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("identity: no PEM block in public key")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("identity: parsing public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("identity: public key is %T, want RSA", pub)
	}
	return rsaPub, nil
}

// EncryptForRecipient encrypts plaintext under the recipient's PEM-encoded
// public key using RSA-OAEP with SHA-256.
func EncryptForRecipient(recipientPEM, plaintext []byte) ([]byte, error) {
	pub, err := ParsePublicKeyPEM(recipientPEM)
	if err != nil {
		return nil, err
	}
	ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("identity: encrypting for recipient: %w", err)
	}
	return ct, nil
}

// Decrypt reverses EncryptForRecipient with the private half.
func Decrypt(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	pt, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("identity: decrypting share: %w", err)
	}
	return pt, nil
}
