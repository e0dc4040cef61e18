package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	pubPEM, err := MarshalPublicKeyPEM(&key.PublicKey)
	require.NoError(t, err)

	share := make([]byte, 32)
	for i := range share {
		share[i] = byte(i)
	}
	ct, err := EncryptForRecipient(pubPEM, share)
	require.NoError(t, err)
	assert.NotEqual(t, share, ct)

	pt, err := Decrypt(key, ct)
	require.NoError(t, err)
	assert.Equal(t, share, pt)
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	alice, err := GenerateKey()
	require.NoError(t, err)
	bob, err := GenerateKey()
	require.NoError(t, err)

	alicePEM, err := MarshalPublicKeyPEM(&alice.PublicKey)
	require.NoError(t, err)
	ct, err := EncryptForRecipient(alicePEM, []byte("secret"))
	require.NoError(t, err)

	_, err = Decrypt(bob, ct)
	assert.Error(t, err)
}

func TestParsePublicKeyPEMRejectsGarbage(t *testing.T) {
	_, err := ParsePublicKeyPEM([]byte("not pem at all"))
	assert.Error(t, err)
}
