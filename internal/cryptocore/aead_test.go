package cryptocore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealOpenAESGCMRoundTrip(t *testing.T) {
	key, err := randomBytes(keySize)
	require.NoError(t, err)

	plaintext := []byte("hello from a moltbot")
	sealed, err := sealAESGCM(key, plaintext)
	require.NoError(t, err)
	require.Len(t, sealed, nonceSize+len(plaintext)+16)

	opened, err := openAESGCM(key, sealed)
	require.NoError(t, err)
	require.Equal(t, plaintext, opened)
}

func TestOpenAESGCMRejectsTamperedCiphertext(t *testing.T) {
	key, err := randomBytes(keySize)
	require.NoError(t, err)

	sealed, err := sealAESGCM(key, []byte("payload"))
	require.NoError(t, err)

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0x01

	_, err = openAESGCM(key, tampered)
	require.ErrorIs(t, err, ErrCryptoIntegrity)
}

func TestOpenAESGCMRejectsShortInput(t *testing.T) {
	key, err := randomBytes(keySize)
	require.NoError(t, err)

	_, err = openAESGCM(key, []byte("short"))
	require.ErrorIs(t, err, ErrCryptoIntegrity)
}

func TestSealAESGCMRejectsWrongKeySize(t *testing.T) {
	_, err := sealAESGCM([]byte("too-short"), []byte("x"))
	require.Error(t, err)
}
