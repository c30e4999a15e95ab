package pushtoken

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/ocx/backend/internal/notifyerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawKey(fill func(i int) byte) []byte {
	raw := append([]byte{multikeyHeaderHigh, multikeyHeaderLow}, make([]byte, keySize)...)
	for i := range raw[2:] {
		raw[2+i] = fill(i)
	}
	return raw
}

func encodeSecret(raw []byte) string {
	return multibaseU + base64.RawURLEncoding.EncodeToString(raw)
}

func testKey(t *testing.T) *Key {
	t.Helper()
	k, err := LoadKey(encodeSecret(rawKey(func(i int) byte { return byte(i + 1) })))
	require.NoError(t, err)
	return k
}

func TestCreateAndVerifyRoundTrip(t *testing.T) {
	key := testKey(t)
	expires := time.Now().Add(10 * time.Minute)

	tok, err := CreatePushToken(key, "exchange:1234", expires)
	require.NoError(t, err)
	assert.Contains(t, tok.Token, ".")

	v, err := VerifyPushToken(key, tok.Token, "exchange:1234")
	require.NoError(t, err)
	assert.Equal(t, "exchange:1234", v.Event)
	assert.WithinDuration(t, expires, v.Expires, time.Second)
}

func TestVerifyRejectsEventMismatch(t *testing.T) {
	key := testKey(t)
	tok, err := CreatePushToken(key, "exchange:a", time.Now().Add(time.Minute))
	require.NoError(t, err)

	_, err = VerifyPushToken(key, tok.Token, "exchange:b")
	require.Error(t, err)
	assert.Equal(t, notifyerr.KindInvalidPushToken, notifyerr.KindOf(err))
}

func TestVerifyRejectsExpired(t *testing.T) {
	key := testKey(t)
	tok, err := CreatePushToken(key, "exchange:a", time.Now().Add(-clockSkew-time.Minute))
	require.NoError(t, err)

	_, err = VerifyPushToken(key, tok.Token, "exchange:a")
	require.Error(t, err)
	assert.Equal(t, notifyerr.KindInvalidPushToken, notifyerr.KindOf(err))
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	key := testKey(t)
	tok, err := CreatePushToken(key, "exchange:a", time.Now().Add(time.Minute))
	require.NoError(t, err)

	// Alter the second-to-last character: all six of its bits belong to the
	// signature, unlike the last one, whose low bits are padding.
	i := len(tok.Token) - 2
	flipped := byte('A')
	if tok.Token[i] == 'A' {
		flipped = 'B'
	}
	tampered := tok.Token[:i] + string(flipped) + tok.Token[i+1:]
	_, err = VerifyPushToken(key, tampered, "exchange:a")
	require.Error(t, err)
	assert.Equal(t, notifyerr.KindInvalidPushToken, notifyerr.KindOf(err))
}

func TestVerifyToleratesClockSkew(t *testing.T) {
	key := testKey(t)
	tok, err := CreatePushToken(key, "exchange:a", time.Now().Add(-clockSkew+10*time.Second))
	require.NoError(t, err)

	_, err = VerifyPushToken(key, tok.Token, "exchange:a")
	require.NoError(t, err)
}

func TestRotateAllowsOldSignaturesDuringGrace(t *testing.T) {
	key := testKey(t)
	tok, err := CreatePushToken(key, "exchange:a", time.Now().Add(time.Minute))
	require.NoError(t, err)

	require.NoError(t, key.Rotate(encodeSecret(rawKey(func(i int) byte { return byte(255 - i) })), time.Minute))

	v, err := VerifyPushToken(key, tok.Token, "exchange:a")
	require.NoError(t, err)
	assert.Equal(t, "exchange:a", v.Event)
}

func TestRotateExpiresGraceWindow(t *testing.T) {
	key := testKey(t)
	tok, err := CreatePushToken(key, "exchange:a", time.Now().Add(time.Minute))
	require.NoError(t, err)

	require.NoError(t, key.Rotate(encodeSecret(rawKey(func(i int) byte { return byte(255 - i) })), -time.Second))

	_, err = VerifyPushToken(key, tok.Token, "exchange:a")
	require.Error(t, err)
}

func TestLoadKeyRejectsBadHeader(t *testing.T) {
	raw := append([]byte{0x00, 0x00}, make([]byte, keySize)...)
	_, err := LoadKey(encodeSecret(raw))
	require.Error(t, err)
	assert.Equal(t, notifyerr.KindNotSupported, notifyerr.KindOf(err))
}

func TestLoadKeyRejectsBadLength(t *testing.T) {
	raw := append([]byte{multikeyHeaderHigh, multikeyHeaderLow}, make([]byte, keySize-1)...)
	_, err := LoadKey(encodeSecret(raw))
	require.Error(t, err)
	assert.Equal(t, notifyerr.KindData, notifyerr.KindOf(err))
}

func TestLoadKeyRejectsNonMultibase(t *testing.T) {
	_, err := LoadKey("zNotMultibaseU")
	require.Error(t, err)
	assert.Equal(t, notifyerr.KindNotSupported, notifyerr.KindOf(err))
}
