package gateway

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAPIv3Key = "0123456789abcdef0123456789abcdef"

func newTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func encryptResource(t *testing.T, key, nonce, ad string, plain []byte) string {
	t.Helper()
	block, err := aes.NewCipher([]byte(key))
	require.NoError(t, err)
	aead, err := cipher.NewGCMWithNonceSize(block, len(nonce))
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(aead.Seal(nil, []byte(nonce), plain, []byte(ad)))
}

func TestBuildSignMessage(t *testing.T) {
	got := BuildSignMessage("POST", "/v3/pay/transactions/native", "1700000000", "abc", `{"a":1}`)
	assert.Equal(t, "POST\n/v3/pay/transactions/native\n1700000000\nabc\n{\"a\":1}\n", got)
	assert.Equal(t, "GET\n/x\n1\nn\n\n", BuildSignMessage("GET", "/x", "1", "n", ""))
}

func TestSignerAuthorization(t *testing.T) {
	key := newTestKey(t)
	s := NewSigner("1900000001", "SERIAL01", key)

	header, err := s.Authorization("POST", "/v3/pay/transactions/native", `{"x":1}`, 1700000000, "NONCE42")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(header, AuthScheme+" "))
	assert.Contains(t, header, `mchid="1900000001"`)
	assert.Contains(t, header, `nonce_str="NONCE42"`)
	assert.Contains(t, header, `timestamp="1700000000"`)
	assert.Contains(t, header, `serial_no="SERIAL01"`)

	start := strings.Index(header, `signature="`) + len(`signature="`)
	end := strings.Index(header[start:], `"`)
	sig, err := base64.StdEncoding.DecodeString(header[start : start+end])
	require.NoError(t, err)

	sum := sha256.Sum256([]byte("POST\n/v3/pay/transactions/native\n1700000000\nNONCE42\n{\"x\":1}\n"))
	require.NoError(t, rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA256, sum[:], sig))
}

func TestVerifySignature(t *testing.T) {
	platform := newTestKey(t)
	signer := NewSigner("m", "s", platform)
	body := []byte(`{"id":"EV-1"}`)

	sig, err := signer.Sign(BuildSignMessage("1700000000", "nonce", string(body)))
	require.NoError(t, err)

	require.NoError(t, VerifySignature(&platform.PublicKey, "1700000000", "nonce", body, sig))

	err = VerifySignature(&platform.PublicKey, "1700000001", "nonce", body, sig)
	assert.True(t, errors.Is(err, ErrSignatureVerification))

	err = VerifySignature(&platform.PublicKey, "1700000000", "nonce", body, "%%%")
	assert.True(t, errors.Is(err, ErrSignatureVerification))
}

func TestDecryptResource(t *testing.T) {
	plain := []byte(`{"out_trade_no":"PT1"}`)
	ct := encryptResource(t, testAPIv3Key, "abcdefghijkl", "transaction", plain)

	got, err := DecryptResource([]byte(testAPIv3Key), "abcdefghijkl", "transaction", ct)
	require.NoError(t, err)
	assert.Equal(t, plain, got)

	_, err = DecryptResource([]byte(testAPIv3Key), "abcdefghijkl", "other", ct)
	assert.True(t, errors.Is(err, ErrDecrypt))

	_, err = DecryptResource([]byte(testAPIv3Key), "abcdefghijkl", "", base64.StdEncoding.EncodeToString([]byte("short")))
	assert.True(t, errors.Is(err, ErrDecrypt))
}

func TestDecryptResource_TagIsTrailing(t *testing.T) {
	plain := []byte(`{"out_trade_no":"PT1"}`)
	raw, err := base64.StdEncoding.DecodeString(encryptResource(t, testAPIv3Key, "abcdefghijkl", "transaction", plain))
	require.NoError(t, err)
	require.Len(t, raw, len(plain)+gcmTagSize)

	tampered := append([]byte(nil), raw...)
	tampered[len(tampered)-1] ^= 0xff
	_, err = DecryptResource([]byte(testAPIv3Key), "abcdefghijkl", "transaction", base64.StdEncoding.EncodeToString(tampered))
	assert.True(t, errors.Is(err, ErrDecrypt))

	// без тега остаётся только шифротекст, которого недостаточно
	_, err = DecryptResource([]byte(testAPIv3Key), "abcdefghijkl", "transaction", base64.StdEncoding.EncodeToString(raw[:len(plain)]))
	assert.True(t, errors.Is(err, ErrDecrypt))
}

func TestParseKeys(t *testing.T) {
	key := newTestKey(t)

	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	parsed, err := ParsePrivateKey(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8}))
	require.NoError(t, err)
	assert.True(t, key.Equal(parsed))

	pkcs1 := x509.MarshalPKCS1PrivateKey(key)
	parsed, err = ParsePrivateKey(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: pkcs1}))
	require.NoError(t, err)
	assert.True(t, key.Equal(parsed))

	pub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	parsedPub, err := ParsePlatformKey(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pub}))
	require.NoError(t, err)
	assert.True(t, key.PublicKey.Equal(parsedPub))

	_, err = ParsePrivateKey([]byte("not a pem"))
	assert.True(t, errors.Is(err, ErrConfiguration))
}
