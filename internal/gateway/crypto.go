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
	"fmt"
	"os"
	"strconv"
	"strings"
)

// AuthScheme схема заголовка Authorization протокола v3.
const AuthScheme = "WECHATPAY2-SHA256-RSA2048"

// gcmTagSize длина тега GCM: последние 16 байт шифротекста.
const gcmTagSize = 16

// BuildSignMessage собирает каноническую строку: каждая часть завершается "\n".
func BuildSignMessage(parts ...string) string {
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(p)
		b.WriteByte('\n')
	}
	return b.String()
}

// Signer подписывает исходящие запросы закрытым ключом мерчанта.
type Signer struct {
	mchID    string
	serialNo string
	key      *rsa.PrivateKey
}

// NewSigner создаёт подписчика запросов.
func NewSigner(mchID, serialNo string, key *rsa.PrivateKey) *Signer {
	return &Signer{mchID: mchID, serialNo: serialNo, key: key}
}

// Sign возвращает подпись RSA-SHA256 сообщения в base64.
func (s *Signer) Sign(message string) (string, error) {
	sum := sha256.Sum256([]byte(message))
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, sum[:])
	if err != nil {
		return "", fmt.Errorf("sign message: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Authorization строит значение заголовка Authorization для запроса.
// canonicalURL: путь вместе со строкой запроса.
func (s *Signer) Authorization(method, canonicalURL, body string, timestamp int64, nonce string) (string, error) {
	ts := strconv.FormatInt(timestamp, 10)
	signature, err := s.Sign(BuildSignMessage(method, canonicalURL, ts, nonce, body))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`%s mchid="%s",nonce_str="%s",signature="%s",timestamp="%s",serial_no="%s"`,
		AuthScheme, s.mchID, nonce, signature, ts, s.serialNo), nil
}

// VerifySignature проверяет подпись уведомления над "TIMESTAMP\nNONCE\nBODY\n".
func VerifySignature(pub *rsa.PublicKey, timestamp, nonce string, body []byte, signature string) error {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: decode signature: %v", ErrSignatureVerification, err)
	}
	sum := sha256.Sum256([]byte(BuildSignMessage(timestamp, nonce, string(body))))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, sum[:], sig); err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureVerification, err)
	}
	return nil
}

// DecryptResource расшифровывает ресурс уведомления AES-256-GCM.
// Тег аутентификации занимает последние 16 байт шифротекста.
func DecryptResource(key []byte, nonce, associatedData, ciphertext string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: decode ciphertext: %v", ErrDecrypt, err)
	}
	if len(raw) < gcmTagSize {
		return nil, fmt.Errorf("%w: ciphertext shorter than tag", ErrDecrypt)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, len(nonce))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}

	// шлюз присылает тег в последних gcmTagSize байтах, как и ожидает cipher.AEAD
	plain, err := aead.Open(nil, []byte(nonce), raw, []byte(associatedData))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plain, nil
}

// LoadPrivateKey читает закрытый ключ RSA мерчанта из PEM-файла (PKCS#8 или PKCS#1).
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	return ParsePrivateKey(data)
}

// ParsePrivateKey разбирает закрытый ключ RSA из PEM.
func ParsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: private key is not PEM", ErrConfiguration)
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: private key is not RSA", ErrConfiguration)
		}
		return rsaKey, nil
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parse private key: %v", ErrConfiguration, err)
	}
	return key, nil
}

// LoadPlatformKey читает открытый ключ платформы из сертификата или PEM открытого ключа.
func LoadPlatformKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read platform certificate: %w", err)
	}
	return ParsePlatformKey(data)
}

// ParsePlatformKey разбирает открытый ключ платформы из PEM.
func ParsePlatformKey(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: platform key is not PEM", ErrConfiguration)
	}

	var pub any
	switch block.Type {
	case "CERTIFICATE":
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: parse certificate: %v", ErrConfiguration, err)
		}
		pub = cert.PublicKey
	default:
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: parse public key: %v", ErrConfiguration, err)
		}
		pub = key
	}

	rsaKey, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: platform key is not RSA", ErrConfiguration)
	}
	return rsaKey, nil
}
