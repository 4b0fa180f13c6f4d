package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

const (
	// DefaultKeySize is the RSA modulus size used when none is configured
	DefaultKeySize = 2048

	// MinKeySize is the smallest accepted RSA modulus size
	MinKeySize = 1024
)

var (
	ErrInvalidKey       = errors.New("invalid key")
	ErrInvalidKeySize   = errors.New("invalid key size")
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
)

// NewPassphrase returns a fresh key-generation passphrase made of three random UUIDs
func NewPassphrase() string {
	return strings.Join([]string{uuid.NewString(), uuid.NewString(), uuid.NewString()}, " ")
}

// passphraseReader returns an unbounded byte stream keyed by the passphrase.
func passphraseReader(passphrase string) (io.Reader, error) {
	seed := blake2b.Sum512([]byte(passphrase))
	return blake2b.NewXOF(blake2b.OutputLengthUnknown, seed[:])
}

// GenerateKeyPair generates an RSA key pair seeded from passphrase and returns
// the private key together with its PEM encoded public key
func GenerateKeyPair(passphrase string, bits int) (*rsa.PrivateKey, string, error) {
	if bits == 0 {
		bits = DefaultKeySize
	}
	if bits < MinKeySize {
		return nil, "", fmt.Errorf("%w: %d bits, minimum is %d", ErrInvalidKeySize, bits, MinKeySize)
	}
	if passphrase == "" {
		passphrase = NewPassphrase()
	}

	reader, err := passphraseReader(passphrase)
	if err != nil {
		return nil, "", err
	}

	privateKey, err := rsa.GenerateKey(reader, bits)
	if err != nil {
		return nil, "", fmt.Errorf("generate rsa key: %w", err)
	}

	pemData, err := ExportPublicKeyPEM(&privateKey.PublicKey)
	if err != nil {
		return nil, "", err
	}

	return privateKey, string(pemData), nil
}

// ExportPublicKeyPEM exports public key to PEM format
func ExportPublicKeyPEM(key *rsa.PublicKey) ([]byte, error) {
	if key == nil {
		return nil, ErrInvalidKey
	}

	pubASN1, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil, err
	}

	pubBlock := &pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubASN1,
	}

	return pem.EncodeToMemory(pubBlock), nil
}

// ImportPublicKeyPEM imports public key from PEM format
func ImportPublicKeyPEM(pemData []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, ErrInvalidKey
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, ErrInvalidKey
	}

	return rsaPub, nil
}

// RSAEncrypt encrypts data with RSA public key using OAEP
func RSAEncrypt(data []byte, publicKey *rsa.PublicKey) ([]byte, error) {
	if publicKey == nil {
		return nil, ErrEncryptionFailed
	}
	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, publicKey, data, nil)
	if err != nil {
		return nil, ErrEncryptionFailed
	}
	return ciphertext, nil
}

// RSADecrypt decrypts data with RSA private key using OAEP
func RSADecrypt(ciphertext []byte, privateKey *rsa.PrivateKey) ([]byte, error) {
	if privateKey == nil {
		return nil, ErrDecryptionFailed
	}
	plaintext, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, privateKey, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
