package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrCryptoFailure wraps every payload encryption or decryption failure
	ErrCryptoFailure = errors.New("crypto failure")
)

// Encrypt seals plaintext for the holder of the private key matching peerPublicKey.
//
// A fresh AES-256 key encrypts the data and is itself wrapped with RSA-OAEP:
// [key length (2 bytes)] + [wrapped AES key] + [nonce | GCM ciphertext], base64 encoded.
func Encrypt(plaintext []byte, peerPublicKey string) (string, error) {
	if peerPublicKey == "" {
		return "", fmt.Errorf("%w: peer public key not set", ErrCryptoFailure)
	}

	publicKey, err := ImportPublicKeyPEM([]byte(peerPublicKey))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}

	return EncryptWithKey(plaintext, publicKey)
}

// EncryptWithKey is Encrypt for an already parsed public key
func EncryptWithKey(plaintext []byte, publicKey *rsa.PublicKey) (string, error) {
	aesKey, err := GenerateAESKey()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}

	encryptedData, err := AESEncrypt(plaintext, aesKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}

	encryptedKey, err := RSAEncrypt(aesKey, publicKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}

	combined := make([]byte, 2+len(encryptedKey)+len(encryptedData))
	binary.BigEndian.PutUint16(combined, uint16(len(encryptedKey)))
	copy(combined[2:], encryptedKey)
	copy(combined[2+len(encryptedKey):], encryptedData)

	return base64.StdEncoding.EncodeToString(combined), nil
}

// Decrypt opens a ciphertext produced by Encrypt
func Decrypt(ciphertext string, privateKey *rsa.PrivateKey) ([]byte, error) {
	if privateKey == nil {
		return nil, fmt.Errorf("%w: private key not set", ErrCryptoFailure)
	}

	combined, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext is not base64: %v", ErrCryptoFailure, err)
	}

	if len(combined) < 2 {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrCryptoFailure)
	}

	keyLen := int(binary.BigEndian.Uint16(combined))
	if len(combined) < 2+keyLen {
		return nil, fmt.Errorf("%w: ciphertext incomplete", ErrCryptoFailure)
	}

	aesKey, err := RSADecrypt(combined[2:2+keyLen], privateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}

	plaintext, err := AESDecrypt(combined[2+keyLen:], aesKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}

	return plaintext, nil
}

// AESEncrypt encrypts data with AES-256-GCM
func AESEncrypt(plaintext []byte, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// AESDecrypt decrypts data with AES-256-GCM
func AESDecrypt(ciphertext []byte, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// GenerateAESKey generates a random AES-256 key
func GenerateAESKey() ([]byte, error) {
	key := make([]byte, 32) // 256 bits
	_, err := rand.Read(key)
	return key, err
}
