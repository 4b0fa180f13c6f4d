package crypto

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// fingerprintLen is the number of BLAKE2b-256 bytes kept in a fingerprint
const fingerprintLen = 8

// Fingerprint returns a short hex identifier for a PEM public key.
// Empty input yields "".
func Fingerprint(publicKeyPEM string) string {
	if publicKeyPEM == "" {
		return ""
	}
	sum := blake2b.Sum256([]byte(publicKeyPEM))
	return hex.EncodeToString(sum[:fingerprintLen])
}
