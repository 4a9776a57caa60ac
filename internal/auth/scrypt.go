package auth

import "golang.org/x/crypto/scrypt"

// deriveKey derives the stored credential key. The hex-encoded salt
// string itself is the scrypt salt, matching how enrolled hashes were
// historically produced.
func deriveKey(secret, salt string) ([]byte, error) {
	return scrypt.Key([]byte(secret), []byte(salt), scryptN, scryptR, scryptP, scryptKeyLen)
}
