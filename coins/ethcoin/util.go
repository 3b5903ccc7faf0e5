package ethcoin

import (
	"crypto/sha256"

	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // matches coins.SecretHash = RIPEMD160(SHA256(secret)).
)

// secretHashOf computes RIPEMD160(SHA256(secret)), matching
// coins.SecretHash's definition independent of any higher-level package.
func secretHashOf(secret []byte) [20]byte {
	sha := sha256.Sum256(secret)
	h := ripemd160.New()
	h.Write(sha[:])
	var out [20]byte
	copy(out[:], h.Sum(nil))
	return out
}
