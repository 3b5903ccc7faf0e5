package shellcoin

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"

	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // matches the HASH160 opcode's hash pair.
)

func btcSha256(b []byte) [32]byte {
	return sha256.Sum256(b)
}

func btcHash160FromSha(sha [32]byte) [20]byte {
	h := ripemd160.New()
	h.Write(sha[:])
	var out [20]byte
	copy(out[:], h.Sum(nil))
	return out
}

// btcHash160 is OP_HASH160: RIPEMD160(SHA256(b)).
func btcHash160(b []byte) []byte {
	sha := btcSha256(b)
	out := btcHash160FromSha(sha)
	return out[:]
}

func hexDecode(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

func byteReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}
