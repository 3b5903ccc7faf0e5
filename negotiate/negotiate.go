// Package negotiate implements the wire encoding and validation rules of
// spec.md §4.4: the exchange that commits both swap participants to the
// same time envelope and key material before either one risks funds.
package negotiate

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/shellreserve/atomicswap/coins"
)

// dataLen is the fixed wire size: 8 (started_at) + 8 (locktime) + 20
// (secret hash) + 33 (compressed pubkey) bytes.
const dataLen = 8 + 8 + 20 + 33

// Data is the deterministic, fixed-layout payload sent on the
// "negotiation@<uuid>" / "negotiation-reply@<uuid>" subjects.
type Data struct {
	StartedAt        uint64
	PaymentLocktime  uint64
	SecretHash       coins.SecretHash
	PersistentPubkey [33]byte
}

// Encode serializes d into the 69-byte wire layout.
func (d Data) Encode() []byte {
	buf := make([]byte, dataLen)
	binary.BigEndian.PutUint64(buf[0:8], d.StartedAt)
	binary.BigEndian.PutUint64(buf[8:16], d.PaymentLocktime)
	copy(buf[16:36], d.SecretHash[:])
	copy(buf[36:69], d.PersistentPubkey[:])
	return buf
}

// Decode parses the 69-byte wire layout, rejecting anything else as an
// unknown/malformed payload (spec.md §6: "unknown fields rejected").
func Decode(b []byte) (Data, error) {
	if len(b) != dataLen {
		return Data{}, fmt.Errorf("negotiate: expected %d-byte payload, got %d", dataLen, len(b))
	}
	var d Data
	d.StartedAt = binary.BigEndian.Uint64(b[0:8])
	d.PaymentLocktime = binary.BigEndian.Uint64(b[8:16])
	copy(d.SecretHash[:], b[16:36])
	copy(d.PersistentPubkey[:], b[36:69])
	return d, nil
}

// Pubkey parses the embedded compressed public key.
func (d Data) Pubkey() (*btcec.PublicKey, error) {
	return btcec.ParsePubKey(d.PersistentPubkey[:])
}

// FromPubkey fills PersistentPubkey from a parsed compressed public key.
func (d *Data) FromPubkey(pub *btcec.PublicKey) {
	copy(d.PersistentPubkey[:], pub.SerializeCompressed())
}

// ClockSkewBoundSeconds is the maximum acceptable difference between the
// two sides' clocks at negotiation time.
const ClockSkewBoundSeconds = 60

// ValidateTakerReply checks the taker's negotiation-reply against the
// maker's own outgoing data and the locally-computed lockDuration, per
// spec.md §4.4's maker-side rules.
func ValidateTakerReply(maker, taker Data, lockDuration int64) error {
	diff := int64(maker.StartedAt) - int64(taker.StartedAt)
	if diff < 0 {
		diff = -diff
	}
	if diff > ClockSkewBoundSeconds {
		return fmt.Errorf("negotiate: started_at time_dif over %d %d", ClockSkewBoundSeconds, diff)
	}

	wantTakerLocktime := int64(taker.StartedAt) + lockDuration
	if int64(taker.PaymentLocktime) != wantTakerLocktime {
		return fmt.Errorf("negotiate: taker payment_locktime %d != started_at+lock_duration %d",
			taker.PaymentLocktime, wantTakerLocktime)
	}
	return nil
}

// ValidateMakerOffer checks the maker's opening negotiation payload against
// the taker's local clock and lock-duration policy, per spec.md §4.4's
// taker-side rules.
func ValidateMakerOffer(maker Data, now int64, lockDuration int64) error {
	maxLocktime := now + 90 + 2*lockDuration + 1
	if int64(maker.PaymentLocktime) > maxLocktime {
		return fmt.Errorf("negotiate: maker payment_locktime %d exceeds max %d", maker.PaymentLocktime, maxLocktime)
	}

	diff := int64(maker.StartedAt) - now
	if diff < 0 {
		diff = -diff
	}
	if diff > ClockSkewBoundSeconds {
		return fmt.Errorf("negotiate: started_at time_dif over %d %d", ClockSkewBoundSeconds, diff)
	}

	wantMakerLocktime := int64(maker.StartedAt) + 2*lockDuration
	if int64(maker.PaymentLocktime) != wantMakerLocktime {
		return fmt.Errorf("negotiate: maker payment_locktime %d != started_at+2*lock_duration %d",
			maker.PaymentLocktime, wantMakerLocktime)
	}
	return nil
}
