// Package swap holds the data model shared by the maker and taker state
// machines: swap parameters, the append-only event log, and the saved-swap
// record persisted by swaplog. It intentionally contains no behavior beyond
// pure helpers — the state machines in makerswap/takerswap own the control
// flow.
package swap

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/cockroachdb/apd/v3"
	"github.com/google/uuid"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // RIPEMD160(SHA256(.)) is the wire-mandated hash; no replacement.

	"github.com/shellreserve/atomicswap/coins"
)

// Role identifies which half of a swap a SavedSwap drives.
type Role string

const (
	RoleMaker Role = "Maker"
	RoleTaker Role = "Taker"
)

// PaymentLocktime is the base lock duration in seconds, ~2h10m, matching
// the original network's PAYMENT_LOCKTIME constant.
const PaymentLocktime = 7800

// BasicCommTimeout bounds peer message round-trips before a negotiation
// step gives up.
const BasicCommTimeout = 90

// RefundGraceSeconds is the BIP113 median-time-past safety margin a refund
// must wait past its nominal lock time before broadcasting.
const RefundGraceSeconds = 3700

// DexFeeFloor is the minimum dex fee, denominated in the taker coin (see
// DESIGN.md's Open Question decision).
var DexFeeFloor = apd.New(1, -4) // 0.0001

// LockDuration implements spec.md §4.4's per-pair policy: chains with
// longer safe confirmation windows get a longer lock envelope.
func LockDuration(makerCoin, takerCoin string) int64 {
	if isTicker(makerCoin, "BTC") || isTicker(takerCoin, "BTC") {
		return 10 * PaymentLocktime
	}
	if isTickerAny(makerCoin, takerCoin, "BCH", "BTG", "SBTC") {
		return 4 * PaymentLocktime
	}
	return PaymentLocktime
}

func isTicker(coin, ticker string) bool { return coin == ticker }

func isTickerAny(makerCoin, takerCoin string, tickers ...string) bool {
	for _, t := range tickers {
		if makerCoin == t || takerCoin == t {
			return true
		}
	}
	return false
}

// DexFeeAmount implements spec.md §4.4: 1/777th of the trade amount,
// floored at DexFeeFloor, with a ~10% discount when either ticker is KMD
// (the divisor becomes 7770/9 instead of 777).
func DexFeeAmount(makerCoin, takerCoin string, tradeAmount *apd.Decimal) (*apd.Decimal, error) {
	ctx := apd.BaseContext.WithPrecision(40)

	divisor := apd.New(777, 0)
	if makerCoin == "KMD" || takerCoin == "KMD" {
		// 7770/9 ≈ 863.33..., computed exactly as a rational divide.
		divisor = apd.New(0, 0)
		if _, err := ctx.Quo(divisor, apd.New(7770, 0), apd.New(9, 0)); err != nil {
			return nil, fmt.Errorf("swap: compute kmd dex fee divisor: %w", err)
		}
	}

	fee := apd.New(0, 0)
	if _, err := ctx.Quo(fee, tradeAmount, divisor); err != nil {
		return nil, fmt.Errorf("swap: compute dex fee: %w", err)
	}

	if fee.Cmp(DexFeeFloor) < 0 {
		return new(apd.Decimal).Set(DexFeeFloor), nil
	}
	return fee, nil
}

// FeeAddress is the fixed dex-fee collection address baked into the
// binary. It is a placeholder string, not derived from a real key; it is
// deterministic so tests and FakeChain backends can recognize it.
const FeeAddress = "RShellDexFeeCoLLECTioNAddr11111111"

// Params is the frozen-at-Start parameter set spec.md §3 defines. Once
// recorded inside a Started event, a Params value must never be mutated.
type Params struct {
	UUID      uuid.UUID `json:"uuid"`
	StartedAt int64     `json:"started_at"`

	LockDuration int64 `json:"lock_duration"`

	MakerCoin   string       `json:"maker_coin"`
	TakerCoin   string       `json:"taker_coin"`
	MakerAmount *apd.Decimal `json:"maker_amount"`
	TakerAmount *apd.Decimal `json:"taker_amount"`

	MyPersistentPub    *btcec.PublicKey `json:"my_persistent_pub"`
	OtherPersistentPub *btcec.PublicKey `json:"other_persistent_pub"`

	MakerPaymentLock int64 `json:"maker_payment_lock"`
	TakerPaymentLock int64 `json:"taker_payment_lock"`

	// Secret is set on the maker's Params from Start, and on the taker's
	// in-memory Params once it extracts the secret from the maker's claim.
	// It is never sent to the peer and is cleared (Redacted) for the
	// public stats journal.
	Secret     *coins.Secret     `json:"secret,omitempty"`
	SecretHash coins.SecretHash `json:"secret_hash"`

	MakerPaymentConfirmations uint64 `json:"maker_payment_confirmations"`
	TakerPaymentConfirmations uint64 `json:"taker_payment_confirmations"`

	MakerCoinStartBlock uint64 `json:"maker_coin_start_block"`
	TakerCoinStartBlock uint64 `json:"taker_coin_start_block"`
}

// NewSecret draws 32 cryptographically secure random bytes, per spec.md
// §5's randomness requirement.
func NewSecret() (coins.Secret, error) {
	var s coins.Secret
	if _, err := rand.Read(s[:]); err != nil {
		return s, fmt.Errorf("swap: generate secret: %w", err)
	}
	return s, nil
}

// HashSecret computes RIPEMD160(SHA256(secret)), the lock on both legs'
// HTLCs.
func HashSecret(secret coins.Secret) coins.SecretHash {
	sha := sha256.Sum256(secret[:])
	h := ripemd160.New()
	h.Write(sha[:])
	var out coins.SecretHash
	copy(out[:], h.Sum(nil))
	return out
}

// Redacted returns a copy of p with Secret cleared, for writing to the
// public stats journal (spec.md §4.3 step 2).
func (p Params) Redacted() Params {
	p.Secret = nil
	return p
}
