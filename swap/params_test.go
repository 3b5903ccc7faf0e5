package swap

import (
	"testing"

	"github.com/cockroachdb/apd/v3"
	"github.com/stretchr/testify/require"
)

func TestLockDuration(t *testing.T) {
	require.Equal(t, int64(10*PaymentLocktime), LockDuration("BTC", "ETH"))
	require.Equal(t, int64(10*PaymentLocktime), LockDuration("KMD", "BTC"))
	require.Equal(t, int64(4*PaymentLocktime), LockDuration("BCH", "ETH"))
	require.Equal(t, int64(4*PaymentLocktime), LockDuration("ETH", "BTG"))
	require.Equal(t, int64(PaymentLocktime), LockDuration("KMD", "ETH"))
}

func TestDexFeeAmount_FloorBoundary(t *testing.T) {
	// 777 * 0.0001 = 0.0777: the trade amount where the 1/777th fee
	// exactly equals the floor.
	exact, _, err := apd.NewFromString("0.0777")
	require.NoError(t, err)
	feeAtFloor, err := DexFeeAmount("BEER", "ETH", exact)
	require.NoError(t, err)
	require.Equal(t, "0.0001", feeAtFloor.Text('f'))

	belowFloor, _, err := apd.NewFromString("0.07")
	require.NoError(t, err)
	feeBelow, err := DexFeeAmount("BEER", "ETH", belowFloor)
	require.NoError(t, err)
	require.Equal(t, "0.0001", feeBelow.Text('f'))
}

func TestDexFeeAmount_KMDDiscount(t *testing.T) {
	amount, _, err := apd.NewFromString("1000")
	require.NoError(t, err)

	plain, err := DexFeeAmount("BEER", "ETH", amount)
	require.NoError(t, err)
	discounted, err := DexFeeAmount("KMD", "ETH", amount)
	require.NoError(t, err)

	// KMD's rate is 9/7770 (divisor 7770/9 ≈ 863.3) versus the plain
	// 1/777 (divisor 777): a larger divisor yields a smaller fee, i.e.
	// the ~10% KMD discount.
	cmp := discounted.Cmp(plain)
	require.Equal(t, -1, cmp, "KMD divisor 7770/9 > 777 should yield a smaller fee than the plain 1/777th")
}

func TestHashSecretIsDeterministic(t *testing.T) {
	secret, err := NewSecret()
	require.NoError(t, err)
	h1 := HashSecret(secret)
	h2 := HashSecret(secret)
	require.Equal(t, h1, h2)
}
