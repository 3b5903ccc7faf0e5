package shellcoin

import (
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/shellreserve/atomicswap/coins"
)

// FakeChain is an in-memory Backend double for driving Coin in tests
// without a real node: it tracks a single UTXO set and a log of broadcast
// transactions, and advances its own block height on request.
type FakeChain struct {
	mu      sync.Mutex
	height  uint64
	utxos   map[string][]Utxo // hex(pkScript) -> spendable outputs
	txs     map[chainhash.Hash]*wire.MsgTx
	heights map[chainhash.Hash]uint64
	spends  map[wire.OutPoint]*wire.MsgTx
}

// NewFakeChain seeds a chain at block 100 with one UTXO under fundedScript.
func NewFakeChain(fundedScript []byte, fundedValue int64) *FakeChain {
	c := &FakeChain{
		height:  100,
		utxos:   make(map[string][]Utxo),
		txs:     make(map[chainhash.Hash]*wire.MsgTx),
		heights: make(map[chainhash.Hash]uint64),
		spends:  make(map[wire.OutPoint]*wire.MsgTx),
	}
	fundingTx := wire.NewMsgTx(wire.TxVersion)
	fundingTx.AddTxOut(wire.NewTxOut(fundedValue, fundedScript))
	hash := fundingTx.TxHash()
	c.txs[hash] = fundingTx
	c.heights[hash] = c.height
	key := scriptKey(fundedScript)
	c.utxos[key] = append(c.utxos[key], Utxo{
		Outpoint: wire.OutPoint{Hash: hash, Index: 0},
		Value:    fundedValue,
	})
	return c
}

// AdvanceBlocks bumps the chain height, as if n blocks were mined.
func (c *FakeChain) AdvanceBlocks(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.height += n
}

func scriptKey(pkScript []byte) string { return fmt.Sprintf("%x", pkScript) }

func (c *FakeChain) Broadcast(ctx context.Context, tx *wire.MsgTx) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, in := range tx.TxIn {
		c.spends[in.PreviousOutPoint] = tx
		for key, set := range c.utxos {
			filtered := set[:0]
			for _, u := range set {
				if u.Outpoint != in.PreviousOutPoint {
					filtered = append(filtered, u)
				}
			}
			c.utxos[key] = filtered
		}
	}

	hash := tx.TxHash()
	c.txs[hash] = tx
	c.heights[hash] = c.height + 1

	for i, out := range tx.TxOut {
		key := scriptKey(out.PkScript)
		c.utxos[key] = append(c.utxos[key], Utxo{
			Outpoint: wire.OutPoint{Hash: hash, Index: uint32(i)},
			Value:    out.Value,
		})
	}
	return nil
}

func (c *FakeChain) CurrentHeight(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.height, nil
}

func (c *FakeChain) Balance(ctx context.Context, pkScript []byte) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total int64
	for _, u := range c.utxos[scriptKey(pkScript)] {
		total += u.Value
	}
	return total, nil
}

func (c *FakeChain) SelectUTXOs(ctx context.Context, pkScript []byte, amount int64) ([]Utxo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var picked []Utxo
	var total int64
	for _, u := range c.utxos[scriptKey(pkScript)] {
		picked = append(picked, u)
		total += u.Value
		if total >= amount {
			return picked, nil
		}
	}
	return nil, fmt.Errorf("shellcoin: insufficient funds: have %d, need %d", total, amount)
}

func (c *FakeChain) GetTx(ctx context.Context, hash chainhash.Hash) (*wire.MsgTx, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.txs[hash]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", coins.ErrNotFound, hash)
	}
	return tx, c.heights[hash], nil
}

func (c *FakeChain) FindSpend(ctx context.Context, outpoint wire.OutPoint, fromBlock uint64) (*wire.MsgTx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.spends[outpoint]
	if !ok {
		return nil, fmt.Errorf("%w: outpoint %s not yet spent", coins.ErrNotFound, outpoint)
	}
	return tx, nil
}

// FindPaymentTo implements shellcoin's optional idempotency-probe
// extension to Backend: it reports the first still-unspent output paying
// pkScript, letting CheckIfMyPaymentSent recognize a kickstarted swap's
// already-broadcast HTLC.
func (c *FakeChain) FindPaymentTo(ctx context.Context, pkScript []byte, fromBlock uint64) (*wire.MsgTx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	utxos := c.utxos[scriptKey(pkScript)]
	if len(utxos) == 0 {
		return nil, fmt.Errorf("%w: no payment to that script", coins.ErrNotFound)
	}
	return c.txs[utxos[0].Outpoint.Hash], nil
}
