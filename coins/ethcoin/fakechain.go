package ethcoin

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/shellreserve/atomicswap/coins"
)

// FakeChain is an in-memory Backend double standing in for an EVM node
// and its deployed HTLC contract: balances are tracked directly rather
// than derived from applied transactions, and OpenHTLC/Claim/Refund
// mutate an in-memory contract registry the way eth_call against the
// real contract would.
type FakeChain struct {
	mu        sync.Mutex
	height    uint64
	balances  map[common.Address]*big.Int
	txs       map[common.Hash]*types.Transaction
	heights   map[common.Hash]uint64
	contracts map[common.Hash]*HTLCRecord
}

// NewFakeChain seeds a chain at block 100 crediting funded with balance.
func NewFakeChain(funded common.Address, balance *big.Int) *FakeChain {
	return &FakeChain{
		height:    100,
		balances:  map[common.Address]*big.Int{funded: new(big.Int).Set(balance)},
		txs:       make(map[common.Hash]*types.Transaction),
		heights:   make(map[common.Hash]uint64),
		contracts: make(map[common.Hash]*HTLCRecord),
	}
}

// AdvanceBlocks bumps the chain height, as if n blocks were mined.
func (c *FakeChain) AdvanceBlocks(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.height += n
}

func (c *FakeChain) Broadcast(ctx context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	hash := tx.Hash()
	c.txs[hash] = tx
	c.heights[hash] = c.height + 1
	return nil
}

func (c *FakeChain) CurrentBlock(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.height, nil
}

func (c *FakeChain) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bal, ok := c.balances[addr]
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(bal), nil
}

func (c *FakeChain) GetTx(ctx context.Context, hash common.Hash) (*types.Transaction, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.txs[hash]
	if !ok {
		return nil, 0, fmt.Errorf("%w: tx %s", coins.ErrNotFound, hash)
	}
	return tx, c.heights[hash], nil
}

func (c *FakeChain) OpenHTLC(ctx context.Context, id common.Hash, sender, recipient common.Address, secretHash coins.SecretHash, lockTime int64, amount *big.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.contracts[id]; exists {
		return fmt.Errorf("ethcoin: contract %s already open", id)
	}
	have := c.balances[sender]
	if have == nil || have.Cmp(amount) < 0 {
		return fmt.Errorf("ethcoin: %s has insufficient balance to lock %s", sender, amount)
	}
	c.balances[sender] = new(big.Int).Sub(have, amount)
	c.contracts[id] = &HTLCRecord{
		Sender:     sender,
		Recipient:  recipient,
		SecretHash: secretHash,
		LockTime:   lockTime,
		Amount:     new(big.Int).Set(amount),
	}
	return nil
}

func (c *FakeChain) Contract(ctx context.Context, id common.Hash) (*HTLCRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	record, ok := c.contracts[id]
	if !ok {
		return nil, fmt.Errorf("%w: contract %s", coins.ErrNotFound, id)
	}
	cp := *record
	return &cp, nil
}

func (c *FakeChain) Claim(ctx context.Context, id common.Hash, secret coins.Secret) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	record, ok := c.contracts[id]
	if !ok {
		return fmt.Errorf("%w: contract %s", coins.ErrNotFound, id)
	}
	if record.Claimed || record.Refunded {
		return fmt.Errorf("ethcoin: contract %s already settled", id)
	}
	if coins.SecretHash(secretHashOf(secret[:])) != record.SecretHash {
		return fmt.Errorf("ethcoin: secret does not hash to the contract's secret_hash")
	}
	record.Claimed = true
	record.Secret = secret
	recipientBal := c.balances[record.Recipient]
	if recipientBal == nil {
		recipientBal = big.NewInt(0)
	}
	c.balances[record.Recipient] = new(big.Int).Add(recipientBal, record.Amount)
	return nil
}

func (c *FakeChain) Refund(ctx context.Context, id common.Hash) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	record, ok := c.contracts[id]
	if !ok {
		return fmt.Errorf("%w: contract %s", coins.ErrNotFound, id)
	}
	if record.Claimed || record.Refunded {
		return fmt.Errorf("ethcoin: contract %s already settled", id)
	}
	record.Refunded = true
	senderBal := c.balances[record.Sender]
	if senderBal == nil {
		senderBal = big.NewInt(0)
	}
	c.balances[record.Sender] = new(big.Int).Add(senderBal, record.Amount)
	return nil
}
