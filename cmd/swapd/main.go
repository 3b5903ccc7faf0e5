// swapd is the atomic-swap daemon: it loads configuration, opens the
// journal, kickstarts any swaps left unfinished by a previous run, and
// serves the control RPC described in package rpc. The flag parsing →
// component construction → run loop shape follows the teacher's
// mobilex-demo command.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/shellreserve/atomicswap/coins"
	"github.com/shellreserve/atomicswap/config"
	"github.com/shellreserve/atomicswap/makerswap"
	"github.com/shellreserve/atomicswap/rpc"
	"github.com/shellreserve/atomicswap/swap"
	"github.com/shellreserve/atomicswap/swaplog"
	"github.com/shellreserve/atomicswap/swaplogging"
	"github.com/shellreserve/atomicswap/swapnet"
	"github.com/shellreserve/atomicswap/swapregistry"
	"github.com/shellreserve/atomicswap/takerswap"
)

var log = swaplogging.Logger("SWD")

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "swapd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig(os.Args[1:])
	if err != nil {
		return err
	}
	if cfg.ShowVersion {
		fmt.Println("swapd version", version)
		return nil
	}

	swaplogging.SetLogLevels(cfg.DebugLevel)
	if err := swaplogging.InitLogRotator(cfg.LogFile()); err != nil {
		return fmt.Errorf("init log rotator: %w", err)
	}

	journal, err := swaplog.NewFileJournal(filepath.Join(cfg.DataDir, "SWAPS"))
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer journal.Close()

	coinTable, err := loadCoinTable(cfg)
	if err != nil {
		return fmt.Errorf("load coins: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := swapregistry.New()
	if err := kickstart(ctx, journal, registry, coinTable); err != nil {
		return fmt.Errorf("kickstart: %w", err)
	}

	server := &rpc.Server{
		Store:      journal,
		CoinLookup: coinTable.lookup,
		Password:   cfg.RPCPassword,
	}
	httpServer := &http.Server{Addr: cfg.RPCListen, Handler: server}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("RPC server listening on %s", cfg.RPCListen)
		serverErr <- httpServer.ListenAndServe()
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	select {
	case <-interrupt:
		log.Info("received shutdown signal")
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("rpc server: %w", err)
		}
	}

	cancel()
	return httpServer.Shutdown(context.Background())
}

// version is overridden at build time via -ldflags.
var version = "dev"

// coinTable resolves an enabled ticker to its live Coin, built once at
// startup from config.LoadCoins.
type coinTable struct {
	coins map[string]coins.Coin
}

func (t *coinTable) lookup(ticker string) (coins.Coin, bool) {
	c, ok := t.coins[ticker]
	return c, ok
}

// loadCoinTable builds every enabled coin via newCoinBackend. A daemon with
// no CoinsFile configured starts with an empty table; recover_funds then
// reports "coin not enabled" for any swap touching a ticker nobody wired
// up, and kickstart keeps polling for such a ticker until ctx is canceled,
// so startup does not get past kickstart while an unfinished swap needs it.
func loadCoinTable(cfg *config.Config) (*coinTable, error) {
	t := &coinTable{coins: make(map[string]coins.Coin)}
	if cfg.CoinsFile == "" {
		return t, nil
	}
	entries, err := config.LoadCoins(cfg.CoinsFile)
	if err != nil {
		return nil, err
	}
	for _, cc := range entries {
		c, err := newCoinBackend(cc)
		if err != nil {
			return nil, fmt.Errorf("coin %s: %w", cc.Ticker, err)
		}
		t.coins[cc.Ticker] = c
	}
	return t, nil
}

// newCoinBackend is the extension point a real deployment fills in: wiring
// coins.shellcoin.New or coins.ethcoin.New to a live JSON-RPC client against
// cc.RPCURL, plus the operator's swap key. Neither chain's Backend
// interface has a shipped production implementation in this repo (only the
// FakeChain test doubles do), so this reports the gap instead of silently
// running against no chain at all.
func newCoinBackend(cc config.CoinConfig) (coins.Coin, error) {
	return nil, fmt.Errorf("no live RPC backend registered for ticker %s (rpc_url %s); "+
		"wire a coins/shellcoin or coins/ethcoin Backend and register it in newCoinBackend",
		cc.Ticker, cc.RPCURL)
}

// kickstart resumes every unfinished swap swapregistry.Kickstart finds,
// per spec.md §4.7: it waits for both of a swap's coins to be enabled, then
// runs the matching driver to completion in its own goroutine.
func kickstart(ctx context.Context, journal *swaplog.FileJournal, registry *swapregistry.Registry, table *coinTable) error {
	result, err := swapregistry.Kickstart(ctx, journal)
	if err != nil {
		return err
	}
	if len(result.Pending) == 0 {
		return nil
	}
	log.Infof("kickstart: %d unfinished swap(s), waiting on coins %v", len(result.Pending), result.Tickers)

	resolved, err := swapregistry.WaitForCoins(ctx, table.lookup, swapregistry.DefaultPollInterval, result.Tickers...)
	if err != nil {
		return fmt.Errorf("wait for coins: %w", err)
	}

	for _, saved := range result.Pending {
		saved := saved
		makerCoin := resolved[saved.MakerCoin]
		takerCoin := resolved[saved.TakerCoin]
		go resumeSwap(ctx, journal, registry, saved, makerCoin, takerCoin)
	}
	return nil
}

// peers is the transport maker/taker drivers negotiate over. No production
// transport ships in this repo (swapnet.loopback.go is an in-process test
// double, not a network client); a real deployment supplies one here.
var peers swapnet.Peers

func resumeSwap(ctx context.Context, journal *swaplog.FileJournal, registry *swapregistry.Registry, saved *swap.SavedSwap, makerCoin, takerCoin coins.Coin) {
	var runErr error
	switch saved.Role {
	case swap.RoleMaker:
		m, state, err := makerswap.Resume(saved, makerCoin, takerCoin)
		if err != nil {
			log.Errorf("resume maker swap %s: %v", saved.UUID, err)
			return
		}
		m.Peers = peers
		m.Persister = journal
		done := registry.Register(swapregistry.Snapshot{
			UUID: saved.UUID, Role: saved.Role,
			MakerCoin: saved.MakerCoin, TakerCoin: saved.TakerCoin,
			MakerAmount: m.Params().MakerAmount, TakerAmount: m.Params().TakerAmount,
			Saved: m.SavedSwap,
		})
		defer done()
		runErr = m.Run(ctx, state)
	case swap.RoleTaker:
		m, state, err := takerswap.Resume(saved, makerCoin, takerCoin)
		if err != nil {
			log.Errorf("resume taker swap %s: %v", saved.UUID, err)
			return
		}
		m.Peers = peers
		m.Persister = journal
		done := registry.Register(swapregistry.Snapshot{
			UUID: saved.UUID, Role: saved.Role,
			MakerCoin: saved.MakerCoin, TakerCoin: saved.TakerCoin,
			MakerAmount: m.Params().MakerAmount, TakerAmount: m.Params().TakerAmount,
			Saved: m.SavedSwap,
		})
		defer done()
		runErr = m.Run(ctx, state)
	default:
		log.Errorf("swap %s: unknown role %q", saved.UUID, saved.Role)
		return
	}
	if runErr != nil {
		log.Errorf("swap %s: kickstart run exited: %v", saved.UUID, runErr)
	}
}
