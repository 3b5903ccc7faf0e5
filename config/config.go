// Package config loads the swap daemon's configuration the way the
// btcsuite family does: a struct of go-flags-tagged fields, populated in
// three passes — defaults, an optional ini file, then command-line flags
// overriding both.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "atomicswap.conf"
	defaultDataDirname    = "data"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "atomicswap.log"
	defaultDebugLevel     = "info"
	defaultRPCListen      = "127.0.0.1:7887"
	defaultPollInterval   = 5
)

var (
	defaultHomeDir    = btcutil.AppDataDir("atomicswap", false)
	defaultConfigFile = filepath.Join(defaultHomeDir, defaultConfigFilename)
	defaultDataDir    = filepath.Join(defaultHomeDir, defaultDataDirname)
	defaultLogDir     = filepath.Join(defaultHomeDir, defaultLogDirname)
)

// CoinConfig is one enabled coin's connection and policy settings, read
// from the JSON file LoadCoins points at.
type CoinConfig struct {
	Ticker                string `json:"ticker"`
	RPCURL                string `json:"rpc_url"`
	RequiredConfirmations uint64 `json:"required_confirmations"`
}

// Config is the daemon's full configuration, the struct go-flags
// populates across the default/ini/CLI passes LoadConfig runs.
type Config struct {
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir     string `short:"b" long:"datadir" description:"Directory to store swap journals and the statsdb index"`
	LogDir      string `long:"logdir" description:"Directory to write log files"`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical}"`

	RPCListen   string `long:"rpclisten" description:"Address the JSON-RPC server listens on"`
	RPCPassword string `long:"rpcpassword" description:"Password for RPC client authentication"`

	GUI       string `long:"gui" description:"Opaque GUI/client identifier tag recorded on every swap"`
	MMVersion string `long:"mmversion" description:"Protocol version tag recorded on every swap"`

	PollIntervalSeconds int `long:"pollinterval" description:"Seconds between coin-availability and chain polls" default:"5"`

	CoinsFile string `long:"coinsfile" description:"Path to a JSON file describing the coins this daemon can swap"`
}

// LoadCoins reads the CoinConfig list a daemon should bring up from a
// JSON file (a simple array of CoinConfig), since go-flags has no ini
// idiom for a variable-length list of per-coin sections.
func LoadCoins(path string) ([]CoinConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read coins file %s: %w", path, err)
	}
	var coins []CoinConfig
	if err := json.Unmarshal(data, &coins); err != nil {
		return nil, fmt.Errorf("config: parse coins file %s: %w", path, err)
	}
	for _, c := range coins {
		if c.Ticker == "" {
			return nil, fmt.Errorf("config: coins file %s: entry missing ticker", path)
		}
	}
	return coins, nil
}

func defaultConfig() Config {
	return Config{
		ConfigFile:          defaultConfigFile,
		DataDir:             defaultDataDir,
		LogDir:              defaultLogDir,
		DebugLevel:          defaultDebugLevel,
		RPCListen:           defaultRPCListen,
		PollIntervalSeconds: defaultPollInterval,
	}
}

// LoadConfig parses args (normally os.Args[1:]) into a Config, following
// the btcsuite daemon convention: flags are parsed once to discover an
// explicit -C/--configfile, any ini file found there (or at the default
// path) is loaded, and then flags are parsed again so the command line
// always wins over the file.
func LoadConfig(args []string) (*Config, error) {
	preCfg := defaultConfig()
	preParser := flags.NewParser(&preCfg, flags.Default)
	if _, err := preParser.ParseArgs(args); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		return nil, fmt.Errorf("config: parse command line: %w", err)
	}
	if preCfg.ShowVersion {
		return &preCfg, nil
	}

	cfg := defaultConfig()
	if _, err := os.Stat(preCfg.ConfigFile); err == nil {
		iniParser := flags.NewIniParser(flags.NewParser(&cfg, flags.Default))
		if err := iniParser.ParseFile(preCfg.ConfigFile); err != nil {
			return nil, fmt.Errorf("config: parse ini file %s: %w", preCfg.ConfigFile, err)
		}
	}

	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, fmt.Errorf("config: parse command line: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) validate() error {
	if cfg.RPCPassword == "" {
		return fmt.Errorf("config: rpcpassword must be set")
	}
	if cfg.PollIntervalSeconds <= 0 {
		return fmt.Errorf("config: pollinterval must be positive, got %d", cfg.PollIntervalSeconds)
	}
	for _, dir := range []string{cfg.DataDir, cfg.LogDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("config: create directory %s: %w", dir, err)
		}
	}
	return nil
}

// LogFile returns the path the daemon's rotated log file should live at.
func (cfg *Config) LogFile() string {
	return filepath.Join(cfg.LogDir, defaultLogFilename)
}
