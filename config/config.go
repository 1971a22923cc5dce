package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"offmarket/crypto"

	"github.com/BurntSushi/toml"
)

// Config carries the settlement daemon's runtime settings.
type Config struct {
	ListenAddress      string `toml:"ListenAddress"`
	MetricsAddress     string `toml:"MetricsAddress"`
	DataDir            string `toml:"DataDir"`
	Environment        string `toml:"Environment"`
	NetworkName        string `toml:"NetworkName"`
	OwnerKeystorePath  string `toml:"OwnerKeystorePath"`
	OwnerPassphraseEnv string `toml:"OwnerPassphraseEnv"`

	// Gateway throttling, requests per second with a burst allowance.
	RateLimitPerSecond float64 `toml:"RateLimitPerSecond"`
	RateLimitBurst     int     `toml:"RateLimitBurst"`

	Tokens    TokensConfig    `toml:"tokens"`
	Discounts DiscountsConfig `toml:"discounts"`
}

// DiscountsConfig binds the built-in discount implementations to the
// addresses coupons cite. An empty address leaves that implementation
// unbound; the owner still has to allow-list a bound address before any
// coupon can use it.
type DiscountsConfig struct {
	RateAddress       string `toml:"RateAddress"`
	FlatAddress       string `toml:"FlatAddress"`
	CollectionAddress string `toml:"CollectionAddress"`
}

// TokensConfig seeds the ledger-backed asset contracts at startup.
type TokensConfig struct {
	Fungible   []FungibleConfig   `toml:"fungible"`
	Collection []CollectionConfig `toml:"collection"`
}

// FungibleConfig registers one fungible contract, optionally crediting
// genesis balances.
type FungibleConfig struct {
	Address  string          `toml:"Address"`
	Symbol   string          `toml:"Symbol"`
	Balances []BalanceConfig `toml:"Balances"`
}

// BalanceConfig credits one owner at genesis.
type BalanceConfig struct {
	Owner  string `toml:"Owner"`
	Amount string `toml:"Amount"`
}

// CollectionConfig registers one collection contract and its creator.
type CollectionConfig struct {
	Address string `toml:"Address"`
	Symbol  string `toml:"Symbol"`
	Creator string `toml:"Creator"`
}

// Load loads the configuration from the given path, creating a default file
// and owner keystore on first run.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	if err := ensureKeystore(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) applyDefaults() {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8080"
	}
	if strings.TrimSpace(cfg.MetricsAddress) == "" {
		cfg.MetricsAddress = ":9090"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./market-data"
	}
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "omx-local"
	}
	if cfg.RateLimitPerSecond <= 0 {
		cfg.RateLimitPerSecond = 50
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 100
	}
}

// Validate checks the address and amount fields of the token seed sections.
func (cfg *Config) Validate() error {
	for i, f := range cfg.Tokens.Fungible {
		if _, err := DecodeAddress(f.Address); err != nil {
			return fmt.Errorf("config: tokens.fungible[%d]: %w", i, err)
		}
		for j, b := range f.Balances {
			if _, err := DecodeAddress(b.Owner); err != nil {
				return fmt.Errorf("config: tokens.fungible[%d].Balances[%d]: %w", i, j, err)
			}
			if _, err := DecodeAmount(b.Amount); err != nil {
				return fmt.Errorf("config: tokens.fungible[%d].Balances[%d]: %w", i, j, err)
			}
		}
	}
	for i, c := range cfg.Tokens.Collection {
		if _, err := DecodeAddress(c.Address); err != nil {
			return fmt.Errorf("config: tokens.collection[%d]: %w", i, err)
		}
		if _, err := DecodeAddress(c.Creator); err != nil {
			return fmt.Errorf("config: tokens.collection[%d]: %w", i, err)
		}
	}
	for name, raw := range map[string]string{
		"RateAddress":       cfg.Discounts.RateAddress,
		"FlatAddress":       cfg.Discounts.FlatAddress,
		"CollectionAddress": cfg.Discounts.CollectionAddress,
	} {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		if _, err := DecodeAddress(raw); err != nil {
			return fmt.Errorf("config: discounts.%s: %w", name, err)
		}
	}
	return nil
}

// DecodeAddress parses a bech32 party or contract address into its raw form.
func DecodeAddress(s string) ([20]byte, error) {
	addr, err := crypto.DecodeAddress(strings.TrimSpace(s))
	if err != nil {
		return [20]byte{}, err
	}
	return addr.Array(), nil
}

// DecodeAmount parses a non-negative decimal token amount.
func DecodeAmount(s string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("negative amount %q", s)
	}
	return amount, nil
}

func ensureKeystore(configPath string, cfg *Config) error {
	keystorePath := cfg.OwnerKeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := crypto.SaveToKeystore(keystorePath, key, cfg.ownerPassphrase()); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.OwnerKeystorePath != keystorePath {
		cfg.OwnerKeystorePath = keystorePath
		return persist(configPath, cfg)
	}

	return nil
}

func (cfg *Config) ownerPassphrase() string {
	if cfg.OwnerPassphraseEnv == "" {
		return ""
	}
	return os.Getenv(cfg.OwnerPassphraseEnv)
}

// OwnerKey decrypts the owner keystore configured for the daemon.
func (cfg *Config) OwnerKey() (*crypto.PrivateKey, error) {
	return crypto.LoadFromKeystore(cfg.OwnerKeystorePath, cfg.ownerPassphrase())
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
		return nil, err
	}

	cfg := &Config{
		ListenAddress:     ":8080",
		MetricsAddress:    ":9090",
		DataDir:           "./market-data",
		NetworkName:       "omx-local",
		OwnerKeystorePath: keystorePath,
	}
	cfg.applyDefaults()

	if err := persist(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "owner.keystore")
}
