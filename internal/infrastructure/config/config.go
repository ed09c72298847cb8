package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"

	"stablearb/internal/domain/model"
)

// Config is the full application configuration decoded from TOML.
type Config struct {
	App struct {
		LogLevel string `toml:"log_level"`
	} `toml:"app"`

	Market struct {
		Base   string `toml:"base"`    // e.g. "XRP"
		QuoteA string `toml:"quote_a"` // e.g. "USDT"
		QuoteB string `toml:"quote_b"` // e.g. "USDC"
	} `toml:"market"`

	Trading model.Config `toml:"trading"`

	// Initial free balances for paper trading, by currency.
	Balances map[string]float64 `toml:"balances"`

	Storage struct {
		SQLitePath  string `toml:"sqlite_path"`
		PostgresDSN string `toml:"postgres_dsn"`
		RedisAddr   string `toml:"redis_addr"`
		RedisPrefix string `toml:"redis_prefix"`
	} `toml:"storage"`

	Feed struct {
		Mode  string `toml:"mode"` // "sim" or "ws"
		WsURL string `toml:"ws_url"`
	} `toml:"feed"`
}

// PairA and PairB derive the two watched pairs from the market section.
func (c *Config) PairA() string { return c.Market.Base + "/" + c.Market.QuoteA }
func (c *Config) PairB() string { return c.Market.Base + "/" + c.Market.QuoteB }

// Load decodes, defaults and validates the TOML file at path.
func Load(path string) (*Config, error) {
	var cfg Config
	// Breakers are opt-out: an absent key reads enabled, an explicit
	// false in the file overrides it.
	cfg.Trading.CircuitBreakerEnabled = true
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Market.Base == "" {
		cfg.Market.Base = "XRP"
	}
	if cfg.Market.QuoteA == "" {
		cfg.Market.QuoteA = "USDT"
	}
	if cfg.Market.QuoteB == "" {
		cfg.Market.QuoteB = "USDC"
	}
	t := &cfg.Trading
	if t.SpreadThreshold <= 0 {
		t.SpreadThreshold = 0.003
	}
	if t.TradeAmount <= 0 {
		t.TradeAmount = 100.0
	}
	if t.DailyMaxVolume <= 0 {
		t.DailyMaxVolume = 5000.0
	}
	if t.RiskBuffer <= 0 {
		t.RiskBuffer = 0.1
	}
	if t.MaxPendingOrders <= 0 {
		t.MaxPendingOrders = 3
	}
	if t.MaxDailyLoss <= 0 {
		t.MaxDailyLoss = 100.0
	}
	if t.VolatilityMultiplier <= 0 {
		t.VolatilityMultiplier = 1.0
	}
	if t.SlippageTolerance <= 0 {
		t.SlippageTolerance = 0.001
	}
	if t.TakerFeeRate <= 0 {
		t.TakerFeeRate = 0.0006
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "data/stablearb.db"
	}
	if cfg.Storage.RedisPrefix == "" {
		cfg.Storage.RedisPrefix = "stablearb"
	}
	if cfg.Feed.Mode == "" {
		cfg.Feed.Mode = "sim"
	}
}

func validate(cfg *Config) error {
	cfg.Market.Base = strings.ToUpper(strings.TrimSpace(cfg.Market.Base))
	cfg.Market.QuoteA = strings.ToUpper(strings.TrimSpace(cfg.Market.QuoteA))
	cfg.Market.QuoteB = strings.ToUpper(strings.TrimSpace(cfg.Market.QuoteB))
	if cfg.Market.QuoteA == cfg.Market.QuoteB {
		return errors.New("market.quote_a and market.quote_b must differ")
	}
	if cfg.Trading.SpreadThreshold >= 0.05 {
		return fmt.Errorf("trading.spread_threshold %.4f unreasonably large", cfg.Trading.SpreadThreshold)
	}
	if cfg.Feed.Mode != "sim" && cfg.Feed.Mode != "ws" {
		return fmt.Errorf("feed.mode %q must be sim or ws", cfg.Feed.Mode)
	}
	if cfg.Feed.Mode == "ws" && strings.TrimSpace(cfg.Feed.WsURL) == "" {
		return errors.New("feed.ws_url empty but feed.mode is ws")
	}
	return nil
}

// Store serves hot-reloadable config snapshots: the file is re-decoded
// whenever its mtime changes, so edits take effect on the next engine
// iteration without a restart.
type Store struct {
	path string

	mu    sync.Mutex
	cfg   *Config
	mtime time.Time
}

// NewStore loads the file once and remembers it for change detection.
func NewStore(path string) (*Store, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	st := &Store{path: path, cfg: cfg}
	if fi, err := os.Stat(path); err == nil {
		st.mtime = fi.ModTime()
	}
	return st, nil
}

// Snapshot returns the current full config, reloading if the file changed.
// A broken or missing file keeps the last good snapshot for the full
// config but fails Trading(), which is what gates the engine.
func (s *Store) Snapshot() *Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maybeReload()
	return s.cfg
}

// Trading implements port.ConfigStore.
func (s *Store) Trading() (model.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maybeReload()
	if s.cfg == nil {
		return model.Config{}, model.ErrConfigMissing
	}
	return s.cfg.Trading, nil
}

func (s *Store) maybeReload() {
	fi, err := os.Stat(s.path)
	if err != nil {
		return
	}
	if !fi.ModTime().After(s.mtime) {
		return
	}
	cfg, err := Load(s.path)
	if err != nil {
		log.Error().Err(err).Str("path", s.path).Msg("config reload failed, keeping previous")
		s.mtime = fi.ModTime()
		return
	}
	s.cfg = cfg
	s.mtime = fi.ModTime()
	log.Info().Str("path", s.path).Msg("configuration reloaded")
}
