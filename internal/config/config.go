// Package config defines all configuration for the trading engine.
// Config is loaded from a YAML file (default: config.yaml) with overrides
// via TRADER_* environment variables; API credentials come from
// BINANCE_API_KEY / BINANCE_API_SECRET.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"binance-trader/pkg/types"
)

// Mode selects how the engine runs.
type Mode string

const (
	ModePaper    Mode = "paper"    // real market data, orders acknowledged locally
	ModeLive     Mode = "live"     // orders go to the venue
	ModeBacktest Mode = "backtest" // historical replay, no network trading
)

// ParseMode validates a mode string from config or the command line.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModePaper, ModeLive, ModeBacktest:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown mode %q (want paper, live, or backtest)", s)
}

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Trading    TradingConfig    `mapstructure:"trading"`
	Exchange   ExchangeConfig   `mapstructure:"exchange"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Strategies StrategiesConfig `mapstructure:"strategies"`
	Backtest   BacktestConfig   `mapstructure:"backtest"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Store      StoreConfig      `mapstructure:"store"`
}

// TradingConfig selects what and how the engine trades.
type TradingConfig struct {
	Mode       string   `mapstructure:"mode"`
	QuoteAsset string   `mapstructure:"quote_asset"`
	Symbols    []string `mapstructure:"symbols"`
	// Equity seeds position sizing in paper and backtest modes. In live
	// mode the quote-asset balance overrides it when the account fetch
	// succeeds at startup.
	Equity float64 `mapstructure:"equity"`
}

// ExchangeConfig holds venue endpoints and credentials.
type ExchangeConfig struct {
	RESTURL      string        `mapstructure:"rest_url"`
	WSURL        string        `mapstructure:"ws_url"`
	APIKey       string        `mapstructure:"api_key"`
	APISecret    string        `mapstructure:"api_secret"`
	RecvWindowMs int           `mapstructure:"recv_window_ms"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Testnet      bool          `mapstructure:"testnet"`
}

// RiskConfig sets the hard limits the risk gate enforces.
//
//   - MaxDailyLoss: combined realized+unrealized session loss (quote units)
//     that engages the kill switch.
//   - MaxPositionNotional: default per-symbol position cap in quote units,
//     overridable per symbol via PositionLimits.
//   - MaxOpenOrders: per-symbol cap on working orders.
//   - MaxConsecutiveLosses / LossCooldown: after N losing fills in a row,
//     entries are rejected until the cooldown passes. Exits still flow.
//   - MaxPriceDeviationPct: limit prices further than this fraction from
//     the last trade are rejected.
//   - MinNotional / MaxNotional: per-order notional bounds.
type RiskConfig struct {
	MaxDailyLoss         float64            `mapstructure:"max_daily_loss"`
	MaxPositionNotional  float64            `mapstructure:"max_position_notional"`
	PositionLimits       map[string]float64 `mapstructure:"position_limits"`
	MaxOpenOrders        int                `mapstructure:"max_open_orders"`
	MaxConsecutiveLosses int                `mapstructure:"max_consecutive_losses"`
	LossCooldown         time.Duration      `mapstructure:"loss_cooldown"`
	MaxPriceDeviationPct float64            `mapstructure:"max_price_deviation_pct"`
	MinNotional          float64            `mapstructure:"min_notional"`
	MaxNotional          float64            `mapstructure:"max_notional"`
}

// StrategiesConfig enables and tunes the strategy set.
type StrategiesConfig struct {
	Scalper ScalperConfig `mapstructure:"scalper"`
	Maker   MakerConfig   `mapstructure:"maker"`
	Pairs   PairsConfig   `mapstructure:"pairs"`
}

// ScalperConfig tunes the EMA-cross + book-imbalance scalper.
type ScalperConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	Symbols      []string `mapstructure:"symbols"`
	EMAFast      int      `mapstructure:"ema_fast"`
	EMASlow      int      `mapstructure:"ema_slow"`
	OBIThreshold float64  `mapstructure:"obi_threshold"`
	RiskFraction float64  `mapstructure:"risk_fraction"`
	StopDistance float64  `mapstructure:"stop_distance"`
	SlipOffset   float64  `mapstructure:"slip_offset"`
}

// MakerConfig tunes the inventory-skewed market maker.
type MakerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Symbols         []string      `mapstructure:"symbols"`
	SpreadPct       float64       `mapstructure:"spread_pct"`
	InventoryBias   float64       `mapstructure:"inventory_bias"`
	MaxInventory    float64       `mapstructure:"max_inventory"`
	OrderSize       float64       `mapstructure:"order_size"`
	VolWindow       int           `mapstructure:"vol_window"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// PairsConfig tunes the mean-reversion pairs strategy. SymbolA/SymbolB are
// the two legs; the strategy trades the log price ratio A/B.
type PairsConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	SymbolA          string        `mapstructure:"symbol_a"`
	SymbolB          string        `mapstructure:"symbol_b"`
	Window           int           `mapstructure:"window"`
	ZEnter           float64       `mapstructure:"z_enter"`
	ZStop            float64       `mapstructure:"z_stop"`
	KellyFraction    float64       `mapstructure:"kelly_fraction"`
	MaxPositionRatio float64       `mapstructure:"max_position_ratio"`
	BaseSize         float64       `mapstructure:"base_size"`
	RebalanceEvery   time.Duration `mapstructure:"rebalance_every"`
}

// BacktestConfig drives the historical replay harness.
type BacktestConfig struct {
	Start          string        `mapstructure:"start"` // YYYY-MM-DD
	End            string        `mapstructure:"end"`   // YYYY-MM-DD, exclusive
	Interval       string        `mapstructure:"interval"`
	InitialCapital float64       `mapstructure:"initial_capital"`
	CommissionBps  float64       `mapstructure:"commission_bps"`
	SlippageBps    float64       `mapstructure:"slippage_bps"`
	LatencyMean    time.Duration `mapstructure:"latency_mean"`
	LatencyStd     time.Duration `mapstructure:"latency_std"`
	Seed           int64         `mapstructure:"seed"`
	MonteCarloRuns int           `mapstructure:"monte_carlo_runs"`
	DataDir        string        `mapstructure:"data_dir"` // CSV klines; empty = fetch via REST
}

// Range parses the configured date window as UTC midnights.
func (b *BacktestConfig) Range() (start, end time.Time, err error) {
	start, err = time.ParseInLocation("2006-01-02", b.Start, time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("backtest.start: %w", err)
	}
	end, err = time.ParseInLocation("2006-01-02", b.End, time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("backtest.end: %w", err)
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("backtest.end %s must be after backtest.start %s", b.End, b.Start)
	}
	return start, end, nil
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MonitoringConfig controls the periodic status log line and staleness
// warnings. No metrics are exported; this is log-only.
type MonitoringConfig struct {
	StatusInterval time.Duration `mapstructure:"status_interval"`
	StaleAfter     time.Duration `mapstructure:"stale_after"`
}

// StoreConfig selects the TradeStore backend.
type StoreConfig struct {
	Driver  string `mapstructure:"driver"`   // memory, file, or postgres
	DataDir string `mapstructure:"data_dir"` // file driver
	DSN     string `mapstructure:"dsn"`      // postgres driver
}

// Load reads config from a YAML file with env var overrides.
// Credentials use env vars: BINANCE_API_KEY, BINANCE_API_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override credentials from env
	if key := os.Getenv("BINANCE_API_KEY"); key != "" {
		cfg.Exchange.APIKey = key
	}
	if secret := os.Getenv("BINANCE_API_SECRET"); secret != "" {
		cfg.Exchange.APISecret = secret
	}
	if dsn := os.Getenv("TRADER_STORE_DSN"); dsn != "" {
		cfg.Store.DSN = dsn
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("trading.mode", string(ModePaper))
	v.SetDefault("trading.quote_asset", "USDT")
	v.SetDefault("trading.equity", 10000.0)

	v.SetDefault("exchange.rest_url", "https://api.binance.com")
	v.SetDefault("exchange.ws_url", "wss://stream.binance.com:9443/stream")
	v.SetDefault("exchange.recv_window_ms", 5000)
	v.SetDefault("exchange.timeout", "10s")

	v.SetDefault("risk.max_daily_loss", 500.0)
	v.SetDefault("risk.max_position_notional", 10000.0)
	v.SetDefault("risk.max_open_orders", 10)
	v.SetDefault("risk.max_consecutive_losses", 5)
	v.SetDefault("risk.loss_cooldown", "10m")
	v.SetDefault("risk.max_price_deviation_pct", 0.05)
	v.SetDefault("risk.min_notional", 10.0)
	v.SetDefault("risk.max_notional", 100000.0)

	v.SetDefault("strategies.scalper.ema_fast", 5)
	v.SetDefault("strategies.scalper.ema_slow", 20)
	v.SetDefault("strategies.scalper.obi_threshold", 0.25)
	v.SetDefault("strategies.scalper.risk_fraction", 0.01)
	v.SetDefault("strategies.scalper.stop_distance", 0.005)
	v.SetDefault("strategies.scalper.slip_offset", 0.0001)

	v.SetDefault("strategies.maker.spread_pct", 0.001)
	v.SetDefault("strategies.maker.inventory_bias", 0.1)
	v.SetDefault("strategies.maker.max_inventory", 1000.0)
	v.SetDefault("strategies.maker.order_size", 100.0)
	v.SetDefault("strategies.maker.vol_window", 20)
	v.SetDefault("strategies.maker.refresh_interval", "5s")

	v.SetDefault("strategies.pairs.window", 100)
	v.SetDefault("strategies.pairs.z_enter", 2.0)
	v.SetDefault("strategies.pairs.z_stop", 4.0)
	v.SetDefault("strategies.pairs.kelly_fraction", 0.1)
	v.SetDefault("strategies.pairs.max_position_ratio", 0.5)
	v.SetDefault("strategies.pairs.base_size", 100.0)
	v.SetDefault("strategies.pairs.rebalance_every", "5m")

	v.SetDefault("backtest.interval", "1m")
	v.SetDefault("backtest.initial_capital", 10000.0)
	v.SetDefault("backtest.commission_bps", 10.0)
	v.SetDefault("backtest.slippage_bps", 5.0)
	v.SetDefault("backtest.latency_mean", "50ms")
	v.SetDefault("backtest.latency_std", "20ms")
	v.SetDefault("backtest.seed", 42)
	v.SetDefault("backtest.monte_carlo_runs", 0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("monitoring.status_interval", "60s")
	v.SetDefault("monitoring.stale_after", "30s")

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.data_dir", "data")
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	mode, err := ParseMode(c.Trading.Mode)
	if err != nil {
		return fmt.Errorf("trading.mode: %w", err)
	}
	if len(c.Symbols()) == 0 {
		return fmt.Errorf("trading.symbols must list at least one symbol")
	}
	if c.Trading.Equity <= 0 {
		return fmt.Errorf("trading.equity must be > 0")
	}
	if c.Exchange.RESTURL == "" {
		return fmt.Errorf("exchange.rest_url is required")
	}
	if mode == ModeLive {
		if c.Exchange.APIKey == "" {
			return fmt.Errorf("exchange.api_key is required in live mode (set BINANCE_API_KEY)")
		}
		if c.Exchange.APISecret == "" {
			return fmt.Errorf("exchange.api_secret is required in live mode (set BINANCE_API_SECRET)")
		}
		if c.Exchange.WSURL == "" {
			return fmt.Errorf("exchange.ws_url is required in live mode")
		}
	}
	if c.Risk.MaxDailyLoss <= 0 {
		return fmt.Errorf("risk.max_daily_loss must be > 0")
	}
	if c.Risk.MaxPositionNotional <= 0 {
		return fmt.Errorf("risk.max_position_notional must be > 0")
	}
	if c.Risk.MaxOpenOrders <= 0 {
		return fmt.Errorf("risk.max_open_orders must be > 0")
	}
	if c.Strategies.Scalper.Enabled {
		s := c.Strategies.Scalper
		if s.EMAFast <= 0 || s.EMASlow <= s.EMAFast {
			return fmt.Errorf("strategies.scalper: ema_slow (%d) must exceed ema_fast (%d), both > 0", s.EMASlow, s.EMAFast)
		}
		if s.OBIThreshold <= 0 || s.OBIThreshold > 1 {
			return fmt.Errorf("strategies.scalper.obi_threshold must be in (0, 1]")
		}
		if s.StopDistance <= 0 {
			return fmt.Errorf("strategies.scalper.stop_distance must be > 0")
		}
	}
	if c.Strategies.Maker.Enabled {
		m := c.Strategies.Maker
		if m.SpreadPct <= 0 {
			return fmt.Errorf("strategies.maker.spread_pct must be > 0")
		}
		if m.MaxInventory <= 0 || m.OrderSize <= 0 {
			return fmt.Errorf("strategies.maker: max_inventory and order_size must be > 0")
		}
	}
	if c.Strategies.Pairs.Enabled {
		p := c.Strategies.Pairs
		if p.SymbolA == "" || p.SymbolB == "" || p.SymbolA == p.SymbolB {
			return fmt.Errorf("strategies.pairs needs two distinct symbols, got %q and %q", p.SymbolA, p.SymbolB)
		}
		if p.Window < 10 {
			return fmt.Errorf("strategies.pairs.window must be >= 10")
		}
		if p.ZEnter <= 0 || p.ZStop <= p.ZEnter {
			return fmt.Errorf("strategies.pairs: z_stop must exceed z_enter, both > 0")
		}
	}
	if mode == ModeBacktest {
		if _, _, err := c.Backtest.Range(); err != nil {
			return err
		}
		if _, err := types.ParseInterval(c.Backtest.Interval); err != nil {
			return fmt.Errorf("backtest.interval: %w", err)
		}
		if c.Backtest.InitialCapital <= 0 {
			return fmt.Errorf("backtest.initial_capital must be > 0")
		}
	}
	switch c.Store.Driver {
	case "memory":
	case "file":
		if c.Store.DataDir == "" {
			return fmt.Errorf("store.data_dir is required for the file driver")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver (set TRADER_STORE_DSN)")
		}
	default:
		return fmt.Errorf("store.driver must be one of: memory, file, postgres (got %q)", c.Store.Driver)
	}
	return nil
}

// Symbols returns the union of the engine-level symbol list and every
// symbol a enabled strategy trades, deduplicated in first-seen order.
func (c *Config) Symbols() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(syms ...string) {
		for _, s := range syms {
			s = strings.ToUpper(strings.TrimSpace(s))
			if s == "" || seen[s] {
				continue
			}
			seen[s] = true
			out = append(out, s)
		}
	}
	add(c.Trading.Symbols...)
	if c.Strategies.Scalper.Enabled {
		add(c.Strategies.Scalper.Symbols...)
	}
	if c.Strategies.Maker.Enabled {
		add(c.Strategies.Maker.Symbols...)
	}
	if c.Strategies.Pairs.Enabled {
		add(c.Strategies.Pairs.SymbolA, c.Strategies.Pairs.SymbolB)
	}
	return out
}
