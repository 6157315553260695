package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log      LoggingConfig   `yaml:"log"`
	REST     RESTConfig      `yaml:"rest"`
	Limits   RateLimitConfig `yaml:"rate_limit"`
	State    StateConfig     `yaml:"state"`
	Trading  TradingConfig   `yaml:"trading"`
	Signal   SignalConfig    `yaml:"signal"`
	Exit     ExitConfig      `yaml:"exit"`
	Trailing TrailingConfig  `yaml:"trailing"`
	Exec     ExecConfig      `yaml:"exec"`
	Risk     RiskConfig      `yaml:"risk"`
	TradeLog TradeLogConfig  `yaml:"trade_log"`
	History  HistoryConfig   `yaml:"history"`
	Metrics  MetricsConfig   `yaml:"metrics"`
	Telegram TelegramConfig  `yaml:"telegram"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type RESTConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type RateLimitConfig struct {
	MaxPerSec int `yaml:"max_per_sec"`
}

type StateConfig struct {
	File        string `yaml:"file"`
	JournalPath string `yaml:"journal_path"`
}

type TradingConfig struct {
	Symbols                []string      `yaml:"symbols"`
	PositionUSDT           float64       `yaml:"position_usdt"`
	MaxOpenTrades          int           `yaml:"max_open_trades"`
	MaxOpenTradesPerSymbol int           `yaml:"max_open_trades_per_symbol"`
	CheckInterval          time.Duration `yaml:"check_interval"`
	IdleBackoff            time.Duration `yaml:"idle_backoff"`
	Cooldown               time.Duration `yaml:"cooldown"`
	DryRun                 bool          `yaml:"dry_run"`
}

type SignalConfig struct {
	Mode                  string        `yaml:"mode"`      // "zscore" or "percent"
	Direction             string        `yaml:"direction"` // "contrarian" or "momentum"
	BreakoutChangePercent float64       `yaml:"breakout_change_percent"`
	BreakoutLookback      time.Duration `yaml:"breakout_lookback"`
	ConfirmTicks          int           `yaml:"confirm_ticks"`
	EWMLambda             float64       `yaml:"ewm_lambda"`
	ZThreshold            float64       `yaml:"z_threshold"`
	DynamicZEnabled       bool          `yaml:"dynamic_z_enabled"`
	DynamicZPercentile    float64       `yaml:"dynamic_z_percentile"`
	MaxSpreadBps          float64       `yaml:"max_spread_bps"`
	VolWindow             int           `yaml:"vol_window"`
	ZHistory              int           `yaml:"z_history"`
}

type ExitConfig struct {
	StopLossPercent   float64       `yaml:"stop_loss_percent"`
	TakeProfitPercent float64       `yaml:"take_profit_percent"`
	HysteresisPercent float64       `yaml:"hysteresis_percent"`
	MinHold           time.Duration `yaml:"min_hold"`
	PullbackPercent   float64       `yaml:"pullback_percent"`
	SLTPMode          string        `yaml:"sltp_mode"` // "percent" or "atr"
	ATRWindow         time.Duration `yaml:"atr_window"`
	ATRStopMult       float64       `yaml:"atr_stop_mult"`
	ATRProfitMult     float64       `yaml:"atr_profit_mult"`
	VerifyAfterTrade  bool          `yaml:"verify_after_trade"`
}

type TrailingConfig struct {
	Enabled               bool    `yaml:"enabled"`
	ActivationGainPercent float64 `yaml:"activation_gain_percent"`
	RetracePercent        float64 `yaml:"retrace_percent"`
	ATRMultiplier         float64 `yaml:"atr_multiplier"`
}

type ExecConfig struct {
	PreferMaker       bool          `yaml:"prefer_maker"`
	MakerOffsetBps    float64       `yaml:"maker_offset_bps"`
	EntryTimeout      time.Duration `yaml:"entry_timeout"`
	ExitTimeout       time.Duration `yaml:"exit_timeout"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	ExitMakerForTP    bool          `yaml:"exit_maker_for_tp"`
	ExitMakerForTrail bool          `yaml:"exit_maker_for_trailing"`
}

type RiskConfig struct {
	MaxDailyLossUSDT     float64       `yaml:"max_daily_loss_usdt"`
	MaxConsecutiveLosses int           `yaml:"max_consecutive_losses"`
	Cooloff              time.Duration `yaml:"cooloff"`
	FundsHaltBackoff     time.Duration `yaml:"funds_halt_backoff"`
	PnLEpsilonUSDT       float64       `yaml:"pnl_epsilon_usdt"`
}

type TradeLogConfig struct {
	TradesCSV  string `yaml:"trades_csv"`
	SummaryCSV string `yaml:"summary_csv"`
}

type HistoryConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = 50
	}
	if cfg.Log.MaxBackups == 0 {
		cfg.Log.MaxBackups = 5
	}
	if cfg.REST.BaseURL == "" {
		cfg.REST.BaseURL = "https://api.pionex.com"
	}
	if cfg.REST.Timeout == 0 {
		cfg.REST.Timeout = 10 * time.Second
	}
	if cfg.Limits.MaxPerSec == 0 {
		cfg.Limits.MaxPerSec = 10
	}
	if cfg.State.File == "" {
		cfg.State.File = "data/runtime_state.json"
	}
	if cfg.State.JournalPath == "" {
		cfg.State.JournalPath = "data/orders.db"
	}
	if cfg.Trading.PositionUSDT == 0 {
		cfg.Trading.PositionUSDT = 25
	}
	if cfg.Trading.MaxOpenTrades == 0 {
		cfg.Trading.MaxOpenTrades = 3
	}
	if cfg.Trading.MaxOpenTradesPerSymbol == 0 {
		cfg.Trading.MaxOpenTradesPerSymbol = 1
	}
	if cfg.Trading.CheckInterval == 0 {
		cfg.Trading.CheckInterval = 4 * time.Second
	}
	if cfg.Trading.IdleBackoff == 0 {
		cfg.Trading.IdleBackoff = 6 * cfg.Trading.CheckInterval
	}
	if cfg.Trading.Cooldown == 0 {
		cfg.Trading.Cooldown = time.Minute
	}
	if cfg.Signal.Mode == "" {
		cfg.Signal.Mode = "zscore"
	}
	if cfg.Signal.Direction == "" {
		cfg.Signal.Direction = "contrarian"
	}
	if cfg.Signal.BreakoutChangePercent == 0 {
		cfg.Signal.BreakoutChangePercent = 1.0
	}
	if cfg.Signal.BreakoutLookback == 0 {
		cfg.Signal.BreakoutLookback = time.Minute
	}
	if cfg.Signal.ConfirmTicks == 0 {
		cfg.Signal.ConfirmTicks = 2
	}
	if cfg.Signal.EWMLambda == 0 {
		cfg.Signal.EWMLambda = 0.94
	}
	if cfg.Signal.ZThreshold == 0 {
		cfg.Signal.ZThreshold = 2.6
	}
	if cfg.Signal.DynamicZPercentile == 0 {
		cfg.Signal.DynamicZPercentile = 0.7
	}
	if cfg.Signal.MaxSpreadBps == 0 {
		cfg.Signal.MaxSpreadBps = 3.0
	}
	if cfg.Signal.VolWindow == 0 {
		cfg.Signal.VolWindow = 300
	}
	if cfg.Signal.ZHistory == 0 {
		cfg.Signal.ZHistory = 600
	}
	if cfg.Exit.StopLossPercent == 0 {
		cfg.Exit.StopLossPercent = 2.0
	}
	if cfg.Exit.TakeProfitPercent == 0 {
		cfg.Exit.TakeProfitPercent = 3.0
	}
	if cfg.Exit.HysteresisPercent == 0 {
		cfg.Exit.HysteresisPercent = 0.10
	}
	if cfg.Exit.MinHold == 0 {
		cfg.Exit.MinHold = 25 * time.Second
	}
	if cfg.Exit.SLTPMode == "" {
		cfg.Exit.SLTPMode = "percent"
	}
	if cfg.Exit.ATRWindow == 0 {
		cfg.Exit.ATRWindow = 2 * time.Minute
	}
	if cfg.Exit.ATRStopMult == 0 {
		cfg.Exit.ATRStopMult = 1.5
	}
	if cfg.Exit.ATRProfitMult == 0 {
		cfg.Exit.ATRProfitMult = 2.5
	}
	if cfg.Trailing.ActivationGainPercent == 0 {
		cfg.Trailing.ActivationGainPercent = 2.0
	}
	if cfg.Trailing.RetracePercent == 0 {
		cfg.Trailing.RetracePercent = 0.25
	}
	if cfg.Exec.MakerOffsetBps == 0 {
		cfg.Exec.MakerOffsetBps = 2.0
	}
	if cfg.Exec.EntryTimeout == 0 {
		cfg.Exec.EntryTimeout = 3 * time.Second
	}
	if cfg.Exec.ExitTimeout == 0 {
		cfg.Exec.ExitTimeout = 2 * time.Second
	}
	if cfg.Exec.PollInterval == 0 {
		cfg.Exec.PollInterval = 200 * time.Millisecond
	}
	if cfg.Risk.Cooloff == 0 {
		cfg.Risk.Cooloff = 30 * time.Minute
	}
	if cfg.Risk.FundsHaltBackoff == 0 {
		cfg.Risk.FundsHaltBackoff = 10 * time.Minute
	}
	if cfg.Risk.PnLEpsilonUSDT == 0 {
		cfg.Risk.PnLEpsilonUSDT = 0.01
	}
	if cfg.TradeLog.TradesCSV == "" {
		cfg.TradeLog.TradesCSV = "logs/trades.csv"
	}
	if cfg.TradeLog.SummaryCSV == "" {
		cfg.TradeLog.SummaryCSV = "logs/trades_summary.csv"
	}
	if cfg.History.Schema == "" {
		cfg.History.Schema = "public"
	}
	if cfg.History.QueueSize == 0 {
		cfg.History.QueueSize = 256
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9109"
	}
}

func validate(cfg *Config) error {
	if len(cfg.Trading.Symbols) == 0 {
		return errors.New("trading.symbols is required")
	}
	if cfg.Trading.PositionUSDT <= 0 {
		return errors.New("trading.position_usdt must be > 0")
	}
	if cfg.Trading.MaxOpenTrades < 1 {
		return errors.New("trading.max_open_trades must be >= 1")
	}
	if cfg.Trading.MaxOpenTradesPerSymbol < 1 {
		return errors.New("trading.max_open_trades_per_symbol must be >= 1")
	}
	if cfg.Signal.EWMLambda <= 0 || cfg.Signal.EWMLambda >= 1 {
		return errors.New("signal.ewm_lambda must be in (0, 1)")
	}
	if cfg.Signal.DynamicZPercentile < 0 || cfg.Signal.DynamicZPercentile >= 1 {
		return errors.New("signal.dynamic_z_percentile must be in [0, 1)")
	}
	switch cfg.Signal.Mode {
	case "zscore", "percent":
	default:
		return fmt.Errorf("signal.mode %q is not one of zscore, percent", cfg.Signal.Mode)
	}
	switch cfg.Signal.Direction {
	case "contrarian", "momentum":
	default:
		return fmt.Errorf("signal.direction %q is not one of contrarian, momentum", cfg.Signal.Direction)
	}
	switch cfg.Exit.SLTPMode {
	case "percent", "atr":
	default:
		return fmt.Errorf("exit.sltp_mode %q is not one of percent, atr", cfg.Exit.SLTPMode)
	}
	if cfg.History.Enabled && cfg.History.DSN == "" {
		return errors.New("history.dsn is required when history.enabled")
	}
	return nil
}
