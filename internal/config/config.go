package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/vyper-protocol/vyper-core-sub000/internal/fixedpoint"
	"github.com/vyper-protocol/vyper-core-sub000/internal/logging"
	"github.com/vyper-protocol/vyper-core-sub000/internal/payoff"
	"github.com/vyper-protocol/vyper-core-sub000/internal/ratefeed"
	"github.com/vyper-protocol/vyper-core-sub000/internal/tranche"
)

// Feed types accepted in feeds[].type.
const (
	FeedOracle = "oracle"
	FeedPool   = "pool"
	FeedPyth   = "pyth"
	FeedMock   = "mock"
	FeedTWAP   = "twap"
)

// Clock kinds accepted in chain.clock.
const (
	ClockBlock = "block"
	ClockWall  = "wall"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig            `mapstructure:"app"`
	Logging   logging.Config       `mapstructure:"logging"`
	Database  DatabaseConfig       `mapstructure:"database"`
	Scheduler SchedulerConfig      `mapstructure:"scheduler"`
	Chain     ChainConfig          `mapstructure:"chain"`
	Feeds     []FeedConfig         `mapstructure:"feeds"`
	Payoff    []PayoffModuleConfig `mapstructure:"payoff"`
	Tranches  TranchesConfig       `mapstructure:"tranches"`
	API       APIConfig            `mapstructure:"api"`
	Alerting  AlertingConfig       `mapstructure:"alerting"`
	Export    ExportConfig         `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN keeps
// the ledger in memory.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	// Retention 之前的刷新记录与告警会在每轮刷新后删除，0 表示保留全部。
	Retention time.Duration `mapstructure:"retention"`
}

// SchedulerConfig governs refresh cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToStart    bool          `mapstructure:"align_to_start"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	RunImmediately  bool          `mapstructure:"run_immediately"`
	// Caller 为定时刷新使用的身份地址。
	Caller string `mapstructure:"caller"`
}

// ChainConfig covers on-chain data access and the tick clock.
type ChainConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Clock          string        `mapstructure:"clock"`
	TickResolution time.Duration `mapstructure:"tick_resolution"`
	// BlockTime converts observation timestamps into blocks under clock=block.
	BlockTime time.Duration `mapstructure:"block_time"`
}

// FeedConfig declares one price source. Which fields apply depends on Type.
type FeedConfig struct {
	ID   string `mapstructure:"id"`
	Type string `mapstructure:"type"`

	// oracle
	Aggregators   []string `mapstructure:"aggregators"`
	TrustedOwners []string `mapstructure:"trusted_owners"`

	// pool
	Pool       string `mapstructure:"pool"`
	BaseToken  string `mapstructure:"base_token"`
	QuoteToken string `mapstructure:"quote_token"`
	LPToken    string `mapstructure:"lp_token"`

	// pyth
	BaseURL   string        `mapstructure:"base_url"`
	FeedIDs   []string      `mapstructure:"feed_ids"`
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`

	// mock
	Authority string `mapstructure:"authority"`

	// twap
	Upstream     string `mapstructure:"upstream"`
	MinTickDelta uint64 `mapstructure:"min_tick_delta"`
	SamplingSize uint32 `mapstructure:"sampling_size"`
}

// PayoffModuleConfig declares a payoff module. With RemoteURL set the module
// is called over HTTP and the embedded payoff config is ignored.
type PayoffModuleConfig struct {
	ID            string        `mapstructure:"id"`
	RemoteURL     string        `mapstructure:"remote_url"`
	Timeout       time.Duration `mapstructure:"timeout"`
	payoff.Config `mapstructure:",squash"`
}

// Remote reports whether the module lives in another process.
func (p PayoffModuleConfig) Remote() bool { return p.RemoteURL != "" }

// TranchesConfig holds defaults for init-tranche.
type TranchesConfig struct {
	ReserveStaleThreshold uint64   `mapstructure:"reserve_stale_threshold"`
	TrancheStaleThreshold uint64   `mapstructure:"tranche_stale_threshold"`
	HaltFlags             []string `mapstructure:"halt_flags"`
	OwnerRestrictedIxs    []string `mapstructure:"owner_restricted_ixs"`
	Version               string   `mapstructure:"version"`
}

// APIConfig controls the HTTP surface.
type APIConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	ListenAddr      string        `mapstructure:"listen_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Cooldown time.Duration  `mapstructure:"cooldown"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TRANCHELEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "trancheledger")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)

	v.SetDefault("scheduler.interval", "1m")
	v.SetDefault("scheduler.align_to_start", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x7672636F))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.run_immediately", false)

	v.SetDefault("chain.request_timeout", "10s")
	v.SetDefault("chain.clock", ClockWall)
	v.SetDefault("chain.tick_resolution", "1m")
	v.SetDefault("chain.block_time", "12s")

	v.SetDefault("tranches.reserve_stale_threshold", tranche.DefaultStaleThreshold)
	v.SetDefault("tranches.tranche_stale_threshold", tranche.DefaultStaleThreshold)
	v.SetDefault("tranches.version", "0.0.0")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen_addr", ":8080")
	v.SetDefault("api.read_timeout", "10s")
	v.SetDefault("api.write_timeout", "30s")
	v.SetDefault("api.shutdown_timeout", "10s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.retention", "720h")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			numberToDecimalHookFunc(),
			mapstructure.TextUnmarshallerHookFunc(),
		)
	}
}

var decimalType = reflect.TypeOf(fixedpoint.Decimal{})

// numberToDecimalHookFunc 让 yaml 中的 strike: 1.5 直接解码为 fixedpoint.Decimal。
func numberToDecimalHookFunc() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != decimalType {
			return data, nil
		}
		var raw string
		switch v := data.(type) {
		case float64:
			raw = strconv.FormatFloat(v, 'f', -1, 64)
		case float32:
			raw = strconv.FormatFloat(float64(v), 'f', -1, 32)
		case int:
			raw = strconv.Itoa(v)
		case int64:
			raw = strconv.FormatInt(v, 10)
		case uint64:
			raw = strconv.FormatUint(v, 10)
		default:
			return data, nil
		}
		return fixedpoint.NewFromString(raw)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Scheduler.Caller != "" && !common.IsHexAddress(c.Scheduler.Caller) {
		return fmt.Errorf("scheduler.caller %q is not an address", c.Scheduler.Caller)
	}
	switch c.Chain.Clock {
	case ClockWall:
		if c.Chain.TickResolution <= 0 {
			return fmt.Errorf("chain.tick_resolution must be greater than zero")
		}
	case ClockBlock:
		if c.Chain.RPCURL == "" {
			return fmt.Errorf("chain.rpc_url 必须配置 (chain.clock=block)")
		}
		if c.Chain.BlockTime <= 0 {
			return fmt.Errorf("chain.block_time must be greater than zero (chain.clock=block)")
		}
	default:
		return fmt.Errorf("chain.clock must be %q or %q, got %q", ClockBlock, ClockWall, c.Chain.Clock)
	}
	if err := c.validateFeeds(); err != nil {
		return err
	}
	if err := c.validatePayoff(); err != nil {
		return err
	}
	if _, err := tranche.ParseFlagNames(c.Tranches.HaltFlags); err != nil {
		return fmt.Errorf("tranches.halt_flags: %w", err)
	}
	if _, err := tranche.ParseFlagNames(c.Tranches.OwnerRestrictedIxs); err != nil {
		return fmt.Errorf("tranches.owner_restricted_ixs: %w", err)
	}
	if _, err := tranche.ParseVersion(c.Tranches.Version); err != nil {
		return fmt.Errorf("tranches.version: %w", err)
	}
	if c.API.Enabled && c.API.ListenAddr == "" {
		return fmt.Errorf("api.listen_addr 必须配置")
	}
	if c.Database.Retention < 0 {
		return fmt.Errorf("database.retention cannot be negative")
	}
	if c.Alerting.Cooldown < 0 {
		return fmt.Errorf("alerting.cooldown cannot be negative")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

func (c *Config) validateFeeds() error {
	seen := make(map[string]string, len(c.Feeds))
	for i, f := range c.Feeds {
		if f.ID == "" {
			return fmt.Errorf("feeds[%d].id 必须配置", i)
		}
		if _, dup := seen[f.ID]; dup {
			return fmt.Errorf("feeds[%d]: duplicate id %q", i, f.ID)
		}
		seen[f.ID] = f.Type

		var addrs []string
		switch f.Type {
		case FeedOracle:
			if n := len(f.Aggregators); n < 1 || n > ratefeed.MaxFeeds {
				return fmt.Errorf("feeds[%s].aggregators: got %d, want 1..%d", f.ID, n, ratefeed.MaxFeeds)
			}
			if len(f.TrustedOwners) == 0 {
				return fmt.Errorf("feeds[%s].trusted_owners 必须配置", f.ID)
			}
			addrs = append(append(addrs, f.Aggregators...), f.TrustedOwners...)
		case FeedPool:
			addrs = []string{f.Pool, f.BaseToken, f.QuoteToken, f.LPToken}
		case FeedPyth:
			if n := len(f.FeedIDs); n < 1 || n > ratefeed.MaxFeeds {
				return fmt.Errorf("feeds[%s].feed_ids: got %d, want 1..%d", f.ID, n, ratefeed.MaxFeeds)
			}
		case FeedMock:
			addrs = []string{f.Authority}
		case FeedTWAP:
			if f.SamplingSize == 0 {
				return fmt.Errorf("feeds[%s].sampling_size must be greater than zero", f.ID)
			}
			// upstream 必须在前面声明
			if _, ok := seen[f.Upstream]; !ok || f.Upstream == f.ID {
				return fmt.Errorf("feeds[%s].upstream %q must name an earlier feed", f.ID, f.Upstream)
			}
		default:
			return fmt.Errorf("feeds[%s].type %q is not supported", f.ID, f.Type)
		}
		for _, a := range addrs {
			if !common.IsHexAddress(a) {
				return fmt.Errorf("feeds[%s]: %q is not an address", f.ID, a)
			}
		}
		if (f.Type == FeedOracle || f.Type == FeedPool) && c.Chain.RPCURL == "" {
			return fmt.Errorf("feeds[%s]: chain.rpc_url 必须配置", f.ID)
		}
	}
	return nil
}

func (c *Config) validatePayoff() error {
	seen := make(map[string]struct{}, len(c.Payoff))
	for i, m := range c.Payoff {
		if m.ID == "" {
			return fmt.Errorf("payoff[%d].id 必须配置", i)
		}
		if _, dup := seen[m.ID]; dup {
			return fmt.Errorf("payoff[%d]: duplicate id %q", i, m.ID)
		}
		seen[m.ID] = struct{}{}
		if m.Remote() {
			continue
		}
		if err := m.Config.Validate(); err != nil {
			return fmt.Errorf("payoff[%s]: %w", m.ID, err)
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// CallerAddress returns the scheduled refresh identity, zero when unset.
func (c *Config) CallerAddress() common.Address {
	return common.HexToAddress(c.Scheduler.Caller)
}
