// Package config loads the service configuration from an optional file,
// OFFERBOOK_ prefixed environment variables and built-in defaults, in that
// order of precedence from last to first.
package config

import (
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"github.com/xtrntr/offerbook/internal/connector"
	"github.com/xtrntr/offerbook/internal/errs"
	"github.com/xtrntr/offerbook/internal/exchange"
	"github.com/xtrntr/offerbook/internal/logging"
	"github.com/xtrntr/offerbook/internal/settlement"
	"github.com/xtrntr/offerbook/internal/sweeper"
)

const envPrefix = "OFFERBOOK"

// maxNodeID is the largest snowflake node id.
const maxNodeID = 1023

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// SettlementToken is the bearer token the settlement service presents
	// on status callbacks. Empty disables the callback route.
	SettlementToken string `mapstructure:"settlement_token"`
}

type Config struct {
	NodeID     int64                 `mapstructure:"node_id"`
	Log        logging.Config        `mapstructure:"log"`
	Connector  connector.Config      `mapstructure:"connector"`
	Resilience connector.RetryPolicy `mapstructure:"resilience"`
	Engine     exchange.Config       `mapstructure:"engine"`
	Sweeper    sweeper.Config        `mapstructure:"sweeper"`
	Settlement settlement.Config     `mapstructure:"settlement"`
	HTTP       HTTPConfig            `mapstructure:"http"`
}

func NewDefaultConfig() Config {
	return Config{
		Log:        logging.NewDefaultConfig(),
		Connector:  connector.Config{Kind: connector.KindMemory},
		Resilience: connector.NewDefaultRetryPolicy(),
		Engine:     exchange.NewDefaultConfig(),
		Sweeper:    sweeper.NewDefaultConfig(),
		Settlement: settlement.NewDefaultConfig(),
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
	}
}

// Load reads path, if given, applies environment overrides and validates
// the result. Keys map to variables as OFFERBOOK_ENGINE_BOOK_DEPTH.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errs.Wrap(errs.Configuration, err, "read config file "+path)
		}
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// brokers has no default, so it needs binding to be seen in the env
	_ = v.BindEnv("settlement.brokers")

	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		decimalHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return Config{}, errs.Wrap(errs.Configuration, err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := NewDefaultConfig()
	v.SetDefault("node_id", d.NodeID)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.encoding", d.Log.Encoding)
	v.SetDefault("log.output", d.Log.Output)
	v.SetDefault("log.file.path", d.Log.File.Path)
	v.SetDefault("log.file.max_size_mb", d.Log.File.MaxSizeMB)
	v.SetDefault("log.file.max_backups", d.Log.File.MaxBackups)
	v.SetDefault("log.file.max_age_days", d.Log.File.MaxAgeDays)
	v.SetDefault("log.file.compress", d.Log.File.Compress)

	v.SetDefault("connector.kind", string(d.Connector.Kind))

	v.SetDefault("resilience.enabled", d.Resilience.Enabled)
	v.SetDefault("resilience.initial_interval", d.Resilience.InitialInterval)
	v.SetDefault("resilience.max_interval", d.Resilience.MaxInterval)
	v.SetDefault("resilience.max_elapsed", d.Resilience.MaxElapsed)
	v.SetDefault("resilience.breaker_failures", d.Resilience.BreakerFailures)
	v.SetDefault("resilience.breaker_timeout", d.Resilience.BreakerTimeout)

	v.SetDefault("engine.book_depth", d.Engine.BookDepth)
	v.SetDefault("engine.max_matches_per_call", d.Engine.MaxMatchesPerCall)
	v.SetDefault("engine.max_conflict_retries", d.Engine.MaxConflictRetries)
	v.SetDefault("engine.price_rule", string(d.Engine.PriceRule))
	v.SetDefault("engine.limits.max_open_offers", d.Engine.Limits.MaxOpenOffers)
	v.SetDefault("engine.limits.max_open_offers_per_symbol", d.Engine.Limits.MaxOpenOffersPerSymbol)
	v.SetDefault("engine.limits.max_offers_per_minute", d.Engine.Limits.MaxOffersPerMinute)

	v.SetDefault("sweeper.interval", d.Sweeper.Interval)
	v.SetDefault("sweeper.batch_size", d.Sweeper.BatchSize)

	v.SetDefault("settlement.kind", d.Settlement.Kind)
	v.SetDefault("settlement.topic", d.Settlement.Topic)

	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("http.read_timeout", d.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", d.HTTP.WriteTimeout)
	v.SetDefault("http.shutdown_timeout", d.HTTP.ShutdownTimeout)
	v.SetDefault("http.settlement_token", d.HTTP.SettlementToken)
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

// decimalHook decodes quantities written as strings or numbers. Strings
// are preferred in files since they are exact.
func decimalHook() mapstructure.DecodeHookFuncType {
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != decimalType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			d, err := decimal.NewFromString(strings.TrimSpace(v))
			if err != nil {
				return nil, err
			}
			return d, nil
		case float64:
			return decimal.NewFromFloat(v), nil
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		}
		return data, nil
	}
}

func invalid(field, format string, args ...any) error {
	e := errs.Newf(errs.Configuration, "invalid_config", format, args...)
	e.Field = field
	return e
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var err error
	if c.NodeID < 0 || c.NodeID > maxNodeID {
		err = multierr.Append(err, invalid("node_id", "node id must be within 0-%d, got %d", maxNodeID, c.NodeID))
	}
	if _, kerr := connector.ParseKind(string(c.Connector.Kind)); kerr != nil {
		err = multierr.Append(err, kerr)
	}
	if c.Resilience.Enabled && c.Resilience.MaxElapsed <= 0 {
		err = multierr.Append(err, invalid("resilience.max_elapsed", "max_elapsed must be positive when retries are enabled"))
	}

	e := c.Engine
	if e.BookDepth <= 0 {
		err = multierr.Append(err, invalid("engine.book_depth", "book depth must be positive, got %d", e.BookDepth))
	}
	if e.MaxConflictRetries < 0 {
		err = multierr.Append(err, invalid("engine.max_conflict_retries", "conflict retries cannot be negative"))
	}
	if !e.PriceRule.Valid() {
		err = multierr.Append(err, invalid("engine.price_rule", "price rule must be %s or %s, got %q",
			exchange.PriceResting, exchange.PriceAsk, e.PriceRule))
	}
	seen := make(map[string]bool, len(e.Symbols))
	for _, s := range e.Symbols {
		switch {
		case s.Symbol == "":
			err = multierr.Append(err, invalid("engine.symbols", "symbol name is required"))
		case seen[s.Symbol]:
			err = multierr.Append(err, invalid("engine.symbols", "symbol %s is configured twice", s.Symbol))
		case s.MinQuantity.IsNegative() || s.MaxQuantity.IsNegative():
			err = multierr.Append(err, invalid("engine.symbols", "%s quantity bounds cannot be negative", s.Symbol))
		case s.MaxQuantity.IsPositive() && s.MinQuantity.GreaterThan(s.MaxQuantity):
			err = multierr.Append(err, invalid("engine.symbols", "%s minimum quantity %s exceeds maximum %s",
				s.Symbol, s.MinQuantity, s.MaxQuantity))
		}
		seen[s.Symbol] = true
	}

	if c.Sweeper.Interval <= 0 {
		err = multierr.Append(err, invalid("sweeper.interval", "sweeper interval must be positive"))
	}
	if c.Sweeper.BatchSize <= 0 {
		err = multierr.Append(err, invalid("sweeper.batch_size", "sweeper batch size must be positive"))
	}

	switch c.Settlement.Kind {
	case settlement.KindNoop:
	case settlement.KindKafka:
		if len(c.Settlement.Brokers) == 0 || c.Settlement.Topic == "" {
			err = multierr.Append(err, invalid("settlement", "kafka settlement needs brokers and topic"))
		}
	default:
		err = multierr.Append(err, invalid("settlement.kind", "unknown settlement kind %q", c.Settlement.Kind))
	}

	if c.HTTP.Addr == "" {
		err = multierr.Append(err, invalid("http.addr", "http address is required"))
	}
	return err
}
