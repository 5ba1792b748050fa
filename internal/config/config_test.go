package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/offerbook/internal/connector"
	"github.com/xtrntr/offerbook/internal/errs"
	"github.com/xtrntr/offerbook/internal/exchange"
	"github.com/xtrntr/offerbook/internal/models"
	"github.com/xtrntr/offerbook/internal/validation"
)

const sample = `
node_id = 7

[log]
level = "debug"
encoding = "console"

[connector]
kind = "pebble"

[connector.properties]
path = "/var/lib/offerbook"
in_memory = false

[engine]
book_depth = 20
price_rule = "ask"

[engine.limits]
max_open_offers = 50
max_offers_per_minute = 10

[[engine.symbols]]
symbol = "BTC/EUR"
base_asset = "BTC"
quote_currency = "EUR"
min_quantity = "0.0001"
max_quantity = "100"

[[engine.symbols]]
symbol = "ETH/EUR"
min_quantity = 0.01

[sweeper]
interval = "1m"
batch_size = 100

[settlement]
kind = "kafka"
brokers = ["k1:9092", "k2:9092"]
`

func writeFile(t *testing.T, name, content string) string {
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, NewDefaultConfig(), cfg)
}

func TestLoad_File(t *testing.T) {
	cfg, err := Load(writeFile(t, "offerbook.toml", sample))
	require.NoError(t, err)

	assert.Equal(t, int64(7), cfg.NodeID)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "stdout", cfg.Log.Output, "unset keys keep their default")
	assert.Equal(t, connector.KindPebble, cfg.Connector.Kind)
	assert.Equal(t, "/var/lib/offerbook", cfg.Connector.Properties["path"])
	inMemory, err := cfg.Connector.Properties.Bool("in_memory", true)
	require.NoError(t, err)
	assert.False(t, inMemory)

	assert.Equal(t, 20, cfg.Engine.BookDepth)
	assert.Equal(t, 100, cfg.Engine.MaxMatchesPerCall)
	assert.Equal(t, exchange.PriceAsk, cfg.Engine.PriceRule)
	assert.Equal(t, validation.Limits{MaxOpenOffers: 50, MaxOffersPerMinute: 10}, cfg.Engine.Limits)
	require.Len(t, cfg.Engine.Symbols, 2)
	assert.Equal(t, "BTC/EUR", cfg.Engine.Symbols[0].Symbol)
	assert.True(t, decimal.RequireFromString("0.0001").Equal(cfg.Engine.Symbols[0].MinQuantity))
	assert.True(t, decimal.NewFromInt(100).Equal(cfg.Engine.Symbols[0].MaxQuantity))
	assert.True(t, decimal.RequireFromString("0.01").Equal(cfg.Engine.Symbols[1].MinQuantity))

	assert.Equal(t, time.Minute, cfg.Sweeper.Interval)
	assert.Equal(t, 100, cfg.Sweeper.BatchSize)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Settlement.Brokers)
	assert.Equal(t, "offerbook.settlement", cfg.Settlement.Topic)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("OFFERBOOK_ENGINE_BOOK_DEPTH", "5")
	t.Setenv("OFFERBOOK_SWEEPER_INTERVAL", "2s")
	t.Setenv("OFFERBOOK_CONNECTOR_KIND", "redis")
	t.Setenv("OFFERBOOK_NODE_ID", "12")
	t.Setenv("OFFERBOOK_HTTP_SETTLEMENT_TOKEN", "s3cret")

	cfg, err := Load(writeFile(t, "offerbook.toml", sample))
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Engine.BookDepth)
	assert.Equal(t, 2*time.Second, cfg.Sweeper.Interval)
	assert.Equal(t, connector.KindRedis, cfg.Connector.Kind)
	assert.Equal(t, int64(12), cfg.NodeID)
	assert.Equal(t, "s3cret", cfg.HTTP.SettlementToken)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		path func(t *testing.T) string
	}{
		{"MissingFile", func(t *testing.T) string { return filepath.Join(t.TempDir(), "absent.toml") }},
		{"Malformed", func(t *testing.T) string { return writeFile(t, "bad.toml", "node_id = [") }},
		{"BadDecimal", func(t *testing.T) string {
			return writeFile(t, "bad.toml", "[[engine.symbols]]\nsymbol = \"X/Y\"\nmin_quantity = \"lots\"\n")
		}},
		{"Invalid", func(t *testing.T) string { return writeFile(t, "bad.toml", "[engine]\nbook_depth = 0\n") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.path(t))
			require.Error(t, err)
			assert.Equal(t, errs.Configuration, errs.KindOf(err))
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		fields []string
	}{
		{"Defaults", func(*Config) {}, nil},
		{"NodeIDOutOfRange", func(c *Config) { c.NodeID = 1024 }, []string{"node_id"}},
		{"UnknownConnector", func(c *Config) { c.Connector.Kind = "cassandra" }, []string{""}},
		{"RetryWithoutBound", func(c *Config) { c.Resilience.MaxElapsed = 0 }, []string{"resilience.max_elapsed"}},
		{"RetryDisabled", func(c *Config) {
			c.Resilience.Enabled = false
			c.Resilience.MaxElapsed = 0
		}, nil},
		{"BadPriceRule", func(c *Config) { c.Engine.PriceRule = "mid" }, []string{"engine.price_rule"}},
		{"DuplicateSymbol", func(c *Config) {
			c.Engine.Symbols = []models.SymbolSpec{{Symbol: "BTC/EUR"}, {Symbol: "BTC/EUR"}}
		}, []string{"engine.symbols"}},
		{"InvertedBounds", func(c *Config) {
			c.Engine.Symbols = []models.SymbolSpec{{
				Symbol: "BTC/EUR", MinQuantity: decimal.NewFromInt(5), MaxQuantity: decimal.NewFromInt(1),
			}}
		}, []string{"engine.symbols"}},
		{"KafkaSettlementWithoutBrokers", func(c *Config) { c.Settlement.Kind = "kafka" }, []string{"settlement"}},
		{"EveryViolation", func(c *Config) {
			c.Engine.BookDepth = 0
			c.Sweeper.Interval = 0
			c.Sweeper.BatchSize = 0
			c.HTTP.Addr = ""
		}, []string{"engine.book_depth", "sweeper.interval", "sweeper.batch_size", "http.addr"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.fields == nil {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var fields []string
			for _, e := range validation.Errors(err) {
				assert.Equal(t, errs.Configuration, e.Kind)
				fields = append(fields, e.Field)
			}
			assert.Equal(t, tt.fields, fields)
		})
	}
}
