package connector

import (
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/xtrntr/offerbook/internal/errs"
)

// Kind names a backend implementation.
type Kind string

const (
	KindMemory   Kind = "memory"
	KindRedis    Kind = "redis"
	KindPostgres Kind = "postgres"
	KindMySQL    Kind = "mysql"
	KindPebble   Kind = "pebble"
	KindKafka    Kind = "kafka"
	KindRabbitMQ Kind = "rabbitmq"
)

var kinds = []Kind{KindMemory, KindRedis, KindPostgres, KindMySQL, KindPebble, KindKafka, KindRabbitMQ}

// Kinds lists every known backend kind.
func Kinds() []Kind { return slices.Clone(kinds) }

// ParseKind maps a configuration string to a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if slices.Contains(kinds, k) {
		return k, nil
	}
	return "", errs.Newf(errs.Configuration, "unknown_kind", "unknown connector kind %q", s)
}

// Config selects a backend and its properties.
type Config struct {
	Kind       Kind       `mapstructure:"kind"`
	Properties Properties `mapstructure:"properties"`
}

// Properties is the flat, backend specific property map.
type Properties map[string]string

// Require fails with a single Configuration error naming every missing or
// empty key.
func (p Properties) Require(keys ...string) error {
	var missing []string
	for _, k := range keys {
		if strings.TrimSpace(p[k]) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &errs.Error{
		Kind:    errs.Configuration,
		Code:    "missing_property",
		Field:   strings.Join(missing, ","),
		Message: "missing required properties: " + strings.Join(missing, ", "),
	}
}

func (p Properties) String(key, def string) string {
	if v, ok := p[key]; ok && v != "" {
		return v
	}
	return def
}

func (p Properties) Int(key string, def int) (int, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, invalidProperty(key, v, err)
	}
	return n, nil
}

func (p Properties) Bool(key string, def bool) (bool, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, invalidProperty(key, v, err)
	}
	return b, nil
}

func (p Properties) Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, invalidProperty(key, v, err)
	}
	return d, nil
}

// Strings splits a comma separated value, dropping empty entries.
func (p Properties) Strings(key string) []string {
	var out []string
	for _, s := range strings.Split(p[key], ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func invalidProperty(key, value string, cause error) error {
	return &errs.Error{
		Kind:    errs.Configuration,
		Code:    "invalid_property",
		Field:   key,
		Message: "cannot parse " + strconv.Quote(value),
		Cause:   cause,
	}
}
