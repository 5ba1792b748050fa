package connector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/offerbook/internal/errs"
	"github.com/xtrntr/offerbook/internal/logging"
)

func TestParseKind(t *testing.T) {
	for _, k := range Kinds() {
		got, err := ParseKind(" " + string(k) + " ")
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	got, err := ParseKind("Postgres")
	require.NoError(t, err)
	assert.Equal(t, KindPostgres, got)

	_, err = ParseKind("cassandra")
	assert.Equal(t, errs.Configuration, errs.KindOf(err))
}

func TestProperties_Require(t *testing.T) {
	props := Properties{"brokers": "localhost:9092", "topic": " "}

	assert.NoError(t, props.Require("brokers"))

	err := props.Require("brokers", "topic", "group")
	require.Error(t, err)
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errs.Configuration, e.Kind)
	assert.Equal(t, "topic,group", e.Field)
	assert.Contains(t, e.Message, "topic, group")
}

func TestProperties_Getters(t *testing.T) {
	props := Properties{
		"db":       "3",
		"bad_int":  "three",
		"timeout":  "250ms",
		"tls":      "true",
		"brokers":  "a:9092, b:9092,,",
		"password": "",
	}

	n, err := props.Int("db", 0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = props.Int("missing", 7)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	_, err = props.Int("bad_int", 0)
	assert.Equal(t, errs.Configuration, errs.KindOf(err))

	d, err := props.Duration("timeout", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	b, err := props.Bool("tls", false)
	require.NoError(t, err)
	assert.True(t, b)

	assert.Equal(t, []string{"a:9092", "b:9092"}, props.Strings("brokers"))
	assert.Nil(t, props.Strings("missing"))
	assert.Equal(t, "fallback", props.String("password", "fallback"))
}

func TestRegistry_Build(t *testing.T) {
	r := NewRegistry()
	var gotProps Properties
	r.Register(KindRedis, func(_ context.Context, props Properties, _ *logging.Logger) (*Connector, error) {
		gotProps = props
		if err := props.Require("addr"); err != nil {
			return nil, err
		}
		return &Connector{Kind: KindRedis}, nil
	})
	log := logging.NewTestLogger()
	ctx := context.Background()

	assert.Equal(t, []Kind{KindRedis}, r.Kinds())

	_, err := r.Build(ctx, Config{Kind: KindRedis}, log)
	assert.Equal(t, errs.Configuration, errs.KindOf(err))
	assert.NotNil(t, gotProps, "nil properties are replaced by an empty map")

	c, err := r.Build(ctx, Config{Kind: "REDIS", Properties: Properties{"addr": "localhost:6379"}}, log)
	require.NoError(t, err)
	assert.Equal(t, KindRedis, c.Kind)

	_, err = r.Build(ctx, Config{Kind: KindPebble}, log)
	assert.Equal(t, errs.Configuration, errs.KindOf(err))

	_, err = r.Build(ctx, Config{Kind: "bogus"}, log)
	assert.Equal(t, errs.Configuration, errs.KindOf(err))
}
