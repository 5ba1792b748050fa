package kvstore

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/offerbook/internal/connector"
	"github.com/xtrntr/offerbook/internal/connector/connectortest"
	"github.com/xtrntr/offerbook/internal/errs"
	"github.com/xtrntr/offerbook/internal/logging"
	"github.com/xtrntr/offerbook/internal/models"
)

func TestStore(t *testing.T) {
	connectortest.Run(t, func(t *testing.T) *connector.Connector {
		c, err := Open(context.Background(), connector.Properties{"in_memory": "true"}, logging.NewTestLogger())
		require.NoError(t, err)
		return c
	})
}

func TestStore_OnDisk(t *testing.T) {
	connectortest.Run(t, func(t *testing.T) *connector.Connector {
		c, err := Open(context.Background(), connector.Properties{"path": t.TempDir()}, logging.NewTestLogger())
		require.NoError(t, err)
		return c
	})
}

func TestOpen_MissingPath(t *testing.T) {
	_, err := Open(context.Background(), connector.Properties{}, logging.NewTestLogger())
	assert.Equal(t, errs.Configuration, errs.KindOf(err))
}

func TestReopen_KeepsState(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	log := logging.NewTestLogger()

	s, err := New(dir, false, log)
	require.NoError(t, err)
	created, err := s.CreateOffer(ctx, connectortest.Offer("O1", "alice", models.SideBuy, "100", "1", connectortest.Base))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = New(dir, false, log)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.GetOffer(ctx, "O1")
	require.NoError(t, err)
	assert.True(t, created.Equal(got))

	bids, err := s.ListActiveOffers(ctx, "BTC/EUR", models.SideBuy, 0)
	require.NoError(t, err)
	require.Len(t, bids, 1)
}

func TestClosed(t *testing.T) {
	s, err := New("closed", true, logging.NewTestLogger())
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.GetOffer(context.Background(), "O1")
	assert.True(t, errs.Retryable(err))
	assert.Error(t, s.Ping(context.Background()))
}

func TestTimeKey_Orders(t *testing.T) {
	times := []time.Time{
		time.Unix(-10, 0),
		time.Unix(0, 0),
		time.Unix(0, 1),
		connectortest.Base,
		connectortest.Base.Add(time.Nanosecond),
	}
	for i := 1; i < len(times); i++ {
		assert.Equal(t, -1, bytes.Compare([]byte(timeKey(times[i-1])), []byte(timeKey(times[i]))), "index %d", i)
	}
}

func TestPrefixEnd(t *testing.T) {
	assert.Equal(t, []byte("ab\x01"), prefixEnd([]byte("ab\x00")))
	assert.Equal(t, []byte("b"), prefixEnd([]byte("a\xff")))
	assert.Nil(t, prefixEnd([]byte("\xff\xff")))
}

func TestExpire_ExactCutoff(t *testing.T) {
	s, err := New("expire", true, logging.NewTestLogger())
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	o := connectortest.Offer("O1", "alice", models.SideBuy, "100", "1", connectortest.Base)
	o.ExpiresAt = connectortest.Base.Add(time.Nanosecond)
	_, err = s.CreateOffer(ctx, o)
	require.NoError(t, err)

	n, err := s.ExpireOffers(ctx, o.ExpiresAt, 0)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.ExpireOffers(ctx, o.ExpiresAt.Add(time.Nanosecond), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
