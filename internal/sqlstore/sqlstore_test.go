package sqlstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/xtrntr/offerbook/internal/connector"
	"github.com/xtrntr/offerbook/internal/connector/connectortest"
	"github.com/xtrntr/offerbook/internal/errs"
	"github.com/xtrntr/offerbook/internal/logging"
	"github.com/xtrntr/offerbook/internal/models"
)

// Set to e.g. offerbook:offerbook@tcp(localhost:3306)/offerbook_test to run
// the backend suite.
const dsnEnv = "OFFERBOOK_TEST_MYSQL_DSN"

func TestStore(t *testing.T) {
	dsn := os.Getenv(dsnEnv)
	if dsn == "" {
		t.Skipf("%s not set", dsnEnv)
	}
	connectortest.Run(t, func(t *testing.T) *connector.Connector {
		c, err := Open(context.Background(), connector.Properties{"dsn": dsn}, logging.NewTestLogger())
		require.NoError(t, err)
		db := c.Store().(*Store).db
		for _, table := range []string{"offers", "trades", "users", "accounts", "permissions"} {
			require.NoError(t, db.Exec("TRUNCATE TABLE "+table).Error)
		}
		return c
	})
}

func TestOpen_MissingDSN(t *testing.T) {
	_, err := Open(context.Background(), connector.Properties{}, logging.NewTestLogger())
	assert.Equal(t, errs.Configuration, errs.KindOf(err))
}

func TestWithParseTime(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"u:p@tcp(db:3306)/book", "u:p@tcp(db:3306)/book?parseTime=true&loc=UTC"},
		{"u:p@tcp(db:3306)/book?charset=utf8mb4", "u:p@tcp(db:3306)/book?charset=utf8mb4&parseTime=true&loc=UTC"},
		{"u:p@tcp(db:3306)/book?parseTime=true", "u:p@tcp(db:3306)/book?parseTime=true"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, withParseTime(tt.in))
	}
}

func TestWrapErr(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want errs.Kind
	}{
		{"NotFound", gorm.ErrRecordNotFound, errs.NotFound},
		{"Duplicated", gorm.ErrDuplicatedKey, errs.Duplicate},
		{"DupEntry", &mysql.MySQLError{Number: erDupEntry}, errs.Duplicate},
		{"Deadlock", &mysql.MySQLError{Number: erLockDeadlock}, errs.Conflict},
		{"LockWait", &mysql.MySQLError{Number: erLockWaitTimeout}, errs.Timeout},
		{"Syntax", &mysql.MySQLError{Number: 1064}, errs.Unknown},
		{"BadConn", mysql.ErrInvalidConn, errs.Connection},
		{"Deadline", context.DeadlineExceeded, errs.Timeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errs.KindOf(wrapErr("op", tt.err)))
		})
	}
	assert.NoError(t, wrapErr("op", nil))
}

func TestRows_RoundTrip(t *testing.T) {
	o := connectortest.Offer("O1", "alice", models.SideBuy, "45000.123456789", "0.000000001", connectortest.Base)
	o.Version = 3
	back, err := toOfferRow(o).toModel()
	require.NoError(t, err)
	assert.True(t, o.Equal(back), "got %+v", back)

	o.Metadata = nil
	back, err = toOfferRow(o).toModel()
	require.NoError(t, err)
	assert.Nil(t, back.Metadata)

	tr := connectortest.Trade("T1", o, o, "45000", "0.5", connectortest.Base)
	settled := connectortest.Base.Add(time.Hour)
	tr.SettledAt = &settled
	tr.Status = models.TradeSettled
	backTrade, err := toTradeRow(tr).toModel()
	require.NoError(t, err)
	assert.True(t, tr.Equal(backTrade), "got %+v", backTrade)

	bad := toOfferRow(o)
	bad.Price = "not-a-number"
	_, err = bad.toModel()
	assert.Error(t, err)
}
