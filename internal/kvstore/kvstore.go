// Package kvstore is the embedded Pebble backend. Records are JSON values
// and every ordering the connector needs is a secondary key whose bytes sort
// in that order. Writes are serialised and land as one batch each.
package kvstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"go.uber.org/zap"

	"github.com/xtrntr/offerbook/internal/connector"
	"github.com/xtrntr/offerbook/internal/errs"
	"github.com/xtrntr/offerbook/internal/logging"
	"github.com/xtrntr/offerbook/internal/models"
)

const sep = "\x00"

// Key families.
const (
	pOffer      = "o"
	pTrade      = "t"
	pBook       = "b"
	pExpiry     = "e"
	pUserOffer  = "uo"
	pUserTrade  = "ut"
	pSymTrade   = "st"
	pUser       = "pu"
	pAccount    = "pa"
	pPermission = "pp"
)

// Store implements connector.Store on a Pebble database.
type Store struct {
	// mu serialises read-check-write cycles. Pebble batches make each
	// write atomic; mu makes the check and the write one step.
	mu        sync.Mutex
	db        *pebble.DB
	writeOpts *pebble.WriteOptions
	closed    bool
	log       *logging.Logger
}

var (
	_ connector.Store            = (*Store)(nil)
	_ connector.ProjectionLoader = (*Store)(nil)
)

// Open opens the database at props "path". With "in_memory" set the data
// lives in memory only and path is just a name.
func Open(_ context.Context, props connector.Properties, log *logging.Logger) (*connector.Connector, error) {
	inMemory, err := props.Bool("in_memory", false)
	if err != nil {
		return nil, err
	}
	if !inMemory {
		if err := props.Require("path"); err != nil {
			return nil, err
		}
	}
	s, err := New(props.String("path", "offerbook"), inMemory, log)
	if err != nil {
		return nil, err
	}
	return connector.New(connector.KindPebble, s), nil
}

// New opens a Pebble database at dir.
func New(dir string, inMemory bool, log *logging.Logger) (*Store, error) {
	opts := &pebble.Options{}
	writeOpts := pebble.Sync
	if inMemory {
		opts.FS = vfs.NewMem()
		writeOpts = pebble.NoSync
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, errs.Wrap(errs.Configuration, err, "open pebble at "+dir)
	}
	log.Info("opened pebble store", zap.String("path", dir), zap.Bool("in_memory", inMemory))
	return &Store{db: db, writeOpts: writeOpts, log: log}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errs.FromContext(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

var errClosed = errs.New(errs.Connection, "store_closed", "pebble store is closed")

// begin checks the context and takes the write lock. The returned func
// releases it.
func (s *Store) begin(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.FromContext(err)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errClosed
	}
	return s.mu.Unlock, nil
}

// key joins parts with the separator.
func key(parts ...string) []byte {
	var b bytes.Buffer
	for i, p := range parts {
		if i > 0 {
			b.WriteString(sep)
		}
		b.WriteString(p)
	}
	return b.Bytes()
}

// timeKey encodes t so byte order matches time order, negative times
// included.
func timeKey(t time.Time) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(t.UnixNano())^(1<<63))
	return string(buf[:])
}

// prefixEnd returns the smallest key greater than every key starting with p.
func prefixEnd(p []byte) []byte {
	end := append([]byte(nil), p...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// lastPart returns what follows the final separator.
func lastPart(k []byte) string {
	if i := bytes.LastIndex(k, []byte(sep)); i >= 0 {
		return string(k[i+1:])
	}
	return string(k)
}

func encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errs.Wrap(errs.Unknown, err, "encode record")
	}
	return data, nil
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var typed *errs.Error
	if errors.As(err, &typed) {
		return err
	}
	return errs.Wrap(errs.Unknown, err, op)
}

// get decodes the value at k into T. found is false if k is absent.
func get[T any](s *Store, k []byte) (v T, found bool, err error) {
	data, closer, err := s.db.Get(k)
	if errors.Is(err, pebble.ErrNotFound) {
		return v, false, nil
	}
	if err != nil {
		return v, false, wrapErr("read", err)
	}
	defer closer.Close()
	if err := json.Unmarshal(data, &v); err != nil {
		return v, false, errs.Wrap(errs.Unknown, err, fmt.Sprintf("decode %q", k))
	}
	return v, true, nil
}

func (s *Store) exists(k []byte) (bool, error) {
	_, closer, err := s.db.Get(k)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, wrapErr("read", err)
	}
	closer.Close()
	return true, nil
}

// scan calls fn with the last key part of every index entry in
// [lower, upper), backwards if reverse, until fn returns false.
func (s *Store) scan(lower, upper []byte, reverse bool, fn func(id string) bool) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return wrapErr("scan", err)
	}
	defer iter.Close()
	if reverse {
		for iter.Last(); iter.Valid(); iter.Prev() {
			if !fn(lastPart(iter.Key())) {
				break
			}
		}
	} else {
		for iter.First(); iter.Valid(); iter.Next() {
			if !fn(lastPart(iter.Key())) {
				break
			}
		}
	}
	return wrapErr("scan", iter.Error())
}

func offerKey(id string) []byte { return key(pOffer, id) }
func tradeKey(id string) []byte { return key(pTrade, id) }

func bookPrefix(symbol string, side models.Side) []byte {
	return key(pBook, symbol, string(side), "")
}

func bookKey(o models.Offer) []byte { return key(pBook, o.Symbol, string(o.Side), o.ID) }

func expiryKey(o models.Offer) []byte { return key(pExpiry, timeKey(o.ExpiresAt), o.ID) }

func userOfferKey(o models.Offer) []byte {
	return key(pUserOffer, o.UserID, timeKey(o.CreatedAt), o.ID)
}

func tradeIndexKeys(t models.Trade) [][]byte {
	at := timeKey(t.ExecutedAt)
	return [][]byte{
		key(pSymTrade, t.Symbol, at, t.ID),
		key(pUserTrade, t.BuyerID, at, t.ID),
		key(pUserTrade, t.SellerID, at, t.ID),
	}
}

// putOffer queues o and its index changes. prev is the stored offer, or nil
// on create.
func putOffer(b *pebble.Batch, prev *models.Offer, o models.Offer) error {
	data, err := encode(o)
	if err != nil {
		return err
	}
	if err := b.Set(offerKey(o.ID), data, nil); err != nil {
		return err
	}
	if prev == nil {
		if err := b.Set(userOfferKey(o), nil, nil); err != nil {
			return err
		}
	} else if prev.IsOpen() {
		if err := b.Delete(bookKey(*prev), nil); err != nil {
			return err
		}
		if err := b.Delete(expiryKey(*prev), nil); err != nil {
			return err
		}
	}
	if o.IsOpen() {
		if err := b.Set(bookKey(o), nil, nil); err != nil {
			return err
		}
		if err := b.Set(expiryKey(o), nil, nil); err != nil {
			return err
		}
	}
	return nil
}

func putTrade(b *pebble.Batch, t models.Trade, indexed bool) error {
	data, err := encode(t)
	if err != nil {
		return err
	}
	if err := b.Set(tradeKey(t.ID), data, nil); err != nil {
		return err
	}
	if indexed {
		return nil
	}
	for _, k := range tradeIndexKeys(t) {
		if err := b.Set(k, nil, nil); err != nil {
			return err
		}
	}
	return nil
}

// commit applies fn's writes as one batch.
func (s *Store) commit(op string, fn func(b *pebble.Batch) error) error {
	b := s.db.NewBatch()
	defer b.Close()
	if err := fn(b); err != nil {
		return wrapErr(op, err)
	}
	return wrapErr(op, b.Commit(s.writeOpts))
}
