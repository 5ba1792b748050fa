package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/xtrntr/offerbook/internal/connector"
	"github.com/xtrntr/offerbook/internal/models"
)

const offerColumns = `id, user_id, created_by, consent_id, account_id, bank_id, symbol, side,
	price::text, original_quantity::text, remaining_quantity::text, reduced_quantity::text, status, version,
	created_at, updated_at, expires_at, metadata`

const openStatuses = `('active', 'partially_filled')`

func scanOffer(row scanner) (models.Offer, error) {
	var (
		o                                models.Offer
		side, status                     string
		price, original, remain, reduced string
		version                          int64
		metadata                         []byte
	)
	err := row.Scan(&o.ID, &o.UserID, &o.CreatedBy, &o.ConsentID, &o.AccountID, &o.BankID, &o.Symbol, &side,
		&price, &original, &remain, &reduced, &status, &version,
		&o.CreatedAt, &o.UpdatedAt, &o.ExpiresAt, &metadata)
	if err != nil {
		return models.Offer{}, err
	}
	o.Side = models.Side(side)
	o.Status = models.OfferStatus(status)
	o.Version = uint64(version)
	o.CreatedAt, o.UpdatedAt, o.ExpiresAt = o.CreatedAt.UTC(), o.UpdatedAt.UTC(), o.ExpiresAt.UTC()
	if o.Price, err = parseDecimal(price, "price"); err != nil {
		return models.Offer{}, err
	}
	if o.OriginalQuantity, err = parseDecimal(original, "original_quantity"); err != nil {
		return models.Offer{}, err
	}
	if o.RemainingQuantity, err = parseDecimal(remain, "remaining_quantity"); err != nil {
		return models.Offer{}, err
	}
	if o.ReducedQuantity, err = parseDecimal(reduced, "reduced_quantity"); err != nil {
		return models.Offer{}, err
	}
	if o.Metadata, err = decodeMetadata(metadata); err != nil {
		return models.Offer{}, err
	}
	return o, nil
}

// selectOfferForUpdate locks one offer row for the rest of the transaction.
func selectOfferForUpdate(ctx context.Context, tx pgx.Tx, id string) (models.Offer, error) {
	o, err := scanOffer(tx.QueryRow(ctx,
		"SELECT "+offerColumns+" FROM offers WHERE id = $1 FOR UPDATE", id))
	if err == pgx.ErrNoRows {
		return models.Offer{}, connector.OfferNotFound(id)
	}
	return o, err
}

// writeOffer stores next over the row still at version prev.
func writeOffer(ctx context.Context, tx pgx.Tx, next models.Offer, prev uint64) error {
	metadata, err := encodeMetadata(next.Metadata)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `
		UPDATE offers SET
			created_by = $2, consent_id = $3, price = $4, original_quantity = $5,
			remaining_quantity = $6, reduced_quantity = $7, status = $8, version = $9, updated_at = $10,
			expires_at = $11, metadata = $12
		WHERE id = $1 AND version = $13`,
		next.ID, next.CreatedBy, next.ConsentID, next.Price.String(), next.OriginalQuantity.String(),
		next.RemainingQuantity.String(), next.ReducedQuantity.String(), string(next.Status), int64(next.Version),
		next.UpdatedAt, next.ExpiresAt, metadata, int64(prev))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return connector.StaleOffer(next.ID, prev, next.Version)
	}
	return nil
}

func (db *DB) CreateOffer(ctx context.Context, offer models.Offer) (models.Offer, error) {
	next, err := connector.PrepareCreate(offer)
	if err != nil {
		return models.Offer{}, err
	}
	metadata, err := encodeMetadata(next.Metadata)
	if err != nil {
		return models.Offer{}, err
	}
	_, err = db.Pool.Exec(ctx, `
		INSERT INTO offers (id, user_id, created_by, consent_id, account_id, bank_id, symbol, side,
			price, original_quantity, remaining_quantity, reduced_quantity, status, version,
			created_at, updated_at, expires_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		next.ID, next.UserID, next.CreatedBy, next.ConsentID, next.AccountID, next.BankID, next.Symbol,
		string(next.Side), next.Price.String(), next.OriginalQuantity.String(), next.RemainingQuantity.String(),
		next.ReducedQuantity.String(), string(next.Status), int64(next.Version), next.CreatedAt, next.UpdatedAt, next.ExpiresAt, metadata)
	if isUniqueViolation(err) {
		return models.Offer{}, connector.OfferExists(next.ID)
	}
	if err != nil {
		return models.Offer{}, wrapErr("create offer", err)
	}
	return next, nil
}

// mutateOffer locks an offer, applies a rule and writes the result.
func (db *DB) mutateOffer(ctx context.Context, op, id string, apply func(stored models.Offer) (models.Offer, error)) (models.Offer, error) {
	var out models.Offer
	err := db.inTx(ctx, op, func(tx pgx.Tx) error {
		stored, err := selectOfferForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		next, err := apply(stored)
		if err != nil {
			return err
		}
		out = next
		return writeOffer(ctx, tx, next, stored.Version)
	})
	if err != nil {
		return models.Offer{}, err
	}
	return out, nil
}

func (db *DB) UpdateOffer(ctx context.Context, offer models.Offer) (models.Offer, error) {
	return db.mutateOffer(ctx, "update offer", offer.ID, func(stored models.Offer) (models.Offer, error) {
		return connector.PrepareUpdate(stored, offer)
	})
}

func (db *DB) GetOffer(ctx context.Context, id string) (models.Offer, error) {
	o, err := scanOffer(db.Pool.QueryRow(ctx, "SELECT "+offerColumns+" FROM offers WHERE id = $1", id))
	if err == pgx.ErrNoRows {
		return models.Offer{}, connector.OfferNotFound(id)
	}
	if err != nil {
		return models.Offer{}, wrapErr("get offer", err)
	}
	return o, nil
}

func (db *DB) ListActiveOffers(ctx context.Context, symbol string, side models.Side, limit int) ([]models.Offer, error) {
	order := "price ASC"
	if side == models.SideBuy {
		order = "price DESC"
	}
	rows, err := db.Pool.Query(ctx, `
		SELECT `+offerColumns+` FROM offers
		WHERE symbol = $1 AND side = $2 AND status IN `+openStatuses+`
		ORDER BY `+order+`, created_at ASC, id ASC
		LIMIT $3`,
		symbol, string(side), limitArg(limit))
	if err != nil {
		return nil, wrapErr("list active offers", err)
	}
	offers, err := rowsTo(rows, scanOffer)
	return offers, wrapErr("list active offers", err)
}

func (db *DB) ListUserOffers(ctx context.Context, userID string, limit int) ([]models.Offer, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+offerColumns+` FROM offers
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`,
		userID, limitArg(limit))
	if err != nil {
		return nil, wrapErr("list user offers", err)
	}
	offers, err := rowsTo(rows, scanOffer)
	return offers, wrapErr("list user offers", err)
}

// CancelOffer locks the row for update so concurrent cancels serialise and
// only the first one succeeds.
func (db *DB) CancelOffer(ctx context.Context, id string, at time.Time) (models.Offer, error) {
	return db.mutateOffer(ctx, "cancel offer", id, func(stored models.Offer) (models.Offer, error) {
		return connector.PrepareCancel(stored, at)
	})
}

// ExpireOffers locks due rows, skipping any another sweeper already holds.
func (db *DB) ExpireOffers(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	n := 0
	err := db.inTx(ctx, "expire offers", func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT `+offerColumns+` FROM offers
			WHERE status IN `+openStatuses+` AND expires_at < $1
			ORDER BY expires_at ASC, id ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED`,
			cutoff, limitArg(limit))
		if err != nil {
			return err
		}
		due, err := rowsTo(rows, scanOffer)
		if err != nil {
			return err
		}
		for _, stored := range due {
			next, ok := connector.PrepareExpire(stored, cutoff)
			if !ok {
				continue
			}
			if err := writeOffer(ctx, tx, next, stored.Version); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		db.log.Debug("expired offers", zap.Int("count", n), zap.Time("cutoff", cutoff))
	}
	return n, nil
}
