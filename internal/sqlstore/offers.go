package sqlstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/xtrntr/offerbook/internal/connector"
	"github.com/xtrntr/offerbook/internal/models"
)

var openStatuses = []string{string(models.OfferActive), string(models.OfferPartiallyFilled)}

func lockOffer(tx *gorm.DB, id string) (models.Offer, error) {
	var row offerRow
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Offer{}, connector.OfferNotFound(id)
	}
	if err != nil {
		return models.Offer{}, err
	}
	return row.toModel()
}

// saveOffer writes next over the row still at version prev.
func saveOffer(tx *gorm.DB, next models.Offer, prev uint64) error {
	row := toOfferRow(next)
	res := tx.Model(&offerRow{}).
		Where("id = ? AND version = ?", next.ID, prev).
		Select("created_by", "consent_id", "price", "original_quantity", "remaining_quantity", "reduced_quantity",
			"status", "version", "updated_at", "expires_at", "metadata").
		Updates(&row)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return connector.StaleOffer(next.ID, prev, next.Version)
	}
	return nil
}

func (s *Store) CreateOffer(ctx context.Context, offer models.Offer) (models.Offer, error) {
	next, err := connector.PrepareCreate(offer)
	if err != nil {
		return models.Offer{}, err
	}
	row := toOfferRow(next)
	err = s.db.WithContext(ctx).Create(&row).Error
	if isDuplicate(err) {
		return models.Offer{}, connector.OfferExists(next.ID)
	}
	if err != nil {
		return models.Offer{}, wrapErr("create offer", err)
	}
	return next, nil
}

// mutateOffer locks an offer, applies a rule and writes the result.
func (s *Store) mutateOffer(ctx context.Context, op, id string, apply func(stored models.Offer) (models.Offer, error)) (models.Offer, error) {
	var out models.Offer
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stored, err := lockOffer(tx, id)
		if err != nil {
			return err
		}
		next, err := apply(stored)
		if err != nil {
			return err
		}
		out = next
		return saveOffer(tx, next, stored.Version)
	})
	if err != nil {
		return models.Offer{}, wrapErr(op, err)
	}
	return out, nil
}

func (s *Store) UpdateOffer(ctx context.Context, offer models.Offer) (models.Offer, error) {
	return s.mutateOffer(ctx, "update offer", offer.ID, func(stored models.Offer) (models.Offer, error) {
		return connector.PrepareUpdate(stored, offer)
	})
}

func (s *Store) GetOffer(ctx context.Context, id string) (models.Offer, error) {
	var row offerRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Offer{}, connector.OfferNotFound(id)
	}
	if err != nil {
		return models.Offer{}, wrapErr("get offer", err)
	}
	return row.toModel()
}

func (s *Store) ListActiveOffers(ctx context.Context, symbol string, side models.Side, limit int) ([]models.Offer, error) {
	q := s.db.WithContext(ctx).
		Where("symbol = ? AND side = ? AND status IN ?", symbol, string(side), openStatuses).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "price"}, Desc: side == models.SideBuy}).
		Order("created_at ASC").
		Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []offerRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, wrapErr("list active offers", err)
	}
	return rowsToModels(rows, offerRow.toModel)
}

func (s *Store) ListUserOffers(ctx context.Context, userID string, limit int) ([]models.Offer, error) {
	q := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []offerRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, wrapErr("list user offers", err)
	}
	return rowsToModels(rows, offerRow.toModel)
}

func (s *Store) CancelOffer(ctx context.Context, id string, at time.Time) (models.Offer, error) {
	return s.mutateOffer(ctx, "cancel offer", id, func(stored models.Offer) (models.Offer, error) {
		return connector.PrepareCancel(stored, at)
	})
}

// ExpireOffers locks due rows, skipping any another sweeper already holds.
func (s *Store) ExpireOffers(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	n := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status IN ? AND expires_at < ?", openStatuses, cutoff.UTC()).
			Order("expires_at ASC").
			Order("id ASC")
		if limit > 0 {
			q = q.Limit(limit)
		}
		var rows []offerRow
		if err := q.Find(&rows).Error; err != nil {
			return err
		}
		due, err := rowsToModels(rows, offerRow.toModel)
		if err != nil {
			return err
		}
		for _, stored := range due {
			next, ok := connector.PrepareExpire(stored, cutoff)
			if !ok {
				continue
			}
			if err := saveOffer(tx, next, stored.Version); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, wrapErr("expire offers", err)
	}
	return n, nil
}
