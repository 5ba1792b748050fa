package kvstore

import (
	"context"

	"github.com/cockroachdb/pebble"

	"github.com/xtrntr/offerbook/internal/connector"
	"github.com/xtrntr/offerbook/internal/errs"
	"github.com/xtrntr/offerbook/internal/models"
)

func getProjection[T any](ctx context.Context, s *Store, family, what, id string) (T, error) {
	var zero T
	unlock, err := s.begin(ctx)
	if err != nil {
		return zero, err
	}
	defer unlock()
	v, found, err := get[T](s, key(family, id))
	if err != nil {
		return zero, err
	}
	if !found {
		return zero, connector.ProjectionNotFound(what, id)
	}
	return v, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (models.User, error) {
	return getProjection[models.User](ctx, s, pUser, "user", id)
}

func (s *Store) GetAccount(ctx context.Context, id string) (models.TradingAccount, error) {
	return getProjection[models.TradingAccount](ctx, s, pAccount, "account", id)
}

func (s *Store) OwnsAccount(ctx context.Context, userID, accountID string) (bool, error) {
	acc, err := s.GetAccount(ctx, accountID)
	if errs.KindOf(err) == errs.NotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return acc.OwnerUserID == userID, nil
}

func (s *Store) GetPermission(ctx context.Context, userID, accountID, symbol string) (models.TradingPermission, error) {
	return getProjection[models.TradingPermission](ctx, s, pPermission, "permission",
		connector.PermissionKey(userID, accountID, symbol))
}

// LoadProjections writes every record in p in one batch.
func (s *Store) LoadProjections(ctx context.Context, p models.Projections) error {
	unlock, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	return s.commit("load projections", func(b *pebble.Batch) error {
		set := func(family, id string, v any) error {
			data, err := encode(v)
			if err != nil {
				return err
			}
			return b.Set(key(family, id), data, nil)
		}
		for _, u := range p.Users {
			if err := set(pUser, u.ID, u); err != nil {
				return err
			}
		}
		for _, a := range p.Accounts {
			if err := set(pAccount, a.ID, a); err != nil {
				return err
			}
		}
		for _, perm := range p.Permissions {
			if err := set(pPermission, connector.PermissionKey(perm.UserID, perm.AccountID, perm.Symbol), perm); err != nil {
				return err
			}
		}
		return nil
	})
}
