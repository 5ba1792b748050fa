package cache

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/xtrntr/offerbook/internal/connector"
	"github.com/xtrntr/offerbook/internal/errs"
	"github.com/xtrntr/offerbook/internal/models"
)

func getProjection[T any](ctx context.Context, s *Store, kind, id string) (T, error) {
	var zero T
	data, err := s.client.Get(ctx, s.projectionKey(kind, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return zero, connector.ProjectionNotFound(kind, id)
	}
	if err != nil {
		return zero, wrapErr("get "+kind, err)
	}
	return decode[T](data, kind)
}

func (s *Store) GetUser(ctx context.Context, id string) (models.User, error) {
	return getProjection[models.User](ctx, s, "user", id)
}

func (s *Store) GetAccount(ctx context.Context, id string) (models.TradingAccount, error) {
	return getProjection[models.TradingAccount](ctx, s, "account", id)
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
	return getProjection[models.TradingPermission](ctx, s, "permission", connector.PermissionKey(userID, accountID, symbol))
}

// LoadProjections writes every record in p in one transaction.
func (s *Store) LoadProjections(ctx context.Context, p models.Projections) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		set := func(kind, id string, v any) error {
			data, err := encode(v)
			if err != nil {
				return err
			}
			pipe.Set(ctx, s.projectionKey(kind, id), data, 0)
			return nil
		}
		for _, u := range p.Users {
			if err := set("user", u.ID, u); err != nil {
				return err
			}
		}
		for _, a := range p.Accounts {
			if err := set("account", a.ID, a); err != nil {
				return err
			}
		}
		for _, perm := range p.Permissions {
			if err := set("permission", connector.PermissionKey(perm.UserID, perm.AccountID, perm.Symbol), perm); err != nil {
				return err
			}
		}
		return nil
	})
	return wrapErr("load projections", err)
}
