package memstore

import (
	"context"

	"github.com/xtrntr/offerbook/internal/connector"
	"github.com/xtrntr/offerbook/internal/errs"
	"github.com/xtrntr/offerbook/internal/models"
)

func (s *Store) GetUser(ctx context.Context, id string) (models.User, error) {
	if err := ctx.Err(); err != nil {
		return models.User{}, errs.FromContext(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return models.User{}, connector.ProjectionNotFound("user", id)
	}
	return u, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (models.TradingAccount, error) {
	if err := ctx.Err(); err != nil {
		return models.TradingAccount{}, errs.FromContext(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return models.TradingAccount{}, connector.ProjectionNotFound("account", id)
	}
	return a, nil
}

func (s *Store) OwnsAccount(ctx context.Context, userID, accountID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, errs.FromContext(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[accountID]
	return ok && a.OwnerUserID == userID, nil
}

func (s *Store) GetPermission(ctx context.Context, userID, accountID, symbol string) (models.TradingPermission, error) {
	if err := ctx.Err(); err != nil {
		return models.TradingPermission{}, errs.FromContext(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := connector.PermissionKey(userID, accountID, symbol)
	p, ok := s.permissions[key]
	if !ok {
		return models.TradingPermission{}, connector.ProjectionNotFound("permission", key)
	}
	return p, nil
}

// LoadProjections upserts every record in p.
func (s *Store) LoadProjections(ctx context.Context, p models.Projections) error {
	if err := ctx.Err(); err != nil {
		return errs.FromContext(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range p.Users {
		s.users[u.ID] = u
	}
	for _, a := range p.Accounts {
		s.accounts[a.ID] = a
	}
	for _, perm := range p.Permissions {
		s.permissions[connector.PermissionKey(perm.UserID, perm.AccountID, perm.Symbol)] = perm
	}
	return nil
}
