package exchange

import (
	"context"
	"maps"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xtrntr/offerbook/internal/errs"
	"github.com/xtrntr/offerbook/internal/models"
	"github.com/xtrntr/offerbook/internal/validation"
)

// SubmitResult is the admitted offer as it stands after matching, and the
// trades matching produced.
type SubmitResult struct {
	Offer  models.Offer   `json:"offer"`
	Trades []models.Trade `json:"trades"`
}

// optional turns a NotFound lookup into a nil record.
func optional[T any](v T, err error) (*T, error) {
	if errs.KindOf(err) == errs.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// admission loads every input ValidateNewOffer needs. The lookups are
// independent and run in parallel.
func (e *Engine) admission(ctx context.Context, req models.OfferRequest) (validation.NewOfferInput, error) {
	now := e.now()
	spec, known := e.Symbol(req.Symbol)
	in := validation.NewOfferInput{
		Request: req,
		Now:     now,
		Symbol:  spec,
		Limits:  e.cfg.Limits,
	}
	if !known {
		in.Symbol = models.SymbolSpec{Symbol: req.Symbol}
	}

	users := e.conn.Users
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		in.User, err = optional(users.GetUser(gctx, req.UserID))
		return err
	})
	g.Go(func() (err error) {
		in.Account, err = optional(users.GetAccount(gctx, req.AccountID))
		return err
	})
	g.Go(func() (err error) {
		in.OwnsAccount, err = users.OwnsAccount(gctx, req.UserID, req.AccountID)
		return err
	})
	g.Go(func() (err error) {
		in.Permission, err = optional(users.GetPermission(gctx, req.UserID, req.AccountID, req.Symbol))
		return err
	})
	if req.OnBehalf() {
		g.Go(func() (err error) {
			in.Delegate, err = optional(users.GetPermission(gctx, req.CreatedBy, req.AccountID, req.Symbol))
			return err
		})
	}
	g.Go(func() error {
		offers, err := e.conn.Offers.ListUserOffers(gctx, req.UserID, 0)
		if err != nil {
			return err
		}
		in.Activity = validation.Summarize(offers, req.Symbol, now)
		return nil
	})
	if err := g.Wait(); err != nil {
		return in, err
	}
	return in, nil
}

// SubmitOffer validates req, stores it as a new Active offer and matches
// its symbol. A rejected request persists nothing. If matching fails after
// the offer was stored, the result carries the stored offer along with the
// error.
func (e *Engine) SubmitOffer(ctx context.Context, req models.OfferRequest) (SubmitResult, error) {
	in, err := e.admission(ctx, req)
	if err != nil {
		return SubmitResult{}, err
	}
	err = validation.ValidateNewOffer(in)
	if _, known := e.Symbol(req.Symbol); !known && req.Symbol != "" {
		err = multierr.Append(err, errs.Field("symbol", "unknown_symbol", "symbol %q is not configured", req.Symbol))
	}
	if err != nil {
		e.metrics.OffersRejected.WithLabelValues(req.Symbol, errs.KindOf(err).String()).Inc()
		e.log.Info("offer rejected",
			zap.String("user_id", req.UserID),
			zap.String("symbol", req.Symbol),
			zap.Strings("codes", validation.Codes(err)))
		return SubmitResult{}, err
	}

	offer := models.Offer{
		ID:                e.ids.NextOfferID(),
		UserID:            req.UserID,
		CreatedBy:         req.CreatedBy,
		ConsentID:         req.ConsentID,
		AccountID:         req.AccountID,
		BankID:            req.BankID,
		Symbol:            req.Symbol,
		Side:              req.Side,
		Price:             req.Price,
		OriginalQuantity:  req.Quantity,
		RemainingQuantity: req.Quantity,
		Status:            models.OfferActive,
		CreatedAt:         in.Now,
		UpdatedAt:         in.Now,
		ExpiresAt:         req.ExpiresAt.UTC(),
		Metadata:          maps.Clone(req.Metadata),
	}
	created, err := e.conn.Offers.CreateOffer(ctx, offer)
	if err != nil {
		return SubmitResult{}, err
	}
	e.metrics.OffersSubmitted.WithLabelValues(created.Symbol, string(created.Side)).Inc()
	e.log.Debug("offer admitted",
		zap.String("offer_id", created.ID),
		zap.String("symbol", created.Symbol),
		zap.String("side", string(created.Side)),
		zap.Stringer("price", created.Price),
		zap.Stringer("quantity", created.OriginalQuantity))

	res := SubmitResult{Offer: created}
	res.Trades, err = e.Match(ctx, created.Symbol)
	if err != nil {
		return res, err
	}
	if len(res.Trades) > 0 {
		if res.Offer, err = e.conn.Offers.GetOffer(ctx, created.ID); err != nil {
			return res, err
		}
	}
	return res, nil
}
