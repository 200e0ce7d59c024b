// Package worker runs the reconciliation sweeps that finish what the
// request path started: promoting orders once the token index confirms an
// inscription, and re-driving relays that never completed.
package worker

import (
	"context"
	"log/slog"
	"time"

	"dotmarket/internal/chain"
	"dotmarket/internal/models"
)

// Store is the repository slice the sweeps read and promote through.
type Store interface {
	ListByChainStatus(ctx context.Context, status models.Status, cs models.ChainStatus) ([]*models.Order, error)
	PromoteListing(ctx context.Context, id int64) (bool, error)
	PromoteCanceled(ctx context.Context, id int64) (bool, error)
	PromoteTradeInscribed(ctx context.Context, id int64) (bool, error)
	MarkSold(ctx context.Context, id int64) (bool, error)
}

// StatusOracle reports whether the token index has observed an extrinsic.
type StatusOracle interface {
	ExtrinsicStatus(ctx context.Context, hash string) (chain.DispatchResult, error)
}

// Relayer re-drives the token relay for orders stuck after a confirmed buy.
type Relayer interface {
	Relay(ctx context.Context, order *models.Order) error
}

type Worker struct {
	Store    Store
	Oracle   StatusOracle
	Relayer  Relayer
	Interval time.Duration
	Log      *slog.Logger
}

// Run sweeps until the context is canceled. Each pass is independent;
// per-order errors are logged and the sweep moves on.
func (w *Worker) Run(ctx context.Context) {
	interval := w.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		w.SweepOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SweepOnce runs every sweep one time, in dependency order: relays before
// trade promotion, so a relay finished this pass can promote next pass.
func (w *Worker) SweepOnce(ctx context.Context) {
	w.sweepSellInscribed(ctx)
	w.sweepCancelInscribed(ctx)
	w.sweepPendingRelays(ctx)
	w.sweepTradeInscribed(ctx)
}

// sweepSellInscribed promotes PENDING orders to LISTING once the index has
// inscribed the sell transfer.
func (w *Worker) sweepSellInscribed(ctx context.Context) {
	orders, err := w.Store.ListByChainStatus(ctx, models.StatusPending, models.ChainSellBlockConfirmed)
	if err != nil {
		w.Log.Error("sell sweep: list", "err", err)
		return
	}
	for _, order := range orders {
		if order.SellHash == nil {
			continue
		}
		if !w.inscribed(ctx, "sell sweep", order.ID, *order.SellHash) {
			continue
		}
		if _, err := w.Store.PromoteListing(ctx, order.ID); err != nil {
			w.Log.Error("sell sweep: promote", "order", order.ID, "err", err)
			continue
		}
		w.Log.Info("order listed", "order", order.ID, "tick", order.Tick)
	}
}

// sweepCancelInscribed promotes CANCELING orders to CANCELED once the index
// has inscribed the return transfer.
func (w *Worker) sweepCancelInscribed(ctx context.Context) {
	orders, err := w.Store.ListByChainStatus(ctx, models.StatusCanceling, models.ChainCancelBlockConfirmed)
	if err != nil {
		w.Log.Error("cancel sweep: list", "err", err)
		return
	}
	for _, order := range orders {
		if order.CancelHash == nil {
			continue
		}
		if !w.inscribed(ctx, "cancel sweep", order.ID, *order.CancelHash) {
			continue
		}
		if _, err := w.Store.PromoteCanceled(ctx, order.ID); err != nil {
			w.Log.Error("cancel sweep: promote", "order", order.ID, "err", err)
			continue
		}
		w.Log.Info("order canceled", "order", order.ID)
	}
}

// sweepPendingRelays re-drives LOCKED orders whose buy leg confirmed but
// whose relay never finished, typically after a crash between the payment
// and the relay submission.
func (w *Worker) sweepPendingRelays(ctx context.Context) {
	orders, err := w.Store.ListByChainStatus(ctx, models.StatusLocked, models.ChainBuyBlockConfirmed)
	if err != nil {
		w.Log.Error("relay sweep: list", "err", err)
		return
	}
	for _, order := range orders {
		if order.TradeHash != nil {
			// The relay was submitted before the crash. Confirm it through
			// the index instead of submitting again.
			w.resolveSubmittedRelay(ctx, order)
			continue
		}
		if err := w.Relayer.Relay(ctx, order); err != nil {
			w.Log.Error("relay sweep: relay", "order", order.ID, "err", err)
		}
	}
}

func (w *Worker) resolveSubmittedRelay(ctx context.Context, order *models.Order) {
	res, err := w.Oracle.ExtrinsicStatus(ctx, *order.TradeHash)
	if err != nil {
		w.Log.Error("relay sweep: status", "order", order.ID, "err", err)
		return
	}
	if !res.Finalized || !res.Success {
		return
	}
	if _, err := w.Store.MarkSold(ctx, order.ID); err != nil {
		w.Log.Error("relay sweep: mark sold", "order", order.ID, "err", err)
		return
	}
	w.Log.Info("order sold", "order", order.ID, "hash", *order.TradeHash)
}

// sweepTradeInscribed records the final inscription of the relay on SOLD
// orders.
func (w *Worker) sweepTradeInscribed(ctx context.Context) {
	orders, err := w.Store.ListByChainStatus(ctx, models.StatusSold, models.ChainTradeBlockConfirmed)
	if err != nil {
		w.Log.Error("trade sweep: list", "err", err)
		return
	}
	for _, order := range orders {
		if order.TradeHash == nil {
			continue
		}
		if !w.inscribed(ctx, "trade sweep", order.ID, *order.TradeHash) {
			continue
		}
		if _, err := w.Store.PromoteTradeInscribed(ctx, order.ID); err != nil {
			w.Log.Error("trade sweep: promote", "order", order.ID, "err", err)
		}
	}
}

// inscribed reports whether hash is finalized and successful per the index.
func (w *Worker) inscribed(ctx context.Context, sweep string, id int64, hash string) bool {
	res, err := w.Oracle.ExtrinsicStatus(ctx, hash)
	if err != nil {
		w.Log.Error(sweep+": status", "order", id, "err", err)
		return false
	}
	return res.Finalized && res.Success
}
