package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"dotmarket/internal/chain"
	"dotmarket/internal/models"
)

type sweepStore struct {
	byStatus map[string][]*models.Order

	promotedListing  []int64
	promotedCanceled []int64
	promotedTrade    []int64
	sold             []int64
}

func key(status models.Status, cs models.ChainStatus) string {
	return string(status) + "/" + string(cs)
}

func (s *sweepStore) ListByChainStatus(ctx context.Context, status models.Status, cs models.ChainStatus) ([]*models.Order, error) {
	return s.byStatus[key(status, cs)], nil
}

func (s *sweepStore) PromoteListing(ctx context.Context, id int64) (bool, error) {
	s.promotedListing = append(s.promotedListing, id)
	return true, nil
}

func (s *sweepStore) PromoteCanceled(ctx context.Context, id int64) (bool, error) {
	s.promotedCanceled = append(s.promotedCanceled, id)
	return true, nil
}

func (s *sweepStore) PromoteTradeInscribed(ctx context.Context, id int64) (bool, error) {
	s.promotedTrade = append(s.promotedTrade, id)
	return true, nil
}

func (s *sweepStore) MarkSold(ctx context.Context, id int64) (bool, error) {
	s.sold = append(s.sold, id)
	return true, nil
}

type sweepOracle struct {
	results map[string]chain.DispatchResult
	err     error
}

func (o *sweepOracle) ExtrinsicStatus(ctx context.Context, hash string) (chain.DispatchResult, error) {
	if o.err != nil {
		return chain.DispatchResult{}, o.err
	}
	return o.results[hash], nil
}

type sweepRelayer struct {
	relayed []int64
	err     error
}

func (r *sweepRelayer) Relay(ctx context.Context, order *models.Order) error {
	r.relayed = append(r.relayed, order.ID)
	return r.err
}

func strPtr(s string) *string { return &s }

func newWorker(st *sweepStore, oracle *sweepOracle, relayer *sweepRelayer) *Worker {
	return &Worker{
		Store:   st,
		Oracle:  oracle,
		Relayer: relayer,
		Log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestSweepPromotesInscribedListings(t *testing.T) {
	st := &sweepStore{byStatus: map[string][]*models.Order{
		key(models.StatusPending, models.ChainSellBlockConfirmed): {
			{ID: 1, SellHash: strPtr("0xaa")},
			{ID: 2, SellHash: strPtr("0xbb")},
			{ID: 3}, // no hash recorded, must be skipped
		},
	}}
	oracle := &sweepOracle{results: map[string]chain.DispatchResult{
		"0xaa": {Finalized: true, Success: true},
		"0xbb": {Finalized: false},
	}}
	w := newWorker(st, oracle, &sweepRelayer{})

	w.SweepOnce(context.Background())

	if len(st.promotedListing) != 1 || st.promotedListing[0] != 1 {
		t.Fatalf("promoted: %v", st.promotedListing)
	}
}

func TestSweepPromotesInscribedCancels(t *testing.T) {
	st := &sweepStore{byStatus: map[string][]*models.Order{
		key(models.StatusCanceling, models.ChainCancelBlockConfirmed): {
			{ID: 7, CancelHash: strPtr("0xcc")},
		},
	}}
	oracle := &sweepOracle{results: map[string]chain.DispatchResult{
		"0xcc": {Finalized: true, Success: true},
	}}
	w := newWorker(st, oracle, &sweepRelayer{})

	w.SweepOnce(context.Background())

	if len(st.promotedCanceled) != 1 || st.promotedCanceled[0] != 7 {
		t.Fatalf("promoted: %v", st.promotedCanceled)
	}
}

func TestSweepRedrivesUnsubmittedRelay(t *testing.T) {
	st := &sweepStore{byStatus: map[string][]*models.Order{
		key(models.StatusLocked, models.ChainBuyBlockConfirmed): {
			{ID: 4, Buyer: strPtr("buyer")},
		},
	}}
	relayer := &sweepRelayer{}
	w := newWorker(st, &sweepOracle{}, relayer)

	w.SweepOnce(context.Background())

	if len(relayer.relayed) != 1 || relayer.relayed[0] != 4 {
		t.Fatalf("relayed: %v", relayer.relayed)
	}
	if len(st.sold) != 0 {
		t.Fatalf("nothing may be marked sold: %v", st.sold)
	}
}

func TestSweepResolvesSubmittedRelay(t *testing.T) {
	st := &sweepStore{byStatus: map[string][]*models.Order{
		key(models.StatusLocked, models.ChainBuyBlockConfirmed): {
			{ID: 5, Buyer: strPtr("buyer"), TradeHash: strPtr("0xdd")},
		},
	}}
	oracle := &sweepOracle{results: map[string]chain.DispatchResult{
		"0xdd": {Finalized: true, Success: true},
	}}
	relayer := &sweepRelayer{}
	w := newWorker(st, oracle, relayer)

	w.SweepOnce(context.Background())

	if len(relayer.relayed) != 0 {
		t.Fatalf("submitted relay must not be re-driven: %v", relayer.relayed)
	}
	if len(st.sold) != 1 || st.sold[0] != 5 {
		t.Fatalf("sold: %v", st.sold)
	}
}

func TestSweepLeavesUnconfirmedRelayAlone(t *testing.T) {
	st := &sweepStore{byStatus: map[string][]*models.Order{
		key(models.StatusLocked, models.ChainBuyBlockConfirmed): {
			{ID: 6, Buyer: strPtr("buyer"), TradeHash: strPtr("0xee")},
		},
	}}
	oracle := &sweepOracle{results: map[string]chain.DispatchResult{
		"0xee": {Finalized: false},
	}}
	w := newWorker(st, oracle, &sweepRelayer{})

	w.SweepOnce(context.Background())

	if len(st.sold) != 0 {
		t.Fatalf("unconfirmed relay must stay LOCKED: %v", st.sold)
	}
}

func TestSweepPromotesInscribedTrades(t *testing.T) {
	st := &sweepStore{byStatus: map[string][]*models.Order{
		key(models.StatusSold, models.ChainTradeBlockConfirmed): {
			{ID: 9, TradeHash: strPtr("0xff")},
		},
	}}
	oracle := &sweepOracle{results: map[string]chain.DispatchResult{
		"0xff": {Finalized: true, Success: true},
	}}
	w := newWorker(st, oracle, &sweepRelayer{})

	w.SweepOnce(context.Background())

	if len(st.promotedTrade) != 1 || st.promotedTrade[0] != 9 {
		t.Fatalf("promoted: %v", st.promotedTrade)
	}
}

func TestSweepSurvivesOracleErrors(t *testing.T) {
	st := &sweepStore{byStatus: map[string][]*models.Order{
		key(models.StatusPending, models.ChainSellBlockConfirmed): {
			{ID: 1, SellHash: strPtr("0xaa")},
		},
		key(models.StatusLocked, models.ChainBuyBlockConfirmed): {
			{ID: 2, Buyer: strPtr("buyer")},
		},
	}}
	relayer := &sweepRelayer{}
	w := newWorker(st, &sweepOracle{err: errors.New("index down")}, relayer)

	w.SweepOnce(context.Background())

	if len(st.promotedListing) != 0 {
		t.Fatalf("promoted despite oracle error: %v", st.promotedListing)
	}
	// The relay re-drive does not consult the oracle and must still run.
	if len(relayer.relayed) != 1 {
		t.Fatalf("relayed: %v", relayer.relayed)
	}
}
