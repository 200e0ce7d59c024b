// Package store persists orders. Every racy status transition is a single
// conditional UPDATE guarded on the current status; the caller learns from
// the row count whether it won. No explicit locks are taken anywhere.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"dotmarket/internal/models"
)

// ErrNotFound is returned when a referenced order id does not exist.
var ErrNotFound = errors.New("store: order not found")

type Store struct {
	Pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}

const orderColumns = `
	id, seller, buyer, tick,
	amount::text, total_price::text, sell_service_fee::text, sell_pay_price::text,
	sell_hash, cancel_hash, buy_hash, trade_hash, fail_reason,
	status, chain_status,
	created_at, updated_at, listing_at, canceled_at, sold_at`

// CreateOrder inserts a new PENDING order and fills in its assigned id.
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	row := s.Pool.QueryRow(ctx, `
		INSERT INTO orders (
			seller, tick, amount, total_price,
			sell_service_fee, sell_pay_price, sell_hash, status
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id, created_at, updated_at
	`,
		order.Seller,
		order.Tick,
		order.Amount.String(),
		order.TotalPrice.String(),
		order.SellServiceFee.String(),
		order.SellPayPrice.String(),
		order.SellHash,
		order.Status,
	)
	return row.Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt)
}

// GetOrder loads one order by id.
func (s *Store) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, id)
	order, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return order, err
}

// CountActiveBySeller counts the seller's orders still in PENDING or
// CANCELING, the states that block a new listing.
func (s *Store) CountActiveBySeller(ctx context.Context, seller string) (int64, error) {
	var n int64
	err := s.Pool.QueryRow(ctx, `
		SELECT count(*) FROM orders
		WHERE seller=$1 AND status = ANY($2)
	`, seller, []string{string(models.StatusPending), string(models.StatusCanceling)}).Scan(&n)
	return n, err
}

// SetChainStatus writes the per-leg sub-status unconditionally. Sub-status
// updates have a single logical owner per leg and are not racy.
func (s *Store) SetChainStatus(ctx context.Context, id int64, cs models.ChainStatus) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE orders SET chain_status=$2, updated_at=now() WHERE id=$1
	`, id, cs)
	return err
}

// MarkFailed moves an order to FAILED with the chain diagnostic, only if it
// is still in the expected prior status.
func (s *Store) MarkFailed(ctx context.Context, id int64, from models.Status, cs models.ChainStatus, reason string) (bool, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE orders
		SET status=$3, chain_status=$4, fail_reason=$5, updated_at=now()
		WHERE id=$1 AND status=$2
	`, id, from, models.StatusFailed, cs, reason)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

// MarkCanceling transitions LISTING -> CANCELING and records the cancel
// extrinsic hash. Zero rows means the order was concurrently bought or
// already moved on.
func (s *Store) MarkCanceling(ctx context.Context, id int64, cancelHash string) (bool, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE orders
		SET status=$2, cancel_hash=$3, updated_at=now()
		WHERE id=$1 AND status=$4
	`, id, models.StatusCanceling, cancelHash, models.StatusListing)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

// LockForBuy is the buy race-resolution point: LISTING -> LOCKED with the
// winning buyer recorded. The unset-buyer guard keeps a stale retry from
// stealing a lock released and re-won in between.
func (s *Store) LockForBuy(ctx context.Context, id int64, buyer, buyHash string) (bool, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE orders
		SET status=$2, buyer=$3, buy_hash=$4, updated_at=now()
		WHERE id=$1 AND status=$5 AND buyer IS NULL
	`, id, models.StatusLocked, buyer, buyHash, models.StatusListing)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

// ReleaseLock is the compensating transition for a buy payment that failed
// with an insufficient-funds class error: back to LISTING, buyer cleared,
// sub-status cleared, so another buyer may try.
func (s *Store) ReleaseLock(ctx context.Context, id int64) (bool, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE orders
		SET status=$2, buyer=NULL, chain_status=NULL, updated_at=now()
		WHERE id=$1 AND status=$3
	`, id, models.StatusListing, models.StatusLocked)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

// SetTradeHash records the relay extrinsic hash, at most once. A false
// return means a relay was already recorded and must not be re-submitted.
func (s *Store) SetTradeHash(ctx context.Context, id int64, tradeHash string) (bool, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE orders
		SET trade_hash=$2, updated_at=now()
		WHERE id=$1 AND trade_hash IS NULL
	`, id, tradeHash)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

// MarkSold finishes the relay leg: LOCKED -> SOLD / TRADE_BLOCK_CONFIRMED.
func (s *Store) MarkSold(ctx context.Context, id int64) (bool, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE orders
		SET status=$2, chain_status=$3, sold_at=now(), updated_at=now()
		WHERE id=$1 AND status=$4
	`, id, models.StatusSold, models.ChainTradeBlockConfirmed, models.StatusLocked)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

// PromoteListing finishes the sell leg once the token index confirms it:
// PENDING / SELL_BLOCK_CONFIRMED -> LISTING / SELL_INSCRIBE_CONFIRMED.
func (s *Store) PromoteListing(ctx context.Context, id int64) (bool, error) {
	return s.promote(ctx, id,
		models.StatusPending, models.ChainSellBlockConfirmed,
		models.StatusListing, models.ChainSellInscribeConfirmed, "listing_at")
}

// PromoteCanceled finishes the cancel leg:
// CANCELING / CANCEL_BLOCK_CONFIRMED -> CANCELED / CANCEL_INSCRIBE_CONFIRMED.
func (s *Store) PromoteCanceled(ctx context.Context, id int64) (bool, error) {
	return s.promote(ctx, id,
		models.StatusCanceling, models.ChainCancelBlockConfirmed,
		models.StatusCanceled, models.ChainCancelInscribeConfirmed, "canceled_at")
}

// PromoteTradeInscribed finishes the trade leg:
// SOLD / TRADE_BLOCK_CONFIRMED -> SOLD / TRADE_INSCRIBE_CONFIRMED.
func (s *Store) PromoteTradeInscribed(ctx context.Context, id int64) (bool, error) {
	return s.promote(ctx, id,
		models.StatusSold, models.ChainTradeBlockConfirmed,
		models.StatusSold, models.ChainTradeInscribeConfirmed, "")
}

func (s *Store) promote(ctx context.Context, id int64, fromStatus models.Status, fromChain models.ChainStatus, toStatus models.Status, toChain models.ChainStatus, stampColumn string) (bool, error) {
	stamp := ""
	if stampColumn != "" {
		stamp = ", " + stampColumn + "=now()"
	}
	res, err := s.Pool.Exec(ctx, `
		UPDATE orders
		SET status=$4, chain_status=$5, updated_at=now()`+stamp+`
		WHERE id=$1 AND status=$2 AND chain_status=$3
	`, id, fromStatus, fromChain, toStatus, toChain)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

// ListByChainStatus returns every order in a (status, chain status) pair,
// oldest first, for the reconciliation sweeps.
func (s *Store) ListByChainStatus(ctx context.Context, status models.Status, cs models.ChainStatus) ([]*models.Order, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status=$1 AND chain_status=$2
		ORDER BY id ASC
	`, status, cs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

// ListFilter narrows and pages the read-side order listing.
type ListFilter struct {
	Seller   string
	Tick     string
	Statuses []models.Status
	// OrderBy is "price" for ascending unit price, anything else for
	// newest-first.
	OrderBy string
	Limit   int
	Offset  int
}

// ListOrders is the read-side query behind the listing API.
func (s *Store) ListOrders(ctx context.Context, filter ListFilter) ([]*models.Order, int64, error) {
	where := []string{"true"}
	args := []any{}
	if filter.Seller != "" {
		args = append(args, filter.Seller)
		where = append(where, fmt.Sprintf("seller=$%d", len(args)))
	}
	if filter.Tick != "" {
		args = append(args, filter.Tick)
		where = append(where, fmt.Sprintf("tick=$%d", len(args)))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, st := range filter.Statuses {
			statuses = append(statuses, string(st))
		}
		args = append(args, statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int64
	if err := s.Pool.QueryRow(ctx, `SELECT count(*) FROM orders WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	orderBy := "created_at DESC, id DESC"
	if filter.OrderBy == "price" {
		orderBy = "(total_price / amount) ASC, id ASC"
	}
	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	args = append(args, limit, filter.Offset)
	rows, err := s.Pool.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM orders WHERE %s ORDER BY %s LIMIT $%d OFFSET $%d`,
		orderColumns, cond, orderBy, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	orders, err := scanOrders(rows)
	return orders, total, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var order models.Order
	var buyer, sellHash, cancelHash, buyHash, tradeHash, failReason, chainStatus sql.NullString
	var amount, totalPrice, serviceFee, payPrice string
	var listingAt, canceledAt, soldAt sql.NullTime

	err := row.Scan(
		&order.ID, &order.Seller, &buyer, &order.Tick,
		&amount, &totalPrice, &serviceFee, &payPrice,
		&sellHash, &cancelHash, &buyHash, &tradeHash, &failReason,
		&order.Status, &chainStatus,
		&order.CreatedAt, &order.UpdatedAt, &listingAt, &canceledAt, &soldAt,
	)
	if err != nil {
		return nil, err
	}

	if order.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, err
	}
	if order.TotalPrice, err = decimal.NewFromString(totalPrice); err != nil {
		return nil, err
	}
	if order.SellServiceFee, err = decimal.NewFromString(serviceFee); err != nil {
		return nil, err
	}
	if order.SellPayPrice, err = decimal.NewFromString(payPrice); err != nil {
		return nil, err
	}

	order.Buyer = nullString(buyer)
	order.SellHash = nullString(sellHash)
	order.CancelHash = nullString(cancelHash)
	order.BuyHash = nullString(buyHash)
	order.TradeHash = nullString(tradeHash)
	order.FailReason = nullString(failReason)
	if chainStatus.Valid {
		cs := models.ChainStatus(chainStatus.String)
		order.ChainStatus = &cs
	}
	order.ListingAt = nullTime(listingAt)
	order.CanceledAt = nullTime(canceledAt)
	order.SoldAt = nullTime(soldAt)
	return &order, nil
}

func scanOrders(rows pgx.Rows) ([]*models.Order, error) {
	var orders []*models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	return &v.Time
}
