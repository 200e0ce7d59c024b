package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the business lifecycle of an order.
//
// PENDING -> LISTING -> (LOCKED -> SOLD) | CANCELING -> CANCELED, with FAILED
// reachable from any in-flight state on a non-recoverable chain error.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusListing   Status = "LISTING"
	StatusLocked    Status = "LOCKED"
	StatusSold      Status = "SOLD"
	StatusCanceling Status = "CANCELING"
	StatusCanceled  Status = "CANCELED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusSold || s == StatusCanceled || s == StatusFailed
}

// ChainStatus tracks per-leg confirmation depth, orthogonal to Status.
// "Block confirmed" means the extrinsic landed in a finalized block;
// "inscribe confirmed" means the off-chain token index observed the effect.
type ChainStatus string

const (
	ChainSellBlockConfirmed    ChainStatus = "SELL_BLOCK_CONFIRMED"
	ChainSellInscribeConfirmed ChainStatus = "SELL_INSCRIBE_CONFIRMED"
	ChainSellBlockFailed       ChainStatus = "SELL_BLOCK_FAILED"

	ChainCancelBlockConfirmed    ChainStatus = "CANCEL_BLOCK_CONFIRMED"
	ChainCancelInscribeConfirmed ChainStatus = "CANCEL_INSCRIBE_CONFIRMED"
	ChainCancelBlockFailed       ChainStatus = "CANCEL_BLOCK_FAILED"

	ChainBuyBlockConfirmed ChainStatus = "BUY_BLOCK_CONFIRMED"
	ChainBuyBlockFailed    ChainStatus = "BUY_BLOCK_FAILED"

	ChainTradeBlockConfirmed    ChainStatus = "TRADE_BLOCK_CONFIRMED"
	ChainTradeInscribeConfirmed ChainStatus = "TRADE_INSCRIBE_CONFIRMED"
	ChainTradeBlockFailed       ChainStatus = "TRADE_BLOCK_FAILED"
)

// Order is the persisted marketplace order. Amount and TotalPrice are
// chain-native fixed-point integers (planck) and immutable once created;
// only status, chain hashes and sub-status change afterwards.
type Order struct {
	ID     int64
	Seller string
	Buyer  *string

	Tick           string
	Amount         decimal.Decimal
	TotalPrice     decimal.Decimal
	SellServiceFee decimal.Decimal
	SellPayPrice   decimal.Decimal

	SellHash   *string
	CancelHash *string
	BuyHash    *string
	TradeHash  *string
	FailReason *string

	Status      Status
	ChainStatus *ChainStatus

	CreatedAt  time.Time
	UpdatedAt  time.Time
	ListingAt  *time.Time
	CanceledAt *time.Time
	SoldAt     *time.Time
}
