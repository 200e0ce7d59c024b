// Package market is the settlement orchestrator: it validates signed
// settlement requests against business rules, persists orders, drives chain
// submission and applies the resulting state transitions, including the
// compensating ones.
package market

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"dotmarket/internal/chain"
	"dotmarket/internal/models"
	"dotmarket/internal/store"
)

// Store is the slice of the order repository the orchestrator drives.
type Store interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, id int64) (*models.Order, error)
	CountActiveBySeller(ctx context.Context, seller string) (int64, error)
	SetChainStatus(ctx context.Context, id int64, cs models.ChainStatus) error
	MarkFailed(ctx context.Context, id int64, from models.Status, cs models.ChainStatus, reason string) (bool, error)
	MarkCanceling(ctx context.Context, id int64, cancelHash string) (bool, error)
	LockForBuy(ctx context.Context, id int64, buyer, buyHash string) (bool, error)
	ReleaseLock(ctx context.Context, id int64) (bool, error)
	SetTradeHash(ctx context.Context, id int64, tradeHash string) (bool, error)
	MarkSold(ctx context.Context, id int64) (bool, error)
	ListOrders(ctx context.Context, filter store.ListFilter) ([]*models.Order, int64, error)
}

// Gateway submits a signed extrinsic. Empty reason = accepted on chain;
// non-empty reason = the chain rejected it; error = outcome indeterminate.
type Gateway interface {
	Submit(ctx context.Context, ext *chain.SignedExtrinsic) (string, error)
}

// Wallet signs market-account extrinsics.
type Wallet interface {
	Address() string
	SignTokenRelay(ctx context.Context, tick string, amount decimal.Decimal, to string) (*chain.SignedExtrinsic, error)
	SignCancelReturn(ctx context.Context, tick string, amount decimal.Decimal, to string, refund decimal.Decimal) (*chain.SignedExtrinsic, error)
}

// BalanceOracle is the off-chain token index's balance view.
type BalanceOracle interface {
	TokenBalance(ctx context.Context, account, tick string) (decimal.Decimal, error)
}

// Params are the market's commercial parameters, all in chain-native
// integer units except the fee rate.
type Params struct {
	ServiceFeeRate decimal.Decimal
	MinTotalPrice  decimal.Decimal
	// NetworkFee is deducted from the service-fee refund on cancel, so the
	// market never pays gas out of pocket.
	NetworkFee decimal.Decimal
}

type Service struct {
	Store    Store
	Gateway  Gateway
	Wallet   Wallet
	Balances BalanceOracle
	Codec    *chain.Codec
	Params   Params
	Log      *slog.Logger
}

// Receipt is the success payload of every settlement entry point.
type Receipt struct {
	ID   int64  `json:"id"`
	Hash string `json:"hash"`
}

// SellRequest lists tokens for sale: a pre-signed composite transfer moving
// the tokens (plus the service fee) to the market account.
type SellRequest struct {
	Seller          string
	TotalPrice      decimal.Decimal
	SignedExtrinsic []byte
}

// ServiceFee computes ceil(totalPrice * feeRate).
func (p Params) ServiceFee(totalPrice decimal.Decimal) decimal.Decimal {
	return totalPrice.Mul(p.ServiceFeeRate).Ceil()
}

// Refund computes the cancel refund: the fee actually paid on listing minus
// the network-fee deduction, floored at zero.
func (p Params) Refund(sellPayPrice decimal.Decimal) decimal.Decimal {
	refund := sellPayPrice.Sub(p.NetworkFee)
	if refund.Sign() < 0 {
		return decimal.Zero
	}
	return refund
}

// Sell validates and persists a new listing, then submits the seller's
// extrinsic. The order row exists before the chain is touched, so the row is
// the durable record of the outcome.
func (s *Service) Sell(ctx context.Context, req SellRequest) (*Receipt, error) {
	transfer, err := s.Codec.DecodeInscribeTransfer(req.SignedExtrinsic)
	if err != nil {
		return nil, errf(CodeInvalidTransaction, "not a recognized inscribe transfer")
	}
	if transfer.From != req.Seller {
		return nil, errf(CodeInvalidTransaction, "seller %s does not match signer %s", req.Seller, transfer.From)
	}
	if req.TotalPrice.Cmp(s.Params.MinTotalPrice) < 0 {
		return nil, errf(CodeInvalidTransaction, "total price %s below minimum %s", req.TotalPrice, s.Params.MinTotalPrice)
	}
	if transfer.To != s.Wallet.Address() {
		return nil, errf(CodeInvalidTransaction, "transfer destination is not the market account")
	}
	serviceFee := s.Params.ServiceFee(req.TotalPrice)
	if transfer.NativeValue.Cmp(serviceFee) < 0 {
		return nil, errf(CodeInvalidTransaction, "service fee: expected at least %s, got %s", serviceFee, transfer.NativeValue)
	}

	balance, err := s.Balances.TokenBalance(ctx, req.Seller, transfer.Tick)
	if err != nil {
		return nil, err
	}
	if balance.Cmp(transfer.TokenAmount) < 0 {
		return nil, errf(CodeInvalidTransaction, "token balance %s below listed amount %s", balance, transfer.TokenAmount)
	}

	active, err := s.Store.CountActiveBySeller(ctx, req.Seller)
	if err != nil {
		return nil, err
	}
	if active > 0 {
		return nil, errf(CodeExistPendingOrder, "seller %s already has an order in flight", req.Seller)
	}

	sellHash := chain.ExtrinsicHash(req.SignedExtrinsic)
	order := &models.Order{
		Seller:         req.Seller,
		Tick:           transfer.Tick,
		Amount:         transfer.TokenAmount,
		TotalPrice:     req.TotalPrice,
		SellServiceFee: serviceFee,
		SellPayPrice:   transfer.NativeValue,
		SellHash:       &sellHash,
		Status:         models.StatusPending,
	}
	if err := s.Store.CreateOrder(ctx, order); err != nil {
		return nil, err
	}
	log := s.Log.With("order", order.ID, "seller", req.Seller, "tick", transfer.Tick)
	log.Info("listing created", "amount", transfer.TokenAmount, "totalPrice", req.TotalPrice)

	reason, err := s.Gateway.Submit(ctx, &chain.SignedExtrinsic{Bytes: req.SignedExtrinsic, Hash: sellHash})
	if err != nil {
		// Outcome unknown: leave the order in its pre-terminal state for
		// reconciliation or inspection. Never mark it failed.
		log.Error("sell submission outcome unknown", "err", err)
		return nil, err
	}
	if reason != "" {
		if _, err := s.Store.MarkFailed(ctx, order.ID, models.StatusPending, models.ChainSellBlockFailed, reason); err != nil {
			return nil, err
		}
		return nil, errf(CodeTransferFailed, "%s", reason)
	}

	if err := s.Store.SetChainStatus(ctx, order.ID, models.ChainSellBlockConfirmed); err != nil {
		return nil, err
	}
	return &Receipt{ID: order.ID, Hash: sellHash}, nil
}

// Cancel delists an order, returning the tokens and the residual service fee
// to the seller in one market-signed compensating transfer.
func (s *Service) Cancel(ctx context.Context, id int64) (*Receipt, error) {
	order, err := s.Store.GetOrder(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errf(CodeOrderNotFound, "order %d not found", id)
	}
	if err != nil {
		return nil, err
	}

	refund := s.Params.Refund(order.SellPayPrice)
	ext, err := s.Wallet.SignCancelReturn(ctx, order.Tick, order.Amount, order.Seller, refund)
	if err != nil {
		return nil, err
	}

	ok, err := s.Store.MarkCanceling(ctx, id, ext.Hash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errf(CodeOrderStatusError, "order %d is not cancelable", id)
	}
	log := s.Log.With("order", id, "seller", order.Seller)
	log.Info("cancel accepted", "refund", refund, "hash", ext.Hash)

	reason, err := s.Gateway.Submit(ctx, ext)
	if err != nil {
		log.Error("cancel submission outcome unknown", "err", err)
		return nil, err
	}
	if reason != "" {
		if _, err := s.Store.MarkFailed(ctx, id, models.StatusCanceling, models.ChainCancelBlockFailed, reason); err != nil {
			return nil, err
		}
		return nil, errf(CodeTransferFailed, "%s", reason)
	}

	if err := s.Store.SetChainStatus(ctx, id, models.ChainCancelBlockConfirmed); err != nil {
		return nil, err
	}
	return &Receipt{ID: id, Hash: ext.Hash}, nil
}

// Buy locks a listing for the signer, submits the buyer's payment batch and,
// once the payment is on chain, relays the tokens from escrow.
func (s *Service) Buy(ctx context.Context, id int64, signedExtrinsic []byte) (*Receipt, error) {
	batch, err := s.Codec.DecodeBatchTransfer(signedExtrinsic)
	if err != nil {
		return nil, errf(CodeInvalidTransaction, "not a recognized batch transfer")
	}

	order, err := s.Store.GetOrder(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errf(CodeOrderNotFound, "order %d not found", id)
	}
	if err != nil {
		return nil, err
	}

	buyer := batch.From
	if buyer == order.Seller {
		return nil, errf(CodeInvalidTransaction, "buyer and seller are the same account")
	}
	if err := s.validateBuyLegs(order, batch); err != nil {
		return nil, err
	}

	buyHash := chain.ExtrinsicHash(signedExtrinsic)
	ok, err := s.Store.LockForBuy(ctx, id, buyer, buyHash)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Another buy attempt (or a cancel) won the race.
		return nil, errf(CodeOrderStatusError, "order %d is not available", id)
	}
	log := s.Log.With("order", id, "buyer", buyer)
	log.Info("order locked", "hash", buyHash)

	reason, err := s.Gateway.Submit(ctx, &chain.SignedExtrinsic{Bytes: signedExtrinsic, Hash: buyHash})
	if err != nil {
		log.Error("buy submission outcome unknown", "err", err)
		return nil, err
	}
	if reason != "" {
		if isInsufficientFunds(reason) {
			// Compensating transition: release the lock so another buyer
			// may take the listing.
			if _, err := s.Store.ReleaseLock(ctx, id); err != nil {
				return nil, err
			}
			log.Warn("buy payment lacked funds, lock released", "reason", reason)
			return nil, errf(CodeTransferFailed, "%s", reason)
		}
		if _, err := s.Store.MarkFailed(ctx, id, models.StatusLocked, models.ChainBuyBlockFailed, reason); err != nil {
			return nil, err
		}
		return nil, errf(CodeTransferFailed, "%s", reason)
	}

	if err := s.Store.SetChainStatus(ctx, id, models.ChainBuyBlockConfirmed); err != nil {
		return nil, err
	}

	order.Buyer = &buyer
	if err := s.Relay(ctx, order); err != nil {
		return nil, err
	}
	return &Receipt{ID: id, Hash: buyHash}, nil
}

// Relay moves the listed tokens from the market account to the buyer. Safe
// to call repeatedly: the trade hash is recorded at most once, and a
// recorded hash suppresses re-submission. Also driven by the reconciliation
// worker for orders whose buy leg confirmed but whose relay never ran.
func (s *Service) Relay(ctx context.Context, order *models.Order) error {
	if order.TradeHash != nil {
		return nil
	}
	if order.Buyer == nil {
		return errors.New("market: relay without a buyer")
	}

	ext, err := s.Wallet.SignTokenRelay(ctx, order.Tick, order.Amount, *order.Buyer)
	if err != nil {
		return err
	}
	// Record the hash before submitting so a crash mid-submission is
	// observable and cannot double-relay on retry.
	ok, err := s.Store.SetTradeHash(ctx, order.ID, ext.Hash)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	log := s.Log.With("order", order.ID, "buyer", *order.Buyer)
	log.Info("relaying tokens", "hash", ext.Hash)

	reason, err := s.Gateway.Submit(ctx, ext)
	if err != nil {
		log.Error("relay submission outcome unknown", "err", err)
		return err
	}
	if reason != "" {
		if _, err := s.Store.MarkFailed(ctx, order.ID, models.StatusLocked, models.ChainTradeBlockFailed, reason); err != nil {
			return err
		}
		return errf(CodeTransferFailed, "%s", reason)
	}

	if _, err := s.Store.MarkSold(ctx, order.ID); err != nil {
		return err
	}
	return nil
}

// Detail returns one order for the polling UI.
func (s *Service) Detail(ctx context.Context, id int64) (*models.Order, error) {
	order, err := s.Store.GetOrder(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errf(CodeOrderNotFound, "order %d not found", id)
	}
	return order, err
}

// List is the paginated read-side query.
func (s *Service) List(ctx context.Context, filter store.ListFilter) ([]*models.Order, int64, error) {
	return s.Store.ListOrders(ctx, filter)
}

func (s *Service) validateBuyLegs(order *models.Order, batch *chain.BatchTransfer) error {
	var sellerLeg, marketLeg *chain.TransferLeg
	for i := range batch.Transfers {
		leg := &batch.Transfers[i]
		switch leg.To {
		case order.Seller:
			sellerLeg = leg
		case s.Wallet.Address():
			marketLeg = leg
		}
	}
	if sellerLeg == nil {
		return errf(CodeInvalidTransaction, "no transfer to seller %s", order.Seller)
	}
	if marketLeg == nil {
		return errf(CodeInvalidTransaction, "no transfer to market account %s", s.Wallet.Address())
	}
	if sellerLeg.Value.Cmp(order.TotalPrice) < 0 {
		return errf(CodeInvalidTransaction, "seller payment: expected at least %s, got %s", order.TotalPrice, sellerLeg.Value)
	}
	serviceFee := s.Params.ServiceFee(order.TotalPrice)
	if marketLeg.Value.Cmp(serviceFee) < 0 {
		return errf(CodeInvalidTransaction, "service fee: expected at least %s, got %s", serviceFee, marketLeg.Value)
	}
	return nil
}

// insufficientFundsReasons is the chain-error class that triggers the buy
// rollback instead of a terminal failure.
var insufficientFundsReasons = map[string]struct{}{
	"balances.InsufficientBalance":   {},
	"balances.LiquidityRestrictions": {},
	"balances.ExistentialDeposit":    {},
	"balances.KeepAlive":             {},
	"balances.Expendability":         {},
	"token.FundsUnavailable":         {},
}

func isInsufficientFunds(reason string) bool {
	if _, ok := insufficientFundsReasons[reason]; ok {
		return true
	}
	return strings.Contains(reason, "Inability to pay some fees")
}
