package http

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"dotmarket/internal/market"
	"dotmarket/internal/models"
	"dotmarket/internal/store"
)

type Handler struct {
	Market *market.Service
}

func NewHandler(svc *market.Service) *Handler {
	return &Handler{Market: svc}
}

type sellRequest struct {
	Seller          string `json:"seller"`
	TotalPrice      string `json:"totalPrice"`
	SignedExtrinsic string `json:"signedExtrinsic"`
}

type buyRequest struct {
	SignedExtrinsic string `json:"signedExtrinsic"`
}

type orderResponse struct {
	ID             int64  `json:"id"`
	Seller         string `json:"seller"`
	Buyer          string `json:"buyer,omitempty"`
	Tick           string `json:"tick"`
	Amount         string `json:"amount"`
	TotalPrice     string `json:"totalPrice"`
	SellServiceFee string `json:"sellServiceFee"`
	Status         string `json:"status"`
	ChainStatus    string `json:"chainStatus,omitempty"`
	SellHash       string `json:"sellHash,omitempty"`
	CancelHash     string `json:"cancelHash,omitempty"`
	BuyHash        string `json:"buyHash,omitempty"`
	TradeHash      string `json:"tradeHash,omitempty"`
	FailReason     string `json:"failReason,omitempty"`
	CreatedAt      string `json:"createdAt"`
	ListingAt      string `json:"listingAt,omitempty"`
	CanceledAt     string `json:"canceledAt,omitempty"`
	SoldAt         string `json:"soldAt,omitempty"`
}

type listResponse struct {
	Total  int64            `json:"total"`
	Orders []*orderResponse `json:"orders"`
}

func (h *Handler) Sell(w http.ResponseWriter, r *http.Request) {
	var req sellRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(market.CodeInvalidTransaction), "invalid json body")
		return
	}
	totalPrice, err := decimal.NewFromString(req.TotalPrice)
	if err != nil {
		writeError(w, http.StatusBadRequest, string(market.CodeInvalidTransaction), "invalid total price")
		return
	}
	blob, err := decodeHexBlob(req.SignedExtrinsic)
	if err != nil {
		writeError(w, http.StatusBadRequest, string(market.CodeInvalidTransaction), "invalid signed extrinsic")
		return
	}

	receipt, err := h.Market.Sell(r.Context(), market.SellRequest{
		Seller:          req.Seller,
		TotalPrice:      totalPrice,
		SignedExtrinsic: blob,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (h *Handler) Buy(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	var req buyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(market.CodeInvalidTransaction), "invalid json body")
		return
	}
	blob, err := decodeHexBlob(req.SignedExtrinsic)
	if err != nil {
		writeError(w, http.StatusBadRequest, string(market.CodeInvalidTransaction), "invalid signed extrinsic")
		return
	}

	receipt, err := h.Market.Buy(r.Context(), id, blob)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	receipt, err := h.Market.Cancel(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	order, err := h.Market.Detail(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ListFilter{
		Seller:  q.Get("seller"),
		Tick:    strings.ToLower(q.Get("tick")),
		OrderBy: q.Get("orderBy"),
	}
	if raw := q.Get("status"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			filter.Statuses = append(filter.Statuses, models.Status(strings.ToUpper(strings.TrimSpace(st))))
		}
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))

	orders, total, err := h.Market.List(r.Context(), filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	resp := listResponse{Total: total, Orders: make([]*orderResponse, 0, len(orders))}
	for _, order := range orders {
		resp.Orders = append(resp.Orders, toOrderResponse(order))
	}
	writeJSON(w, http.StatusOK, resp)
}

func orderID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "orderId"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, string(market.CodeOrderNotFound), "invalid order id")
		return 0, false
	}
	return id, true
}

func decodeHexBlob(raw string) ([]byte, error) {
	blob, err := hex.DecodeString(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return nil, err
	}
	return blob, nil
}

// writeServiceError maps a business error to its HTTP status; anything else
// is an internal fault and stays opaque to the caller.
func writeServiceError(w http.ResponseWriter, err error) {
	bizErr, ok := market.AsError(err)
	if !ok {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}
	status := http.StatusInternalServerError
	switch bizErr.Code {
	case market.CodeInvalidTransaction:
		status = http.StatusBadRequest
	case market.CodeOrderNotFound:
		status = http.StatusNotFound
	case market.CodeExistPendingOrder, market.CodeOrderStatusError:
		status = http.StatusConflict
	case market.CodeTransferFailed:
		status = http.StatusUnprocessableEntity
	}
	writeError(w, status, string(bizErr.Code), bizErr.Message)
}

func toOrderResponse(order *models.Order) *orderResponse {
	resp := &orderResponse{
		ID:             order.ID,
		Seller:         order.Seller,
		Tick:           order.Tick,
		Amount:         order.Amount.String(),
		TotalPrice:     order.TotalPrice.String(),
		SellServiceFee: order.SellServiceFee.String(),
		Status:         string(order.Status),
		CreatedAt:      order.CreatedAt.Format(time.RFC3339),
	}
	if order.Buyer != nil {
		resp.Buyer = *order.Buyer
	}
	if order.ChainStatus != nil {
		resp.ChainStatus = string(*order.ChainStatus)
	}
	if order.SellHash != nil {
		resp.SellHash = *order.SellHash
	}
	if order.CancelHash != nil {
		resp.CancelHash = *order.CancelHash
	}
	if order.BuyHash != nil {
		resp.BuyHash = *order.BuyHash
	}
	if order.TradeHash != nil {
		resp.TradeHash = *order.TradeHash
	}
	if order.FailReason != nil {
		resp.FailReason = *order.FailReason
	}
	if order.ListingAt != nil {
		resp.ListingAt = order.ListingAt.Format(time.RFC3339)
	}
	if order.CanceledAt != nil {
		resp.CanceledAt = order.CanceledAt.Format(time.RFC3339)
	}
	if order.SoldAt != nil {
		resp.SoldAt = order.SoldAt.Format(time.RFC3339)
	}
	return resp
}
