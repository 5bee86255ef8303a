// Package handlers exposes the trading HTTP API. Handlers stay thin: decode,
// delegate to the service, map domain errors onto stable error codes.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/liuzhixin405/netcorespot-sub000/internal/engine"
	"github.com/liuzhixin405/netcorespot-sub000/internal/ledger"
	"github.com/liuzhixin405/netcorespot-sub000/internal/market"
	"github.com/liuzhixin405/netcorespot-sub000/internal/orderstore"
	"github.com/liuzhixin405/netcorespot-sub000/internal/service"
)

// userIDHeader carries the authenticated caller's id, stamped by the edge
// gateway in front of this service.
const userIDHeader = "X-User-ID"

type TradeService interface {
	PlaceOrder(ctx context.Context, in service.PlaceOrderInput) (*orderstore.Order, error)
	CancelOrder(ctx context.Context, userID, orderID int64) (*orderstore.Order, error)
	GetOrder(ctx context.Context, userID, orderID int64) (*orderstore.Order, error)
	ListOrders(ctx context.Context, userID int64, symbol string, limit, offset int) ([]*orderstore.Order, error)
	ListTrades(ctx context.Context, symbol string, limit int) ([]*orderstore.Trade, error)
	GetDepth(ctx context.Context, symbol string, limit int) (*engine.Depth, error)
	LastPrice(ctx context.Context, symbol string) (decimal.Decimal, bool, error)
	GetBalances(ctx context.Context, userID int64) ([]ledger.Balance, error)
	Deposit(ctx context.Context, userID int64, asset string, amount decimal.Decimal) (ledger.Balance, error)
}

type Handler struct {
	Service TradeService
	Logger  *slog.Logger
}

func New(svc TradeService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Service: svc, Logger: logger}
}

func (h *Handler) Register(r *gin.Engine) {
	v1 := r.Group("/v1")
	v1.POST("/orders", h.PlaceOrder)
	v1.GET("/orders", h.ListOrders)
	v1.GET("/orders/:id", h.GetOrder)
	v1.DELETE("/orders/:id", h.CancelOrder)
	v1.GET("/trades", h.ListTrades)
	v1.GET("/depth", h.GetDepth)
	v1.GET("/ticker/:symbol", h.GetTicker)
	v1.GET("/balances", h.GetBalances)
	v1.POST("/deposits", h.Deposit)
}

type placeOrderRequest struct {
	Symbol   string `json:"symbol"`
	Side     string `json:"side"`
	Type     string `json:"type"`
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
}

type orderResponse struct {
	OrderID   int64  `json:"order_id"`
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	Type      string `json:"type"`
	Price     string `json:"price,omitempty"`
	Quantity  string `json:"quantity"`
	Filled    string `json:"filled"`
	AvgPrice  string `json:"avg_price"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type balanceResponse struct {
	Asset     string `json:"asset"`
	Available string `json:"available"`
	Frozen    string `json:"frozen"`
	Total     string `json:"total"`
}

type tradeResponse struct {
	TradeID    int64  `json:"trade_id"`
	Symbol     string `json:"symbol"`
	Price      string `json:"price"`
	Quantity   string `json:"quantity"`
	ExecutedAt string `json:"executed_at"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) PlaceOrder(c *gin.Context) {
	userID, ok := userIDFrom(c)
	if !ok {
		return
	}

	var req placeOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}

	qty, err := decimal.NewFromString(strings.TrimSpace(req.Quantity))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid quantity")
		return
	}
	price := decimal.Zero
	if strings.TrimSpace(req.Price) != "" {
		if price, err = decimal.NewFromString(strings.TrimSpace(req.Price)); err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid price")
			return
		}
	}

	order, err := h.Service.PlaceOrder(c.Request.Context(), service.PlaceOrderInput{
		UserID:   userID,
		Symbol:   strings.ToUpper(strings.TrimSpace(req.Symbol)),
		Side:     strings.ToLower(strings.TrimSpace(req.Side)),
		Type:     strings.ToLower(strings.TrimSpace(req.Type)),
		Price:    price,
		Quantity: qty,
	})
	if err != nil {
		h.writeOrderError(c, order, err)
		return
	}
	c.JSON(http.StatusCreated, toOrderResponse(order))
}

func (h *Handler) writeOrderError(c *gin.Context, order *orderstore.Order, err error) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		// The rejected order is persisted; return its id with the error.
		resp := gin.H{"code": "INSUFFICIENT_BALANCE", "message": "insufficient balance"}
		if order != nil {
			resp["order_id"] = order.ID
		}
		c.JSON(http.StatusUnprocessableEntity, resp)
	case errors.Is(err, market.ErrUnknownSymbol):
		writeError(c, http.StatusBadRequest, "UNKNOWN_SYMBOL", err.Error())
	case errors.Is(err, engine.ErrInvalidSide),
		errors.Is(err, engine.ErrInvalidType),
		errors.Is(err, engine.ErrInvalidQuantity),
		errors.Is(err, engine.ErrInvalidPrice),
		errors.Is(err, engine.ErrAmountTooLarge),
		errors.Is(err, engine.ErrPriceOnMarket),
		errors.Is(err, engine.ErrNoReferencePrice):
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	default:
		h.Logger.Error("place order", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
	}
}

func (h *Handler) CancelOrder(c *gin.Context) {
	userID, ok := userIDFrom(c)
	if !ok {
		return
	}
	orderID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid order id")
		return
	}

	order, err := h.Service.CancelOrder(c.Request.Context(), userID, orderID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, toOrderResponse(order))
	case errors.Is(err, service.ErrOrderNotFound), errors.Is(err, orderstore.ErrOrderNotFound), errors.Is(err, engine.ErrNotOrderOwner):
		writeError(c, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found")
	case errors.Is(err, engine.ErrNotCancellable):
		writeError(c, http.StatusConflict, "NOT_CANCELLABLE", err.Error())
	default:
		h.Logger.Error("cancel order", "order_id", orderID, "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
	}
}

func (h *Handler) GetOrder(c *gin.Context) {
	userID, ok := userIDFrom(c)
	if !ok {
		return
	}
	orderID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid order id")
		return
	}

	order, err := h.Service.GetOrder(c.Request.Context(), userID, orderID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, toOrderResponse(order))
	case errors.Is(err, service.ErrOrderNotFound):
		writeError(c, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found")
	default:
		h.Logger.Error("get order", "order_id", orderID, "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
	}
}

func (h *Handler) ListOrders(c *gin.Context) {
	userID, ok := userIDFrom(c)
	if !ok {
		return
	}
	symbol := strings.ToUpper(strings.TrimSpace(c.Query("symbol")))
	limit := intQuery(c, "limit", 100)
	offset := intQuery(c, "offset", 0)

	orders, err := h.Service.ListOrders(c.Request.Context(), userID, symbol, limit, offset)
	if err != nil {
		if errors.Is(err, market.ErrUnknownSymbol) {
			writeError(c, http.StatusBadRequest, "UNKNOWN_SYMBOL", err.Error())
			return
		}
		h.Logger.Error("list orders", "user_id", userID, "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		return
	}

	items := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		items = append(items, toOrderResponse(o))
	}
	c.JSON(http.StatusOK, gin.H{"orders": items})
}

func (h *Handler) ListTrades(c *gin.Context) {
	symbol := strings.ToUpper(strings.TrimSpace(c.Query("symbol")))
	limit := intQuery(c, "limit", 100)

	trades, err := h.Service.ListTrades(c.Request.Context(), symbol, limit)
	if err != nil {
		if errors.Is(err, market.ErrUnknownSymbol) {
			writeError(c, http.StatusBadRequest, "UNKNOWN_SYMBOL", err.Error())
			return
		}
		h.Logger.Error("list trades", "symbol", symbol, "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		return
	}

	items := make([]tradeResponse, 0, len(trades))
	for _, t := range trades {
		items = append(items, tradeResponse{
			TradeID:    t.ID,
			Symbol:     t.Symbol,
			Price:      t.Price.String(),
			Quantity:   t.Quantity.String(),
			ExecutedAt: t.ExecutedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	c.JSON(http.StatusOK, gin.H{"trades": items})
}

func (h *Handler) GetDepth(c *gin.Context) {
	symbol := strings.ToUpper(strings.TrimSpace(c.Query("symbol")))
	limit := intQuery(c, "limit", 20)

	depth, err := h.Service.GetDepth(c.Request.Context(), symbol, limit)
	if err != nil {
		if errors.Is(err, market.ErrUnknownSymbol) {
			writeError(c, http.StatusBadRequest, "UNKNOWN_SYMBOL", err.Error())
			return
		}
		h.Logger.Error("get depth", "symbol", symbol, "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		return
	}
	c.JSON(http.StatusOK, depth)
}

func (h *Handler) GetTicker(c *gin.Context) {
	symbol := strings.ToUpper(strings.TrimSpace(c.Param("symbol")))
	last, ok, err := h.Service.LastPrice(c.Request.Context(), symbol)
	if err != nil {
		if errors.Is(err, market.ErrUnknownSymbol) {
			writeError(c, http.StatusBadRequest, "UNKNOWN_SYMBOL", err.Error())
			return
		}
		h.Logger.Error("get ticker", "symbol", symbol, "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		return
	}
	resp := gin.H{"symbol": symbol, "has_traded": ok}
	if ok {
		resp["last_price"] = last.String()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) GetBalances(c *gin.Context) {
	userID, ok := userIDFrom(c)
	if !ok {
		return
	}
	balances, err := h.Service.GetBalances(c.Request.Context(), userID)
	if err != nil {
		h.Logger.Error("get balances", "user_id", userID, "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		return
	}

	items := make([]balanceResponse, 0, len(balances))
	for _, b := range balances {
		items = append(items, balanceResponse{
			Asset:     b.Asset,
			Available: b.Available.String(),
			Frozen:    b.Frozen.String(),
			Total:     b.Total().String(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"balances": items})
}

type depositRequest struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

func (h *Handler) Deposit(c *gin.Context) {
	userID, ok := userIDFrom(c)
	if !ok {
		return
	}
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid amount")
		return
	}

	b, err := h.Service.Deposit(c.Request.Context(), userID, strings.ToUpper(strings.TrimSpace(req.Asset)), amount)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, balanceResponse{
			Asset:     b.Asset,
			Available: b.Available.String(),
			Frozen:    b.Frozen.String(),
			Total:     b.Total().String(),
		})
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrInvalidAsset):
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	default:
		h.Logger.Error("deposit", "user_id", userID, "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
	}
}

func toOrderResponse(o *orderstore.Order) orderResponse {
	resp := orderResponse{
		OrderID:   o.ID,
		Symbol:    o.Symbol,
		Side:      o.Side,
		Type:      o.Type,
		Quantity:  o.Quantity.String(),
		Filled:    o.Filled.String(),
		AvgPrice:  o.AvgPrice.String(),
		Status:    o.Status,
		CreatedAt: o.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt: o.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if o.Type == orderstore.TypeLimit {
		resp.Price = o.Price.String()
	}
	return resp
}

func userIDFrom(c *gin.Context) (int64, bool) {
	raw := strings.TrimSpace(c.GetHeader(userIDHeader))
	if raw == "" {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing "+userIDHeader+" header")
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "invalid "+userIDHeader+" header")
		return 0, false
	}
	return id, true
}

func intQuery(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, errorResponse{Code: code, Message: message})
}
