package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/liuzhixin405/netcorespot-sub000/internal/engine"
	"github.com/liuzhixin405/netcorespot-sub000/internal/ledger"
	"github.com/liuzhixin405/netcorespot-sub000/internal/orderstore"
	"github.com/liuzhixin405/netcorespot-sub000/internal/service"
)

type fakeService struct {
	placeErr   error
	placed     *orderstore.Order
	cancelErr  error
	getErr     error
	order      *orderstore.Order
	balances   []ledger.Balance
	lastPlaced service.PlaceOrderInput
}

func (f *fakeService) PlaceOrder(_ context.Context, in service.PlaceOrderInput) (*orderstore.Order, error) {
	f.lastPlaced = in
	return f.placed, f.placeErr
}

func (f *fakeService) CancelOrder(_ context.Context, userID, orderID int64) (*orderstore.Order, error) {
	return f.order, f.cancelErr
}

func (f *fakeService) GetOrder(_ context.Context, userID, orderID int64) (*orderstore.Order, error) {
	return f.order, f.getErr
}

func (f *fakeService) ListOrders(context.Context, int64, string, int, int) ([]*orderstore.Order, error) {
	if f.order == nil {
		return nil, nil
	}
	return []*orderstore.Order{f.order}, nil
}

func (f *fakeService) ListTrades(context.Context, string, int) ([]*orderstore.Trade, error) {
	return nil, nil
}

func (f *fakeService) GetDepth(context.Context, string, int) (*engine.Depth, error) {
	return &engine.Depth{Symbol: "BTC-USDT"}, nil
}

func (f *fakeService) LastPrice(context.Context, string) (decimal.Decimal, bool, error) {
	return decimal.Zero, false, nil
}

func (f *fakeService) GetBalances(context.Context, int64) ([]ledger.Balance, error) {
	return f.balances, nil
}

func (f *fakeService) Deposit(_ context.Context, _ int64, asset string, amount decimal.Decimal) (ledger.Balance, error) {
	return ledger.Balance{Asset: asset, Available: amount}, nil
}

func newRouter(svc *fakeService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	New(svc, nil).Register(r)
	return r
}

func sampleOrder() *orderstore.Order {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	return &orderstore.Order{
		ID: 1, UserID: 1, Symbol: "BTC-USDT",
		Side: orderstore.SideBuy, Type: orderstore.TypeLimit,
		Price: decimal.RequireFromString("100"), Quantity: decimal.RequireFromString("2"),
		Filled: decimal.Zero, AvgPrice: decimal.Zero,
		Status: orderstore.StatusActive, CreatedAt: now, UpdatedAt: now,
	}
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID != "" {
		req.Header.Set(userIDHeader, userID)
	}
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestPlaceOrderReturnsCreated(t *testing.T) {
	svc := &fakeService{placed: sampleOrder()}
	r := newRouter(svc)

	w := doJSON(t, r, http.MethodPost, "/v1/orders", "1", gin.H{
		"symbol": "btc-usdt", "side": "BUY", "type": "Limit",
		"price": "100", "quantity": "2",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}

	// Handler normalizes casing before the service sees the request.
	if svc.lastPlaced.Symbol != "BTC-USDT" || svc.lastPlaced.Side != "buy" || svc.lastPlaced.Type != "limit" {
		t.Fatalf("request not normalized: %+v", svc.lastPlaced)
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != orderstore.StatusActive {
		t.Fatalf("response %v", resp)
	}
}

func TestPlaceOrderRequiresUser(t *testing.T) {
	r := newRouter(&fakeService{})
	w := doJSON(t, r, http.MethodPost, "/v1/orders", "", gin.H{"symbol": "BTC-USDT"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status %d", w.Code)
	}
}

func TestPlaceOrderMapsInsufficientBalance(t *testing.T) {
	rejected := sampleOrder()
	rejected.Status = orderstore.StatusRejected
	svc := &fakeService{placed: rejected, placeErr: fmt.Errorf("freeze: %w", ledger.ErrInsufficientBalance)}
	r := newRouter(svc)

	w := doJSON(t, r, http.MethodPost, "/v1/orders", "1", gin.H{
		"symbol": "BTC-USDT", "side": "buy", "type": "limit",
		"price": "100", "quantity": "2",
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["code"] != "INSUFFICIENT_BALANCE" {
		t.Fatalf("code %v", resp["code"])
	}
	if resp["order_id"] == nil {
		t.Fatalf("rejected order id missing: %v", resp)
	}
}

func TestPlaceOrderRejectsMalformedQuantity(t *testing.T) {
	r := newRouter(&fakeService{})
	w := doJSON(t, r, http.MethodPost, "/v1/orders", "1", gin.H{
		"symbol": "BTC-USDT", "side": "buy", "type": "limit",
		"price": "100", "quantity": "two",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status %d", w.Code)
	}
}

func TestCancelOrderMapsNotCancellable(t *testing.T) {
	svc := &fakeService{cancelErr: fmt.Errorf("%w: status filled", engine.ErrNotCancellable)}
	r := newRouter(svc)

	w := doJSON(t, r, http.MethodDelete, "/v1/orders/1", "1", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
}

func TestGetOrderMapsNotFound(t *testing.T) {
	svc := &fakeService{getErr: service.ErrOrderNotFound}
	r := newRouter(svc)

	w := doJSON(t, r, http.MethodGet, "/v1/orders/42", "1", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status %d", w.Code)
	}
	var resp errorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Code != "ORDER_NOT_FOUND" {
		t.Fatalf("code %s", resp.Code)
	}
}

func TestGetBalancesRendersTotals(t *testing.T) {
	svc := &fakeService{balances: []ledger.Balance{{
		Asset: "BTC", Available: decimal.RequireFromString("1.5"), Frozen: decimal.RequireFromString("0.5"),
	}}}
	r := newRouter(svc)

	w := doJSON(t, r, http.MethodGet, "/v1/balances", "1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	var resp struct {
		Balances []balanceResponse `json:"balances"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Balances) != 1 || resp.Balances[0].Total != "2" {
		t.Fatalf("balances %+v", resp.Balances)
	}
}

func TestDepositRejectsInvalidAmount(t *testing.T) {
	r := newRouter(&fakeService{})
	w := doJSON(t, r, http.MethodPost, "/v1/deposits", "1", gin.H{"asset": "BTC", "amount": "abc"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status %d", w.Code)
	}
}
