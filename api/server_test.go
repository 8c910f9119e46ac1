package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/clearbook/exchange/api"
	"github.com/clearbook/exchange/internal/exchange/errs"
	"github.com/clearbook/exchange/internal/exchange/model"
	"github.com/clearbook/exchange/internal/exchange/service"
	"github.com/clearbook/exchange/internal/ws"
)

// stubRepo backs the admission service with in-memory state for
// transport tests.
type stubRepo struct {
	mu     sync.Mutex
	orders map[uuid.UUID]*model.Order
	keys   map[string]*model.IdempotencyRecord
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		orders: make(map[uuid.UUID]*model.Order),
		keys:   make(map[string]*model.IdempotencyRecord),
	}
}

func (r *stubRepo) CreateOrder(_ context.Context, order *model.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *order
	r.orders[order.ID] = &c
	return nil
}

func (r *stubRepo) CreateOrderTx(ctx context.Context, _ *gorm.DB, order *model.Order) error {
	return r.CreateOrder(ctx, order)
}

func (r *stubRepo) GetOrderByID(_ context.Context, orderID uuid.UUID) (*model.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok {
		return nil, errs.ErrOrderNotFound
	}
	c := *o
	return &c, nil
}

func (r *stubRepo) ListOrders(context.Context, string, model.OrderFilter) ([]*model.Order, error) {
	return nil, nil
}

func (r *stubRepo) GetOpenOrders(context.Context, string) ([]*model.Order, error) {
	return nil, nil
}

func (r *stubRepo) UpdateOrderStatus(context.Context, uuid.UUID, model.Status) error {
	return nil
}

func (r *stubRepo) UpdateOrderStatusTx(context.Context, *gorm.DB, uuid.UUID, model.Status, decimal.Decimal) error {
	return nil
}

func (r *stubRepo) CreateTradeTx(context.Context, *gorm.DB, *model.Trade) error { return nil }

func (r *stubRepo) GetRecentTrades(context.Context, string, int) ([]*model.Trade, error) {
	return []*model.Trade{}, nil
}

func (r *stubRepo) GetTradesByOrder(context.Context, uuid.UUID) ([]*model.Trade, error) {
	return []*model.Trade{}, nil
}

func (r *stubRepo) GetIdempotencyRecord(_ context.Context, key string) (*model.IdempotencyRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.keys[key]
	if !ok {
		return nil, nil
	}
	c := *rec
	return &c, nil
}

func (r *stubRepo) ClaimIdempotencyKeyTx(_ context.Context, _ *gorm.DB, record *model.IdempotencyRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.keys[record.Key]; ok && !existing.Expired(time.Now()) {
		return errs.ErrKeyClaimed
	}
	c := *record
	r.keys[record.Key] = &c
	return nil
}

func (r *stubRepo) DeleteExpiredIdempotencyRecords(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (r *stubRepo) ExecuteInTransaction(_ context.Context, txFunc func(tx *gorm.DB) error) error {
	return txFunc(nil)
}

type stubMatcher struct {
	mu        sync.Mutex
	submitted []*model.Order
	cancelErr error
}

func (m *stubMatcher) Instrument() string { return "BTC-USD" }

func (m *stubMatcher) Submit(_ context.Context, order *model.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitted = append(m.submitted, order)
	return nil
}

func (m *stubMatcher) Cancel(ctx context.Context, orderID uuid.UUID) (*model.Order, error) {
	if m.cancelErr != nil {
		return nil, m.cancelErr
	}
	return &model.Order{ID: orderID, Status: model.StatusCancelled, FilledQuantity: decimal.Zero}, nil
}

func (m *stubMatcher) Snapshot(levels int) *model.BookSnapshot {
	snap := &model.BookSnapshot{
		Instrument: "BTC-USD",
		Bids: []model.BookLevel{
			{Price: decimal.NewFromInt(69900), Quantity: decimal.NewFromInt(1), Orders: 1},
			{Price: decimal.NewFromInt(69800), Quantity: decimal.NewFromInt(2), Orders: 2},
		},
		Asks:      []model.BookLevel{{Price: decimal.NewFromInt(70000), Quantity: decimal.NewFromInt(1), Orders: 1}},
		Timestamp: time.Now().UTC(),
	}
	return snap.Truncate(levels)
}

func (m *stubMatcher) Rebuild(context.Context) error { return nil }

func setupServer(repo *stubRepo, matcher *stubMatcher) *gin.Engine {
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()
	svc := service.NewService(repo, matcher, logger, time.Hour)
	srv := api.NewServer(logger, svc, ws.NewBroadcaster(repo, logger))
	return srv.Router()
}

func doJSON(router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	router := setupServer(newStubRepo(), &stubMatcher{})
	w := doJSON(router, http.MethodGet, "/healthz", nil)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSubmitOrderCreated(t *testing.T) {
	repo := newStubRepo()
	matcher := &stubMatcher{}
	router := setupServer(repo, matcher)

	w := doJSON(router, http.MethodPost, "/api/v1/orders", gin.H{
		"client_id": "client-1",
		"side":      "buy",
		"type":      "limit",
		"price":     "70000",
		"quantity":  "0.5",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		OrderID uuid.UUID    `json:"order_id"`
		Status  model.Status `json:"status"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, model.StatusPending, resp.Status)
	assert.NotEqual(t, uuid.Nil, resp.OrderID)
	assert.Len(t, matcher.submitted, 1)
}

func TestSubmitOrderValidationFailure(t *testing.T) {
	router := setupServer(newStubRepo(), &stubMatcher{})

	// Passes wire-level validation, fails the admission rules.
	w := doJSON(router, http.MethodPost, "/api/v1/orders", gin.H{
		"client_id": "client-1",
		"side":      "buy",
		"type":      "limit",
		"price":     "70000.123",
		"quantity":  "0.5",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp struct {
		Violations []string `json:"violations"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp.Violations, "price precision cannot exceed 2 decimal places")
}

func TestSubmitOrderMalformedBody(t *testing.T) {
	router := setupServer(newStubRepo(), &stubMatcher{})

	req, _ := http.NewRequest(http.MethodPost, "/api/v1/orders", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitOrderIdempotencyKeyHeader(t *testing.T) {
	repo := newStubRepo()
	router := setupServer(repo, &stubMatcher{})

	body := gin.H{
		"client_id": "client-1",
		"side":      "buy",
		"type":      "limit",
		"price":     "70000",
		"quantity":  "0.5",
	}
	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(body)
	req, _ := http.NewRequest(http.MethodPost, "/api/v1/orders", &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", "header-key")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	// Replay with the same key conflicts.
	body["idempotency_key"] = "header-key"
	w = doJSON(router, http.MethodPost, "/api/v1/orders", body)
	require.Equal(t, http.StatusConflict, w.Code)

	var resp struct {
		OrderID uuid.UUID `json:"order_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEqual(t, uuid.Nil, resp.OrderID, "conflict response names the original order")
}

func TestGetOrder(t *testing.T) {
	repo := newStubRepo()
	router := setupServer(repo, &stubMatcher{})

	order := &model.Order{
		ID:         uuid.New(),
		ClientID:   "client-1",
		Instrument: "BTC-USD",
		Side:       model.SideBuy,
		Type:       model.TypeLimit,
		Price:      decimal.NewFromInt(70000),
		Quantity:   decimal.NewFromInt(1),
		Status:     model.StatusOpen,
	}
	require.NoError(t, repo.CreateOrder(context.Background(), order))

	w := doJSON(router, http.MethodGet, "/api/v1/orders/"+order.ID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got model.Order
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, order.ID, got.ID)
	assert.Equal(t, model.StatusOpen, got.Status)
}

func TestGetOrderNotFound(t *testing.T) {
	router := setupServer(newStubRepo(), &stubMatcher{})

	w := doJSON(router, http.MethodGet, "/api/v1/orders/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetOrderBadID(t *testing.T) {
	router := setupServer(newStubRepo(), &stubMatcher{})

	w := doJSON(router, http.MethodGet, "/api/v1/orders/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelOrder(t *testing.T) {
	router := setupServer(newStubRepo(), &stubMatcher{})

	w := doJSON(router, http.MethodDelete, "/api/v1/orders/"+uuid.NewString(), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Status model.Status `json:"status"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, model.StatusCancelled, resp.Status)
}

func TestCancelFilledOrderConflicts(t *testing.T) {
	matcher := &stubMatcher{cancelErr: &errs.InvalidTransitionError{
		From: string(model.StatusFilled),
		To:   string(model.StatusCancelled),
	}}
	router := setupServer(newStubRepo(), matcher)

	w := doJSON(router, http.MethodDelete, "/api/v1/orders/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCancelAfterEngineStopped(t *testing.T) {
	matcher := &stubMatcher{cancelErr: errs.ErrEngineStopped}
	router := setupServer(newStubRepo(), matcher)

	w := doJSON(router, http.MethodDelete, "/api/v1/orders/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestGetOrderbookTruncatesLevels(t *testing.T) {
	router := setupServer(newStubRepo(), &stubMatcher{})

	w := doJSON(router, http.MethodGet, "/api/v1/orderbook?levels=1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var snap model.BookSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, "BTC-USD", snap.Instrument)
	assert.Len(t, snap.Bids, 1)
	assert.Len(t, snap.Asks, 1)
}

func TestGetOrderbookRejectsNegativeLevels(t *testing.T) {
	router := setupServer(newStubRepo(), &stubMatcher{})

	w := doJSON(router, http.MethodGet, "/api/v1/orderbook?levels=-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminStats(t *testing.T) {
	router := setupServer(newStubRepo(), &stubMatcher{})

	w := doJSON(router, http.MethodGet, "/api/v1/admin/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "BTC-USD", resp["instrument"])
	assert.Equal(t, float64(2), resp["bid_levels"])
}

func TestAdminRebuild(t *testing.T) {
	router := setupServer(newStubRepo(), &stubMatcher{})

	w := doJSON(router, http.MethodPost, "/api/v1/admin/rebuild", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
