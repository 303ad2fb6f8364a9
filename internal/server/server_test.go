package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/btcbridge/internal/basket"
	"github.com/mbd888/btcbridge/internal/config"
	"github.com/mbd888/btcbridge/internal/escrow"
	"github.com/mbd888/btcbridge/internal/payrail"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeEscrow struct {
	payments    []escrow.PaymentRecord
	bridgeState uint64
	bridgeErr   error
}

func (f *fakeEscrow) Payments(uint64) []escrow.PaymentRecord { return f.payments }

func (f *fakeEscrow) BridgeState(context.Context, uint64) (uint64, error) {
	return f.bridgeState, f.bridgeErr
}

type staticAccount struct {
	address string
	balance string
	err     error
}

func (a *staticAccount) Address() string { return a.address }

func (a *staticAccount) Balance(context.Context, string) (string, error) {
	return a.balance, a.err
}

func (a *staticAccount) Send(context.Context, string, string, string) (string, error) {
	return "", errors.New("not used")
}

type fakeRail struct {
	buyer, seller payrail.Account
}

func (f *fakeRail) Buyer() payrail.Account  { return f.buyer }
func (f *fakeRail) Seller() payrail.Account { return f.seller }
func (f *fakeRail) Currency() string        { return "usd" }

func newTestServer(t *testing.T, store basket.Store, orch Escrow, rail Balances) *Server {
	t.Helper()
	cfg := &config.Config{Port: "8080", Env: "test"}
	return New(cfg, store, orch, rail, slog.New(slog.DiscardHandler))
}

func seededStore(t *testing.T) *basket.MemoryStore {
	t.Helper()
	store := basket.NewMemoryStore()
	ctx := context.Background()
	if _, err := store.Create(ctx, 42, [8]uint64{1}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Update(ctx, 42, func(b *basket.Basket) error {
		b.Lines = append(b.Lines, basket.LineItem{ItemID: 7, Quantity: 1, PriceCents: 500})
		b.Total = 500
		b.State = basket.StatePaid
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	return store
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, basket.NewMemoryStore(), &fakeEscrow{}, &fakeRail{})
	w := get(t, s, "/healthz")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestGetBasket(t *testing.T) {
	orch := &fakeEscrow{
		payments:    []escrow.PaymentRecord{{Receipt: 42, Direction: payrail.Forward, Amount: 500, Succeeded: true}},
		bridgeState: 4,
	}
	s := newTestServer(t, seededStore(t), orch, &fakeRail{})

	w := get(t, s, "/baskets/42")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var resp struct {
		State       string                 `json:"state"`
		BridgeState uint64                 `json:"bridgeState"`
		Basket      basket.Basket          `json:"basket"`
		Payments    []escrow.PaymentRecord `json:"payments"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if resp.State != "paid" || resp.BridgeState != 4 {
		t.Errorf("state = %q, bridgeState = %d", resp.State, resp.BridgeState)
	}
	if resp.Basket.Total != 500 || len(resp.Payments) != 1 {
		t.Fatalf("basket %+v, payments %+v", resp.Basket, resp.Payments)
	}
	if resp.Payments[0].Direction != payrail.Forward {
		t.Errorf("payment direction = %v, want forward", resp.Payments[0].Direction)
	}
}

func TestGetBasket_BridgeUnavailable(t *testing.T) {
	orch := &fakeEscrow{bridgeErr: errors.New("rpc down")}
	s := newTestServer(t, seededStore(t), orch, &fakeRail{})

	w := get(t, s, "/baskets/42")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp map[string]json.RawMessage
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if _, present := resp["bridgeState"]; present {
		t.Error("bridgeState present despite bridge error")
	}
}

func TestGetBasket_NotFound(t *testing.T) {
	s := newTestServer(t, basket.NewMemoryStore(), &fakeEscrow{}, &fakeRail{})
	if w := get(t, s, "/baskets/999"); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestGetBasket_BadReceipt(t *testing.T) {
	s := newTestServer(t, basket.NewMemoryStore(), &fakeEscrow{}, &fakeRail{})
	for _, path := range []string{"/baskets/abc", "/baskets/0"} {
		if w := get(t, s, path); w.Code != http.StatusBadRequest {
			t.Errorf("GET %s status = %d, want 400", path, w.Code)
		}
	}
}

func TestListBaskets(t *testing.T) {
	s := newTestServer(t, seededStore(t), &fakeEscrow{}, &fakeRail{})
	w := get(t, s, "/baskets")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 1 {
		t.Errorf("count = %d, want 1", resp.Count)
	}
}

func TestRailBalance(t *testing.T) {
	rail := &fakeRail{
		buyer:  &staticAccount{address: "addr-b", balance: "10.00"},
		seller: &staticAccount{address: "addr-s", balance: "20.00"},
	}
	s := newTestServer(t, basket.NewMemoryStore(), &fakeEscrow{}, rail)

	w := get(t, s, "/rail/balance")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp struct {
		Currency string `json:"currency"`
		Buyer    struct {
			Address string `json:"address"`
			Balance string `json:"balance"`
		} `json:"buyer"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Currency != "usd" || resp.Buyer.Balance != "10.00" {
		t.Errorf("unexpected response %s", w.Body.String())
	}
}

func TestRailBalance_Unavailable(t *testing.T) {
	rail := &fakeRail{
		buyer:  &staticAccount{address: "addr-b", err: errors.New("wallet service down")},
		seller: &staticAccount{address: "addr-s", balance: "20.00"},
	}
	s := newTestServer(t, basket.NewMemoryStore(), &fakeEscrow{}, rail)

	if w := get(t, s, "/rail/balance"); w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", w.Code)
	}
}
