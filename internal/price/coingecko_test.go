package price

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestUSDPrice(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/simple/price" || r.URL.Query().Get("ids") != "ethereum" || r.URL.Query().Get("vs_currencies") != "usd" {
			t.Errorf("unexpected request %s", r.URL)
		}
		w.Write([]byte(`{"ethereum":{"usd":3120.55}}`))
	}))
	defer srv.Close()

	c := NewCoinGeckoClient(srv.URL)
	got, err := c.USDPrice(context.Background(), "eth")
	if err != nil {
		t.Fatal(err)
	}
	if got != 3120.55 {
		t.Errorf("price = %v", got)
	}

	// served from cache
	if _, err := c.USDPrice(context.Background(), "ETH"); err != nil {
		t.Fatal(err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("upstream calls = %d, want 1", n)
	}
}

func TestUSDPrice_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewCoinGeckoClient(srv.URL)
	if _, err := c.USDPrice(context.Background(), "ETH"); err == nil {
		t.Error("expected error on 429")
	}
	if _, err := c.USDPrice(context.Background(), "NOPE"); err == nil {
		t.Error("expected error for unknown symbol")
	}
}
