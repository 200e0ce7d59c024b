package indexer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestTokenBalance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/balances/addr1/dota" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"tick":"dota","balance":"123456789012345678901234567890"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	balance, err := c.TokenBalance(context.Background(), "addr1", "DOTA")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.String() != "123456789012345678901234567890" {
		t.Fatalf("balance: got %s", balance)
	}
}

func TestTokenBalanceEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"tick":"dota","balance":""}`))
	}))
	defer srv.Close()

	balance, err := New(srv.URL, time.Second).TokenBalance(context.Background(), "addr1", "dota")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !balance.IsZero() {
		t.Fatalf("want zero, got %s", balance)
	}
}

func TestExtrinsicStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/extrinsics/0xabc" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"hash":"0xabc","finalized":true,"success":false,"error":"balances.KeepAlive"}`))
	}))
	defer srv.Close()

	res, err := New(srv.URL, time.Second).ExtrinsicStatus(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !res.Finalized || res.Success || res.Error != "balances.KeepAlive" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestHTTPErrorSurfacesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not indexed yet", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := New(srv.URL, time.Second).ExtrinsicStatus(context.Background(), "0xabc")
	if err == nil {
		t.Fatal("expected error")
	}
}
