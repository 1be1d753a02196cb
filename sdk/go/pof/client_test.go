package pof

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestAuthenticateStoresToken(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/auth/token" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req TokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if req.Address != "0xabc" {
			t.Fatalf("unexpected address %q", req.Address)
		}
		_ = json.NewEncoder(w).Encode(Token{AccessToken: "abc123", TokenType: "Bearer"})
	})

	if _, err := client.Authenticate(context.Background(), TokenRequest{Address: "0xabc"}); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if got := client.AccessToken(); got != "abc123" {
		t.Fatalf("expected token abc123, got %q", got)
	}
}

func TestMutatorsRequireCredentials(t *testing.T) {
	var gotAuth, gotCaller string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotCaller = r.Header.Get(CallerHeader)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]uint64{"id": 7})
	})
	ctx := context.Background()

	if _, err := client.MintEscrow(ctx, EscrowMint{Asset: "0x1", Amount: "1"}); err == nil {
		t.Fatal("expected error without credentials")
	}

	client.SetCaller("0xcaller")
	id, err := client.MintEscrow(ctx, EscrowMint{Asset: "0x1", Amount: "1"})
	if err != nil || id != 7 {
		t.Fatalf("mint: id=%d err=%v", id, err)
	}
	if gotCaller != "0xcaller" || gotAuth != "" {
		t.Fatalf("expected caller header, got auth=%q caller=%q", gotAuth, gotCaller)
	}

	client.SetAccessToken("token")
	if _, err := client.MintEscrow(ctx, EscrowMint{Asset: "0x1", Amount: "1"}); err != nil {
		t.Fatalf("mint with token: %v", err)
	}
	if gotAuth != "Bearer token" || gotCaller != "" {
		t.Fatalf("expected bearer token, got auth=%q caller=%q", gotAuth, gotCaller)
	}
}

func TestVerifyEncodesQuery(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/records/3/verify" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("asset") != "0xa1" || r.URL.Query().Get("min_amount") != "500" {
			t.Fatalf("unexpected query %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode(Verification{ID: 3, Valid: false, Reason: "INSUFFICIENT_ESCROW"})
	})

	result, err := client.Verify(context.Background(), 3, "0xa1", "500")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Valid || result.Reason != "INSUFFICIENT_ESCROW" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestBurnNoContentAndErrors(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/records/1":
			w.WriteHeader(http.StatusNoContent)
		case "/api/v1/records/2":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{"code": "NOT_HOLDER", "message": "caller does not hold the record"},
			})
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	})
	client.SetCaller("0xholder")
	ctx := context.Background()

	if err := client.Burn(ctx, 1); err != nil {
		t.Fatalf("burn: %v", err)
	}
	err := client.Burn(ctx, 2)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusForbidden || apiErr.Code != "NOT_HOLDER" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
}
