package esign

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"agencyflow/contract"
)

func TestRequestSignature(t *testing.T) {
	var got map[string]string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/signature-requests" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("idempotency-key") != "c1" {
			t.Errorf("expected idempotency key, got %q", r.Header.Get("idempotency-key"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Header().Set("content-type", "application/json")
		_, _ = w.Write([]byte(`{"reference":"esr_123"}`))
	}))
	defer ts.Close()

	c := New(ts.URL+"/", time.Second)
	ref, err := c.RequestSignature(context.Background(), contract.SignatureRequest{ContractID: "c1", UserID: "u1", Title: "Tour"})
	if err != nil {
		t.Fatalf("RequestSignature error: %v", err)
	}
	if ref != "esr_123" {
		t.Fatalf("unexpected reference: %s", ref)
	}
	if got["signer_id"] != "u1" || got["title"] != "Tour" {
		t.Fatalf("unexpected request body: %v", got)
	}
}

func TestRequestSignature_ProviderError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "signer unknown", http.StatusUnprocessableEntity)
	}))
	defer ts.Close()

	_, err := New(ts.URL, time.Second).RequestSignature(context.Background(), contract.SignatureRequest{ContractID: "c1"})
	if err == nil || !strings.Contains(err.Error(), "422") {
		t.Fatalf("expected provider status in error, got %v", err)
	}
}

func TestNewRequester(t *testing.T) {
	r := NewRequester("", 0)
	ref, err := r.RequestSignature(context.Background(), contract.SignatureRequest{ContractID: "c1"})
	if err != nil || !strings.HasPrefix(ref, "esr_") {
		t.Fatalf("unexpected local reference %q, %v", ref, err)
	}
	if _, ok := NewRequester("http://esign.local", 0).(*Client); !ok {
		t.Fatal("expected HTTP client when base url is set")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (Local{}).RequestSignature(ctx, contract.SignatureRequest{}); err == nil {
		t.Fatal("expected cancelled context to fail")
	}
}
