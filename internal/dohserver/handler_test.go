package dohserver

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestDecodeGETQuery(t *testing.T) {
	query := []byte{0xAB, 0xCD, 0xEF}
	encoded := base64.RawURLEncoding.EncodeToString(query)
	r := httptest.NewRequest(http.MethodGet, "/dns-query?dns="+encoded, nil)

	got, err := decodeGETQuery(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != string(query) {
		t.Fatalf("expected %v, got %v", query, got)
	}
}

func TestDecodeGETQueryMissingParam(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/dns-query", nil)
	if _, err := decodeGETQuery(r); err == nil {
		t.Fatalf("expected error for missing dns param")
	}
}

func TestDecodePOSTQuery(t *testing.T) {
	body := []byte{1, 2, 3, 4, 5}
	r := httptest.NewRequest(http.MethodPost, "/dns-query", strings.NewReader(string(body)))

	got, err := decodePOSTQuery(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != string(body) {
		t.Fatalf("expected %v, got %v", body, got)
	}
}

func TestDecodePOSTQueryCapsAtMax(t *testing.T) {
	body := make([]byte, maxQueryBody+1000)
	r := httptest.NewRequest(http.MethodPost, "/dns-query", strings.NewReader(string(body)))

	got, err := decodePOSTQuery(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != maxQueryBody {
		t.Fatalf("expected body capped at %d bytes, got %d", maxQueryBody, len(got))
	}
}
