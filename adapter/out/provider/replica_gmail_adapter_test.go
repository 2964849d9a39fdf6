package provider

import (
	"testing"
)

func TestPageContinuationRoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		pageToken string
		query     string
	}{
		{"plain token", "09348301957", ""},
		{"dated bootstrap", "09348301957", "after:2026/02/01"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cont := encodePageContinuation(tt.pageToken, tt.query)
			gotToken, gotQuery := parsePageContinuation(cont)
			if gotToken != tt.pageToken {
				t.Errorf("page token round trip: got %q, want %q", gotToken, tt.pageToken)
			}
			if gotQuery != tt.query {
				t.Errorf("query round trip: got %q, want %q", gotQuery, tt.query)
			}
		})
	}
}

func TestPageContinuationKeepsDatedQueryAcrossPages(t *testing.T) {
	// A timestamp-bootstrapped run must not widen its window when it pages:
	// the second request has to re-send the same after: query.
	first := encodePageContinuation("next-page-token", "after:2026/02/01")
	token, query := parsePageContinuation(first)
	second := encodePageContinuation("another-token", query)
	if token != "next-page-token" {
		t.Errorf("unexpected token %q", token)
	}
	if _, q := parsePageContinuation(second); q != "after:2026/02/01" {
		t.Errorf("query dropped across pages, got %q", q)
	}
}

func TestParseAddressesFallsBackToRawValue(t *testing.T) {
	got := parseAddresses("not a valid header <<")
	if len(got) != 1 || got[0].Email != "not a valid header <<" {
		t.Errorf("expected raw fallback, got %v", got)
	}
	if parseAddresses("") != nil {
		t.Error("expected nil for empty header")
	}
}
