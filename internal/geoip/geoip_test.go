package geoip

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(nil)
	c.Endpoint = srv.URL
	return c
}

func TestSuggestMapsCountryAndTimezone(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"timezone":"Europe/Berlin","country_code":"DE"}`))
	})

	s := c.Suggest(context.Background())
	if s.Timezone != "Europe/Berlin" {
		t.Fatalf("unexpected timezone %q", s.Timezone)
	}
	if s.Locale != "de_DE.UTF-8" {
		t.Fatalf("unexpected locale %q", s.Locale)
	}
}

func TestSuggestUnknownCountryKeepsLocaleEmpty(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"timezone":"Antarctica/McMurdo","country_code":"AQ"}`))
	})

	s := c.Suggest(context.Background())
	if s.Locale != "" {
		t.Fatalf("expected no locale suggestion, got %q", s.Locale)
	}
	if s.Timezone != "Antarctica/McMurdo" {
		t.Fatalf("unexpected timezone %q", s.Timezone)
	}
}

func TestSuggestServerErrorFallsBackSilently(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	})

	if s := c.Suggest(context.Background()); s != (Suggestion{}) {
		t.Fatalf("expected empty suggestion, got %+v", s)
	}
}

func TestSuggestMalformedBodyFallsBackSilently(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("not json"))
	})

	if s := c.Suggest(context.Background()); s != (Suggestion{}) {
		t.Fatalf("expected empty suggestion, got %+v", s)
	}
}

func TestSuggestRespectsTimeBound(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(Timeout + time.Second)
		w.Write([]byte(`{}`))
	})

	start := time.Now()
	s := c.Suggest(context.Background())
	if elapsed := time.Since(start); elapsed > Timeout+time.Second {
		t.Fatalf("lookup exceeded the time bound: %v", elapsed)
	}
	if s != (Suggestion{}) {
		t.Fatalf("expected empty suggestion on timeout, got %+v", s)
	}
}

func TestDescribe(t *testing.T) {
	if got := (Suggestion{Locale: "en_US.UTF-8", Timezone: "America/New_York"}).Describe(); got != "en_US.UTF-8 / America/New_York" {
		t.Fatalf("unexpected description %q", got)
	}
	if got := (Suggestion{}).Describe(); got != "no suggestion" {
		t.Fatalf("unexpected description %q", got)
	}
}
