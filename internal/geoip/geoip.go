// Package geoip suggests locale and timezone defaults from a public
// geolocation endpoint. Strictly best-effort: any failure falls back to the
// stock defaults without surfacing an error.
package geoip

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/slateos/slate/internal/logging"
)

// Suggestion carries the geolocation-derived defaults. Empty fields mean no
// suggestion.
type Suggestion struct {
	Locale   string
	Timezone string
}

// DefaultEndpoint answers with JSON carrying timezone and country_code.
const DefaultEndpoint = "https://ipapi.co/json/"

// Timeout bounds the whole lookup. The installer never waits longer than
// this for a nicety.
const Timeout = 3 * time.Second

// Minimal country-to-locale table for the prompt defaults. Unlisted
// countries keep the stock locale.
var countryLocales = map[string]string{
	"US": "en_US.UTF-8",
	"GB": "en_GB.UTF-8",
	"DE": "de_DE.UTF-8",
	"FR": "fr_FR.UTF-8",
	"ES": "es_ES.UTF-8",
	"IT": "it_IT.UTF-8",
	"NL": "nl_NL.UTF-8",
	"BR": "pt_BR.UTF-8",
	"JP": "ja_JP.UTF-8",
	"AU": "en_AU.UTF-8",
	"CA": "en_CA.UTF-8",
}

// Client performs the lookup. The zero value is not usable; use NewClient.
type Client struct {
	Endpoint string
	HTTP     *http.Client
	Logger   *slog.Logger
}

func NewClient(logger *slog.Logger) *Client {
	return &Client{
		Endpoint: DefaultEndpoint,
		HTTP:     &http.Client{Timeout: Timeout},
		Logger:   logging.Ensure(logger).With("component", "geoip"),
	}
}

// Suggest queries the endpoint and maps the answer to locale and timezone
// defaults. Every failure path returns an empty Suggestion and nil error;
// callers proceed with their own defaults.
func (c *Client) Suggest(ctx context.Context) Suggestion {
	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Endpoint, nil)
	if err != nil {
		c.Logger.Debug("geoip request construction failed", "error", err)
		return Suggestion{}
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		c.Logger.Debug("geoip lookup failed, using local defaults", "error", err)
		return Suggestion{}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.Logger.Debug("geoip lookup rejected", "status", resp.Status)
		return Suggestion{}
	}

	var payload struct {
		Timezone    string `json:"timezone"`
		CountryCode string `json:"country_code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		c.Logger.Debug("geoip response unreadable", "error", err)
		return Suggestion{}
	}

	s := Suggestion{Timezone: payload.Timezone}
	if locale, ok := countryLocales[strings.ToUpper(payload.CountryCode)]; ok {
		s.Locale = locale
	}
	if s.Timezone != "" || s.Locale != "" {
		c.Logger.Debug("geoip suggestion",
			"timezone", s.Timezone, "locale", s.Locale,
			"country", payload.CountryCode)
	}
	return s
}

// Describe formats a suggestion for the interactive prompt.
func (s Suggestion) Describe() string {
	switch {
	case s.Locale != "" && s.Timezone != "":
		return fmt.Sprintf("%s / %s", s.Locale, s.Timezone)
	case s.Timezone != "":
		return s.Timezone
	case s.Locale != "":
		return s.Locale
	default:
		return "no suggestion"
	}
}
