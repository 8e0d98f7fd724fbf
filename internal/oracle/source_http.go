package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// HTTPSourceOptions parameterise a JSON spot-price endpoint.
type HTTPSourceOptions struct {
	Name      string
	URL       string
	// JSONPath is a dot path into the response body, e.g. "bitcoin.usd"
	// for {"bitcoin":{"usd":61000}}. Empty means the body is a bare
	// number.
	JSONPath  string
	UserAgent string
}

// HTTPSource fetches a price from a JSON HTTP endpoint.
type HTTPSource struct {
	opts   HTTPSourceOptions
	client *http.Client
	logger zerolog.Logger
}

// NewHTTPSource constructs an HTTP price source. Timeouts are applied per
// fetch by the oracle through the request context.
func NewHTTPSource(opts HTTPSourceOptions, logger zerolog.Logger) *HTTPSource {
	return &HTTPSource{
		opts:   opts,
		client: &http.Client{},
		logger: logger.With().Str("component", "http_source").Str("source", opts.Name).Logger(),
	}
}

func (s *HTTPSource) Name() string { return s.opts.Name }

// Fetch performs a GET against the configured endpoint and extracts the
// price field.
func (s *HTTPSource) Fetch(ctx context.Context) (decimal.Decimal, error) {
	if s.opts.URL == "" {
		return decimal.Decimal{}, fmt.Errorf("source %s: url not configured", s.opts.Name)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.opts.URL, nil)
	if err != nil {
		return decimal.Decimal{}, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(s.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "intaked/1.0")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return decimal.Decimal{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Decimal{}, err
	}

	if resp.StatusCode != http.StatusOK {
		return decimal.Decimal{}, fmt.Errorf("source %s: http %d: %s", s.opts.Name, resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	return extractPrice(payload, s.opts.JSONPath)
}

func extractPrice(payload []byte, path string) (decimal.Decimal, error) {
	var doc interface{}
	decoder := json.NewDecoder(strings.NewReader(string(payload)))
	decoder.UseNumber()
	if err := decoder.Decode(&doc); err != nil {
		return decimal.Decimal{}, fmt.Errorf("decode price payload: %w", err)
	}

	node := doc
	if path != "" {
		for _, key := range strings.Split(path, ".") {
			obj, ok := node.(map[string]interface{})
			if !ok {
				return decimal.Decimal{}, fmt.Errorf("path %q: %q is not an object", path, key)
			}
			node, ok = obj[key]
			if !ok {
				return decimal.Decimal{}, fmt.Errorf("path %q: key %q missing", path, key)
			}
		}
	}

	switch v := node.(type) {
	case json.Number:
		return decimal.NewFromString(v.String())
	case string:
		return decimal.NewFromString(v)
	default:
		return decimal.Decimal{}, fmt.Errorf("path %q: value is not numeric", path)
	}
}

var _ Source = (*HTTPSource)(nil)
