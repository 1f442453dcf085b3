// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Molt Authors

package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker"

	"github.com/moltserver/molt/internal/observability"
	"github.com/moltserver/molt/internal/tls"
)

// Responses larger than this are treated as backend misbehavior.
const maxResponseBytes = 8 << 20

var _ Strategy = (*HTTPStrategy)(nil)

// HTTPOptions configures an HTTPStrategy.
type HTTPOptions struct {
	// Name defaults to StrategyTLSHandshakes.
	Name           string
	Addresses      []string
	RequestTimeout time.Duration

	// CAFile and InsecureSkipVerify mirror the search.tls config keys.
	CAFile             string
	InsecureSkipVerify bool

	RetryAttempts uint64
	RetryBackoff  time.Duration

	BreakerMaxRequests uint32
	BreakerInterval    time.Duration
	BreakerTimeout     time.Duration

	Log     *slog.Logger
	Metrics *observability.Metrics
}

// HTTPStrategy forwards the opaque query envelope to a search-index backend
// and maps the fingerprint aggregation response into edges and page info.
// Every request rides a circuit breaker; transient backend failures retry
// with exponential backoff inside a single breaker request.
type HTTPStrategy struct {
	name     string
	addrs    []string
	next     atomic.Uint64
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	attempts uint64
	backoff  time.Duration
	log      *slog.Logger
	metrics  *observability.Metrics
}

// NewHTTPStrategy builds a strategy from resolved options. At least one
// backend address is required; everything else has serviceable defaults.
func NewHTTPStrategy(opts HTTPOptions) (*HTTPStrategy, error) {
	if len(opts.Addresses) == 0 {
		return nil, oops.
			Code("CONFIG_INVALID").
			In("search").
			Errorf("search backend requires at least one address")
	}
	if opts.Name == "" {
		opts.Name = StrategyTLSHandshakes
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.RetryAttempts == 0 {
		opts.RetryAttempts = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 250 * time.Millisecond
	}
	if opts.BreakerMaxRequests == 0 {
		opts.BreakerMaxRequests = 3
	}
	if opts.BreakerInterval <= 0 {
		opts.BreakerInterval = 30 * time.Second
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = 15 * time.Second
	}

	tlsConfig, err := tls.LoadClientTLS(opts.CAFile, opts.InsecureSkipVerify)
	if err != nil {
		return nil, oops.
			Code("CONFIG_LOAD").
			In("search").
			Wrapf(err, "loading search backend TLS configuration")
	}

	log := opts.Log.With("strategy", opts.Name)

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "search-" + opts.Name,
		MaxRequests: opts.BreakerMaxRequests,
		Interval:    opts.BreakerInterval,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 3 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("search breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
		},
	})

	return &HTTPStrategy{
		name:  opts.Name,
		addrs: opts.Addresses,
		client: &http.Client{
			Timeout: opts.RequestTimeout,
			Transport: &http.Transport{
				TLSClientConfig:     tlsConfig,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		breaker:  breaker,
		attempts: opts.RetryAttempts,
		backoff:  opts.RetryBackoff,
		log:      log,
		metrics:  opts.Metrics,
	}, nil
}

// Name returns the strategy name used for registration and routing.
func (s *HTTPStrategy) Name() string {
	return s.name
}

// Search forwards the request to the backend and maps the response page.
func (s *HTTPStrategy) Search(ctx context.Context, req Request) (*Result, error) {
	if req.Index == "" {
		return nil, oops.
			Code("SEARCH_REQUEST_INVALID").
			In("search").
			Errorf("search request requires an index")
	}
	if len(req.DSL) == 0 {
		return nil, oops.
			Code("SEARCH_REQUEST_INVALID").
			In("search").
			Errorf("search request requires a query envelope")
	}

	start := time.Now()
	out, err := s.breaker.Execute(func() (any, error) {
		return s.searchWithRetry(ctx, req)
	})
	if err != nil {
		s.record("error")
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, oops.
				Code("SEARCH_CIRCUIT_OPEN").
				In("search").
				With("strategy", s.name).
				Wrapf(err, "search backend circuit open")
		}
		return nil, err
	}

	result := out.(*Result)
	s.record("ok")
	s.log.Debug("search request served",
		"index", req.Index,
		"edges", len(result.Edges),
		"duration", time.Since(start))
	return result, nil
}

func (s *HTTPStrategy) searchWithRetry(ctx context.Context, req Request) (*Result, error) {
	backoff := retry.WithMaxRetries(s.attempts, retry.NewExponential(s.backoff))

	var result *Result
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		res, err := s.doSearch(ctx, req)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *HTTPStrategy) doSearch(ctx context.Context, req Request) (*Result, error) {
	addr := s.addrs[int((s.next.Add(1)-1)%uint64(len(s.addrs)))]
	endpoint := strings.TrimSuffix(addr, "/") + "/" + url.PathEscape(req.Index) + "/_search"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(req.DSL))
	if err != nil {
		return nil, oops.
			Code("SEARCH_BACKEND_FAILED").
			In("search").
			Wrapf(err, "building search request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		// Transport failures may be address-local; retrying rotates.
		return nil, retry.RetryableError(oops.
			Code("SEARCH_BACKEND_FAILED").
			In("search").
			With("address", addr).
			Wrapf(err, "search backend unreachable"))
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, retry.RetryableError(oops.
			Code("SEARCH_BACKEND_FAILED").
			In("search").
			With("address", addr).
			Wrapf(err, "reading search response"))
	}

	if resp.StatusCode != http.StatusOK {
		backendErr := oops.
			Code("SEARCH_BACKEND_FAILED").
			In("search").
			With("address", addr).
			With("status", resp.StatusCode).
			Errorf("search backend returned status %d", resp.StatusCode)
		if retryableStatus(resp.StatusCode) {
			return nil, retry.RetryableError(backendErr)
		}
		return nil, backendErr
	}

	var envelope backendResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, oops.
			Code("SEARCH_DECODE_FAILED").
			In("search").
			Wrapf(err, "decoding search response envelope")
	}

	edges, pageInfo, err := mapFingerprintAggregations(envelope.Aggregations, req.Pagination)
	if err != nil {
		return nil, err
	}

	return &Result{
		Edges:    edges,
		PageInfo: pageInfo,
		Response: Response{
			Took:         envelope.Took,
			TimedOut:     envelope.TimedOut,
			Total:        envelope.Hits.Total.Value,
			Aggregations: envelope.Aggregations,
		},
	}, nil
}

func (s *HTTPStrategy) record(status string) {
	if s.metrics != nil {
		s.metrics.SearchRequests.WithLabelValues(s.name, status).Inc()
	}
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// backendResponse is the backend's native reply envelope.
type backendResponse struct {
	Took         int             `json:"took"`
	TimedOut     bool            `json:"timed_out"`
	Hits         backendHits     `json:"hits"`
	Aggregations json.RawMessage `json:"aggregations"`
}

type backendHits struct {
	Total backendTotal `json:"total"`
}

type backendTotal struct {
	Value int `json:"value"`
}
