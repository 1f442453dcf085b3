// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Molt Authors

// Package search defines the strategy contract behind the embedded server's
// search endpoint and an HTTP strategy that fronts an external search index.
// The query DSL is a third-party contract: molt forwards it opaquely and maps
// the response shape, it never builds queries.
package search

import (
	"context"
	"encoding/json"
	"sort"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/samber/oops"
)

// Pagination selects the window of edges a result page shows. QuerySize is
// the number of buckets requested from the backend and CursorStart the offset
// of the active page within them.
type Pagination struct {
	ActivePage  int `json:"activePage"`
	CursorStart int `json:"cursorStart"`
	QuerySize   int `json:"querySize"`
}

// Request carries one search invocation against a named strategy.
type Request struct {
	Strategy   string          `json:"strategy,omitempty"`
	Index      string          `json:"index"`
	DSL        json.RawMessage `json:"dsl"`
	Pagination Pagination      `json:"pagination"`
}

// Response summarizes the backend's reply envelope.
type Response struct {
	Took         int             `json:"took"`
	TimedOut     bool            `json:"timedOut"`
	Total        int             `json:"total"`
	Aggregations json.RawMessage `json:"aggregations,omitempty"`
}

// Node is one TLS handshake fingerprint aggregated by the backend.
type Node struct {
	ID       string   `json:"_id"`
	Subjects []string `json:"subjects"`
	Issuers  []string `json:"issuers"`
	JA3      []string `json:"ja3"`
	NotAfter []string `json:"notAfter"`
}

// Cursor marks an edge's position for cursor paging.
type Cursor struct {
	Value string `json:"value"`
}

// Edge pairs a node with its paging cursor.
type Edge struct {
	Node   Node   `json:"node"`
	Cursor Cursor `json:"cursor"`
}

// PageInfo describes the paging state of a result page. FakeTotalCount caps
// how many results the pager advertises; ShowMorePagesIndicator reports that
// the backend holds more beyond the cap.
type PageInfo struct {
	ActivePage             int  `json:"activePage"`
	FakeTotalCount         int  `json:"fakeTotalCount"`
	ShowMorePagesIndicator bool `json:"showMorePagesIndicator"`
}

// Result is one mapped response page.
type Result struct {
	Edges    []Edge   `json:"edges"`
	PageInfo PageInfo `json:"pageInfo"`
	Response Response `json:"response"`
}

// Strategy executes search requests against a backend.
type Strategy interface {
	Name() string
	Search(ctx context.Context, req Request) (*Result, error)
}

// Registry holds the strategies the server exposes, keyed by name. Lookups
// come from HTTP handlers concurrently with registration at boot.
type Registry struct {
	strategies cmap.ConcurrentMap[string, Strategy]
}

// NewRegistry returns an empty strategy registry.
func NewRegistry() *Registry {
	return &Registry{strategies: cmap.New[Strategy]()}
}

// Register adds a strategy. Registering a name twice is an error.
func (r *Registry) Register(s Strategy) error {
	if ok := r.strategies.SetIfAbsent(s.Name(), s); !ok {
		return oops.
			Code("SEARCH_STRATEGY_DUPLICATE").
			In("search").
			With("strategy", s.Name()).
			Errorf("search strategy %q already registered", s.Name())
	}
	return nil
}

// Lookup returns the named strategy.
func (r *Registry) Lookup(name string) (Strategy, bool) {
	return r.strategies.Get(name)
}

// Names returns the registered strategy names, sorted.
func (r *Registry) Names() []string {
	names := r.strategies.Keys()
	sort.Strings(names)
	return names
}
