// Package iterator exposes one cursor-paginated remote collection as a
// single forward-only lazy sequence with externally persistable resume
// state.
package iterator

import (
	"bytes"
	"encoding/json"
	"time"

	errs "instaharvest/pkg/errors"
)

// PageSize is the fixed number of edges requested per page fetch.
const PageSize = 12

// shelfLife is how long a frozen snapshot stays trustworthy.
const shelfLife = 29 * 24 * time.Hour

// QueryClient is the slice of the session context the iterator needs.
type QueryClient interface {
	GraphQLQuery(queryHash string, variables map[string]interface{}, referer string) (json.RawMessage, error)
	DocIDQuery(docID string, variables map[string]interface{}, referer string) (json.RawMessage, error)
	Username() string
}

// PageInfo carries the pagination cursor of one fetched page.
type PageInfo struct {
	HasNextPage bool   `json:"has_next_page"`
	EndCursor   string `json:"end_cursor"`
}

// Edge wraps a single raw node.
type Edge struct {
	Node json.RawMessage `json:"node"`
}

// EdgePage is one fetched page of a paginated collection. Count is the
// remote-advertised total and only meaningful on the first page; it is
// neither cumulative nor authoritative.
type EdgePage struct {
	Count    int      `json:"count,omitempty"`
	PageInfo PageInfo `json:"page_info"`
	Edges    []Edge   `json:"edges"`
}

// PageExtractor locates the edge page inside a raw query response.
type PageExtractor func(raw json.RawMessage) (*EdgePage, error)

// Config describes the collection a NodeIterator walks. Exactly one of
// QueryHash and DocID selects the pagination style.
type Config[T any] struct {
	QueryHash string
	DocID     string
	// Extractor maps a raw response to its edge page.
	Extractor PageExtractor
	// Wrap maps a raw node to the caller's item type.
	Wrap func(node json.RawMessage) (T, error)
	// Variables are merged into every page query.
	Variables map[string]interface{}
	Referer   string
	// FirstPage, when set, replaces the initial fetch.
	FirstPage *EdgePage
	// IsFirst overrides which yielded node is remembered as "first":
	// given a freshly yielded node and the current first, it reports
	// whether the fresh one takes over. Nil keeps the earliest yielded.
	IsFirst func(node, current json.RawMessage) bool
}

// NodeIterator is a forward-only, non-restartable lazy sequence over a
// cursor-paginated collection. The same logical stream is restarted by
// constructing a fresh instance and thawing a frozen snapshot into it. One
// instance must not be consumed by two concurrent callers.
type NodeIterator[T any] struct {
	client    QueryClient
	queryHash string
	docID     string
	extractor PageExtractor
	wrap      func(json.RawMessage) (T, error)
	variables map[string]interface{}
	referer   string
	isFirst   func(node, current json.RawMessage) bool

	page       *EdgePage
	pageIndex  int // next un-yielded edge within page
	totalIndex int
	count      int
	firstNode  json.RawMessage
	bestBefore time.Time
	started    bool
	exhausted  bool

	now func() time.Time
}

// New creates a NodeIterator. Nothing is fetched until the first Next call.
func New[T any](client QueryClient, cfg Config[T]) (*NodeIterator[T], error) {
	if (cfg.QueryHash == "") == (cfg.DocID == "") {
		return nil, errs.New(errs.ErrorTypeUsage, 0, "exactly one of query hash and doc id must be given")
	}
	if cfg.Extractor == nil || cfg.Wrap == nil {
		return nil, errs.New(errs.ErrorTypeUsage, 0, "extractor and wrap functions are required")
	}

	it := &NodeIterator[T]{
		client:    client,
		queryHash: cfg.QueryHash,
		docID:     cfg.DocID,
		extractor: cfg.Extractor,
		wrap:      cfg.Wrap,
		variables: cfg.Variables,
		referer:   cfg.Referer,
		isFirst:   cfg.IsFirst,
		now:       time.Now,
	}
	if cfg.FirstPage != nil {
		it.page = cfg.FirstPage
		it.count = cfg.FirstPage.Count
		it.bestBefore = it.now().Add(shelfLife)
		it.started = true
	}
	return it, nil
}

// Next yields the next item. The second return is false once the sequence
// is exhausted; a non-nil error leaves the position unchanged so the call
// can be repeated.
func (it *NodeIterator[T]) Next() (T, bool, error) {
	var zero T
	if it.exhausted {
		return zero, false, nil
	}

	if !it.started {
		page, err := it.query("")
		if err != nil {
			return zero, false, err
		}
		it.page = page
		it.pageIndex = 0
		it.count = page.Count
		it.bestBefore = it.now().Add(shelfLife)
		it.started = true
	}

	for {
		if it.pageIndex < len(it.page.Edges) {
			node := it.page.Edges[it.pageIndex].Node
			item, err := it.wrap(node)
			if err != nil {
				return zero, false, err
			}
			it.pageIndex++
			it.totalIndex++
			if it.firstNode == nil {
				it.firstNode = node
			} else if it.isFirst != nil && it.isFirst(node, it.firstNode) {
				it.firstNode = node
			}
			return item, true, nil
		}

		if !it.page.PageInfo.HasNextPage || it.page.PageInfo.EndCursor == "" {
			it.exhausted = true
			return zero, false, nil
		}

		next, err := it.query(it.page.PageInfo.EndCursor)
		if err != nil {
			return zero, false, err
		}
		// Guard against a server that reports more pages while returning an
		// identical or empty page; continuing would loop forever.
		if len(next.Edges) == 0 || sameEdges(next.Edges, it.page.Edges) {
			it.exhausted = true
			return zero, false, nil
		}
		it.page = next
		it.pageIndex = 0
		it.bestBefore = it.now().Add(shelfLife)
	}
}

// query fetches one page at the given cursor.
func (it *NodeIterator[T]) query(after string) (*EdgePage, error) {
	vars := make(map[string]interface{}, len(it.variables)+2)
	for k, v := range it.variables {
		vars[k] = v
	}
	vars["first"] = PageSize
	if after != "" {
		vars["after"] = after
	}

	var raw json.RawMessage
	var err error
	if it.queryHash != "" {
		raw, err = it.client.GraphQLQuery(it.queryHash, vars, it.referer)
	} else {
		raw, err = it.client.DocIDQuery(it.docID, vars, it.referer)
	}
	if err != nil {
		return nil, err
	}

	page, err := it.extractor(raw)
	if err != nil {
		return nil, err
	}
	if page == nil {
		return nil, errs.New(errs.ErrorTypeConnection, 0, "query result carries no edge page")
	}
	return page, nil
}

// Count returns the total the remote service advertised on the first page,
// or 0 when unknown. It is not cumulative and not authoritative.
func (it *NodeIterator[T]) Count() int { return it.count }

// TotalIndex returns the cumulative number of items yielded over the
// lifetime of the logical stream; it survives a freeze/thaw resume.
func (it *NodeIterator[T]) TotalIndex() int { return it.totalIndex }

// FirstItem returns the remembered "first" item of the stream.
func (it *NodeIterator[T]) FirstItem() (T, error) {
	var zero T
	if it.firstNode == nil {
		return zero, errs.New(errs.ErrorTypeUsage, 0, "iterator has not yielded anything yet")
	}
	return it.wrap(it.firstNode)
}

func sameEdges(a, b []Edge) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !bytes.Equal(a[i].Node, b[i].Node) {
			return false
		}
	}
	return true
}
