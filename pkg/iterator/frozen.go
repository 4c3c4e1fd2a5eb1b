package iterator

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"time"

	errs "instaharvest/pkg/errors"
)

// Frozen is an immutable snapshot of a NodeIterator's resume position,
// sufficient to validate and continue the stream elsewhere. It serializes
// as plain structured data; where it is persisted is the caller's choice.
type Frozen struct {
	QueryHash       string                 `json:"query_hash,omitempty"`
	DocID           string                 `json:"doc_id,omitempty"`
	QueryVariables  map[string]interface{} `json:"query_variables"`
	QueryReferer    string                 `json:"query_referer,omitempty"`
	ContextUsername string                 `json:"context_username,omitempty"`
	TotalIndex      int                    `json:"total_index"`
	BestBefore      *time.Time             `json:"best_before,omitempty"`
	RemainingData   *EdgePage              `json:"remaining_data,omitempty"`
	FirstNode       json.RawMessage        `json:"first_node,omitempty"`
}

// Valid reports whether the snapshot is structurally complete enough to be
// thawed.
func (f *Frozen) Valid() bool {
	return f != nil &&
		(f.QueryHash != "") != (f.DocID != "") &&
		f.BestBefore != nil &&
		f.RemainingData != nil
}

// Expired reports whether the snapshot's shelf life has passed.
func (f *Frozen) Expired(now time.Time) bool {
	return f.BestBefore != nil && f.BestBefore.Before(now)
}

// Magic returns a short deterministic fingerprint of the logical stream:
// identical (query identity, variables, referer, session username) yield
// identical magic.
func (it *NodeIterator[T]) Magic() string {
	payload := struct {
		QueryHash string                 `json:"query_hash,omitempty"`
		DocID     string                 `json:"doc_id,omitempty"`
		Variables map[string]interface{} `json:"variables"`
		Referer   string                 `json:"referer"`
		Username  string                 `json:"username"`
	}{
		QueryHash: it.queryHash,
		DocID:     it.docID,
		Variables: it.variables,
		Referer:   it.referer,
		Username:  it.client.Username(),
	}
	// encoding/json sorts map keys, so the encoding is canonical.
	buf, _ := json.Marshal(payload)
	sum := sha256.Sum256(buf)
	return base64.RawURLEncoding.EncodeToString(sum[:])[:11]
}

// Freeze captures the current resume position. It can be called at any
// point, also from an interrupt handler of the consuming flow, and has no
// side effects on the iterator. The cumulative index is stored reduced by
// one (floored at zero) to account for an item in flight at interruption;
// the boundary item is therefore delivered at least once rather than
// exactly once across a freeze/thaw pair.
func (it *NodeIterator[T]) Freeze() *Frozen {
	total := it.totalIndex
	if total > 0 {
		total--
	}

	var remaining *EdgePage
	if it.page != nil {
		// Re-slice one edge before the next un-yielded one, mirroring the
		// reduced index: the possibly in-flight item travels with the
		// snapshot, consumed page history does not.
		from := it.pageIndex
		if from > 0 {
			from--
		}
		remaining = &EdgePage{
			Count:    it.count,
			PageInfo: it.page.PageInfo,
			Edges:    append([]Edge(nil), it.page.Edges[from:]...),
		}
	}

	var bestBefore *time.Time
	if !it.bestBefore.IsZero() {
		bb := it.bestBefore
		bestBefore = &bb
	}

	// Copy the variables so a caller mutating its map cannot reach into the
	// snapshot.
	vars := make(map[string]interface{}, len(it.variables))
	for k, v := range it.variables {
		vars[k] = v
	}

	return &Frozen{
		QueryHash:       it.queryHash,
		DocID:           it.docID,
		QueryVariables:  vars,
		QueryReferer:    it.referer,
		ContextUsername: it.client.Username(),
		TotalIndex:      total,
		BestBefore:      bestBefore,
		RemainingData:   remaining,
		FirstNode:       it.firstNode,
	}
}

// Thaw restores a frozen resume position into an unused iterator. The
// iterator must have been constructed with the identical query identity
// against the same session username.
func (it *NodeIterator[T]) Thaw(f *Frozen) error {
	if it.started || it.totalIndex > 0 {
		return errs.New(errs.ErrorTypeUsage, 0, "cannot thaw into an already used iterator")
	}
	if f == nil || f.RemainingData == nil {
		return errs.New(errs.ErrorTypeUsage, 0, "snapshot carries no page data")
	}
	if f.BestBefore == nil {
		return errs.New(errs.ErrorTypeUsage, 0, "snapshot carries no best-before instant")
	}
	if f.QueryHash != it.queryHash ||
		f.DocID != it.docID ||
		f.QueryReferer != it.referer ||
		f.ContextUsername != it.client.Username() ||
		!variablesEqual(f.QueryVariables, it.variables) {
		return errs.New(errs.ErrorTypeUsage, 0, "snapshot does not match this iterator's stream identity")
	}

	it.page = f.RemainingData
	it.pageIndex = 0
	it.count = f.RemainingData.Count
	it.totalIndex = f.TotalIndex
	it.bestBefore = *f.BestBefore
	it.firstNode = f.FirstNode
	it.started = true
	return nil
}

// variablesEqual compares two variable maps through their canonical JSON
// encodings.
func variablesEqual(a, b map[string]interface{}) bool {
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(aj) == string(bj)
}
