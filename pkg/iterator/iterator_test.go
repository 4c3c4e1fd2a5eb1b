package iterator

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "instaharvest/pkg/errors"
)

// testItem is the decoded node type the tests iterate over.
type testItem struct {
	ID string `json:"id"`
}

// fakeClient serves prebuilt pages keyed by cursor and records each call.
type fakeClient struct {
	username  string
	responses map[string]json.RawMessage // "" is the first page
	errors    map[string]error
	calls     []map[string]interface{}
}

func (f *fakeClient) serve(vars map[string]interface{}) (json.RawMessage, error) {
	f.calls = append(f.calls, vars)
	after, _ := vars["after"].(string)
	if err, ok := f.errors[after]; ok {
		delete(f.errors, after)
		return nil, err
	}
	resp, ok := f.responses[after]
	if !ok {
		return nil, errs.New(errs.ErrorTypeNotFound, 404, "no page at cursor %q", after)
	}
	return resp, nil
}

func (f *fakeClient) GraphQLQuery(queryHash string, variables map[string]interface{}, referer string) (json.RawMessage, error) {
	return f.serve(variables)
}

func (f *fakeClient) DocIDQuery(docID string, variables map[string]interface{}, referer string) (json.RawMessage, error) {
	return f.serve(variables)
}

func (f *fakeClient) Username() string { return f.username }

// page builds a raw response holding one edge page.
func page(count int, hasNext bool, endCursor string, ids ...string) json.RawMessage {
	edges := make([]Edge, 0, len(ids))
	for _, id := range ids {
		edges = append(edges, Edge{Node: json.RawMessage(fmt.Sprintf(`{"id":%q}`, id))})
	}
	wrapped := struct {
		Page EdgePage `json:"page"`
	}{Page: EdgePage{
		Count:    count,
		PageInfo: PageInfo{HasNextPage: hasNext, EndCursor: endCursor},
		Edges:    edges,
	}}
	raw, _ := json.Marshal(wrapped)
	return raw
}

func extractPage(raw json.RawMessage) (*EdgePage, error) {
	var wrapped struct {
		Page *EdgePage `json:"page"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Page, nil
}

func wrapItem(node json.RawMessage) (testItem, error) {
	var item testItem
	err := json.Unmarshal(node, &item)
	return item, err
}

func testConfig(overrides ...func(*Config[testItem])) Config[testItem] {
	cfg := Config[testItem]{
		QueryHash: "hash1",
		Extractor: extractPage,
		Wrap:      wrapItem,
		Variables: map[string]interface{}{"id": "42"},
		Referer:   "https://example.com/profile/",
	}
	for _, o := range overrides {
		o(&cfg)
	}
	return cfg
}

// drain pulls every remaining item out of the iterator.
func drain(t *testing.T, it *NodeIterator[testItem]) []string {
	t.Helper()
	var ids []string
	for {
		item, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			return ids
		}
		ids = append(ids, item.ID)
	}
}

func TestNewValidation(t *testing.T) {
	client := &fakeClient{}

	t.Run("neither identity", func(t *testing.T) {
		_, err := New(client, testConfig(func(c *Config[testItem]) {
			c.QueryHash = ""
		}))
		require.Error(t, err)
		assert.True(t, errs.Is(err, errs.ErrorTypeUsage))
	})

	t.Run("both identities", func(t *testing.T) {
		_, err := New(client, testConfig(func(c *Config[testItem]) {
			c.DocID = "777"
		}))
		require.Error(t, err)
		assert.True(t, errs.Is(err, errs.ErrorTypeUsage))
	})

	t.Run("missing extractor", func(t *testing.T) {
		_, err := New(client, testConfig(func(c *Config[testItem]) {
			c.Extractor = nil
		}))
		require.Error(t, err)
	})
}

func TestNextWalksPagesInOrder(t *testing.T) {
	client := &fakeClient{
		username: "viewer",
		responses: map[string]json.RawMessage{
			"":    page(5, true, "c1", "a", "b"),
			"c1":  page(0, true, "c2", "c", "d"),
			"c2":  page(0, false, "", "e"),
		},
	}
	it, err := New(client, testConfig())
	require.NoError(t, err)

	// Lazy: nothing fetched before the first Next.
	assert.Empty(t, client.calls)

	ids := drain(t, it)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, ids)
	assert.Equal(t, 5, it.TotalIndex())
	assert.Equal(t, 5, it.Count())

	// Page size and cursor travel with every fetch.
	require.Len(t, client.calls, 3)
	assert.Equal(t, PageSize, client.calls[0]["first"])
	assert.NotContains(t, client.calls[0], "after")
	assert.Equal(t, "c1", client.calls[1]["after"])
	assert.Equal(t, "c2", client.calls[2]["after"])
	assert.Equal(t, "42", client.calls[1]["id"])

	// Exhausted stays exhausted.
	_, ok, err := it.Next()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNextStopsWithoutNextPage(t *testing.T) {
	client := &fakeClient{
		responses: map[string]json.RawMessage{
			// A dangling cursor must not be followed when has_next_page is
			// false.
			"": page(2, false, "dangling", "a", "b"),
		},
	}
	it, err := New(client, testConfig())
	require.NoError(t, err)

	ids := drain(t, it)
	assert.Equal(t, []string{"a", "b"}, ids)
	assert.Len(t, client.calls, 1)
}

func TestNextTerminatesOnRepeatedPage(t *testing.T) {
	same := page(0, true, "c1", "a", "b")
	client := &fakeClient{
		responses: map[string]json.RawMessage{
			"":   same,
			"c1": same,
		},
	}
	it, err := New(client, testConfig())
	require.NoError(t, err)

	ids := drain(t, it)
	assert.Equal(t, []string{"a", "b"}, ids)
	assert.Equal(t, 2, it.TotalIndex())
}

func TestNextTerminatesOnEmptyPage(t *testing.T) {
	client := &fakeClient{
		responses: map[string]json.RawMessage{
			"":   page(0, true, "c1", "a"),
			"c1": page(0, true, "c2"),
		},
	}
	it, err := New(client, testConfig())
	require.NoError(t, err)

	ids := drain(t, it)
	assert.Equal(t, []string{"a"}, ids)
}

func TestNextErrorLeavesPositionUnchanged(t *testing.T) {
	client := &fakeClient{
		responses: map[string]json.RawMessage{
			"":   page(0, true, "c1", "a"),
			"c1": page(0, false, "", "b"),
		},
		errors: map[string]error{
			"c1": errs.New(errs.ErrorTypeConnection, 0, "flaky network"),
		},
	}
	it, err := New(client, testConfig())
	require.NoError(t, err)

	item, ok, err := it.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", item.ID)

	// The page fetch fails once; the position must not move.
	_, _, err = it.Next()
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ErrorTypeConnection))
	assert.Equal(t, 1, it.TotalIndex())

	// Repeating the call succeeds and continues seamlessly.
	item, ok, err = it.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b", item.ID)
	assert.Equal(t, 2, it.TotalIndex())
}

func TestFirstPageSkipsInitialFetch(t *testing.T) {
	client := &fakeClient{}
	first := EdgePage{
		Count:    1,
		PageInfo: PageInfo{HasNextPage: false},
		Edges:    []Edge{{Node: json.RawMessage(`{"id":"pre"}`)}},
	}
	it, err := New(client, testConfig(func(c *Config[testItem]) {
		c.FirstPage = &first
	}))
	require.NoError(t, err)

	ids := drain(t, it)
	assert.Equal(t, []string{"pre"}, ids)
	assert.Empty(t, client.calls)
	assert.Equal(t, 1, it.Count())
}

func TestFirstItem(t *testing.T) {
	client := &fakeClient{
		responses: map[string]json.RawMessage{
			"": page(0, false, "", "a", "b"),
		},
	}
	it, err := New(client, testConfig())
	require.NoError(t, err)

	_, err = it.FirstItem()
	require.Error(t, err)

	drain(t, it)

	first, err := it.FirstItem()
	require.NoError(t, err)
	assert.Equal(t, "a", first.ID)
}

func TestFirstItemOverride(t *testing.T) {
	client := &fakeClient{
		responses: map[string]json.RawMessage{
			"": page(0, false, "", "a", "b", "z"),
		},
	}
	it, err := New(client, testConfig(func(c *Config[testItem]) {
		// Keep the lexicographically largest id as "first".
		c.IsFirst = func(node, current json.RawMessage) bool {
			return string(node) > string(current)
		}
	}))
	require.NoError(t, err)

	drain(t, it)

	first, err := it.FirstItem()
	require.NoError(t, err)
	assert.Equal(t, "z", first.ID)
}
