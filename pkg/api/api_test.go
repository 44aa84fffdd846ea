package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"metafeed/pkg/api"
	"metafeed/pkg/keys"
	"metafeed/pkg/metafeed"
	"metafeed/pkg/models"
	"metafeed/pkg/store"
	"metafeed/pkg/tree"
)

func newServer(t *testing.T) (http.Handler, *metafeed.Service, *tree.Index) {
	t.Helper()
	p, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })

	idx := tree.NewIndex(p)
	ctx, cancel := context.WithCancel(context.Background())
	if err := idx.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		idx.Stop()
	})

	owner, _ := keys.Generate(models.FormatClassic)
	svc, err := metafeed.New(p, idx, owner, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := svc.GetOrCreateRoot(ctx); err != nil {
		t.Fatalf("GetOrCreateRoot: %v", err)
	}
	return api.New(svc, idx, api.Config{RPS: 1000, Burst: 1000}), svc, idx
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndReady(t *testing.T) {
	h, _, _ := newServer(t)
	if rec := do(t, h, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz returned %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/readyz", nil); rec.Code != http.StatusOK {
		t.Fatalf("readyz returned %d", rec.Code)
	}
}

func TestCreateAndFetchFeed(t *testing.T) {
	h, _, _ := newServer(t)
	rec := do(t, h, http.MethodPost, "/v1/feeds", map[string]any{"purpose": "chess"})
	if rec.Code != http.StatusOK {
		t.Fatalf("create returned %d: %s", rec.Code, rec.Body.String())
	}
	var created models.FeedDetails
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.Purpose != "chess" || created.ID == "" {
		t.Fatalf("unexpected create response: %+v", created)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("response missing request id")
	}

	// idempotent: a second create returns the same feed
	rec = do(t, h, http.MethodPost, "/v1/feeds", map[string]any{"purpose": "chess"})
	var again models.FeedDetails
	if err := json.Unmarshal(rec.Body.Bytes(), &again); err != nil {
		t.Fatalf("decode second create: %v", err)
	}
	if again.ID != created.ID {
		t.Fatalf("second create diverged: %s vs %s", again.ID, created.ID)
	}

	rec = do(t, h, http.MethodGet, "/v1/feeds/"+url.PathEscape(created.ID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("fetch returned %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGetTreeEndpoint(t *testing.T) {
	h, svc, _ := newServer(t)
	if _, err := svc.BootstrapMain(context.Background()); err != nil {
		t.Fatalf("BootstrapMain: %v", err)
	}
	root, err := svc.GetOrCreateRoot(context.Background())
	if err != nil {
		t.Fatalf("GetOrCreateRoot: %v", err)
	}
	rec := do(t, h, http.MethodGet, "/v1/tree/"+url.PathEscape(root.ID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("tree returned %d: %s", rec.Code, rec.Body.String())
	}
	var node tree.Node
	if err := json.Unmarshal(rec.Body.Bytes(), &node); err != nil {
		t.Fatalf("decode tree: %v", err)
	}
	if node.Details.ID != root.ID || len(node.Children) == 0 {
		t.Fatalf("unexpected tree: %+v", node)
	}

	rec = do(t, h, http.MethodGet, "/v1/tree/"+url.PathEscape("ssb:feed/bendybutt-v1/dW5rbm93bg=="), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown root returned %d", rec.Code)
	}
}

func TestTombstoneEndpoint(t *testing.T) {
	h, _, _ := newServer(t)
	rec := do(t, h, http.MethodPost, "/v1/feeds", map[string]any{"purpose": "chess"})
	if rec.Code != http.StatusOK {
		t.Fatalf("create returned %d", rec.Code)
	}
	rec = do(t, h, http.MethodPost, "/v1/feeds/chess/tombstone", map[string]any{"reason": "done"})
	if rec.Code != http.StatusOK {
		t.Fatalf("tombstone returned %d: %s", rec.Code, rec.Body.String())
	}
	// second tombstone: the feed is already gone
	rec = do(t, h, http.MethodPost, "/v1/feeds/chess/tombstone", map[string]any{"reason": "done"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second tombstone returned %d", rec.Code)
	}
}

func TestCreateRejectsBadBody(t *testing.T) {
	h, _, _ := newServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/feeds", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad json returned %d", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/v1/feeds", map[string]any{"purpose": ""})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty purpose returned %d", rec.Code)
	}
}

func TestBranchesEndpoint(t *testing.T) {
	h, svc, _ := newServer(t)
	if _, err := svc.BootstrapMain(context.Background()); err != nil {
		t.Fatalf("BootstrapMain: %v", err)
	}
	rec := do(t, h, http.MethodGet, "/v1/branches?tombstoned=false", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("branches returned %d: %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Branches []tree.Branch `json:"branches"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode branches: %v", err)
	}
	if len(out.Branches) < 4 {
		t.Fatalf("expected at least root, v1, shard and main; got %d branches", len(out.Branches))
	}

	if rec := do(t, h, http.MethodGet, "/v1/branches?tombstoned=maybe", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad filter returned %d", rec.Code)
	}
}
