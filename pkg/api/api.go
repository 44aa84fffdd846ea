// Package api is the local admin surface: inspect the feed tree, drive
// find-or-create and tombstoning, and expose health and metrics endpoints.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"metafeed/pkg/logger"
	"metafeed/pkg/metafeed"
	"metafeed/pkg/models"
	"metafeed/pkg/tree"
)

// Server bundles the handlers' dependencies.
type Server struct {
	svc *metafeed.Service
	idx *tree.Index
	lim *limiterPool
}

// Config tunes the request middleware.
type Config struct {
	RPS   float64
	Burst int
}

// New builds the admin handler.
func New(svc *metafeed.Service, idx *tree.Index, cfg Config) http.Handler {
	s := &Server{svc: svc, idx: idx, lim: &limiterPool{rps: cfg.RPS, burst: cfg.Burst}}

	r := mux.NewRouter()
	// feed ids carry '/' in URI form, so they travel escaped in the path
	r.UseEncodedPath()
	r.HandleFunc("/healthz", healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.readyz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/root", s.getRoot).Methods(http.MethodGet)
	v1.HandleFunc("/tree/{root}", s.getTree).Methods(http.MethodGet)
	v1.HandleFunc("/branches", s.listBranches).Methods(http.MethodGet)
	v1.HandleFunc("/feeds", s.createFeed).Methods(http.MethodPost)
	v1.HandleFunc("/feeds/{id}", s.getFeed).Methods(http.MethodGet)
	v1.HandleFunc("/feeds/{purpose}/tombstone", s.tombstoneFeed).Methods(http.MethodPost)

	logger.Info("admin_routes_registered")
	return requestID(s.rateLimit(countRequests(r)))
}

func healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !s.idx.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"replaying"}`))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) getRoot(w http.ResponseWriter, r *http.Request) {
	root, err := s.svc.GetOrCreateRoot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, root)
}

func (s *Server) getTree(w http.ResponseWriter, r *http.Request) {
	rootEnc := mux.Vars(r)["root"]
	// path variables arrive escaped; feed ids contain '/' in URI form
	root, err := url.PathUnescape(rootEnc)
	if err != nil {
		jsonError(w, http.StatusBadRequest, "malformed root id")
		return
	}
	node := s.idx.GetTree(root)
	if node == nil {
		jsonError(w, http.StatusNotFound, "unknown root")
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *Server) listBranches(w http.ResponseWriter, r *http.Request) {
	opts := tree.BranchOpts{Old: true}
	q := r.URL.Query()
	if root := q.Get("root"); root != "" {
		opts.Root = root
	}
	switch q.Get("tombstoned") {
	case "":
	case "true":
		t := true
		opts.Tombstoned = &t
	case "false":
		f := false
		opts.Tombstoned = &f
	default:
		jsonError(w, http.StatusBadRequest, "tombstoned must be true or false")
		return
	}
	var out []tree.Branch
	for b := range s.idx.BranchStream(r.Context(), opts) {
		out = append(out, b)
	}
	writeJSON(w, http.StatusOK, struct {
		Branches []tree.Branch `json:"branches"`
	}{Branches: out})
}

func (s *Server) getFeed(w http.ResponseWriter, r *http.Request) {
	id, err := url.PathUnescape(mux.Vars(r)["id"])
	if err != nil {
		jsonError(w, http.StatusBadRequest, "malformed feed id")
		return
	}
	d, err := s.idx.FindByID(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) createFeed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Purpose  string         `json:"purpose"`
		Format   string         `json:"format"`
		Metadata map[string]any `json:"metadata,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Format == "" {
		req.Format = models.FormatClassic
	}
	d, err := s.svc.FindOrCreatePurpose(r.Context(), req.Purpose, req.Format, req.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) tombstoneFeed(w http.ResponseWriter, r *http.Request) {
	purpose, err := url.PathUnescape(mux.Vars(r)["purpose"])
	if err != nil {
		jsonError(w, http.StatusBadRequest, "malformed purpose")
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.svc.TombstonePurpose(r.Context(), purpose, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "tombstoned"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		jsonError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrInvalidArgument):
		jsonError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrNotReady):
		jsonError(w, http.StatusServiceUnavailable, err.Error())
	default:
		logger.Error("request_failed", "error", err)
		jsonError(w, http.StatusInternalServerError, err.Error())
	}
}
