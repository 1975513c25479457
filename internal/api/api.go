// Package api serves the trailmark HTTP interface.
//
// Routes:
//
//   - GET  /                                            agent banner
//   - GET  /health                                      liveness and version
//   - POST /channels/{channel}/records                  commit (commit-type header)
//   - GET  /channels/{channel}/records/{resourceID}     newest payload
//   - GET  /channels/{channel}/records/{resourceID}/audit   full history, newest first
//   - GET  /channels?match=<glob>                       channel listing
//   - GET  /feed/ws                                     live commit feed (websocket)
//   - GET  /metrics                                     Prometheus exposition
//
// Failures are reported as {"success":false,"status":...,"error":...} with
// the HTTP status chosen by audit.StatusCode.
package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/trailmark/trailmark/internal/audit"
)

// Engine is the subset of *audit.Engine the handlers use.
type Engine interface {
	Commit(ctx context.Context, channel, resourceID string, payload json.RawMessage, commitType string) error
	Query(ctx context.Context, channel, resourceID string) (json.RawMessage, error)
	QueryHistory(ctx context.Context, channel, resourceID string) ([]json.RawMessage, error)
	Trail(ctx context.Context, channel, resourceID string) ([]audit.Packet, error)
	Channels(ctx context.Context, match string) ([]audit.ChannelConfig, error)
}

// Metrics receives per-request counts. Optional.
type Metrics interface {
	HTTPRequest(route string, code int)
}

// Options holds the dependencies injected into the server.
type Options struct {
	Engine  Engine
	Version string
	// Feed serves /feed/ws when set.
	Feed *Feed
	// MetricsHandler serves /metrics when set.
	MetricsHandler http.Handler
	Metrics        Metrics
	// MaxBodyBytes bounds commit request bodies. Default 1 MiB.
	MaxBodyBytes int64
}

// Server is the HTTP handler for the whole API.
type Server struct {
	engine   Engine
	version  string
	metrics  Metrics
	maxBody  int64
	validate *validator.Validate
	handler  http.Handler
}

// New builds the route table.
func New(opts Options) *Server {
	s := &Server{
		engine:   opts.Engine,
		version:  opts.Version,
		metrics:  opts.Metrics,
		maxBody:  opts.MaxBodyBytes,
		validate: validator.New(),
	}
	if s.maxBody <= 0 {
		s.maxBody = 1 << 20
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleHome)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /channels/{channel}/records", s.handleCommit)
	mux.HandleFunc("GET /channels/{channel}/records/{resourceID}", s.handleQuery)
	mux.HandleFunc("GET /channels/{channel}/records/{resourceID}/audit", s.handleHistory)
	mux.HandleFunc("GET /channels", s.handleChannels)
	if opts.Feed != nil {
		mux.Handle("GET /feed/ws", opts.Feed)
	}
	if opts.MetricsHandler != nil {
		mux.Handle("GET /metrics", opts.MetricsHandler)
	}

	s.handler = s.instrument(mux)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Status texts of the error body.
const (
	statusNotFound      = "No Such Resource"
	statusCommitFailure = "Agent Commit Failure"
	statusQueryFailure  = "Agent Query Failure"
	statusAuditFailure  = "Agent Audit Failure"
)

type errorBody struct {
	Success bool   `json:"success"`
	Status  string `json:"status"`
	Error   string `json:"error"`
}

// fail writes the error body for err. failure names the operation that
// failed; 404s always use the not-found text.
func fail(w http.ResponseWriter, err error, failure string) {
	code := audit.StatusCode(err)
	failWithCode(w, code, err.Error(), failure)
}

func failWithCode(w http.ResponseWriter, code int, msg, failure string) {
	status := failure
	if code == http.StatusNotFound {
		status = statusNotFound
	}
	writeJSON(w, code, errorBody{Success: false, Status: status, Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("writing response failed", "error", err)
	}
}

// handleHome answers the root path.
// GET /
func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, "trailmark ledger agent\n")
}

// handleHealth reports liveness.
// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.version})
}

// commitRequest is the commit body. recordID and recordIDPayload are the
// older field names and are still accepted.
type commitRequest struct {
	ResourceID      string          `json:"resourceID"`
	Payload         json.RawMessage `json:"payload"`
	RecordID        string          `json:"recordID,omitempty"`
	RecordIDPayload json.RawMessage `json:"recordIDPayload,omitempty"`
}

type commitInput struct {
	ResourceID string          `validate:"required,max=256"`
	Payload    json.RawMessage `validate:"required"`
}

func (c commitRequest) normalize() commitInput {
	in := commitInput{ResourceID: c.ResourceID, Payload: c.Payload}
	if in.ResourceID == "" {
		in.ResourceID = c.RecordID
	}
	if len(in.Payload) == 0 {
		in.Payload = c.RecordIDPayload
	}
	return in
}

// handleCommit records a change.
// POST /channels/{channel}/records   commit-type: CREATE|UPDATE|...
//
//	{"resourceID": "...", "payload": {...}}
func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	var req commitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err := dec.Decode(&req); err != nil {
		failWithCode(w, http.StatusBadRequest, "invalid JSON body: "+err.Error(), statusCommitFailure)
		return
	}
	in := req.normalize()
	if err := s.validate.Struct(in); err != nil {
		failWithCode(w, http.StatusBadRequest, "resourceID and payload are required", statusCommitFailure)
		return
	}

	err := s.engine.Commit(r.Context(), r.PathValue("channel"), in.ResourceID, in.Payload, r.Header.Get("commit-type"))
	if err != nil {
		fail(w, err, statusCommitFailure)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleQuery returns the newest payload as stored.
// GET /channels/{channel}/records/{resourceID}
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	payload, err := s.engine.Query(r.Context(), r.PathValue("channel"), r.PathValue("resourceID"))
	if err != nil {
		fail(w, err, statusQueryFailure)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(payload)
}

// handleHistory returns every payload of the asset, newest first. With
// ?full=true each element is the whole ledger packet instead.
// GET /channels/{channel}/records/{resourceID}/audit
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	channel, resourceID := r.PathValue("channel"), r.PathValue("resourceID")

	if full, _ := strconv.ParseBool(r.URL.Query().Get("full")); full {
		chain, err := s.engine.Trail(r.Context(), channel, resourceID)
		if err != nil {
			fail(w, err, statusAuditFailure)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"history": chain})
		return
	}

	history, err := s.engine.QueryHistory(r.Context(), channel, resourceID)
	if err != nil {
		fail(w, err, statusAuditFailure)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": history})
}

type channelJSON struct {
	ChannelID string     `json:"channelID"`
	Mode      audit.Mode `json:"mode"`
	SideKey   string     `json:"sideKey"`
	Root      string     `json:"root"`
}

// handleChannels lists channels. Seeds are never included.
// GET /channels?match=orders-*
func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.engine.Channels(r.Context(), r.URL.Query().Get("match"))
	if err != nil {
		fail(w, err, statusQueryFailure)
		return
	}

	out := make([]channelJSON, 0, len(channels))
	for _, c := range channels {
		out = append(out, channelJSON{
			ChannelID: c.ChannelID,
			Mode:      c.State.Mode,
			SideKey:   c.State.Key,
			Root:      c.Root,
		})
	}
	writeJSON(w, http.StatusOK, out)
}
