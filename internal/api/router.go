// Package api exposes the provider router and the approval queue over HTTP for
// the UI layer and page-script bridges.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/olehkaliuzhnyi/wallet-runtime/internal/provider"
)

// maxBodyBytes bounds a JSON-RPC request body.
const maxBodyBytes = 1 << 20

const codeParseError = -32700

// Activity is notified on every user-driven call so the idle lock is postponed.
type Activity interface {
	Touch()
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string             `json:"jsonrpc"`
	ID      json.RawMessage    `json:"id"`
	Result  any                `json:"result,omitempty"`
	Error   *provider.RPCError `json:"error,omitempty"`
}

// Handler serves the bridge endpoints.
type Handler struct {
	router   *provider.Router
	activity Activity
	uiToken  string
	logger   *slog.Logger
}

// SetupRouter registers the bridge endpoints on a new mux. The approval
// endpoints belong to the UI layer and require uiToken as a bearer token;
// with an empty uiToken they refuse every call.
func SetupRouter(router *provider.Router, activity Activity, uiToken string) http.Handler {
	h := &Handler{
		router:   router,
		activity: activity,
		uiToken:  uiToken,
		logger:   slog.Default().With("component", "api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /rpc", h.RPC)
	mux.HandleFunc("GET /approvals", h.requireUI(h.ListApprovals))
	mux.HandleFunc("POST /approvals/{id}/approve", h.requireUI(h.Approve))
	mux.HandleFunc("POST /approvals/{id}/reject", h.requireUI(h.Reject))
	return mux
}

// requireUI rejects calls that do not carry the UI bearer token.
func (h *Handler) requireUI(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || h.uiToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.uiToken)) != 1 {
			h.logger.Warn("unauthorized approval call", "path", r.URL.Path, "origin", r.Header.Get("Origin"))
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

// RPC handles POST /rpc. The Origin header identifies the calling dApp.
func (h *Handler) RPC(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.logger.Warn("malformed rpc request", "error", err)
		writeJSON(w, http.StatusOK, rpcResponse{
			JSONRPC: "2.0",
			ID:      json.RawMessage("null"),
			Error:   &provider.RPCError{Code: codeParseError, Message: "parse error"},
		})
		return
	}
	if req.ID == nil {
		req.ID = json.RawMessage("null")
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		writeJSON(w, http.StatusOK, rpcResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &provider.RPCError{Code: provider.CodeUnauthorized, Message: "missing Origin header"},
		})
		return
	}

	result, err := h.router.Request(r.Context(), provider.Request{
		Origin: origin,
		Method: req.Method,
		Params: req.Params,
	})
	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	if err != nil {
		resp.Error = provider.ToRPCError(err)
	} else if result == nil {
		resp.Result = json.RawMessage("null")
	} else {
		resp.Result = result
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListApprovals handles GET /approvals
func (h *Handler) ListApprovals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.router.Approvals().List())
}

// Approve handles POST /approvals/{id}/approve
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, h.router.Approvals().Approve)
}

// Reject handles POST /approvals/{id}/reject
func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, h.router.Approvals().Reject)
}

func (h *Handler) resolve(w http.ResponseWriter, r *http.Request, fn func(id string) bool) {
	id := r.PathValue("id")
	if h.activity != nil {
		h.activity.Touch()
	}
	if !fn(id) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no pending approval " + id})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"resolved": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Warn("write response", "component", "api", "error", err)
	}
}

// Server is the bridge HTTP server.
type Server struct {
	server *http.Server
	logger *slog.Logger
}

func NewServer(addr string, handler http.Handler) *Server {
	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: slog.Default().With("component", "api"),
	}
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("bridge listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down bridge")
	return s.server.Shutdown(ctx)
}
