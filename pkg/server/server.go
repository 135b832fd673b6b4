// Package server exposes the gateway over HTTP: batch proxy routes,
// the backend endpoint override API, the streaming websocket and the
// synchronous delegation endpoint.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/malsori/sttgate/pkg/errorsx"
	"github.com/malsori/sttgate/pkg/logging"
)

type Server struct {
	gateway  *Gateway
	logger   *slog.Logger
	upgrader websocket.Upgrader

	configMu        sync.Mutex
	configCache     map[string]any
	configCachePath string
}

func New(gateway *Gateway, base *slog.Logger) *Server {
	if base == nil {
		base = slog.Default()
	}
	return &Server{
		gateway: gateway,
		logger:  logging.NewComponentLogger(base, "http_server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/transcribe", s.handleSubmit)
	mux.HandleFunc("GET /v1/transcribe/{transcribe_id}", s.handleStatus)
	mux.HandleFunc("GET /v1/transcribe/{transcribe_id}/audio", s.handleAudio)
	mux.HandleFunc("GET /v1/backend/endpoint", s.handleBackendGet)
	mux.HandleFunc("POST /v1/backend/endpoint", s.handleBackendSet)
	mux.HandleFunc("DELETE /v1/backend/endpoint", s.handleBackendClear)
	mux.HandleFunc("GET /v1/streaming", s.handleStreaming)
	mux.HandleFunc("POST /stt_api", s.handleSTT)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeDetail(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"detail": message})
}

// writeError maps reason codes onto HTTP statuses: client mistakes are
// 400, upstream trouble is 502, everything else is 500.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errorsx.Reason(err) {
	case errorsx.ReasonMalformedInput:
		status = http.StatusBadRequest
	case errorsx.ReasonUpstreamRequest, errorsx.ReasonUpstreamResponse, errorsx.ReasonAuthRefresh:
		status = http.StatusBadGateway
	}
	s.logger.Error("request failed",
		slog.Int("status", status),
		slog.String("reason", string(errorsx.Reason(err))),
		slog.String("error", err.Error()),
	)
	writeDetail(w, status, err.Error())
}
