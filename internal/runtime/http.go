package runtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

type sessionView struct {
	State     string `json:"state"`
	SessionID string `json:"session_id,omitempty"`
	LastError string `json:"last_error,omitempty"`
	Segments  int    `json:"segments"`
}

type errorView struct {
	Error string `json:"error"`
}

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if r.metricsHandler != nil {
		mux.Handle("/metrics", r.metricsHandler)
	}
	mux.HandleFunc("GET /v1/transcript", r.handleTranscript)
	mux.HandleFunc("GET /v1/session", r.handleSession)
	mux.HandleFunc("POST /v1/session/{op}", r.handleSessionControl)
	mux.HandleFunc("GET /v1/sessions", r.handleJournal)
	mux.HandleFunc("GET /v1/peers", r.handlePeers)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	ready := r.ready.Load()
	if r.bus != nil && !r.bus.Healthy() {
		ready = false
	}
	if ready {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

// handleTranscript serves GET /v1/transcript?start=<ms>&end=<ms>.
func (r *Runtime) handleTranscript(w http.ResponseWriter, req *http.Request) {
	start, err := strconv.ParseFloat(req.URL.Query().Get("start"), 64)
	if err != nil {
		r.writeJSON(w, http.StatusBadRequest, errorView{Error: "start must be a number of milliseconds"})
		return
	}
	end, err := strconv.ParseFloat(req.URL.Query().Get("end"), 64)
	if err != nil {
		r.writeJSON(w, http.StatusBadRequest, errorView{Error: "end must be a number of milliseconds"})
		return
	}
	if end < start {
		r.writeJSON(w, http.StatusBadRequest, errorView{Error: "end must not be before start"})
		return
	}
	r.writeJSON(w, http.StatusOK, protocol.QueryReply{Text: r.session.GetTranscript(start, end)})
}

func (r *Runtime) handleSession(w http.ResponseWriter, _ *http.Request) {
	r.writeJSON(w, http.StatusOK, r.sessionView())
}

func (r *Runtime) handleSessionControl(w http.ResponseWriter, req *http.Request) {
	switch req.PathValue("op") {
	case "start":
		r.session.Start(req.Context())
	case "close":
		r.session.Close()
	case "resume":
		r.session.Resume(req.Context())
	default:
		r.writeJSON(w, http.StatusNotFound, errorView{Error: "unknown operation"})
		return
	}
	r.writeJSON(w, http.StatusOK, r.sessionView())
}

func (r *Runtime) handleJournal(w http.ResponseWriter, req *http.Request) {
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	sessions, err := r.store.Sessions(req.Context(), limit)
	if err != nil {
		r.logger.Warn("failed to list journal sessions", slog.String("error", err.Error()))
		r.writeJSON(w, http.StatusInternalServerError, errorView{Error: "journal unavailable"})
		return
	}
	if sessions == nil {
		r.writeJSON(w, http.StatusOK, []any{})
		return
	}
	r.writeJSON(w, http.StatusOK, sessions)
}

func (r *Runtime) handlePeers(w http.ResponseWriter, _ *http.Request) {
	if r.beacon == nil {
		r.writeJSON(w, http.StatusOK, []any{})
		return
	}
	r.writeJSON(w, http.StatusOK, r.beacon.Peers())
}

func (r *Runtime) sessionView() sessionView {
	st := r.session.Status()
	return sessionView{
		State:     st.State.String(),
		SessionID: st.SessionID,
		LastError: st.LastError,
		Segments:  st.Segments,
	}
}

func (r *Runtime) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		r.logger.Debug("failed to write response", slog.String("error", err.Error()))
	}
}
