package retrain

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
)

// TriggerServer exposes the manual retrain trigger and the status
// endpoint. Triggers are authenticated with a shared secret in
// X-Retrain-Token; an empty configured token disables the trigger
// entirely rather than leaving it open.
type TriggerServer struct {
	coord *Coordinator
	token string
	mux   *http.ServeMux
}

func NewTriggerServer(coord *Coordinator, token string) *TriggerServer {
	s := &TriggerServer{coord: coord, token: token, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *TriggerServer) Handler() http.Handler {
	return s.mux
}

func (s *TriggerServer) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	s.mux.HandleFunc("/v1/retrain", s.handleTrigger)
	s.mux.HandleFunc("/v1/retrain/status", s.handleStatus)
}

func (s *TriggerServer) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.token == "" {
		writeErr(w, http.StatusForbidden, "manual retrain trigger is disabled")
		return
	}
	got := r.Header.Get("X-Retrain-Token")
	if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
		writeErr(w, http.StatusForbidden, "invalid retrain token")
		return
	}

	out := s.coord.TryStart(r.Context())
	if out.Started {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
		return
	}
	writeJSON(w, http.StatusConflict, map[string]string{
		"status": "skipped",
		"reason": out.Reason,
	})
}

func (s *TriggerServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.coord.Status())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
