package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"retrainlock/internal/lease"
)

type Server struct {
	svc *lease.Service
	mux *http.ServeMux
}

type contextKey string

const requestIDKey contextKey = "req_id"

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func NewServer(svc *lease.Service) *Server {
	s := &Server{svc: svc, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return withRequestID(s.mux)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Lock entry endpoints (simple path parsing to avoid extra router deps)
	s.mux.HandleFunc("/v1/locks/", s.handleLocks)
}

func (s *Server) handleLocks(w http.ResponseWriter, r *http.Request) {
	// Expected:
	// /v1/locks/{resource}
	// /v1/locks/{resource}/acquire
	// /v1/locks/{resource}/extend
	// /v1/locks/{resource}/release
	path := strings.TrimPrefix(r.URL.Path, "/v1/locks/")
	path = strings.Trim(path, "/")
	if path == "" {
		writeErr(w, http.StatusBadRequest, "resource required")
		return
	}

	parts := strings.Split(path, "/")
	resource := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}
	if len(parts) > 2 {
		writeErr(w, http.StatusNotFound, "invalid path")
		return
	}

	switch r.Method {
	case http.MethodGet:
		if action != "" {
			writeErr(w, http.StatusNotFound, "invalid path")
			return
		}
		s.handleGet(w, r, resource)
		return

	case http.MethodPost:
		switch action {
		case "acquire":
			s.handleAcquire(w, r, resource)
			return
		case "extend":
			s.handleExtend(w, r, resource)
			return
		case "release":
			s.handleRelease(w, r, resource)
			return
		default:
			writeErr(w, http.StatusNotFound, "unknown action")
			return
		}

	default:
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
}

// --- Handlers ---

type acquireReq struct {
	Value string `json:"value"`
	TTLMS int64  `json:"ttl_ms"`
}

type acquireResp struct {
	Acquired        bool   `json:"acquired"`
	Resource        string `json:"resource"`
	ExpiryMS        int64  `json:"expiry_ms,omitempty"`
	CurrentExpiryMS int64  `json:"current_expiry_ms,omitempty"`
	RetryMS         int64  `json:"retry_ms,omitempty"`
	Reason          string `json:"reason,omitempty"` // HELD | BUSY_RETRY
}

func (s *Server) handleAcquire(w http.ResponseWriter, r *http.Request, resource string) {
	var req acquireReq
	if err := readJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Value == "" {
		writeErr(w, http.StatusBadRequest, "value required")
		return
	}
	if req.TTLMS <= 0 || req.TTLMS > 60*60*1000 {
		writeErr(w, http.StatusBadRequest, "ttl_ms must be in (0, 3600000]")
		return
	}

	res, err := s.svc.SetIfAbsent(r.Context(), lease.SetIfAbsentRequest{
		Resource: resource,
		Value:    req.Value,
		TTL:      time.Duration(req.TTLMS) * time.Millisecond,
	})
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := acquireResp{
		Acquired: res.Acquired,
		Resource: resource,
	}
	if res.Acquired {
		out.ExpiryMS = res.Expiry.UnixNano() / int64(time.Millisecond)
		writeJSON(w, http.StatusOK, out)
		return
	}

	if res.Busy {
		out.Reason = "BUSY_RETRY"
		out.RetryMS = int64(res.RetryAfter / time.Millisecond)
	} else {
		out.Reason = "HELD"
		out.CurrentExpiryMS = res.CurrentExpiry.UnixNano() / int64(time.Millisecond)
	}
	writeJSON(w, http.StatusConflict, out)
}

type extendReq struct {
	Value string `json:"value"`
	TTLMS int64  `json:"ttl_ms"`
}

type extendResp struct {
	Extended bool   `json:"extended"`
	ExpiryMS int64  `json:"expiry_ms,omitempty"`
	Reason   string `json:"reason,omitempty"` // NOT_HOLDER | BUSY_RETRY
}

func (s *Server) handleExtend(w http.ResponseWriter, r *http.Request, resource string) {
	var req extendReq
	if err := readJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Value == "" {
		writeErr(w, http.StatusBadRequest, "value required")
		return
	}
	if req.TTLMS <= 0 || req.TTLMS > 60*60*1000 {
		writeErr(w, http.StatusBadRequest, "ttl_ms must be in (0, 3600000]")
		return
	}

	res, err := s.svc.ExtendIfMatch(r.Context(), lease.ExtendIfMatchRequest{
		Resource: resource,
		Value:    req.Value,
		TTL:      time.Duration(req.TTLMS) * time.Millisecond,
	})
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}

	if res.Extended {
		writeJSON(w, http.StatusOK, extendResp{
			Extended: true,
			ExpiryMS: res.Expiry.UnixNano() / int64(time.Millisecond),
		})
		return
	}

	out := extendResp{Extended: false, Reason: "NOT_HOLDER"}
	if res.Busy {
		out.Reason = "BUSY_RETRY"
	}
	writeJSON(w, http.StatusConflict, out)
}

type releaseReq struct {
	Value string `json:"value"`
}

type releaseResp struct {
	Released bool   `json:"released"`
	Reason   string `json:"reason,omitempty"` // NOT_HOLDER | BUSY_RETRY
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request, resource string) {
	var req releaseReq
	if err := readJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Value == "" {
		writeErr(w, http.StatusBadRequest, "value required")
		return
	}

	res, err := s.svc.DeleteIfMatch(r.Context(), lease.DeleteIfMatchRequest{
		Resource: resource,
		Value:    req.Value,
	})
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := releaseResp{Released: res.Released}
	if !res.Released {
		out.Reason = "NOT_HOLDER"
		if res.Busy {
			out.Reason = "BUSY_RETRY"
		}
	}
	writeJSON(w, http.StatusOK, out) // idempotent
}

type getResp struct {
	Resource string `json:"resource"`
	Held     bool   `json:"held"`
	ExpiryMS int64  `json:"expiry_ms,omitempty"`
	Version  int64  `json:"version,omitempty"`
}

// handleGet reports whether the entry is held. The stored value is
// deliberately not exposed; it is the holder's secret.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, resource string) {
	snap, err := s.svc.Get(r.Context(), resource, time.Time{})
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := getResp{
		Resource: resource,
		Held:     snap.Held,
	}
	if snap.Held {
		out.ExpiryMS = snap.Expiry.UnixNano() / int64(time.Millisecond)
		out.Version = snap.Version
	}
	writeJSON(w, http.StatusOK, out)
}

// --- helpers ---

func readJSON(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return errors.New("missing body")
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
