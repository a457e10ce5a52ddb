package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aridsondez/leaseq/internal/queue"
)

// Bodies are opaque bytes and travel base64-encoded.
type enqueueRequest struct {
	Body []byte `json:"body"`
}

type enqueueResponse struct {
	ID string `json:"id"`
}

type receiveRequest struct {
	Max          int   `json:"max"`
	VisibilityMS int64 `json:"visibility_ms"`
	// WaitMS of nil uses the server's default long poll.
	WaitMS *int64 `json:"wait_ms,omitempty"`
}

type receivedMessage struct {
	ID           string    `json:"id"`
	Queue        string    `json:"queue"`
	Body         []byte    `json:"body"`
	LeaseToken   string    `json:"lease_token"`
	ReceiveCount int       `json:"receive_count"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	VisibleAt    time.Time `json:"visible_at"`
}

type leaseRequest struct {
	LeaseToken   string `json:"lease_token"`
	VisibilityMS int64  `json:"visibility_ms,omitempty"`
}

type resultResponse struct {
	Result string `json:"result"`
}

type statsResponse struct {
	Queue    string `json:"queue"`
	Visible  int    `json:"visible"`
	InFlight int    `json:"in_flight"`
}

// ---------- Handlers ----------

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	q, ok := s.queue(w, r)
	if !ok {
		return
	}
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	id, err := q.Enqueue(r.Context(), req.Body)
	if err != nil {
		httpError(w, statusFor(err), "enqueue failed: %v", err)
		return
	}
	writeJSON(w, http.StatusCreated, &enqueueResponse{ID: id})
}

func (s *Server) handleReceive(w http.ResponseWriter, r *http.Request) {
	q, ok := s.queue(w, r)
	if !ok {
		return
	}
	var req receiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	wait := s.longPoll
	if req.WaitMS != nil {
		wait = time.Duration(*req.WaitMS) * time.Millisecond
	}
	if wait > MaxWait {
		wait = MaxWait
	}

	out, err := q.DequeueBatch(r.Context(), queue.ClaimOptions{
		Limit:      req.Max,
		Visibility: time.Duration(req.VisibilityMS) * time.Millisecond,
		WaitTime:   wait,
	})
	if err != nil {
		if r.Context().Err() != nil {
			// Client went away mid-poll; nothing was leased.
			return
		}
		httpError(w, statusFor(err), "receive failed: %v", err)
		return
	}

	resp := make([]receivedMessage, 0, len(out))
	for _, d := range out {
		resp = append(resp, receivedMessage{
			ID:           d.ID,
			Queue:        d.Queue,
			Body:         d.Body,
			LeaseToken:   d.LeaseToken,
			ReceiveCount: d.ReceiveCount,
			EnqueuedAt:   d.EnqueuedAt,
			VisibleAt:    d.VisibleAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	q, ok := s.queue(w, r)
	if !ok {
		return
	}
	var req leaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	res, err := q.Delete(r.Context(), chi.URLParam(r, "id"), req.LeaseToken)
	if err != nil {
		httpError(w, statusFor(err), "delete failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, &resultResponse{Result: res.String()})
}

func (s *Server) handleExtend(w http.ResponseWriter, r *http.Request) {
	q, ok := s.queue(w, r)
	if !ok {
		return
	}
	var req leaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	timeout := time.Duration(req.VisibilityMS) * time.Millisecond
	res, err := q.ExtendLease(r.Context(), chi.URLParam(r, "id"), req.LeaseToken, timeout)
	if err != nil {
		httpError(w, statusFor(err), "extend failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, &resultResponse{Result: res.String()})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	q, ok := s.queue(w, r)
	if !ok {
		return
	}
	st, err := q.Stats(r.Context())
	if err != nil {
		httpError(w, statusFor(err), "stats failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, &statsResponse{Queue: q.Name(), Visible: st.Visible, InFlight: st.InFlight})
}
