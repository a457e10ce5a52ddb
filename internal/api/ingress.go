package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/aridsondez/leaseq/internal/queue"
)

type ingressResponse struct {
	ID string `json:"id"`
}

// handleIngress turns one request body into one enqueue on the source queue:
// 200 on success, 400 for a body the queue rejects, 500 when the enqueue fails.
func (s *Server) handleIngress(w http.ResponseWriter, r *http.Request) {
	q := s.queues.Queue
	limit := int64(q.Settings().MaxBodyBytes)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpError(w, http.StatusBadRequest, "body exceeds %d bytes", limit)
			return
		}
		httpError(w, http.StatusBadRequest, "read body: %v", err)
		return
	}

	id, err := q.Enqueue(r.Context(), body)
	if err != nil {
		if errors.Is(err, queue.ErrEmptyBody) || errors.Is(err, queue.ErrBodyTooLarge) {
			httpError(w, http.StatusBadRequest, "%v", err)
			return
		}
		s.logger.Error("ingress enqueue failed", "queue", q.Name(), "error", err)
		httpError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	writeJSON(w, http.StatusOK, &ingressResponse{ID: id})
}
