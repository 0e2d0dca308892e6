package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/remote-progress-relay/internal/operation"
)

type completeEvent struct {
	Status  string `json:"status"`
	Reason  string `json:"reason"`
	Relayed int    `json:"relayed"`
	Error   string `json:"error,omitempty"`
}

// streamEvents sends one "progress" event per observed wake-up and a final
// "complete" event once the operation is finalized. Coalesced wake-ups yield
// a single event carrying the latest snapshot.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	op, ok := s.lookup(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	wake, release := op.Subscribe()
	defer release()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	var lastSeq uint64
	s.sendProgress(w, flusher, op, &lastSeq)
	for {
		select {
		case <-r.Context().Done():
			return
		case _, open := <-wake:
			if !open {
				s.sendProgress(w, flusher, op, &lastSeq)
				s.sendComplete(w, flusher, op)
				return
			}
			s.sendProgress(w, flusher, op, &lastSeq)
		}
	}
}

// sendProgress writes the current snapshot unless it was already sent.
func (s *Server) sendProgress(w io.Writer, flusher http.Flusher, op *operation.Operation, lastSeq *uint64) {
	snap, present, err := op.Snapshot()
	if err != nil {
		s.sendEvent(w, flusher, "error", map[string]string{"error": err.Error()})
		return
	}
	if !present || snap.Seq == *lastSeq {
		return
	}
	*lastSeq = snap.Seq
	s.sendEvent(w, flusher, "progress", snap)
}

func (s *Server) sendComplete(w io.Writer, flusher http.Flusher, op *operation.Operation) {
	out, _ := op.Outcome()
	evt := completeEvent{
		Status:  string(operation.StatusFor(out)),
		Reason:  string(out.Reason),
		Relayed: out.Relayed,
	}
	if out.Err != nil {
		evt.Error = out.Err.Error()
	}
	s.sendEvent(w, flusher, "complete", evt)
}

func (s *Server) sendEvent(w io.Writer, flusher http.Flusher, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("encode event failed", zap.String("event", event), zap.Error(err))
		return
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		s.logger.Debug("event stream write failed", zap.Error(err))
		return
	}
	flusher.Flush()
}
