package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/remote-progress-relay/internal/operation"
	"github.com/JakeFAU/remote-progress-relay/internal/remoteprogress"
	"github.com/JakeFAU/remote-progress-relay/internal/store"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

type startRequest struct {
	Kind   string `json:"kind"`
	Remote string `json:"remote"`
}

func (s *Server) startOperation(w http.ResponseWriter, r *http.Request) {
	if s.launcher == nil {
		writeError(w, http.StatusServiceUnavailable, "operation launcher unavailable")
		return
	}
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	kind, err := store.ParseKind(strings.ToLower(strings.TrimSpace(req.Kind)))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	remote := strings.TrimSpace(req.Remote)
	if remote == "" {
		remote = "origin"
	}
	op, err := s.launcher.Launch(r.Context(), kind, remote)
	if err != nil {
		if errors.Is(err, operation.ErrShuttingDown) {
			writeError(w, http.StatusServiceUnavailable, "server is shutting down")
			return
		}
		s.logger.Error("start operation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start operation")
		return
	}
	w.Header().Set("Location", "/v1/operations/"+op.ID.String())
	writeJSON(w, http.StatusAccepted, map[string]any{"operation": toOperationDTO(op)})
}

func (s *Server) listOperations(w http.ResponseWriter, _ *http.Request) {
	if s.manager == nil {
		writeError(w, http.StatusServiceUnavailable, "operation manager unavailable")
		return
	}
	ops := s.manager.List()
	out := make([]operationDTO, 0, len(ops))
	for _, op := range ops {
		out = append(out, toOperationDTO(op))
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": out})
}

func (s *Server) getOperation(w http.ResponseWriter, r *http.Request) {
	op, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operation": toOperationDTO(op)})
}

// getProgress answers 200 with the latest snapshot, 204 before the first
// payload, and 500 once the cell is corrupted.
func (s *Server) getProgress(w http.ResponseWriter, r *http.Request) {
	op, ok := s.lookup(w, r)
	if !ok {
		return
	}
	snap, present, err := op.Snapshot()
	if err != nil {
		s.logger.Error("read progress failed", zap.String("operation_id", op.ID.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "progress unavailable")
		return
	}
	if !present {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) {
	if s.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "operation repository unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultHistoryLimit, maxHistoryLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var status *store.Status
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		val, parseErr := store.ParseStatus(strings.ToLower(raw))
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, parseErr.Error())
			return
		}
		status = &val
	}
	recs, err := s.repo.ListOperations(r.Context(), status, limit, offset)
	if err != nil {
		s.logger.Error("list operation history failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list operations")
		return
	}
	out := make([]recordDTO, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toRecordDTO(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": out})
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*operation.Operation, bool) {
	if s.manager == nil {
		writeError(w, http.StatusServiceUnavailable, "operation manager unavailable")
		return nil, false
	}
	id, err := parseOperationID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	op, err := s.manager.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "operation not found")
		return nil, false
	}
	return op, true
}

func parseOperationID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "operation_id")
	if raw == "" {
		return uuid.UUID{}, errors.New("operation_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, errors.New("invalid operation_id")
	}
	return id, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

type recordDTO struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	Remote     string     `json:"remote"`
	Status     string     `json:"status"`
	State      string     `json:"state,omitempty"`
	Percent    uint8      `json:"percent"`
	Relayed    int        `json:"relayed"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      *string    `json:"error,omitempty"`
}

type operationDTO struct {
	recordDTO
	Phase     string `json:"phase"`
	Reason    string `json:"reason,omitempty"`
	ReportURI string `json:"report_uri,omitempty"`
}

func toRecordDTO(rec store.OperationRecord) recordDTO {
	return recordDTO{
		ID:         rec.ID.String(),
		Kind:       string(rec.Kind),
		Remote:     rec.Remote,
		Status:     string(rec.Status),
		State:      rec.State,
		Percent:    rec.Percent,
		Relayed:    rec.Relayed,
		StartedAt:  rec.StartedAt,
		FinishedAt: rec.FinishedAt,
		Error:      rec.ErrorMessage,
	}
}

func toOperationDTO(op *operation.Operation) operationDTO {
	dto := operationDTO{
		recordDTO: toRecordDTO(op.Record()),
		Phase:     op.Phase().String(),
		ReportURI: op.ReportURI(),
	}
	if out, done := op.Outcome(); done {
		dto.Reason = string(out.Reason)
		dto.Phase = remoteprogress.PhaseTerminated.String()
	}
	return dto
}
