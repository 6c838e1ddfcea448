package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/exchange/saga/internal/saga"
	"github.com/exchange/saga/internal/store"
	"github.com/exchange/saga/pkg/audit"
	commonerrors "github.com/exchange/saga/pkg/errors"
	commonresp "github.com/exchange/saga/pkg/response"
	"github.com/exchange/saga/pkg/validate"
)

// StartRequest is the body of POST /saga/start. Optional numbers are
// pointers so an explicit zero is validated instead of defaulted.
type StartRequest struct {
	SagaID   string                 `json:"saga_id"`
	Pattern  saga.Pattern           `json:"pattern"`
	Steps    []StepRequest          `json:"steps"`
	Timeout  *int                   `json:"timeout"`
	Metadata map[string]interface{} `json:"metadata"`
}

type StepRequest struct {
	StepID              string          `json:"step_id"`
	ServiceURL          string          `json:"service_url"`
	Action              string          `json:"action"`
	Payload             json.RawMessage `json:"payload"`
	CompensationAction  string          `json:"compensation_action"`
	CompensationPayload json.RawMessage `json:"compensation_payload"`
	Timeout             *int            `json:"timeout"`
	RetryAttempts       *int            `json:"retry_attempts"`
}

type StartResponse struct {
	SagaID     string `json:"saga_id"`
	Status     string `json:"status"`
	StepsCount int    `json:"steps_count"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	tx, cerr := s.buildTransaction(&req, time.Now())
	if cerr != nil {
		commonresp.WriteError(w, r, cerr)
		return
	}

	if err := s.engine.Start(r.Context(), tx); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			commonresp.WriteErrorCode(w, r, commonerrors.CodeSagaExists, fmt.Sprintf("saga %s already exists", tx.ID))
			return
		}
		s.writeStoreError(w, r, tx.ID, err)
		return
	}

	commonresp.WriteJSON(w, http.StatusOK, StartResponse{
		SagaID:     tx.ID,
		Status:     "started",
		StepsCount: len(tx.Steps),
	})
}

// buildTransaction applies defaults, validates the definition and resolves
// every service_url before anything is persisted.
func (s *Server) buildTransaction(req *StartRequest, now time.Time) (*saga.Transaction, *commonerrors.Error) {
	if req.Pattern == saga.PatternChoreography {
		return nil, commonerrors.New(commonerrors.CodeUnsupportedPattern, "pattern choreography is declared but not supported")
	}

	id := req.SagaID
	if id == "" {
		id = uuid.NewString()
	}
	timeout := s.defaults.TimeoutSeconds
	if req.Timeout != nil {
		timeout = *req.Timeout
	}

	steps := make([]saga.Step, len(req.Steps))
	for i, st := range req.Steps {
		steps[i] = saga.Step{
			StepID:              st.StepID,
			ServiceURL:          st.ServiceURL,
			Action:              st.Action,
			Payload:             st.Payload,
			CompensationAction:  st.CompensationAction,
			CompensationPayload: st.CompensationPayload,
			TimeoutSeconds:      s.defaults.StepTimeoutSeconds,
			RetryAttempts:       s.defaults.RetryAttempts,
		}
		if st.Timeout != nil {
			steps[i].TimeoutSeconds = *st.Timeout
		}
		if st.RetryAttempts != nil {
			steps[i].RetryAttempts = *st.RetryAttempts
		}
	}

	tx := saga.New(id, req.Pattern, steps, timeout, req.Metadata, now)
	if err := tx.Validate(); err != nil {
		return nil, validate.ToError(err)
	}

	if s.resolver != nil {
		for i := range tx.Steps {
			if _, err := s.resolver.Resolve(tx.Steps[i].ServiceURL); err != nil {
				return nil, commonerrors.Newf(commonerrors.CodeUnknownService, "steps.%d.service_url: %v", i, err)
			}
		}
	}
	return tx, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	tx, err := s.engine.Get(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, r, id, err)
		return
	}
	commonresp.WriteJSON(w, http.StatusOK, tx)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	tx, err := s.engine.Complete(r.Context(), id, commonresp.RequestIDFromRequest(r))
	if err != nil {
		s.writeStoreError(w, r, id, err)
		return
	}
	commonresp.WriteJSON(w, http.StatusOK, tx)
}

func (s *Server) handleCompensate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	tx, err := s.engine.Compensate(r.Context(), id, commonresp.RequestIDFromRequest(r))
	if err != nil {
		s.writeStoreError(w, r, id, err)
		return
	}
	commonresp.WriteJSON(w, http.StatusOK, tx)
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	if s.watcher == nil {
		commonresp.WriteErrorCode(w, r, commonerrors.CodeUnavailable, "watch is not enabled")
		return
	}
	id := r.PathValue("id")
	tx, err := s.engine.Get(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, r, id, err)
		return
	}
	s.watcher.Serve(w, r, tx)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		commonresp.WriteErrorCode(w, r, commonerrors.CodeUnavailable, "audit trail is not configured")
		return
	}
	id := r.PathValue("id")
	if err := validate.ID.Validate(id); err != nil {
		commonresp.WriteErrorCode(w, r, commonerrors.CodeInvalidParam, "id: "+err.Error())
		return
	}

	filter := &audit.QueryFilter{SagaID: id, Limit: 100}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 || limit > 1000 {
			commonresp.WriteErrorCode(w, r, commonerrors.CodeInvalidParam, "limit must be between 1 and 1000")
			return
		}
		filter.Limit = limit
	}

	logs, err := s.audit.Query(r.Context(), filter)
	if err != nil {
		if errors.Is(err, audit.ErrNotConfigured) {
			commonresp.WriteErrorCode(w, r, commonerrors.CodeUnavailable, "audit trail is not configured")
			return
		}
		s.log.WithContext(r.Context()).WithSaga(id).WithError(err).Error("audit query failed")
		commonresp.WriteErrorCode(w, r, commonerrors.CodeUnavailable, "audit trail unavailable")
		return
	}
	if logs == nil {
		logs = []*audit.AuditLog{}
	}
	commonresp.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"saga_id": id,
		"entries": logs,
	})
}

func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, id string, err error) {
	if errors.Is(err, saga.ErrNotFound) {
		commonresp.WriteErrorCode(w, r, commonerrors.CodeSagaNotFound, fmt.Sprintf("saga %s not found", id))
		return
	}
	if errors.Is(err, store.ErrVersionConflict) {
		commonresp.WriteErrorCode(w, r, commonerrors.CodeConflict, "saga was modified concurrently, retry")
		return
	}
	s.log.WithContext(r.Context()).WithSaga(id).WithError(err).Error("state store error")
	commonresp.WriteErrorCode(w, r, commonerrors.CodeStoreUnavailable, "")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			commonresp.WriteErrorCode(w, r, commonerrors.CodeRequestTooLarge, "")
			return false
		}
		commonresp.WriteErrorCode(w, r, commonerrors.CodeInvalidRequest, "invalid request body")
		return false
	}
	return true
}
