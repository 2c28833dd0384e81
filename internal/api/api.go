// Package api saga 管理 HTTP 接口
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/exchange/saga-orchestrator/pkg/audit"
	commonerrors "github.com/exchange/saga-orchestrator/pkg/errors"
	"github.com/exchange/saga-orchestrator/pkg/health"
	"github.com/exchange/saga-orchestrator/pkg/logger"
	"github.com/exchange/saga-orchestrator/pkg/response"
	"github.com/exchange/saga-orchestrator/pkg/saga"
	"github.com/exchange/saga-orchestrator/pkg/tracing"
)

const maxBodyBytes = 1 << 20

// SagaService 由 *saga.Manager 实现
type SagaService interface {
	StartSaga(ctx context.Context, typeName string, data saga.Data) (*saga.Saga, error)
	Resume(ctx context.Context, id string) (*saga.Saga, error)
	Get(ctx context.Context, id string) (*saga.Saga, error)
}

// Config 路由依赖，Journal/Health/Metrics 可为空
type Config struct {
	Sagas   SagaService
	Journal audit.Journal
	Health  *health.Health
	Metrics http.Handler
	Logger  *logger.Logger
}

// NewRouter 注册路由并套上 request-id、panic 恢复和 tracing 中间件
func NewRouter(cfg Config) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = logger.New("saga-api", io.Discard)
	}
	h := &handler{sagas: cfg.Sagas, journal: cfg.Journal, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sagas", h.startSaga)
	mux.HandleFunc("GET /v1/sagas/{id}", h.getSaga)
	mux.HandleFunc("POST /v1/sagas/{id}/resume", h.resumeSaga)
	mux.HandleFunc("GET /v1/sagas/{id}/transitions", h.listTransitions)

	if cfg.Health != nil {
		mux.HandleFunc("GET /health/live", cfg.Health.LiveHandler())
		mux.HandleFunc("GET /health/ready", cfg.Health.ReadyHandler())
	}
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}

	var root http.Handler = mux
	root = tracing.HTTPMiddleware(root)
	root = response.RecoveryMiddleware(log)(root)
	root = response.RequestIDMiddleware(root)
	return root
}

type handler struct {
	sagas   SagaService
	journal audit.Journal
	log     *logger.Logger
}

// StartSagaRequest 启动请求
type StartSagaRequest struct {
	Type string    `json:"type"`
	Data saga.Data `json:"data"`
}

// SagaView 对外展示的 saga
type SagaView struct {
	ID          string      `json:"id"`
	Type        string      `json:"type"`
	Status      saga.Status `json:"status"`
	CurrentStep int         `json:"currentStep"`
	StepName    string      `json:"stepName,omitempty"`
	Steps       int         `json:"steps"`
	Data        saga.Data   `json:"data"`
	Version     int64       `json:"version"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

func viewOf(s *saga.Saga) SagaView {
	v := SagaView{
		ID:          s.ID(),
		Type:        s.Type(),
		Status:      s.Status(),
		CurrentStep: s.CurrentStep(),
		Steps:       len(s.Definition().Steps),
		Data:        s.Data(),
		Version:     s.Version(),
		CreatedAt:   s.CreatedAt(),
		UpdatedAt:   s.UpdatedAt(),
	}
	if s.CurrentStep() < v.Steps {
		v.StepName = s.CurrentStepDefinition().Name()
	}
	return v
}

func (h *handler) startSaga(w http.ResponseWriter, r *http.Request) {
	var req StartSagaRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		response.WriteErrorCode(w, r, commonerrors.CodeInvalidRequest, "invalid json body")
		return
	}
	if req.Type == "" {
		response.WriteErrorCode(w, r, commonerrors.CodeInvalidParam, "type is required")
		return
	}

	s, err := h.sagas.StartSaga(r.Context(), req.Type, req.Data)
	if err != nil {
		h.writeSagaError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusCreated, viewOf(s))
}

func (h *handler) getSaga(w http.ResponseWriter, r *http.Request) {
	s, err := h.sagas.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeSagaError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, viewOf(s))
}

func (h *handler) resumeSaga(w http.ResponseWriter, r *http.Request) {
	s, err := h.sagas.Resume(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeSagaError(w, r, err)
		return
	}
	h.log.WithContext(r.Context()).Infof("saga resumed by operator", map[string]interface{}{
		"sagaId": s.ID(),
		"status": string(s.Status()),
	})
	response.WriteJSON(w, http.StatusOK, viewOf(s))
}

func (h *handler) listTransitions(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		response.WriteErrorCode(w, r, commonerrors.CodeUnavailable, "audit trail disabled")
		return
	}
	id := r.PathValue("id")
	if _, err := h.sagas.Get(r.Context(), id); err != nil {
		h.writeSagaError(w, r, err)
		return
	}

	filter := &audit.QueryFilter{SagaID: id}
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 || limit > 1000 {
			response.WriteErrorCode(w, r, commonerrors.CodeInvalidParam, "limit must be between 1 and 1000")
			return
		}
		filter.Limit = limit
	}
	if v := q.Get("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil || offset < 0 {
			response.WriteErrorCode(w, r, commonerrors.CodeInvalidParam, "offset must be non-negative")
			return
		}
		filter.Offset = offset
	}

	entries, err := h.journal.Query(r.Context(), filter)
	if err != nil {
		h.writeSagaError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*audit.Entry{}
	}
	response.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"sagaId":      id,
		"transitions": entries,
	})
}

func (h *handler) writeSagaError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := ToAPIError(err)
	if apiErr.HTTPStatus() >= http.StatusInternalServerError {
		h.log.WithContext(r.Context()).WithError(err).Errorf("saga request failed", map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
		})
	}
	response.WriteError(w, r, apiErr)
}

// ToAPIError 将引擎错误映射为统一错误码
func ToAPIError(err error) *commonerrors.Error {
	var stepErr *saga.StepError
	switch {
	case errors.As(err, &stepErr):
		return commonerrors.Newf(commonerrors.CodeStepFailed, "saga %s step %q failed: %v", stepErr.SagaID, stepErr.StepName, stepErr.Err)
	case errors.Is(err, saga.ErrNotFound):
		return commonerrors.NewWithDefault(commonerrors.CodeNotFound, "saga not found")
	case errors.Is(err, saga.ErrUnknownSagaType):
		return commonerrors.NewWithDefault(commonerrors.CodeUnknownSagaType, err.Error())
	case errors.Is(err, saga.ErrSagaLocked):
		return commonerrors.NewWithDefault(commonerrors.CodeSagaLocked, "")
	case errors.Is(err, saga.ErrConflict), errors.Is(err, saga.ErrSagaChanged):
		return commonerrors.NewWithDefault(commonerrors.CodeConflict, "saga was modified concurrently, please retry")
	case errors.Is(err, saga.ErrDuplicateResponse):
		return commonerrors.NewWithDefault(commonerrors.CodeDuplicate, "")
	case errors.Is(err, context.DeadlineExceeded):
		return commonerrors.NewWithDefault(commonerrors.CodeTimeout, "")
	default:
		return commonerrors.NewWithDefault(commonerrors.CodeInternal, "")
	}
}
