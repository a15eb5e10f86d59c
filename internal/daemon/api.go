package daemon

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dcrange/dcrange/internal/buildinfo"
	"github.com/dcrange/dcrange/internal/catalog"
	"github.com/dcrange/dcrange/internal/models"
	"github.com/dcrange/dcrange/internal/planner"
)

const (
	maxJSONBytes        = 1 << 20
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	healthPath          = "/server-status"
)

// ControlAPI serves the range control endpoints.
type ControlAPI struct {
	orchestrator *Orchestrator
	catalog      CatalogLoader
	throttle     *BuildThrottle
	logger       *log.Logger
	started      time.Time
	now          func() time.Time
}

// NewControlAPI builds the control API around an orchestrator.
func NewControlAPI(orchestrator *Orchestrator, loader CatalogLoader, logger *log.Logger) *ControlAPI {
	if logger == nil {
		logger = log.Default()
	}
	return &ControlAPI{
		orchestrator: orchestrator,
		catalog:      loader,
		logger:       logger,
		started:      time.Now(),
		now:          time.Now,
	}
}

// WithBuildThrottle caps range builds per client IP on POST /orchestrate.
func (api *ControlAPI) WithBuildThrottle(throttle *BuildThrottle) *ControlAPI {
	api.throttle = throttle
	return api
}

// Register attaches the control routes to mux.
func (api *ControlAPI) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/orchestrate", api.handleOrchestrate)
	mux.HandleFunc("/range/status", api.handleStatus)
	mux.HandleFunc("/range/destroy", api.handleDestroy)
	mux.HandleFunc("/range/cancel", api.handleCancel)
	mux.HandleFunc("/range/history", api.handleHistory)
	mux.HandleFunc("/scenarios", api.handleScenarios)
	mux.HandleFunc(healthPath, api.handleServerStatus)
}

func (api *ControlAPI) handleOrchestrate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, []string{http.MethodPost})
		return
	}
	var req planner.Request
	if err := decodeJSON(w, r, &req); err != nil {
		writeErrorDetails(w, http.StatusBadRequest, "invalid request body", []string{err.Error()})
		return
	}
	if retryAfter, ok := api.throttle.Admit(r.RemoteAddr); !ok {
		writeBuildThrottled(w, retryAfter)
		return
	}
	job, err := api.orchestrator.Start(r.Context(), req)
	if err != nil {
		if verr, ok := AsValidation(err); ok {
			writeErrorDetails(w, http.StatusBadRequest, "validation failed", verr.Problems)
			return
		}
		if conflict, ok := AsConflict(err); ok {
			api.throttle.Release(r.RemoteAddr)
			writeConflict(w, conflict)
			return
		}
		api.logger.Printf("dcranged: start range: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to queue range")
		return
	}
	writeJSON(w, http.StatusAccepted, V1StateResponse{Status: string(job.Status)})
}

func (api *ControlAPI) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, []string{http.MethodGet})
		return
	}
	job, ok := api.orchestrator.Status()
	if !ok {
		writeJSON(w, http.StatusOK, V1StateResponse{Status: string(models.JobIdle)})
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (api *ControlAPI) handleDestroy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, []string{http.MethodPost})
		return
	}
	var req V1DestroyRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		writeErrorDetails(w, http.StatusBadRequest, "invalid request body", []string{err.Error()})
		return
	}
	job, err := api.orchestrator.Destroy(r.Context(), req.Force)
	if err != nil {
		if conflict, ok := AsConflict(err); ok {
			writeConflict(w, conflict)
			return
		}
		var details any = err.Error()
		if job.Error != nil {
			details = job.Error
		}
		writeErrorDetails(w, http.StatusInternalServerError, "destroy failed", details)
		return
	}
	writeJSON(w, http.StatusOK, V1StateResponse{Status: string(job.Status)})
}

func (api *ControlAPI) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, []string{http.MethodPost})
		return
	}
	job, err := api.orchestrator.Cancel(r.Context())
	if err != nil {
		switch {
		case errors.Is(err, ErrNoJob):
			writeError(w, http.StatusNotFound, err.Error())
		default:
			if conflict, ok := AsConflict(err); ok {
				writeConflict(w, conflict)
				return
			}
			api.logger.Printf("dcranged: cancel: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to cancel job")
		}
		return
	}
	writeJSON(w, http.StatusOK, V1StateResponse{Status: string(job.Status)})
}

func (api *ControlAPI) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, []string{http.MethodGet})
		return
	}
	limit := defaultHistoryLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > maxHistoryLimit {
			writeError(w, http.StatusBadRequest, "invalid limit: must be between 1 and "+strconv.Itoa(maxHistoryLimit))
			return
		}
		limit = parsed
	}
	transitions, err := api.orchestrator.History(r.Context(), limit)
	if err != nil {
		if errors.Is(err, ErrHistoryUnavailable) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		api.logger.Printf("dcranged: read history: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	writeJSON(w, http.StatusOK, V1HistoryResponse{Transitions: transitions})
}

func (api *ControlAPI) handleScenarios(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, []string{http.MethodGet})
		return
	}
	if api.catalog == nil {
		writeError(w, http.StatusServiceUnavailable, "scenarios unavailable")
		return
	}
	registry, err := api.catalog.Load(r.Context())
	if err != nil {
		api.logger.Printf("dcranged: read scenarios: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to read scenarios")
		return
	}
	stages := registry.Tree()
	if stages == nil {
		stages = []catalog.Stage{}
	}
	writeJSON(w, http.StatusOK, stages)
}

func (api *ControlAPI) handleServerStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, []string{http.MethodGet})
		return
	}
	now := api.now()
	jobStatus := string(models.JobIdle)
	if job, ok := api.orchestrator.Status(); ok {
		jobStatus = string(job.Status)
	}
	writeJSON(w, http.StatusOK, V1ServerStatusResponse{
		Status:    "ok",
		Version:   buildinfo.Version,
		Uptime:    math.Round(now.Sub(api.started).Seconds()*1000) / 1000,
		Timestamp: now.UTC(),
		JobStatus: jobStatus,
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("unexpected trailing data")
	}
	return nil
}

func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dest any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	defer r.Body.Close()
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("unexpected trailing data")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeErrorDetails(w, status, msg, nil)
}

func writeErrorDetails(w http.ResponseWriter, status int, msg string, details any) {
	writeJSON(w, status, V1ErrorResponse{
		Error:   msg,
		Code:    daemonErrorCode(status, msg),
		Details: details,
	})
}

func writeConflict(w http.ResponseWriter, conflict *ConflictError) {
	if conflict.RetryAfter > 0 {
		seconds := int(math.Ceil(conflict.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}
	writeError(w, http.StatusConflict, conflict.Message)
}

func writeMethodNotAllowed(w http.ResponseWriter, methods []string) {
	w.Header().Set("Allow", strings.Join(methods, ", "))
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
