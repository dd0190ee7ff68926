package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nmxmxh/kgraph/internal/build"
	"github.com/nmxmxh/kgraph/internal/metrics"
	"github.com/nmxmxh/kgraph/internal/query"
	"github.com/nmxmxh/kgraph/internal/server/httputil"
	"github.com/nmxmxh/kgraph/internal/storage"
)

type triggerRequest struct {
	GraphName     string `json:"graph_name"`
	TriggerSource string `json:"trigger_source"`
}

// taskView is the wire shape of a KGTask.
type taskView struct {
	TaskID      string     `json:"task_id"`
	Type        string     `json:"type"`
	Version     string     `json:"version"`
	BaseVersion string     `json:"base_version,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Progress    int        `json:"progress"`
	Message     string     `json:"message,omitempty"`
	Error       string     `json:"error,omitempty"`
}

func viewTask(t *storage.TaskInfo) *taskView {
	if t == nil {
		return nil
	}
	return &taskView{
		TaskID:      t.TaskID,
		Type:        string(t.Type),
		Version:     t.Version,
		BaseVersion: t.BaseVersion,
		StartedAt:   t.StartedAt,
		FinishedAt:  t.FinishedAt,
		Progress:    t.Progress,
		Message:     t.Message,
		Error:       t.Error,
	}
}

func decodeTrigger(r *http.Request) (triggerRequest, error) {
	var req triggerRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return req, err
	}
	if len(body) == 0 {
		return req, nil
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return req, err
	}
	return req, nil
}

// validateTrigger rejects requests for graphs this instance does not manage.
func validateTrigger(req triggerRequest) error {
	if req.GraphName != "" && req.GraphName != storage.DefaultGraphName {
		return errors.New("unknown graph_name: only the default graph is served")
	}
	return nil
}

func triggerFullHandler(log *zap.Logger, o *build.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := decodeTrigger(r)
		if err != nil {
			httputil.WriteError(w, log, http.StatusBadRequest, httputil.CodeBadRequest, "invalid request body", err.Error())
			return
		}
		if err := validateTrigger(req); err != nil {
			httputil.WriteError(w, log, http.StatusBadRequest, httputil.CodeBadRequest, err.Error(), nil)
			return
		}

		res, err := o.TriggerFullBuild(r.Context())
		if err != nil {
			writeServiceError(w, log, err)
			return
		}
		log.Info("full build triggered",
			zap.String("task_id", res.TaskID),
			zap.String("trigger_source", req.TriggerSource))
		httputil.WriteJSON(w, log, res)
	}
}

func triggerIncrementalHandler(log *zap.Logger, o *build.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := decodeTrigger(r)
		if err != nil {
			httputil.WriteError(w, log, http.StatusBadRequest, httputil.CodeBadRequest, "invalid request body", err.Error())
			return
		}
		if err := validateTrigger(req); err != nil {
			httputil.WriteError(w, log, http.StatusBadRequest, httputil.CodeBadRequest, err.Error(), nil)
			return
		}

		res, err := o.TriggerIncrementalUpdate(r.Context())
		if err != nil {
			writeServiceError(w, log, err)
			return
		}
		log.Info("incremental update triggered",
			zap.String("task_id", res.TaskID),
			zap.String("base_version", res.BaseVersion),
			zap.String("trigger_source", req.TriggerSource))
		httputil.WriteJSON(w, log, res)
	}
}

func statusHandler(log *zap.Logger, q *query.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state, task, err := q.Status(r.Context())
		if err != nil {
			writeServiceError(w, log, err)
			return
		}
		httputil.WriteJSON(w, log, map[string]any{
			"status":               string(state.Status),
			"latest_ready_version": nullableString(state.LatestReadyVersion),
			"current_task":         viewTask(task),
		})
	}
}

func entityTypesHandler(log *zap.Logger, q *query.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := q.EntityTypes(r.Context())
		if err != nil {
			countQuery("types_entities", err)
			writeServiceError(w, log, err)
			return
		}
		countQuery("types_entities", nil)
		httputil.WriteJSON(w, log, map[string]any{
			"version":      res.Version,
			"entity_types": res.Types,
		})
	}
}

func relationTypesHandler(log *zap.Logger, q *query.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := q.RelationTypes(r.Context())
		if err != nil {
			countQuery("types_relations", err)
			writeServiceError(w, log, err)
			return
		}
		countQuery("types_relations", nil)
		httputil.WriteJSON(w, log, map[string]any{
			"version":        res.Version,
			"relation_types": res.Types,
		})
	}
}

func queryHandler(log *zap.Logger, q *query.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params, err := parseQueryParams(r)
		if err != nil {
			httputil.WriteError(w, log, http.StatusBadRequest, httputil.CodeBadRequest, err.Error(), nil)
			return
		}
		res, err := q.Query(r.Context(), params)
		if err != nil {
			countQuery("query", err)
			writeServiceError(w, log, err)
			return
		}
		countQuery("query", nil)
		httputil.WriteJSON(w, log, res)
	}
}

func statsHandler(log *zap.Logger, q *query.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := q.Stats(r.Context())
		if err != nil {
			countQuery("stats", err)
			writeServiceError(w, log, err)
			return
		}
		countQuery("stats", nil)
		httputil.WriteJSON(w, log, res)
	}
}

func healthHandler(log *zap.Logger, health Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := health.Ping(ctx); err != nil {
			httputil.WriteError(w, log, http.StatusServiceUnavailable, httputil.CodeNeo4jError, "neo4j unreachable", err.Error())
			return
		}
		httputil.WriteJSON(w, log, map[string]string{"status": "ok"})
	}
}

func parseQueryParams(r *http.Request) (query.Params, error) {
	values := r.URL.Query()
	p := query.Params{
		Q:                 values.Get("q"),
		IncludeProperties: true,
	}

	var err error
	if p.LimitNodes, err = intParam(values.Get("limit_nodes"), "limit_nodes"); err != nil {
		return p, err
	}
	if p.LimitEdges, err = intParam(values.Get("limit_edges"), "limit_edges"); err != nil {
		return p, err
	}
	if p.Depth, err = intParam(values.Get("depth"), "depth"); err != nil {
		return p, err
	}
	if raw := values.Get("include_properties"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return p, errors.New("include_properties must be a boolean")
		}
		p.IncludeProperties = v
	}
	p.EntityTypes = csvParam(values.Get("entity_types"))
	p.RelationTypes = csvParam(values.Get("relation_types"))
	return p, nil
}

func intParam(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return v, nil
}

func csvParam(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func countQuery(endpoint string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.QueriesTotal.WithLabelValues(endpoint, status).Inc()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// writeServiceError maps domain errors onto the HTTP error surface.
func writeServiceError(w http.ResponseWriter, log *zap.Logger, err error) {
	var conflict *storage.ConflictError
	switch {
	case errors.As(err, &conflict):
		httputil.WriteError(w, log, http.StatusConflict, httputil.CodeTaskRunning,
			"a build task is already running", map[string]any{
				"status":       string(conflict.State.Status),
				"current_task": viewTask(conflict.Task),
			})
	case errors.Is(err, build.ErrNoBaseVersion):
		httputil.WriteError(w, log, http.StatusBadRequest, httputil.CodeNoBaseVersion,
			"no ready version exists; run a full build first", nil)
	case errors.Is(err, query.ErrNoReadyVersion):
		httputil.WriteError(w, log, http.StatusNotFound, httputil.CodeNotFound,
			"no graph version has been published yet", nil)
	default:
		log.Error("request failed", zap.Error(err))
		httputil.WriteError(w, log, http.StatusInternalServerError, httputil.CodeNeo4jError,
			"internal storage error", err.Error())
	}
}
