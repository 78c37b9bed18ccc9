package webhook

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"
	admissionv1 "k8s.io/api/admission/v1"
	"k8s.io/apimachinery/pkg/types"

	"github.com/caxtonacollins/Stellar-K8s-sub001/pkg/admission"
	"github.com/caxtonacollins/Stellar-K8s-sub001/pkg/async"
	"github.com/caxtonacollins/Stellar-K8s-sub001/pkg/audit"
	"github.com/caxtonacollins/Stellar-K8s-sub001/pkg/httputil"
	"github.com/caxtonacollins/Stellar-K8s-sub001/pkg/nodespec"
	"github.com/caxtonacollins/Stellar-K8s-sub001/pkg/observability"
	"github.com/caxtonacollins/Stellar-K8s-sub001/pkg/plugins"
)

// HealthResponse is returned by /health
type HealthResponse struct {
	Status        string `json:"status"`
	PluginsLoaded int    `json:"pluginsLoaded"`
}

// ReadyResponse is returned by /ready
type ReadyResponse struct {
	Status        string                                    `json:"status"`
	PluginsLoaded int                                       `json:"pluginsLoaded"`
	Dependencies  map[string]observability.DependencyStatus `json:"dependencies,omitempty"`
}

// TriggerResponse is returned by /db-trigger
type TriggerResponse struct {
	Status       string                    `json:"status"`
	Message      string                    `json:"message,omitempty"`
	UpdatedNodes []plugins.DbTriggerOutput `json:"updatedNodes,omitempty"`
	Errors       []string                  `json:"errors,omitempty"`
}

// PluginListResponse is returned by GET /plugins
type PluginListResponse struct {
	Plugins []plugins.PluginInfo `json:"plugins"`
}

// LoadPluginRequest is the body of POST /plugins. WasmBinary is base64 in JSON.
type LoadPluginRequest struct {
	Metadata     plugins.PluginMetadata `json:"metadata"`
	WasmBinary   []byte                 `json:"wasmBinary,omitempty"`
	BlobKey      string                 `json:"blobKey,omitempty"`
	Operations   []plugins.Operation    `json:"operations,omitempty"`
	Enabled      *bool                  `json:"enabled,omitempty"`
	FailOpen     bool                   `json:"failOpen"`
	PluginConfig map[string]interface{} `json:"pluginConfig,omitempty"`
}

// ToConfig converts the request into a plugin config
func (req *LoadPluginRequest) ToConfig() plugins.PluginConfig {
	cfg := plugins.PluginConfig{
		Metadata:     req.Metadata,
		BlobKey:      req.BlobKey,
		Operations:   req.Operations,
		Enabled:      true,
		FailOpen:     req.FailOpen,
		PluginConfig: req.PluginConfig,
	}
	if len(req.WasmBinary) > 0 {
		cfg.WasmBinary = base64.StdEncoding.EncodeToString(req.WasmBinary)
	}
	if len(cfg.Operations) == 0 {
		cfg.Operations = plugins.DefaultOperations()
	}
	if req.Enabled != nil {
		cfg.Enabled = *req.Enabled
	}
	return cfg
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, HealthResponse{
		Status:        observability.StatusHealthy,
		PluginsLoaded: s.engine.PluginCount(),
	})
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	count := s.engine.PluginCount()
	if count == 0 {
		httputil.WriteJSON(w, http.StatusServiceUnavailable, ReadyResponse{Status: "no plugins loaded"})
		return
	}

	resp := ReadyResponse{Status: "ready", PluginsLoaded: count}
	if s.opts.Health != nil {
		health := s.opts.Health.Check(r.Context())
		resp.Dependencies = health.Dependencies
		if health.Status == observability.StatusUnhealthy {
			resp.Status = health.Status
			httputil.WriteJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// readReview decodes an AdmissionReview body, answering 400 itself on failure
func (s *Server) readReview(w http.ResponseWriter, r *http.Request) (*admissionv1.AdmissionRequest, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			err = fmt.Errorf("request body exceeds %d bytes", maxErr.Limit)
		}
		s.invalidReview(w, r, "", err)
		return nil, false
	}

	review, err := admission.DecodeReview(body)
	if err != nil {
		var uid types.UID
		if review != nil && review.Request != nil {
			uid = review.Request.UID
		}
		s.invalidReview(w, r, uid, err)
		return nil, false
	}
	return review.Request, true
}

func (s *Server) invalidReview(w http.ResponseWriter, r *http.Request, uid types.UID, err error) {
	observability.Entry(r.Context(), s.logger).WithError(err).Warn("Failed to parse admission request")
	httputil.WriteJSON(w, http.StatusBadRequest,
		admission.InvalidReview(uid, fmt.Sprintf("Invalid admission request: %v", err)))
}

func (s *Server) validate(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readReview(w, r)
	if !ok {
		return
	}
	input, err := admission.ToValidationInput(req)
	if err != nil {
		s.invalidReview(w, r, req.UID, err)
		return
	}

	ctx := r.Context()
	result := s.engine.Validate(ctx, input)

	entry := observability.Entry(ctx, s.logger).WithFields(logrus.Fields{
		"uid":       req.UID,
		"operation": input.Operation,
		"namespace": input.Namespace,
		"name":      input.Name,
		"allowed":   result.Allowed,
	})
	if result.Allowed {
		entry.Debug("Admission request allowed")
	} else {
		entry.Infof("Admission request denied: %s", result.Message)
	}

	s.recordDecision(ctx, input, result)
	httputil.WriteJSON(w, http.StatusOK, admission.ToReview(req, result))
}

// recordDecision writes the audit record off the request path
func (s *Server) recordDecision(ctx context.Context, input plugins.ValidationInput, result plugins.AggregatedValidationResult) {
	if _, ok := s.opts.Audit.(audit.NoOpLogger); ok {
		return
	}
	record := audit.NewDecisionRecord(input, result, observability.GetRequestID(ctx))
	async.SafeGo(context.WithoutCancel(ctx), s.opts.AuditTimeout, "audit decision", func(ctx context.Context) error {
		return s.opts.Audit.LogDecision(ctx, record)
	})
}

func (s *Server) mutate(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readReview(w, r)
	if !ok {
		return
	}

	// Nothing to default on deletes or connects
	if len(req.Object.Raw) == 0 ||
		req.Operation == admissionv1.Delete || req.Operation == admissionv1.Connect {
		httputil.WriteJSON(w, http.StatusOK, admission.PatchReview(req, nil))
		return
	}

	entry := observability.Entry(r.Context(), s.logger).WithFields(logrus.Fields{
		"uid":       req.UID,
		"namespace": req.Namespace,
		"name":      req.Name,
	})

	patch, err := nodespec.Mutate(req.Object.Raw)
	if err != nil {
		entry.WithError(err).Error("Failed to apply mutations")
		httputil.WriteJSON(w, http.StatusOK, admission.DenyReview(req, fmt.Sprintf("Mutation failed: %v", err)))
		return
	}
	if len(patch) == 0 {
		httputil.WriteJSON(w, http.StatusOK, admission.PatchReview(req, nil))
		return
	}

	data, err := json.Marshal(patch)
	if err != nil {
		entry.WithError(err).Error("Failed to serialize patch")
		httputil.WriteJSON(w, http.StatusOK, admission.DenyReview(req, fmt.Sprintf("Mutation failed: %v", err)))
		return
	}
	entry.Infof("Applied %d mutations to StellarNode %s", len(patch), req.Name)
	httputil.WriteJSON(w, http.StatusOK, admission.PatchReview(req, data))
}

func (s *Server) dbTrigger(w http.ResponseWriter, r *http.Request) {
	var input plugins.DbTriggerInput
	if !httputil.ParseJSONOrError(w, r, &input) {
		return
	}

	report := s.engine.ExecuteTriggers(r.Context(), input)
	switch {
	case report.Matched == 0:
		httputil.WriteJSON(w, http.StatusOK, TriggerResponse{
			Status:  "ignored",
			Message: "No trigger plugins configured",
		})
	case len(report.Errors) > 0:
		httputil.WriteJSON(w, http.StatusInternalServerError, TriggerResponse{
			Status:       "completed_with_errors",
			UpdatedNodes: report.Updated,
			Errors:       report.Errors,
		})
	default:
		httputil.WriteJSON(w, http.StatusOK, TriggerResponse{
			Status:       "success",
			UpdatedNodes: report.Updated,
		})
	}
}

func (s *Server) listPlugins(w http.ResponseWriter, r *http.Request) {
	configs := s.engine.ListPlugins()
	infos := make([]plugins.PluginInfo, 0, len(configs))
	for i := range configs {
		infos = append(infos, configs[i].Info())
	}
	httputil.WriteJSON(w, http.StatusOK, PluginListResponse{Plugins: infos})
}

func (s *Server) addPlugin(w http.ResponseWriter, r *http.Request) {
	var req LoadPluginRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if len(req.WasmBinary) == 0 && req.BlobKey == "" {
		httputil.WriteBadRequest(w, "wasmBinary or blobKey is required")
		return
	}

	cfg := req.ToConfig()
	if err := s.engine.AddPlugin(r.Context(), cfg); err != nil {
		observability.Entry(r.Context(), s.logger).WithError(err).Errorf("Failed to add plugin %s", cfg.Metadata.Name)
		httputil.WriteUnprocessable(w, err)
		return
	}

	if subject := Subject(r.Context()); subject != "" {
		s.logger.Infof("Plugin %s loaded by %s", cfg.Metadata.Name, subject)
	}
	httputil.WriteStatus(w, http.StatusCreated, "created")
}

func (s *Server) removePlugin(w http.ResponseWriter, r *http.Request) {
	name, ok := httputil.ParsePathStringOrError(w, r, "name")
	if !ok {
		return
	}

	if err := s.engine.RemovePlugin(r.Context(), name); err != nil {
		if plugins.IsNotFound(err) {
			httputil.WriteNotFound(w, err.Error())
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteStatus(w, http.StatusOK, "removed")
}
