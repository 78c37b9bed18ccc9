// Package admission converts Kubernetes AdmissionReview envelopes to and
// from the plugin validation types.
package admission

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	admissionv1 "k8s.io/api/admission/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"

	"github.com/caxtonacollins/Stellar-K8s-sub001/pkg/plugins"
)

var (
	// ErrMissingRequest is returned for a review without a request
	ErrMissingRequest = errors.New("admission review has no request")
	// ErrMissingUID is returned for a request without a uid
	ErrMissingUID = errors.New("admission request has no uid")
)

// Context keys handed to plugins alongside the object
const (
	ContextKind        = "kind"
	ContextResource    = "resource"
	ContextSubResource = "subResource"
	ContextDryRun      = "dryRun"
	ContextRequestUID  = "requestUid"
)

var reviewType = metav1.TypeMeta{
	APIVersion: admissionv1.SchemeGroupVersion.String(),
	Kind:       "AdmissionReview",
}

// DecodeReview parses an AdmissionReview and checks the parts the webhook relies on
func DecodeReview(body []byte) (*admissionv1.AdmissionReview, error) {
	var review admissionv1.AdmissionReview
	if err := json.Unmarshal(body, &review); err != nil {
		return nil, fmt.Errorf("failed to decode admission review: %w", err)
	}
	if review.Request == nil {
		return nil, ErrMissingRequest
	}
	if review.Request.UID == "" {
		return &review, ErrMissingUID
	}
	if _, err := operation(review.Request.Operation); err != nil {
		return &review, err
	}
	return &review, nil
}

func operation(op admissionv1.Operation) (plugins.Operation, error) {
	parsed, err := plugins.ParseOperation(string(op))
	if err != nil || parsed == plugins.OperationDbTrigger {
		return "", fmt.Errorf("unsupported admission operation %q", op)
	}
	return parsed, nil
}

// ToValidationInput maps an admission request onto the plugin input
func ToValidationInput(req *admissionv1.AdmissionRequest) (plugins.ValidationInput, error) {
	if req == nil {
		return plugins.ValidationInput{}, ErrMissingRequest
	}
	op, err := operation(req.Operation)
	if err != nil {
		return plugins.ValidationInput{}, err
	}

	var extra map[string][]string
	if len(req.UserInfo.Extra) > 0 {
		extra = make(map[string][]string, len(req.UserInfo.Extra))
		for k, v := range req.UserInfo.Extra {
			extra[k] = []string(v)
		}
	}

	dryRun := false
	if req.DryRun != nil {
		dryRun = *req.DryRun
	}

	input := plugins.ValidationInput{
		Operation: op,
		Object:    json.RawMessage(req.Object.Raw),
		OldObject: json.RawMessage(req.OldObject.Raw),
		Namespace: req.Namespace,
		Name:      req.Name,
		UserInfo: plugins.UserInfo{
			Username: req.UserInfo.Username,
			UID:      req.UserInfo.UID,
			Groups:   req.UserInfo.Groups,
			Extra:    extra,
		},
		Context: map[string]string{
			ContextKind:       req.Kind.Kind,
			ContextResource:   req.Resource.Resource,
			ContextDryRun:     strconv.FormatBool(dryRun),
			ContextRequestUID: string(req.UID),
		},
	}
	if req.SubResource != "" {
		input.Context[ContextSubResource] = req.SubResource
	}
	return input, nil
}

// ToReview builds the response review for an aggregated decision
func ToReview(req *admissionv1.AdmissionRequest, result plugins.AggregatedValidationResult) *admissionv1.AdmissionReview {
	resp := &admissionv1.AdmissionResponse{
		UID:              req.UID,
		Allowed:          result.Allowed,
		Warnings:         result.Warnings,
		AuditAnnotations: result.AuditAnnotations,
	}

	if result.Allowed {
		if result.Message != "" {
			resp.Result = &metav1.Status{
				Status:  metav1.StatusSuccess,
				Message: result.Message,
				Code:    http.StatusOK,
			}
		}
	} else {
		msg := result.Message
		if msg == "" {
			msg = "Validation failed"
		}
		resp.Result = &metav1.Status{
			Status:  metav1.StatusFailure,
			Message: msg,
			Reason:  metav1.StatusReason(denialReason(result)),
			Code:    http.StatusForbidden,
		}
	}

	return &admissionv1.AdmissionReview{TypeMeta: reviewType, Response: resp}
}

// denialReason is PluginError when every denial came from a failing plugin
func denialReason(result plugins.AggregatedValidationResult) string {
	sawDenial := false
	for _, r := range result.PluginResults {
		if r.Output.Allowed {
			continue
		}
		sawDenial = true
		if r.Output.Reason != plugins.ReasonPluginError {
			return plugins.ReasonValidationFailed
		}
	}
	if sawDenial {
		return plugins.ReasonPluginError
	}
	return plugins.ReasonValidationFailed
}

// PatchReview allows the request and attaches a JSON patch, if any
func PatchReview(req *admissionv1.AdmissionRequest, patch []byte) *admissionv1.AdmissionReview {
	resp := &admissionv1.AdmissionResponse{
		UID:     req.UID,
		Allowed: true,
	}
	if len(patch) > 0 {
		pt := admissionv1.PatchTypeJSONPatch
		resp.Patch = patch
		resp.PatchType = &pt
	}
	return &admissionv1.AdmissionReview{TypeMeta: reviewType, Response: resp}
}

// DenyReview rejects the request with a 403 and message
func DenyReview(req *admissionv1.AdmissionRequest, message string) *admissionv1.AdmissionReview {
	return &admissionv1.AdmissionReview{
		TypeMeta: reviewType,
		Response: &admissionv1.AdmissionResponse{
			UID:     req.UID,
			Allowed: false,
			Result: &metav1.Status{
				Status:  metav1.StatusFailure,
				Message: message,
				Code:    http.StatusForbidden,
			},
		},
	}
}

// InvalidReview answers a malformed review. uid is echoed when it could be read.
func InvalidReview(uid types.UID, message string) *admissionv1.AdmissionReview {
	return &admissionv1.AdmissionReview{
		TypeMeta: reviewType,
		Response: &admissionv1.AdmissionResponse{
			UID:     uid,
			Allowed: false,
			Result: &metav1.Status{
				Status:  metav1.StatusFailure,
				Message: message,
				Reason:  metav1.StatusReasonBadRequest,
				Code:    http.StatusBadRequest,
			},
		},
	}
}
