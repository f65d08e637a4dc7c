package evalapi

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rafaeljc/verdict/internal/ruleengine"
)

// Error codes returned in ErrorResponse.Code.
const (
	ErrCodeInvalidJSON     = "ERR_INVALID_JSON"
	ErrCodeInvalidInput    = "ERR_INVALID_INPUT"
	ErrCodePayloadTooLarge = "ERR_PAYLOAD_TOO_LARGE"
	ErrCodeBatchTooLarge   = "ERR_BATCH_TOO_LARGE"
	ErrCodeFlagNotFound    = "ERR_FLAG_NOT_FOUND"
	ErrCodeNotReady        = "ERR_SNAPSHOT_NOT_LOADED"
	ErrCodeInternal        = "ERR_INTERNAL"
)

// maxNameLength bounds flag and environment names.
const maxNameLength = 255

// ErrorResponse represents a standard structured API error.
type ErrorResponse struct {
	// Code is a machine-readable error code (e.g., "ERR_INVALID_INPUT").
	Code string `json:"code"`

	// Message is a human-readable description of the error.
	Message string `json:"message"`

	// Details provides optional granular validation errors.
	Details []ErrorDetail `json:"details,omitempty"`
}

// ErrorDetail provides context about specific field validation failures.
type ErrorDetail struct {
	Field string `json:"field"`
	Issue string `json:"issue"`
}

func invalidInput(field, issue string) *ErrorResponse {
	return &ErrorResponse{
		Code:    ErrCodeInvalidInput,
		Message: "Request validation failed",
		Details: []ErrorDetail{{Field: field, Issue: issue}},
	}
}

// validateName enforces the shape of flag and environment names.
func validateName(field, value string, required bool) *ErrorResponse {
	if value == "" {
		if required {
			return invalidInput(field, "is required")
		}
		return nil
	}
	if len(value) > maxNameLength {
		return invalidInput(field, fmt.Sprintf("must be at most %d characters", maxNameLength))
	}
	return nil
}

// EvaluateRequest is the payload of POST /api/v1/evaluate.
type EvaluateRequest struct {
	FlagName    string             `json:"flagName"`
	Environment string             `json:"environment"`
	Context     ruleengine.Context `json:"context"`
}

// Sanitize trims whitespace from names.
func (r *EvaluateRequest) Sanitize() {
	r.FlagName = strings.TrimSpace(r.FlagName)
	r.Environment = strings.TrimSpace(r.Environment)
	if r.Context == nil {
		r.Context = ruleengine.Context{}
	}
}

// Validate checks the request and returns nil when it is valid.
func (r *EvaluateRequest) Validate() *ErrorResponse {
	if err := validateName("flagName", r.FlagName, true); err != nil {
		return err
	}
	return validateName("environment", r.Environment, false)
}

// BatchEvaluateRequest is the payload of POST /api/v1/evaluate/batch.
// An empty FlagNames evaluates every flag of the snapshot.
type BatchEvaluateRequest struct {
	FlagNames    []string           `json:"flagNames,omitempty"`
	Environments []string           `json:"environments"`
	Context      ruleengine.Context `json:"context"`
}

// Sanitize trims names and drops blanks and duplicates, keeping first
// occurrences in order.
func (r *BatchEvaluateRequest) Sanitize() {
	r.FlagNames = cleanNames(r.FlagNames)
	r.Environments = cleanNames(r.Environments)
	if r.Context == nil {
		r.Context = ruleengine.Context{}
	}
}

func cleanNames(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || slices.Contains(out, n) {
			continue
		}
		out = append(out, n)
	}
	return out
}

// Validate checks the request and returns nil when it is valid.
func (r *BatchEvaluateRequest) Validate() *ErrorResponse {
	if len(r.Environments) == 0 {
		return invalidInput("environments", "at least one environment is required")
	}
	for _, n := range r.FlagNames {
		if err := validateName("flagNames", n, true); err != nil {
			return err
		}
	}
	for _, e := range r.Environments {
		if err := validateName("environments", e, true); err != nil {
			return err
		}
	}
	return nil
}

// BatchCell is one flag x environment outcome. Result is always present;
// Error explains FLAG_NOT_FOUND and ERROR reasons.
type BatchCell struct {
	FlagName    string             `json:"flagName"`
	Environment string             `json:"environment"`
	Result      *ruleengine.Result `json:"result"`
	Error       string             `json:"error,omitempty"`
}

// BatchEvaluateResponse is the grid returned by the batch endpoint, in
// flag-major order.
type BatchEvaluateResponse struct {
	SnapshotVersion int64       `json:"snapshotVersion"`
	Results         []BatchCell `json:"results"`
}

// SnapshotResponse describes the snapshot currently served.
type SnapshotResponse struct {
	Version   int64                          `json:"version"`
	Checksum  string                         `json:"checksum,omitempty"`
	CreatedAt time.Time                      `json:"createdAt"`
	Flags     map[string]*ruleengine.Flag    `json:"flags"`
	Segments  map[string]*ruleengine.Segment `json:"segments"`
}

// RedistributeRequest is the payload of POST /api/v1/variants/redistribute.
type RedistributeRequest struct {
	Variants []ruleengine.Variant `json:"variants"`
}

// Validate checks variant names and weights.
func (r *RedistributeRequest) Validate() *ErrorResponse {
	seen := make(map[string]struct{}, len(r.Variants))
	for i, v := range r.Variants {
		field := fmt.Sprintf("variants[%d]", i)
		name := strings.TrimSpace(v.Name)
		if name == "" {
			return invalidInput(field+".name", "is required")
		}
		if _, dup := seen[name]; dup {
			return invalidInput(field+".name", fmt.Sprintf("duplicate variant name %q", name))
		}
		seen[name] = struct{}{}
		if v.Weight < 0 || v.Weight > 100 {
			return invalidInput(field+".weight", "must be between 0 and 100")
		}
	}
	return nil
}

// RedistributeResponse carries the rebalanced variants.
type RedistributeResponse struct {
	Variants []ruleengine.Variant `json:"variants"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status          string `json:"status"`
	SnapshotVersion int64  `json:"snapshotVersion,omitempty"`
}
