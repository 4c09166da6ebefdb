package pipeline

import (
	"errors"

	"github.com/ent0n29/splatforge/internal/accel"
	"github.com/ent0n29/splatforge/internal/artifact"
	"github.com/ent0n29/splatforge/internal/engine"
	"github.com/ent0n29/splatforge/internal/session"
)

var (
	ErrInvalidRequest   = errors.New("invalid request")
	ErrGenerationFailed = errors.New("generation failed")
	ErrExportFailed     = errors.New("export failed")
)

// Error codes reported to callers and used as metric labels.
const (
	CodeInvalidRequest   = "invalid_request"
	CodeSessionNotFound  = "session_not_found"
	CodeMalformedState   = "malformed_state"
	CodeGenerationFailed = "generation_failed"
	CodeExportFailed     = "export_failed"
	CodeUnavailable      = "accelerator_unavailable"
	CodeInternal         = "internal"
)

// Code classifies err into one of the Code constants.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, session.ErrInvalidID):
		return CodeInvalidRequest
	case errors.Is(err, session.ErrNotFound):
		return CodeSessionNotFound
	case errors.Is(err, accel.ErrUnavailable):
		return CodeUnavailable
	// A collaborator answering with a broken state is its failure, not the
	// caller's, so these win over ErrMalformedState.
	case errors.Is(err, ErrGenerationFailed):
		return CodeGenerationFailed
	case errors.Is(err, ErrExportFailed):
		return CodeExportFailed
	case errors.Is(err, artifact.ErrMalformedState):
		return CodeMalformedState
	default:
		return CodeInternal
	}
}

// Retryable reports whether the collaborator marked the failure transient.
// The pipeline itself never retries.
func Retryable(err error) bool {
	return engine.IsRetryable(err) || errors.Is(err, accel.ErrUnavailable)
}
