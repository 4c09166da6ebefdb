// Package jobs keeps a ledger of generate and export calls per session.
package jobs

import (
	"context"
	"time"
)

type Kind string

const (
	KindGenerate       Kind = "generate"
	KindExportMesh     Kind = "export_glb"
	KindExportGaussian Kind = "export_ply"
)

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Record describes one finished pipeline call.
type Record struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id"`
	Kind       Kind           `json:"kind"`
	Status     Status         `json:"status"`
	Seed       *uint32        `json:"seed,omitempty"`
	Digest     string         `json:"digest,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
	Error      string         `json:"error,omitempty"`
	OutputPath string         `json:"output_path,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// Duration is how long the call ran.
func (r Record) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

// Store persists job records.
type Store interface {
	Save(ctx context.Context, record Record) error
	// ListBySession returns up to limit records for a session, oldest first.
	ListBySession(ctx context.Context, sessionID string, limit int) ([]Record, error)
	DeleteSession(ctx context.Context, sessionID string) error
	Close() error
}
