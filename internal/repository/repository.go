package repository

import (
	"time"

	"github.com/google/uuid"
)

// Outcomes stored in Record.Outcome.
const (
	OutcomeFinished  = "finished"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// Record is the stored summary of one finished fetch session.
type Record struct {
	ID            uuid.UUID              `json:"id"`
	URL           string                 `json:"url"`
	Method        string                 `json:"method"`
	Tag           int                    `json:"tag"`
	Hash          string                 `json:"hash,omitempty"`
	StatusCode    int                    `json:"statusCode,omitempty"`
	ContentLength int64                  `json:"contentLength"`
	Bytes         int64                  `json:"bytes"`
	Outcome       string                 `json:"outcome"`
	Error         string                 `json:"error,omitempty"`
	ErrorKind     string                 `json:"errorKind,omitempty"`
	ErrorAt       time.Time              `json:"errorAt"`
	ErrorDetails  map[string]interface{} `json:"errorDetails,omitempty"` // e.g. attempts, state
	Attempts      int                    `json:"attempts"`
	StartedAt     time.Time              `json:"startedAt"`
	FinishedAt    time.Time              `json:"finishedAt"`
}

// Duration reports how long the session ran.
func (r *Record) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Repository stores fetch records.
type Repository interface {
	Save(record *Record) error
	Find(id uuid.UUID) (*Record, error)
	FindAll() ([]*Record, error)
	Delete(id uuid.UUID) error
	Close() error
}
