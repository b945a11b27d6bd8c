package job

import (
	"encoding/json"
	"time"
)

// Job is a dead-lettered ingest task parked for operator retry. Payload is
// the original task body; republishing it unchanged lets the pipeline resume
// whatever the failed run left staged.
type Job struct {
	ID        string          `json:"id"`
	SourceID  string          `json:"source_id"`
	Handler   string          `json:"handler"`
	Payload   json.RawMessage `json:"payload"`
	Error     string          `json:"error"`
	Retries   int             `json:"retries"`
	CreatedAt time.Time       `json:"created_at"`
}
