package worker

// IngestTask is the payload published to the ingestion topic. Each task asks
// the pipeline to build one version of one source. Dead-letter retries
// republish the same payload unchanged, so the pipeline resumes whatever the
// previous run left staged.
type IngestTask struct {
	SourceID      string `json:"source_id"`
	Tenant        string `json:"tenant"`
	Version       int    `json:"version"`
	CorrelationID string `json:"correlation_id"`
}
