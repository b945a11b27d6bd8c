package config

const (
	// TopicIngestTask is the NSQ topic for source ingestion tasks. Each
	// message carries one source to run through the pipeline.
	TopicIngestTask = "ingest.task"

	// ChannelIngest is the consumer channel for the ingestion pipeline.
	ChannelIngest = "pipeline"
)
