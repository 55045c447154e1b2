package domain

import "context"

// BackendQuery is the body of a query request to the question-answering backend.
type BackendQuery struct {
	Query    string `json:"query"`
	Approach string `json:"approach"`
}

// BackendResult is a decoded backend answer. Absent fields decode to their zero value.
type BackendResult struct {
	Answer         string  `json:"answer"`
	ProcessingTime float64 `json:"processing_time"`
}

// StatusReport combines a health check with the backend's document info.
// Operational=false means the backend could not be reached; Operational with
// HasDocument=false means nothing has been uploaded yet.
type StatusReport struct {
	Operational   bool
	HasDocument   bool
	DocumentTitle string
	ChunkCount    int
}

// Backend is the question-answering service the relay forwards queries to.
type Backend interface {
	CheckHealth(ctx context.Context) bool
	GetDocumentInfo(ctx context.Context) (StatusReport, error)
	Query(ctx context.Context, text string) (BackendResult, error)
}
