package darkweb

import "encoding/json"

// StatusResult is the backend availability report.
type StatusResult struct {
	Status string `json:"status"`
}

// Available reports whether the backend can accept queries.
func (s *StatusResult) Available() bool {
	return s.Status == "available" || s.Status == "running"
}

// ConnectResult reports the outcome of a connection attempt.
type ConnectResult struct {
	Connected bool   `json:"connected"`
	Status    string `json:"status,omitempty"`
}

// QueryRequest is the wire form of a content query.
type QueryRequest struct {
	Query string `json:"query"`
}

// QueryResponse carries queried or raw-wrapped content.
type QueryResponse struct {
	Content string `json:"content"`
}

// ExploreRequest is the wire form of a topic exploration.
type ExploreRequest struct {
	Topic string `json:"topic"`
	Depth int    `json:"depth"`
}

// LogsResponse carries backend log lines.
type LogsResponse struct {
	Logs []string `json:"logs"`
}

// CircuitsResponse is the backend's view of its transport channels.
type CircuitsResponse struct {
	Circuits []json.RawMessage `json:"circuits"`
}

// RotateRequest asks the backend to rebuild one channel.
type RotateRequest struct {
	CircuitID int `json:"circuitId"`
}

// JobSpec describes an ephemeral crawl job.
type JobSpec struct {
	URLs           []string `json:"urls"`
	Depth          int      `json:"depth"`
	Timeout        int      `json:"timeout"`
	UserAgent      string   `json:"userAgent,omitempty"`
	AcceptLanguage string   `json:"acceptLanguage,omitempty"`
	UseTLS         bool     `json:"useTls"`
}

// JobSubmitResponse acknowledges an accepted job.
type JobSubmitResponse struct {
	JobID string `json:"jobId"`
}

// JobStatus is a point-in-time job progress report.
type JobStatus struct {
	JobID    string          `json:"jobId,omitempty"`
	Status   string          `json:"status"`
	Progress float64         `json:"progress"`
	Results  json.RawMessage `json:"results,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// OperationError is the broker's caller-facing failure. Message is safe to
// show to a user; the transport-level cause stays reachable through Unwrap
// for logging.
type OperationError struct {
	Op      string
	Message string
	cause   error
}

// NewOperationError builds a caller-facing failure. Message must be safe to
// show to a user; cause is the internal error kept for logging.
func NewOperationError(op, message string, cause error) *OperationError {
	return &OperationError{Op: op, Message: message, cause: cause}
}

func (e *OperationError) Error() string {
	return e.Op + ": " + e.Message
}

func (e *OperationError) Unwrap() error {
	return e.cause
}
