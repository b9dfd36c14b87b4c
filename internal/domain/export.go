package domain

import "time"

// ExportStatus is the lifecycle state of an export job.
// Transitions: pending -> processing -> {completed, failed, cancelled};
// failed -> pending only via explicit retry while retries remain.
type ExportStatus string

const (
	ExportPending    ExportStatus = "pending"
	ExportProcessing ExportStatus = "processing"
	ExportCompleted  ExportStatus = "completed"
	ExportFailed     ExportStatus = "failed"
	ExportCancelled  ExportStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions other
// than retry (failed) or nothing at all (completed, cancelled).
func (s ExportStatus) Terminal() bool {
	switch s {
	case ExportCompleted, ExportFailed, ExportCancelled:
		return true
	}
	return false
}

// ExportFormat is the requested output format of an export job.
type ExportFormat string

const (
	FormatExcel ExportFormat = "excel"
	FormatCSV   ExportFormat = "csv"
	FormatPDF   ExportFormat = "pdf"
	FormatJSON  ExportFormat = "json"
	FormatHTML  ExportFormat = "html"
)

// ParseExportFormat validates a format string from the wire.
func ParseExportFormat(s string) (ExportFormat, bool) {
	switch ExportFormat(s) {
	case FormatExcel, FormatCSV, FormatPDF, FormatJSON, FormatHTML:
		return ExportFormat(s), true
	}
	return "", false
}

// FileExtension returns the file extension for the format.
func (f ExportFormat) FileExtension() string {
	if f == FormatExcel {
		return "xlsx"
	}
	return string(f)
}

// MIMEType returns the content type served on download.
func (f ExportFormat) MIMEType() string {
	switch f {
	case FormatExcel:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case FormatCSV:
		return "text/csv"
	case FormatPDF:
		return "application/pdf"
	case FormatJSON:
		return "application/json"
	case FormatHTML:
		return "text/html"
	}
	return "application/octet-stream"
}

// DefaultMaxRetries is the retry budget for a new export job.
const DefaultMaxRetries = 3

// ExportJob is an asynchronous export request. Invariant: Progress is 100
// whenever Status is terminal. Mutated exclusively through the job store so
// status transitions stay serialized relative to readers.
type ExportJob struct {
	ID         string // UUID
	UserID     string
	AnalysisID string
	Format     ExportFormat
	Status     ExportStatus
	Progress   int // 0-100

	// File details, set only on completion.
	Filename string
	FilePath string
	FileSize int64
	MIMEType string

	// ProgressLog is the ordered list of progress messages.
	ProgressLog []ProgressEntry

	ErrorMessage string // set only on failure
	RetryCount   int
	MaxRetries   int

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	ExpiresAt   time.Time // CreatedAt + 24h, extended on retry
}

// ProgressEntry is one line of the ordered progress log.
type ProgressEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Progress  int       `json:"progress"`
	Message   string    `json:"message"`
}

// Expired reports whether the job is past its expiry at now.
func (j ExportJob) Expired(now time.Time) bool {
	return j.ExpiresAt.Before(now)
}

// CanRetry reports whether the job is eligible for an explicit retry.
func (j ExportJob) CanRetry() bool {
	return j.Status == ExportFailed && j.RetryCount < j.MaxRetries
}
