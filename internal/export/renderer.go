package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"html"
	"time"

	"github.com/tubelens/outlierd/internal/domain"
)

// Renderer produces the raw bytes of an export in the requested format. The
// analysis data itself is an external concern; implementations fetch or
// synthesize whatever the analysis id refers to.
type Renderer interface {
	Render(ctx context.Context, format domain.ExportFormat, analysisID, userID string) ([]byte, error)
}

// RenderError is the typed failure a Renderer reports. The worker records
// its message on the failed job.
type RenderError struct {
	Format     domain.ExportFormat
	AnalysisID string
	Err        error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render %s export for analysis %s: %v", e.Format, e.AnalysisID, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// AnalysisRenderer is the default Renderer. It treats the analysis as an
// opaque record and emits a minimal document per format; excel and pdf are
// delegated to the same byte producer pending real report tooling.
type AnalysisRenderer struct{}

type analysisDocument struct {
	AnalysisID  string    `json:"analysisId"`
	UserID      string    `json:"userId"`
	GeneratedAt time.Time `json:"generatedAt"`
}

func (r *AnalysisRenderer) Render(ctx context.Context, format domain.ExportFormat, analysisID, userID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &RenderError{Format: format, AnalysisID: analysisID, Err: err}
	}

	doc := analysisDocument{
		AnalysisID:  analysisID,
		UserID:      userID,
		GeneratedAt: time.Now().UTC(),
	}

	var (
		out []byte
		err error
	)
	switch format {
	case domain.FormatJSON, domain.FormatExcel, domain.FormatPDF:
		out, err = json.MarshalIndent(doc, "", "  ")
	case domain.FormatCSV:
		out, err = r.renderCSV(doc)
	case domain.FormatHTML:
		out = r.renderHTML(doc)
	default:
		err = fmt.Errorf("unsupported format %q", format)
	}
	if err != nil {
		return nil, &RenderError{Format: format, AnalysisID: analysisID, Err: err}
	}
	return out, nil
}

func (r *AnalysisRenderer) renderCSV(doc analysisDocument) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	records := [][]string{
		{"analysis_id", "user_id", "generated_at"},
		{doc.AnalysisID, doc.UserID, doc.GeneratedAt.Format(time.RFC3339)},
	}
	if err := w.WriteAll(records); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (r *AnalysisRenderer) renderHTML(doc analysisDocument) []byte {
	return []byte(fmt.Sprintf(
		"<!DOCTYPE html>\n<html><head><title>Analysis %s</title></head>"+
			"<body><h1>Analysis %s</h1><p>Generated %s</p></body></html>\n",
		html.EscapeString(doc.AnalysisID),
		html.EscapeString(doc.AnalysisID),
		doc.GeneratedAt.Format(time.RFC3339),
	))
}
