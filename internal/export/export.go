// Package export renders prompt versions as downloadable PDF documents.
package export

import (
	"errors"
	"time"
)

// Format represents the export output format
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
)

// Request contains parameters for an export operation
type Request struct {
	PromptID  string
	VersionID string
	Format    Format
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

// VersionDocument is everything the template needs about one version.
type VersionDocument struct {
	PromptTitle   string
	Body          string
	VersionNumber int
	BranchName    string
	Model         string
	Params        map[string]string
	Tags          []string
	ChangeLog     string
	Author        string
	CreatedAt     time.Time
}

var (
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrDOCXDependencyMissing indicates DOCX export runtime dependencies are unavailable.
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
)

// Export renders the version document in the requested format.
func Export(doc VersionDocument, format Format) (*Result, error) {
	html, err := RenderVersionHTML(doc)
	if err != nil {
		return nil, err
	}
	switch format {
	case FormatPDF:
		return exportPDF(html, doc.PromptTitle)
	case FormatDOCX:
		return exportDOCX(html, doc.PromptTitle)
	default:
		return nil, errors.New("unsupported format: " + string(format))
	}
}
