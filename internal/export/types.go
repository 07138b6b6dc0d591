// Package export renders a bid's proposal to PDF or DOCX.
package export

import (
	"errors"
	"time"

	"tenderdesk/api/internal/outline"
)

type Format string

const (
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
)

func ParseFormat(value string) (Format, error) {
	switch Format(value) {
	case FormatPDF, "":
		return FormatPDF, nil
	case FormatDOCX:
		return FormatDOCX, nil
	default:
		return "", ErrUnsupportedFormat
	}
}

// Request contains parameters for an export operation
type Request struct {
	BidID string
	// Version is "" or "latest" for the head of the bid history, or a commit hash.
	Version         string
	Format          Format
	IncludeComments bool
}

// Proposal is the content being exported.
type Proposal struct {
	BidID     string
	Title     string
	Version   string
	Author    string
	UpdatedAt time.Time
	Sections  []outline.Section
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
	// URL is set when the file was uploaded to object storage.
	URL       string
	ObjectKey string
	Version   string
}

var (
	ErrContentUnavailable    = errors.New("export content unavailable")
	ErrPDFDependencyMissing  = errors.New("export pdf dependency missing")
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
	ErrUnsupportedFormat     = errors.New("unsupported export format")
)
