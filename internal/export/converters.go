package export

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

const (
	mimePDF  = "application/pdf"
	mimeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

	defaultConvertTimeout = 30 * time.Second
)

// chromeCandidates are tried in order when Chrome.Path is empty.
var chromeCandidates = []string{"chromium-browser", "chromium", "google-chrome", "google-chrome-stable"}

// Chrome prints proposal HTML to an A4 PDF through a headless browser.
type Chrome struct {
	Path    string
	Timeout time.Duration
}

func (c Chrome) binary() (string, error) {
	candidates := chromeCandidates
	if c.Path != "" {
		candidates = []string{c.Path}
	}
	for _, name := range candidates {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: no chrome binary among %s", ErrPDFDependencyMissing, strings.Join(candidates, ", "))
}

// Convert satisfies Converter.
func (c Chrome) Convert(ctx context.Context, html, title string) (*Result, error) {
	binary, err := c.binary()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, orDefault(c.Timeout))
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.ExecPath(binary),
		chromedp.DisableGPU,
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	tabCtx, cancelTab := chromedp.NewContext(allocCtx)
	defer cancelTab()

	var pdf []byte
	err = chromedp.Run(tabCtx,
		chromedp.Navigate(htmlDataURL(html)),
		chromedp.WaitReady("body"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			pdf, _, err = page.PrintToPDF().
				WithPrintBackground(true).
				WithPaperWidth(8.27).
				WithPaperHeight(11.69).
				WithMarginTop(0.8).
				WithMarginBottom(0.8).
				WithMarginLeft(0.8).
				WithMarginRight(0.8).
				WithPreferCSSPageSize(true).
				Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("print pdf: %w", err)
	}
	return &Result{Data: pdf, Filename: fileName(title, "pdf"), MimeType: mimePDF}, nil
}

// htmlDataURL wraps a page in a base64 data URL so markup never needs
// escaping for the address bar.
func htmlDataURL(html string) string {
	return "data:text/html;charset=utf-8;base64," + base64.StdEncoding.EncodeToString([]byte(html))
}

// Pandoc converts proposal HTML to DOCX. ReferenceDoc, when set, supplies
// the Word styles.
type Pandoc struct {
	Path         string
	ReferenceDoc string
	Timeout      time.Duration
}

// Args lists the pandoc arguments for a proposal titled title.
func (p Pandoc) Args(title string) []string {
	args := []string{"-f", "html", "-t", "docx", "--standalone", "--metadata", "title=" + title}
	if p.ReferenceDoc != "" {
		args = append(args, "--reference-doc", p.ReferenceDoc)
	}
	return append(args, "-o", "-")
}

// Convert satisfies Converter.
func (p Pandoc) Convert(ctx context.Context, html, title string) (*Result, error) {
	binary := p.Path
	if binary == "" {
		binary = "pandoc"
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %s not found", ErrDOCXDependencyMissing, binary)
	}
	ctx, cancel := context.WithTimeout(ctx, orDefault(p.Timeout))
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path, p.Args(title)...)
	cmd.Stdin = strings.NewReader(html)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("pandoc exited %d: %s", exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf("run pandoc: %w", err)
	}
	return &Result{Data: stdout.Bytes(), Filename: fileName(title, "docx"), MimeType: mimeDOCX}, nil
}

func orDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultConvertTimeout
	}
	return d
}

const maxFileStem = 50

// fileName turns a proposal title into a download name: ASCII letters and
// digits kept, runs of spaces, dashes and underscores folded to one dash,
// everything else dropped.
func fileName(title, ext string) string {
	var b strings.Builder
	pendingDash := false
	for _, r := range strings.TrimSpace(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(r)
		case r == ' ', r == '-', r == '_', r == '\t':
			pendingDash = true
		}
	}
	stem := b.String()
	if len(stem) > maxFileStem {
		stem = strings.TrimRight(stem[:maxFileStem], "-")
	}
	if stem == "" {
		stem = "proposal"
	}
	return stem + "." + ext
}
