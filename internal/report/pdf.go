package report

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// ErrPDFDependencyMissing means no Chromium binary was found.
var ErrPDFDependencyMissing = errors.New("newsletter pdf dependency missing")

const defaultPDFTimeout = 30 * time.Second

// Chrome prints HTML to PDF with headless Chromium.
type Chrome struct {
	Timeout time.Duration
	// ExecPath overrides binary discovery.
	ExecPath string
}

// Available reports whether a Chromium binary can be found.
func (c Chrome) Available() bool {
	_, err := c.binary()
	return err == nil
}

func (c Chrome) binary() (string, error) {
	if c.ExecPath != "" {
		return c.ExecPath, nil
	}
	for _, name := range []string{"chromium-browser", "chromium", "google-chrome"} {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: chromium not installed", ErrPDFDependencyMissing)
}

func (c Chrome) RenderPDF(ctx context.Context, html string) ([]byte, error) {
	bin, err := c.binary()
	if err != nil {
		return nil, err
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultPDFTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Headless flags for running inside a container.
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.ExecPath(bin),
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
	)
	allocCtx, cancel := chromedp.NewExecAllocator(ctx, opts...)
	defer cancel()
	taskCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	var pdf []byte
	err = chromedp.Run(taskCtx,
		chromedp.Navigate("data:text/html;charset=utf-8,"+percentEncodeForDataURL(html)),
		chromedp.WaitReady("body"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			pdf, _, err = page.PrintToPDF().
				WithPrintBackground(true).
				WithPaperWidth(8.5). // Letter
				WithPaperHeight(11.0).
				WithMarginTop(0.75).
				WithMarginBottom(0.75).
				WithMarginLeft(0.75).
				WithMarginRight(0.75).
				Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("chrome pdf generation failed: %w", err)
	}
	return pdf, nil
}

// percentEncodeForDataURL encodes everything outside the RFC 3986
// unreserved set. Spaces become %20, not +.
func percentEncodeForDataURL(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '-', c == '_', c == '.', c == '~':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}
