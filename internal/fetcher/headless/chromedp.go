// Package headless renders pages to PDF with a headless browser.
package headless

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/salevine/scrape-edu/internal/fsutil"
)

const defaultNavigationTimeout = 30 * time.Second

// ErrNotConfigured is returned by renderers that cannot render.
var ErrNotConfigured = errors.New("headless renderer not configured")

// Renderer turns a web page into a PDF file at dest.
type Renderer interface {
	RenderPDF(ctx context.Context, url, dest string) (int64, error)
	Close()
}

// Config controls the behavior of the chromedp renderer.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
}

// Option customizes a Chromedp renderer.
type Option func(*Chromedp)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Chromedp) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithFs sets the filesystem PDFs are written to.
func WithFs(fs afero.Fs) Option {
	return func(c *Chromedp) {
		if fs != nil {
			c.fs = fs
		}
	}
}

// Chromedp renders pages with headless Chrome.
type Chromedp struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
	fs          afero.Fs
	logger      *zap.Logger
	print       func(ctx context.Context, url string) ([]byte, error)
}

// NewChromedp creates a renderer backed by chromedp. The browser is started
// lazily on the first render.
func NewChromedp(cfg Config, opts ...Option) (*Chromedp, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)

	c := &Chromedp{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		fs:          afero.NewOsFs(),
		logger:      zap.NewNop(),
	}
	c.print = c.printToPDF
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Close shuts the browser down.
func (c *Chromedp) Close() {
	c.allocCancel()
}

// RenderPDF navigates to url, waits for the page to settle and writes the
// printed PDF to dest atomically. It returns the number of bytes written.
func (c *Chromedp) RenderPDF(ctx context.Context, url, dest string) (int64, error) {
	if err := c.acquire(ctx); err != nil {
		return 0, err
	}
	defer c.release()

	data, err := c.print(ctx, url)
	if err != nil {
		return 0, err
	}
	if err := fsutil.WriteFileAtomic(c.fs, dest, data); err != nil {
		return 0, fmt.Errorf("write rendered pdf: %w", err)
	}
	c.logger.Info("Rendered PDF", zap.String("url", url), zap.String("dest", dest))
	return int64(len(data)), nil
}

func (c *Chromedp) printToPDF(ctx context.Context, url string) ([]byte, error) {
	taskCtx, taskCancel := chromedp.NewContext(c.allocator)
	defer taskCancel()
	// Tie the browser tab to the caller's context as well as the timeout.
	stop := context.AfterFunc(ctx, taskCancel)
	defer stop()

	taskCtx, cancel := context.WithTimeout(taskCtx, c.cfg.NavigationTimeout)
	defer cancel()

	var pdf []byte
	actions := []chromedp.Action{
		c.networkSetupAction(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.ActionFunc(func(ctx context.Context) error {
			data, _, err := page.PrintToPDF().WithPrintBackground(true).Do(ctx)
			if err != nil {
				return fmt.Errorf("print to pdf: %w", err)
			}
			pdf = data
			return nil
		}),
	}
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return nil, fmt.Errorf("chromedp run: %w", err)
	}
	return pdf, nil
}

func (c *Chromedp) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if c.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(c.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (c *Chromedp) acquire(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	select {
	case c.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (c *Chromedp) release() {
	if c.limiter == nil {
		return
	}
	select {
	case <-c.limiter:
	default:
	}
}
