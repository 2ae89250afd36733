package render

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// paperSizes are width x height in inches.
var paperSizes = map[string][2]float64{
	"A3":     {11.69, 16.54},
	"A4":     {8.27, 11.69},
	"A5":     {5.83, 8.27},
	"LETTER": {8.5, 11},
	"LEGAL":  {8.5, 14},
}

// ChromeLauncher starts headless Chrome through chromedp.
type ChromeLauncher struct {
	// ExecPath overrides the Chrome binary lookup when set.
	ExecPath string
}

func (l ChromeLauncher) Launch(ctx context.Context) (Browser, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.DisableGPU,
		chromedp.NoSandbox,
	)
	if l.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.ExecPath))
	}

	// The browser outlives the launching request, so it hangs off a background context.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	started := make(chan error, 1)
	go func() { started <- chromedp.Run(browserCtx) }()
	select {
	case err := <-started:
		if err != nil {
			browserCancel()
			allocCancel()
			return nil, fmt.Errorf("start chrome: %w", err)
		}
	case <-ctx.Done():
		browserCancel()
		allocCancel()
		return nil, ctx.Err()
	}

	return &chromeBrowser{ctx: browserCtx, cancel: func() {
		browserCancel()
		allocCancel()
	}}, nil
}

type chromeBrowser struct {
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func (b *chromeBrowser) Alive() bool {
	return b.ctx.Err() == nil
}

func (b *chromeBrowser) Close() error {
	b.once.Do(b.cancel)
	return nil
}

// Render opens a fresh tab, loads html into it and prints it. The tab is closed on
// every return path.
func (b *chromeBrowser) Render(ctx context.Context, html string, opts Options) (Result, error) {
	tabCtx, tabCancel := chromedp.NewContext(b.ctx)
	defer tabCancel()
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()

	width, height := paperSize(opts.Format)
	margin := opts.MarginInches
	if margin <= 0 {
		margin = 0.4
	}

	var (
		res    Result
		loaded bool
	)
	actions := []chromedp.Action{
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(tree.Frame.ID, html).Do(ctx)
		}),
		chromedp.WaitReady("body", chromedp.ByQuery),
		// Subresources such as images and fonts must finish before printing.
		chromedp.Poll(`document.readyState === "complete"`, &loaded, chromedp.WithPollingInterval(50*time.Millisecond)),
	}
	if opts.Preview {
		actions = append(actions, chromedp.CaptureScreenshot(&res.Preview))
	}
	actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
		buf, _, err := page.PrintToPDF().
			WithPrintBackground(true).
			WithLandscape(opts.Landscape).
			WithPaperWidth(width).
			WithPaperHeight(height).
			WithMarginTop(margin).
			WithMarginBottom(margin).
			WithMarginLeft(margin).
			WithMarginRight(margin).
			Do(ctx)
		if err != nil {
			return err
		}
		res.PDF = buf
		return nil
	}))

	if err := chromedp.Run(tabCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, fmt.Errorf("chrome render: %w", err)
	}
	return res, nil
}

func paperSize(format string) (float64, float64) {
	if size, ok := paperSizes[strings.ToUpper(format)]; ok {
		return size[0], size[1]
	}
	return paperSizes["A4"][0], paperSizes["A4"][1]
}
