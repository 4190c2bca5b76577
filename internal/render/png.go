package render

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
)

type ImageResult struct {
	Bytes    []byte `json:"-"`
	Base64   string `json:"base64"`
	Filename string `json:"filename"`
}

func (r *ImageResult) DataURI() string {
	if r == nil {
		return ""
	}
	if r.Base64 == "" && len(r.Bytes) > 0 {
		r.Base64 = base64.StdEncoding.EncodeToString(r.Bytes)
	}
	if r.Base64 == "" {
		return ""
	}
	return "data:image/png;base64," + r.Base64
}

var (
	headlessOnce sync.Once
	headlessErr  error
)

// EnsureHeadlessAvailable 探测一次本机 Chrome，结果缓存。
func EnsureHeadlessAvailable(ctx context.Context) error {
	headlessOnce.Do(func() {
		if ctx == nil {
			ctx = context.Background()
		}
		parent, cancel := chromedp.NewContext(ctx)
		defer cancel()
		headlessErr = chromedp.Run(parent)
	})
	return headlessErr
}

// RenderPNG 用 headless Chrome 截图图表页面。
func RenderPNG(ctx context.Context, in ChartInput) (ImageResult, error) {
	if err := EnsureHeadlessAvailable(ctx); err != nil {
		return ImageResult{}, fmt.Errorf("headless chrome unavailable: %w", err)
	}
	html, err := HTML(in)
	if err != nil {
		return ImageResult{}, err
	}
	height := klineHeightPx + 40
	if len(in.Equity) > 0 {
		height += equityHeightPx
	}
	png, err := renderHTMLToPNG(ctx, html, chartWidthPx+40, height)
	if err != nil {
		return ImageResult{}, err
	}
	return ImageResult{
		Bytes:    png,
		Base64:   base64.StdEncoding.EncodeToString(png),
		Filename: fmt.Sprintf("%s_%s_fib.png", strings.ToLower(in.Symbol), in.Interval),
	}, nil
}

func renderHTMLToPNG(ctx context.Context, html []byte, width, height int) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	parent, cancel := chromedp.NewContext(ctx)
	defer cancel()

	timeoutCtx, cancelTimeout := context.WithTimeout(parent, 20*time.Second)
	defer cancelTimeout()

	dataURI := "data:text/html;base64," + base64.StdEncoding.EncodeToString(html)
	var screenshot []byte
	tasks := chromedp.Tasks{
		chromedp.EmulateViewport(int64(width), int64(height)),
		chromedp.Navigate(dataURI),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(1500 * time.Millisecond),
		chromedp.FullScreenshot(&screenshot, 100),
	}
	if err := chromedp.Run(timeoutCtx, tasks...); err != nil {
		return nil, err
	}
	return screenshot, nil
}
