// Package browser launches Chrome on a leased profile directory and drives
// its page over the protocol client.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/go-json-experiment/json"
	"go.uber.org/zap"

	"github.com/JakeFAU/browser-fleet/internal/cdp"
	"github.com/JakeFAU/browser-fleet/internal/metrics"
	"github.com/JakeFAU/browser-fleet/internal/profile"
)

const outerHTMLExpression = "document.documentElement.outerHTML"

// Driver controls one browser bound to one profile lease.
type Driver struct {
	client *cdp.Client
	lease  profile.Lease
	logger *zap.Logger

	closeOnce sync.Once
	closeErr  error
	release   func() error
}

// NewDriver wraps an open client. release runs after the client closes and
// is where the launcher stops the browser process.
func NewDriver(client *cdp.Client, lease profile.Lease, release func() error, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.IncActiveDrivers()
	return &Driver{
		client:  client,
		lease:   lease,
		logger:  logger.With(zap.String("component", "driver"), zap.String("profile", lease.Path)),
		release: release,
	}
}

// Lease returns the profile the browser runs on.
func (d *Driver) Lease() profile.Lease { return d.lease }

// Client exposes the protocol client for callers that need raw commands.
func (d *Driver) Client() *cdp.Client { return d.client }

// IsOpen reports whether the protocol connection is usable.
func (d *Driver) IsOpen() bool { return d.client.IsOpen() }

// IdleFor reports how long the connection has gone without a call.
func (d *Driver) IdleFor() time.Duration { return d.client.IdleFor() }

// Prepare enables the page and network domains and applies the user agent.
func (d *Driver) Prepare(ctx context.Context, userAgent string) error {
	if _, err := d.client.Invoke(ctx, page.CommandEnable, page.Enable()); err != nil {
		return fmt.Errorf("enable page domain: %w", err)
	}
	if _, err := d.client.Invoke(ctx, network.CommandEnable, network.Enable()); err != nil {
		return fmt.Errorf("enable network domain: %w", err)
	}
	if userAgent != "" {
		if _, err := d.client.Invoke(ctx, emulation.CommandSetUserAgentOverride, emulation.SetUserAgentOverride(userAgent)); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
	}
	return nil
}

// Navigate loads url and waits for the page's load event.
func (d *Driver) Navigate(ctx context.Context, url string) error {
	loaded := make(chan struct{}, 1)
	unsubscribe, err := d.client.Subscribe(string(cdproto.EventPageLoadEventFired), func(cdp.Event) {
		select {
		case loaded <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe load event: %w", err)
	}
	defer unsubscribe()

	var ret page.NavigateReturns
	if err := d.client.Call(ctx, page.CommandNavigate, page.Navigate(url), &ret); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	if ret.ErrorText != "" {
		return fmt.Errorf("navigate %s: %s", url, ret.ErrorText)
	}

	select {
	case <-loaded:
		return nil
	case <-d.client.Done():
		return fmt.Errorf("navigate %s: %w", url, cdp.ErrConnectionLost)
	case <-ctx.Done():
		return fmt.Errorf("wait for load %s: %w", url, ctx.Err())
	}
}

// Evaluate runs expression in the page and decodes its value into out.
func (d *Driver) Evaluate(ctx context.Context, expression string, out any) error {
	var ret runtime.EvaluateReturns
	params := runtime.Evaluate(expression).WithReturnByValue(true)
	if err := d.client.Call(ctx, runtime.CommandEvaluate, params, &ret); err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	if ret.ExceptionDetails != nil {
		return fmt.Errorf("evaluate: exception: %s", ret.ExceptionDetails.Text)
	}
	if ret.Result == nil || len(ret.Result.Value) == 0 {
		return errors.New("evaluate: empty result")
	}
	if err := json.Unmarshal(ret.Result.Value, out); err != nil {
		return fmt.Errorf("decode evaluate result: %w", err)
	}
	return nil
}

// OuterHTML returns the serialized document.
func (d *Driver) OuterHTML(ctx context.Context) (string, error) {
	var html string
	if err := d.Evaluate(ctx, outerHTMLExpression, &html); err != nil {
		return "", fmt.Errorf("read outer html: %w", err)
	}
	return html, nil
}

// NewTab opens a new page target. The command travels on the browser channel.
func (d *Driver) NewTab(ctx context.Context, url string) (target.ID, error) {
	var ret target.CreateTargetReturns
	if err := d.client.Call(ctx, target.CommandCreateTarget, target.CreateTarget(url), &ret); err != nil {
		return "", fmt.Errorf("create target: %w", err)
	}
	return ret.TargetID, nil
}

// Close closes the connection then releases the browser. It is idempotent.
func (d *Driver) Close() error {
	d.closeOnce.Do(func() {
		var errs []error
		if err := d.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close client: %w", err))
		}
		if d.release != nil {
			if err := d.release(); err != nil {
				errs = append(errs, fmt.Errorf("release browser: %w", err))
			}
		}
		metrics.DecActiveDrivers()
		d.closeErr = errors.Join(errs...)
		if d.closeErr != nil {
			d.logger.Warn("driver close", zap.Error(d.closeErr))
		} else {
			d.logger.Debug("driver closed")
		}
	})
	return d.closeErr
}
