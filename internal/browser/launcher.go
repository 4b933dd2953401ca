package browser

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/browser-fleet/internal/cdp"
	"github.com/JakeFAU/browser-fleet/internal/profile"
)

const (
	defaultStartupTimeout = 20 * time.Second
	loopbackHost          = "127.0.0.1"
	// devToolsPortFile is written by Chrome into its user data dir once the
	// debugging endpoint is listening.
	devToolsPortFile = "DevToolsActivePort"
)

// Config controls how browsers are launched.
type Config struct {
	ExecPath       string
	Headless       bool
	UserAgent      string
	StartupTimeout time.Duration
	CDP            cdp.Config
}

// Process is a running browser as seen by the launcher.
type Process struct {
	PID      int
	Port     int
	TargetID string
	// Stop terminates the browser. It must be safe to call once.
	Stop func()
}

// StartFunc starts a browser whose user data dir is userDataDir.
type StartFunc func(ctx context.Context, cfg Config, userDataDir string) (Process, error)

// Locker serializes sentinel writes against reclamation of the same group.
type Locker interface {
	LockGroup(ctx context.Context, group string, fn func() error) error
	LockTempGroup(ctx context.Context, group string, fn func() error) error
}

// Launcher starts a browser on a profile lease and returns a Driver for it.
type Launcher struct {
	cfg    Config
	locks  Locker
	start  StartFunc
	logger *zap.Logger
}

// LauncherOption customizes a Launcher.
type LauncherOption func(*Launcher)

// WithStartFunc replaces the chromedp process starter.
func WithStartFunc(fn StartFunc) LauncherOption {
	return func(l *Launcher) {
		if fn != nil {
			l.start = fn
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) LauncherOption {
	return func(l *Launcher) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLauncher creates a Launcher. locks is usually the profile allocator.
func NewLauncher(cfg Config, locks Locker, opts ...LauncherOption) (*Launcher, error) {
	if locks == nil {
		return nil, errors.New("launcher requires a profile locker")
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = defaultStartupTimeout
	}
	l := &Launcher{
		cfg:    cfg,
		locks:  locks,
		start:  startChrome,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With(zap.String("component", "launcher"))
	if cfg.CDP.Logger == nil {
		l.cfg.CDP.Logger = l.logger
	}
	return l, nil
}

// Launch starts a browser on lease, records launcher.pid and port next to
// its user data dir, and connects both protocol channels. Closing the
// returned Driver stops the browser and removes the port file; launcher.pid
// stays behind so reclamation can tell the profile was used.
func (l *Launcher) Launch(ctx context.Context, lease profile.Lease) (*Driver, error) {
	if err := os.MkdirAll(lease.UserDataDir(), 0o750); err != nil {
		return nil, fmt.Errorf("create user data dir: %w", err)
	}

	startCtx, cancel := context.WithTimeout(ctx, l.cfg.StartupTimeout)
	defer cancel()

	proc, err := l.start(startCtx, l.cfg, lease.UserDataDir())
	if err != nil {
		return nil, fmt.Errorf("start browser: %w", err)
	}
	stop := func() {
		if proc.Stop != nil {
			proc.Stop()
		}
	}

	if err := l.writeSentinels(startCtx, lease, proc); err != nil {
		stop()
		return nil, err
	}
	release := func() error {
		stop()
		if err := os.Remove(lease.PortFile()); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove port file: %w", err)
		}
		return nil
	}

	client, err := l.connect(startCtx, proc)
	if err != nil {
		_ = release()
		return nil, err
	}

	l.logger.Info("browser launched",
		zap.String("profile", lease.Path),
		zap.String("mode", lease.Mode.String()),
		zap.Int("pid", proc.PID),
		zap.Int("port", proc.Port),
	)

	d := NewDriver(client, lease, release, l.logger)
	if err := d.Prepare(startCtx, l.cfg.UserAgent); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

func (l *Launcher) writeSentinels(ctx context.Context, lease profile.Lease, proc Process) error {
	write := func() error {
		if err := writeInt(lease.PIDFile(), proc.PID); err != nil {
			return fmt.Errorf("write launcher pid: %w", err)
		}
		if err := writeInt(lease.PortFile(), proc.Port); err != nil {
			return fmt.Errorf("write port: %w", err)
		}
		return nil
	}
	switch lease.Mode {
	case profile.ModeRandom:
		return l.locks.LockTempGroup(ctx, lease.Group, write)
	case profile.ModeSequential:
		return l.locks.LockGroup(ctx, lease.Group, write)
	default:
		return write()
	}
}

func (l *Launcher) connect(ctx context.Context, proc Process) (*cdp.Client, error) {
	info, err := cdp.Discover(ctx, nil, loopbackHost, proc.Port)
	if err != nil {
		return nil, err
	}
	client, err := cdp.Connect(ctx, info.WebSocketDebuggerURL, cdp.PageURL(loopbackHost, proc.Port, proc.TargetID), l.cfg.CDP)
	if err != nil {
		return nil, fmt.Errorf("connect devtools: %w", err)
	}
	return client, nil
}

func writeInt(path string, v int) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(v)), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// startChrome launches Chrome through chromedp's exec allocator and waits
// for the first page target.
func startChrome(ctx context.Context, cfg Config, userDataDir string) (Process, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(userDataDir),
		chromedp.Flag("remote-debugging-port", "0"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}

	// The browser lives as long as these contexts, not the startup ctx.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	stop := func() {
		browserCancel()
		allocCancel()
	}

	started := make(chan error, 1)
	go func() { started <- chromedp.Run(browserCtx) }()
	select {
	case err := <-started:
		if err != nil {
			stop()
			return Process{}, fmt.Errorf("chromedp run: %w", err)
		}
	case <-ctx.Done():
		stop()
		return Process{}, fmt.Errorf("browser startup: %w", ctx.Err())
	}

	c := chromedp.FromContext(browserCtx)
	if c == nil || c.Browser == nil || c.Target == nil {
		stop()
		return Process{}, errors.New("browser context not initialised")
	}
	proc := c.Browser.Process()
	if proc == nil {
		stop()
		return Process{}, errors.New("browser process unavailable")
	}
	port, err := readDevToolsPort(filepath.Join(userDataDir, devToolsPortFile))
	if err != nil {
		stop()
		return Process{}, err
	}
	return Process{
		PID:      proc.Pid,
		Port:     port,
		TargetID: string(c.Target.TargetID),
		Stop:     stop,
	}, nil
}

func readDevToolsPort(path string) (int, error) {
	f, err := os.Open(path) // #nosec G304 -- path is inside a leased profile dir.
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", devToolsPortFile, err)
	}
	defer func() { _ = f.Close() }()
	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return 0, fmt.Errorf("read %s: empty", devToolsPortFile)
	}
	port, err := strconv.Atoi(strings.TrimSpace(sc.Text()))
	if err != nil || port <= 0 {
		return 0, fmt.Errorf("parse %s: %q", devToolsPortFile, sc.Text())
	}
	return port, nil
}
