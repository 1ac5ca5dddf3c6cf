// Package browser manages persistent Chromium profiles through go-rod. Each
// profile maps to its own user-data directory so cookies and session state
// survive process restarts.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

const userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120 Safari/537.36"

type Config struct {
	// Root directory under which per-profile user-data dirs are created.
	DataDir string `json:"data_dir"`
	// Chromium binary override; empty uses rod's managed download.
	Bin string `json:"bin"`
	// Headful forces visible windows even for background work.
	Headful             bool `json:"headful"`
	NavigationTimeoutMs int  `json:"navigation_timeout_ms"`
}

func (c Config) NavigationTimeout() time.Duration {
	if c.NavigationTimeoutMs == 0 {
		return 30 * time.Second
	}
	return time.Duration(c.NavigationTimeoutMs) * time.Millisecond
}

// Manager hands out one Profile per key. There is no global browser: every
// profile owns its own Chromium instance and user-data dir.
type Manager struct {
	cfg      Config
	mu       sync.Mutex
	profiles map[string]*Profile
}

func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:      cfg,
		profiles: make(map[string]*Profile),
	}
}

// Profile returns the session handle for a profile key, creating it lazily.
// The browser itself is not launched until Ensure is called.
func (m *Manager) Profile(key string) *Profile {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.profiles[key]; ok {
		return p
	}
	p := &Profile{
		key: key,
		dir: filepath.Join(m.cfg.DataDir, key),
		cfg: m.cfg,
	}
	m.profiles[key] = p
	return p
}

// Shutdown closes every live browser.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.profiles {
		p.Close()
	}
}

// Profile is one persistent browsing context. Operations that drive pages
// should be serialized through Lock/Unlock; two interactive pages on one
// persistent profile can clobber each other's cookie state mid-login.
type Profile struct {
	key string
	dir string
	cfg Config

	opMu sync.Mutex

	mu       sync.Mutex
	launcher *launcher.Launcher
	browser  *rod.Browser
	headful  bool
}

func (p *Profile) Key() string { return p.key }

// Lock serializes browser-driven operations on this profile.
func (p *Profile) Lock()   { p.opMu.Lock() }
func (p *Profile) Unlock() { p.opMu.Unlock() }

// Ensure returns the live browser for this profile, launching one if needed.
// Idempotent: a healthy existing browser is returned as-is.
func (p *Profile) Ensure(ctx context.Context, headful bool) (*rod.Browser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.browser != nil {
		if _, err := p.browser.Version(); err == nil {
			return p.browser, nil
		}
		slog.Warn("stale browser connection, relaunching", "profile", p.key)
		p.closeLocked()
	}

	visible := headful || p.cfg.Headful

	l := launcher.New().
		UserDataDir(p.dir).
		Headless(!visible).
		Set("window-size", "1280,900")
	if p.cfg.Bin != "" {
		l = l.Bin(p.cfg.Bin)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser for profile %q: %w", p.key, err)
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		l.Cleanup()
		return nil, fmt.Errorf("connect to browser for profile %q: %w", p.key, err)
	}

	p.launcher = l
	p.browser = browser
	p.headful = visible
	slog.Info("browser launched", "profile", p.key, "headful", visible)
	return p.browser, nil
}

// Relaunch tears down any live context and starts a fresh one, switching
// between headless and visible mode. Cookies persist in the user-data dir.
func (p *Profile) Relaunch(ctx context.Context, headful bool) (*rod.Browser, error) {
	p.mu.Lock()
	p.closeLocked()
	p.mu.Unlock()
	return p.Ensure(ctx, headful)
}

// Close tears down the browser if it is running.
func (p *Profile) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
}

func (p *Profile) closeLocked() {
	if p.browser != nil {
		_ = p.browser.Close()
		p.browser = nil
	}
	if p.launcher != nil {
		p.launcher.Kill()
		p.launcher = nil
	}
}

// Page opens a page on the live browser with the profile's viewport and
// user agent, navigated to url. The caller owns the page and must close it
// on every exit path.
func (p *Profile) Page(ctx context.Context, url string) (*rod.Page, error) {
	p.mu.Lock()
	browser := p.browser
	p.mu.Unlock()
	if browser == nil {
		return nil, fmt.Errorf("profile %q has no live browser", p.key)
	}

	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}

	err = (proto.EmulationSetDeviceMetricsOverride{
		Width:             1280,
		Height:            900,
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page)
	if err != nil {
		_ = page.Close()
		return nil, fmt.Errorf("set viewport: %w", err)
	}
	err = page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: userAgent})
	if err != nil {
		_ = page.Close()
		return nil, fmt.Errorf("set user agent: %w", err)
	}

	if url != "" {
		err = page.Context(ctx).Timeout(p.cfg.NavigationTimeout()).Navigate(url)
		if err != nil {
			_ = page.Close()
			return nil, fmt.Errorf("navigate: %w", err)
		}
	}
	return page, nil
}

// Cookies snapshots all cookies of the live browser.
func (p *Profile) Cookies() ([]*proto.NetworkCookie, error) {
	p.mu.Lock()
	browser := p.browser
	p.mu.Unlock()
	if browser == nil {
		return nil, fmt.Errorf("profile %q has no live browser", p.key)
	}
	return browser.GetCookies()
}

// UserAgent is the value every profile page reports; the direct-replay
// client sends the same one so both paths look alike to the backend.
func UserAgent() string { return userAgent }
