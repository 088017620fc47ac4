package browser

import "fmt"

// ProfileConfig describes how to launch an isolated browser for a session.
// The bypass flags keep the recording agent injectable on sites with strict
// content-security policies; keep-alive stops step-level agents from closing
// the browser between steps.
type ProfileConfig struct {
	UserDataDir     string   `json:"user_data_dir"`
	Headless        bool     `json:"headless"`
	DisableSecurity bool     `json:"disable_security"`
	KeepAlive       bool     `json:"keep_alive"`
	BypassCSP       bool     `json:"bypass_csp"`
	ViewportWidth   int      `json:"viewport_width"`
	ViewportHeight  int      `json:"viewport_height"`
	Args            []string `json:"args"`
}

// launchArgs are the Chromium flags every recorded session launches with.
var launchArgs = []string{
	// Security relaxations required for agent injection on strict sites.
	"--disable-web-security",
	"--allow-running-insecure-content",
	"--disable-extensions",
	"--disable-site-isolation-trials",
	"--disable-features=VizDisplayCompositor",

	// Certificate relaxations for intercepted or self-signed endpoints.
	"--ignore-certificate-errors",
	"--ignore-ssl-errors",

	// Automation hiding.
	"--no-first-run",
	"--disable-default-browser-check",
	"--disable-infobars",

	// Container and headless stability.
	"--disable-dev-shm-usage",
	"--no-sandbox",
	"--disable-background-timer-throttling",
	"--disable-backgrounding-occluded-windows",
	"--disable-renderer-backgrounding",

	// Rendering cost reductions while recording.
	"--disable-gpu-rasterization",
	"--disable-software-rasterizer",
}

// BrowserConfig builds the launch configuration for a session, allocating
// its data directory.
func (m *ProfileManager) BrowserConfig(sessionID string) (ProfileConfig, error) {
	dir, err := m.SessionDir(sessionID)
	if err != nil {
		return ProfileConfig{}, fmt.Errorf("browser config for %s: %w", sessionID, err)
	}
	args := make([]string, len(launchArgs))
	copy(args, launchArgs)
	return ProfileConfig{
		UserDataDir:     dir,
		Headless:        true,
		DisableSecurity: true,
		KeepAlive:       true,
		BypassCSP:       true,
		ViewportWidth:   1920,
		ViewportHeight:  1080,
		Args:            args,
	}, nil
}
