package recorder

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rebrowse/rebrowse-stream/internal/config"
)

// DefaultCDNURL serves the recording agent bundle.
const DefaultCDNURL = "https://cdn.jsdelivr.net/npm/rrweb@latest/dist/rrweb.min.js"

// Binding names exposed on the page. Only these two cross the page boundary;
// both accept a JSON string.
const (
	eventBinding = "sendRRWebEvent"
	errorBinding = "sendRRWebError"
)

// Options tunes the in-page recording agent and the injection timing.
// Styles, fonts and images are inlined so replay survives strict
// content-security policies on the recorded site.
type Options struct {
	CDNURL string

	RecordCanvas             bool
	RecordCrossOriginIframes bool
	InlineStylesheet         bool
	CollectFonts             bool
	InlineImages             bool
	MaskAllInputs            bool

	BlockClass    string
	IgnoreClass   string
	MaskTextClass string

	// Sampling intervals in milliseconds. MouseMoveSampleMs zero disables
	// mouse-move capture entirely.
	ScrollSampleMs           int
	InputSampleMs            int
	MouseInteractionSampleMs int
	MouseMoveSampleMs        int

	// SnapshotDeadline bounds how long the agent may take to produce its
	// first FullSnapshot before the injection attempt fails.
	SnapshotDeadline time.Duration
	CDNLoadTimeout   time.Duration

	NavigationDelay    time.Duration
	MonitorSettleDelay time.Duration
	StopProbeTimeout   time.Duration
	StopTimeout        time.Duration
}

// DefaultOptions returns the agent configuration used in production.
func DefaultOptions() Options {
	return Options{
		CDNURL:                   DefaultCDNURL,
		RecordCanvas:             true,
		RecordCrossOriginIframes: true,
		InlineStylesheet:         true,
		CollectFonts:             true,
		InlineImages:             true,
		MaskAllInputs:            false,
		BlockClass:               "rr-block",
		IgnoreClass:              "rr-ignore",
		MaskTextClass:            "rr-mask",
		ScrollSampleMs:           250,
		InputSampleMs:            100,
		MouseInteractionSampleMs: 50,
		MouseMoveSampleMs:        0,
		SnapshotDeadline:         5 * time.Second,
		CDNLoadTimeout:           8 * time.Second,
		NavigationDelay:          time.Second,
		MonitorSettleDelay:       2 * time.Second,
		StopProbeTimeout:         time.Second,
		StopTimeout:              2 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.CDNURL == "" {
		o.CDNURL = d.CDNURL
	}
	if o.SnapshotDeadline <= 0 {
		o.SnapshotDeadline = d.SnapshotDeadline
	}
	if o.CDNLoadTimeout <= 0 {
		o.CDNLoadTimeout = d.CDNLoadTimeout
	}
	if o.NavigationDelay <= 0 {
		o.NavigationDelay = d.NavigationDelay
	}
	if o.MonitorSettleDelay < 0 {
		o.MonitorSettleDelay = d.MonitorSettleDelay
	}
	if o.StopProbeTimeout <= 0 {
		o.StopProbeTimeout = d.StopProbeTimeout
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = d.StopTimeout
	}
	return o
}

var (
	defaultsMu      sync.RWMutex
	currentDefaults = DefaultOptions()
)

// SetDefaults replaces the options applied to recorders created without
// explicit options. The options-file watcher calls this on reload; running
// recorders keep whatever they started with.
func SetDefaults(o Options) {
	defaultsMu.Lock()
	currentDefaults = o.withDefaults()
	defaultsMu.Unlock()
}

// CurrentDefaults returns the options new recorders pick up.
func CurrentDefaults() Options {
	defaultsMu.RLock()
	defer defaultsMu.RUnlock()
	return currentDefaults
}

// OptionsFromConfig maps a loaded options file onto agent options. Knobs the
// file does not cover (navigation and stop timing) keep production defaults.
func OptionsFromConfig(rc config.RecorderOptions) Options {
	o := DefaultOptions()
	if rc.ScriptURL != "" {
		o.CDNURL = rc.ScriptURL
	}
	o.RecordCanvas = rc.Capture.Canvas
	o.RecordCrossOriginIframes = rc.Capture.CrossOriginIframes
	o.InlineStylesheet = rc.Capture.InlineStylesheet
	o.CollectFonts = rc.Capture.CollectFonts
	o.InlineImages = rc.Capture.InlineImages
	o.MaskAllInputs = rc.Capture.MaskAllInputs
	if rc.Privacy.BlockClass != "" {
		o.BlockClass = rc.Privacy.BlockClass
	}
	if rc.Privacy.IgnoreClass != "" {
		o.IgnoreClass = rc.Privacy.IgnoreClass
	}
	if rc.Privacy.MaskTextClass != "" {
		o.MaskTextClass = rc.Privacy.MaskTextClass
	}
	o.ScrollSampleMs = rc.Sampling.ScrollMs
	o.InputSampleMs = rc.Sampling.InputMs
	o.MouseInteractionSampleMs = rc.Sampling.MouseInteractionMs
	o.MouseMoveSampleMs = rc.Sampling.MousemoveMs
	if rc.SnapshotDeadlineMs > 0 {
		o.SnapshotDeadline = time.Duration(rc.SnapshotDeadlineMs) * time.Millisecond
	}
	if rc.CDNLoadTimeoutMs > 0 {
		o.CDNLoadTimeout = time.Duration(rc.CDNLoadTimeoutMs) * time.Millisecond
	}
	return o
}

// agentOptionsJSON renders the rrweb.record options object. packFn cannot
// be expressed in JSON; the boot script assigns it from the loaded bundle.
func agentOptionsJSON(o Options) string {
	opts := struct {
		RecordCanvas             bool            `json:"recordCanvas"`
		RecordCrossOriginIframes bool            `json:"recordCrossOriginIframes"`
		InlineStylesheet         bool            `json:"inlineStylesheet"`
		CollectFonts             bool            `json:"collectFonts"`
		InlineImages             bool            `json:"inlineImages"`
		MaskAllInputs            bool            `json:"maskAllInputs"`
		BlockClass               string          `json:"blockClass"`
		IgnoreClass              string          `json:"ignoreClass"`
		MaskTextClass            string          `json:"maskTextClass"`
		SlimDOM                  map[string]bool `json:"slimDOMOptions"`
		MouseMove                bool            `json:"mousemove"`
		MouseInteraction         map[string]bool `json:"mouseInteraction"`
		Sampling                 map[string]int  `json:"sampling"`
	}{
		RecordCanvas:             o.RecordCanvas,
		RecordCrossOriginIframes: o.RecordCrossOriginIframes,
		InlineStylesheet:         o.InlineStylesheet,
		CollectFonts:             o.CollectFonts,
		InlineImages:             o.InlineImages,
		MaskAllInputs:            o.MaskAllInputs,
		BlockClass:               o.BlockClass,
		IgnoreClass:              o.IgnoreClass,
		MaskTextClass:            o.MaskTextClass,
		// Minimal filtering: meta tags, scripts and styles stay in the
		// snapshot so single-page apps reconstruct correctly.
		SlimDOM:   map[string]bool{"comment": true, "headFavicon": true},
		MouseMove: o.MouseMoveSampleMs > 0,
		MouseInteraction: map[string]bool{
			"Click":       true,
			"DblClick":    true,
			"Focus":       true,
			"Blur":        true,
			"MouseUp":     false,
			"MouseDown":   false,
			"ContextMenu": false,
			"TouchStart":  false,
			"TouchMove":   false,
			"TouchEnd":    false,
		},
		Sampling: map[string]int{
			"scroll":           o.ScrollSampleMs,
			"input":            o.InputSampleMs,
			"mouseInteraction": o.MouseInteractionSampleMs,
			"mousemove":        o.MouseMoveSampleMs,
		},
	}
	b, err := json.Marshal(opts)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// recordScript starts the agent assuming the bundle is already present. It
// resolves once the first FullSnapshot arrives, or with a failure after the
// snapshot deadline. Every emitted event is forwarded through the event
// binding as it happens, independent of the verification promise.
func recordScript(o Options, method string) string {
	return fmt.Sprintf(`() => new Promise((resolve) => {
  if (window.rrwebStopRecording) {
    try { window.rrwebStopRecording(); } catch (e) {}
  }
  if (!window.rrweb || !window.rrweb.record) {
    resolve({ success: false, error: 'rrweb not available', method: '%s' });
    return;
  }
  var opts = %s;
  if (window.rrweb.pack) { opts.packFn = window.rrweb.pack; }
  var firstSnapshot = false;
  opts.errorHandler = function (err) {
    if (window.%s) {
      window.%s(JSON.stringify({
        type: 'rrweb_internal_error',
        message: String(err),
        stack: err && err.stack ? String(err.stack) : '',
        timestamp: Date.now()
      }));
    }
    return true;
  };
  opts.emit = function (event) {
    if (event.type === 2 && !firstSnapshot) {
      firstSnapshot = true;
      var nodeCount = event.data && event.data.node ? JSON.stringify(event.data.node).length : 0;
      resolve({ success: true, method: '%s', nodeCount: nodeCount, currentUrl: window.location.href });
    }
    if (window.%s) {
      window.%s(JSON.stringify(event));
    }
  };
  try {
    window.rrwebStopRecording = window.rrweb.record(opts);
  } catch (e) {
    resolve({ success: false, error: 'record initialization failed: ' + String(e), method: '%s' });
    return;
  }
  setTimeout(function () {
    if (!firstSnapshot) {
      resolve({ success: false, error: 'no FullSnapshot received', method: '%s' });
    }
  }, %d);
})`,
		method,
		agentOptionsJSON(o),
		errorBinding, errorBinding,
		method,
		eventBinding, eventBinding,
		method,
		method,
		o.SnapshotDeadline.Milliseconds(),
	)
}

// cdnBootScript loads the bundle from the CDN with a script element, then
// starts recording. Sites with a strict content-security policy reject the
// element; the caller falls back to driver-level tag injection.
func cdnBootScript(o Options) string {
	return fmt.Sprintf(`() => new Promise((resolve) => {
  function start() {
    var run = %s;
    run().then(resolve);
  }
  if (window.rrweb && window.rrweb.record) {
    start();
    return;
  }
  var script = document.createElement('script');
  script.src = '%s';
  script.onload = function () {
    if (!window.rrweb || !window.rrweb.record) {
      resolve({ success: false, error: 'bundle loaded but rrweb missing', method: 'cdn' });
      return;
    }
    start();
  };
  script.onerror = function () {
    resolve({ success: false, error: 'bundle load blocked', method: 'cdn' });
  };
  document.head.appendChild(script);
  setTimeout(function () {
    if (!window.rrweb || !window.rrweb.record) {
      resolve({ success: false, error: 'bundle load timeout', method: 'cdn' });
    }
  }, %d);
})`,
		recordScript(o, "cdn"),
		o.CDNURL,
		o.CDNLoadTimeout.Milliseconds(),
	)
}

const agentPresentScript = `() => typeof window.rrweb !== 'undefined' && typeof window.rrweb.record === 'function'`

const probeScript = `() => true`

const stopScript = `() => {
  if (window.rrwebStopRecording) {
    try { window.rrwebStopRecording(); } catch (e) {}
    window.rrwebStopRecording = undefined;
  }
  if (window.cleanupNavigationMonitoring) {
    try { window.cleanupNavigationMonitoring(); } catch (e) {}
  }
  return true;
}`

// navigationMonitorScript observes URL changes, history rewrites and
// popstate. Monitors only log; the agent keeps recording across in-page
// navigation and must never be restarted from here.
const navigationMonitorScript = `() => {
  if (window.cleanupNavigationMonitoring) {
    return true;
  }
  var currentUrl = window.location.href;
  var report = function (reason) {
    if (window.location.href !== currentUrl) {
      console.log('navigation observed (' + reason + '): ' + currentUrl + ' -> ' + window.location.href);
      currentUrl = window.location.href;
    }
  };
  var interval = setInterval(function () { report('url-poll'); }, 1000);
  var onPopState = function () { report('popstate'); };
  window.addEventListener('popstate', onPopState);
  var pushState = history.pushState;
  var replaceState = history.replaceState;
  history.pushState = function () {
    pushState.apply(this, arguments);
    report('pushstate');
  };
  history.replaceState = function () {
    replaceState.apply(this, arguments);
    report('replacestate');
  };
  window.cleanupNavigationMonitoring = function () {
    clearInterval(interval);
    window.removeEventListener('popstate', onPopState);
    history.pushState = pushState;
    history.replaceState = replaceState;
    window.cleanupNavigationMonitoring = undefined;
  };
  return true;
}`

const cleanupMonitorScript = `() => {
  if (window.cleanupNavigationMonitoring) {
    window.cleanupNavigationMonitoring();
  }
  return true;
}`
