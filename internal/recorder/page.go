package recorder

import (
	"context"
	"errors"
	"strings"
)

// BindingFunc receives a JSON string from page-side code.
type BindingFunc func(payload string)

// Page is the browser-driver surface the recorder needs. Implementations
// wrap a live automation page (CDP, Playwright-style drivers); tests use
// fakes. Evaluate must resolve promises returned by the script.
type Page interface {
	// URL returns the page's current address.
	URL() string
	// ExposeBinding registers a window-level function the page can call
	// with a single string argument.
	ExposeBinding(ctx context.Context, name string, fn BindingFunc) error
	// AddScriptTag attaches a script element loading the given URL. Drivers
	// add the tag through the automation protocol, which is not subject to
	// the page's content-security policy.
	AddScriptTag(ctx context.Context, url string) error
	// Evaluate runs a script in the page and returns its settled value.
	Evaluate(ctx context.Context, script string) (any, error)
	// OnLoad registers a callback for full-document load events and
	// returns a function that removes the listener.
	OnLoad(fn func(url string)) (remove func())
}

// ErrBindingExists reports that a binding name is already registered on the
// page. Drivers that cannot return it directly are matched by message.
var ErrBindingExists = errors.New("binding already registered")

func isBindingCollision(err error) bool {
	if errors.Is(err, ErrBindingExists) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "already registered")
}
