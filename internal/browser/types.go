// Package browser contains the clients for the two external collaborators:
// the isolated execution environment provider (browser profiles over a local
// HTTP API) and the automation driver (devtools protocol over websocket).
// Both are specified at their interface boundary; the core never depends on
// their wire details.
package browser

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	ErrProviderNotFound = errors.New("browser: provider API not reachable on any candidate port")
	ErrProfileNotFound  = errors.New("browser: profile not found")
)

// ProfileConfig describes the isolated environment to create.
type ProfileConfig struct {
	Name        string `json:"name"`
	CookiesPath string `json:"cookies_path,omitempty"`
	Proxy       string `json:"proxy,omitempty"`
}

// ProfileStatus is the provider's view of an environment.
type ProfileStatus string

const (
	ProfileRunning ProfileStatus = "running"
	ProfileStopped ProfileStatus = "stopped"
)

// Provider creates, starts, and tears down isolated browser profiles.
type Provider interface {
	Create(ctx context.Context, cfg ProfileConfig) (profileID string, err error)
	Start(ctx context.Context, profileID string) (address string, err error)
	Status(ctx context.Context, profileID string) (ProfileStatus, error)
	Stop(ctx context.Context, profileID string) error
	Delete(ctx context.Context, profileID string) error
}

// Cookie is installed into an environment before navigation.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
}

// Page is one open page in the environment.
type Page struct {
	TargetID string `json:"targetId"`
	URL      string `json:"url"`
	Title    string `json:"title"`
}

// Driver automates one environment through its connection address.
type Driver interface {
	Pages(ctx context.Context) ([]Page, error)
	SetCookies(ctx context.Context, cookies []Cookie) error
	// Navigate loads url and waits until the page reports a complete
	// document (bounded by ctx).
	Navigate(ctx context.Context, url string) error
	// Evaluate runs an in-page expression and returns its serialized result.
	Evaluate(ctx context.Context, expr string) (json.RawMessage, error)
	// CaptureHeader fires the given request trigger and returns the value of
	// header on the first outgoing request whose URL contains urlSubstr.
	CaptureHeader(ctx context.Context, urlSubstr, header string, fire func(ctx context.Context) error) (string, error)
	Close() error
}

// DialDriver connects the automation driver to a provider-reported address.
type DialDriver func(ctx context.Context, address string) (Driver, error)
