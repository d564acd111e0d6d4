package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sethvargo/go-retry"

	logx "genflow/pkg/logx"
)

// ProviderConfig locates and authenticates against the local profile
// provider API.
type ProviderConfig struct {
	Host             string
	PortFrom         int
	PortTo           int
	APIKey           string
	DiscoverAttempts int
	DiscoverDelay    time.Duration
	RequestTimeout   time.Duration
}

func (c ProviderConfig) withDefaults() ProviderConfig {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.PortFrom <= 0 {
		c.PortFrom = 50325
	}
	if c.PortTo < c.PortFrom {
		c.PortTo = c.PortFrom + 4
	}
	if c.DiscoverAttempts <= 0 {
		c.DiscoverAttempts = 3
	}
	if c.DiscoverDelay <= 0 {
		c.DiscoverDelay = 2 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 15 * time.Second
	}
	return c
}

// httpProvider talks to the local profile provider's HTTP API.
type httpProvider struct {
	rc  *resty.Client
	log logx.Logger
}

// envelope is the provider's uniform response wrapper.
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// Discover probes the candidate port range for a live provider API and
// returns a Provider bound to the first port that answers. The scan is
// retried DiscoverAttempts times, DiscoverDelay apart.
func Discover(ctx context.Context, cfg ProviderConfig, log logx.Logger) (Provider, error) {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}

	probe := resty.New().SetTimeout(2 * time.Second)

	var baseURL string
	backoff := retry.WithMaxRetries(uint64(cfg.DiscoverAttempts-1), retry.NewConstant(cfg.DiscoverDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		for port := cfg.PortFrom; port <= cfg.PortTo; port++ {
			u := fmt.Sprintf("http://%s:%d", cfg.Host, port)
			resp, err := probe.R().SetContext(ctx).Get(u + "/status")
			if err != nil || resp.IsError() {
				continue
			}
			baseURL = u
			return nil
		}
		return retry.RetryableError(ErrProviderNotFound)
	})
	if err != nil {
		return nil, ErrProviderNotFound
	}

	log.Info("provider API discovered", logx.String("base_url", baseURL))

	rc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(cfg.RequestTimeout)
	if cfg.APIKey != "" {
		rc.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}
	return &httpProvider{rc: rc, log: log}, nil
}

func (p *httpProvider) call(ctx context.Context, method, path string, body any, query map[string]string, out any) error {
	req := p.rc.R().SetContext(ctx)
	if body != nil {
		req.SetBody(body)
	}
	if len(query) > 0 {
		req.SetQueryParams(query)
	}
	var env envelope
	req.SetResult(&env)

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("browser: provider %s %s: %w", method, path, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return fmt.Errorf("browser: provider %s %s: %w", method, path, ErrProfileNotFound)
	}
	if resp.IsError() {
		return fmt.Errorf("browser: provider %s %s: http %d", method, path, resp.StatusCode())
	}
	if env.Code != 0 {
		return fmt.Errorf("browser: provider %s %s: %s (code %d)", method, path, env.Msg, env.Code)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("browser: provider response decode: %w", err)
		}
	}
	return nil
}

func (p *httpProvider) Create(ctx context.Context, cfg ProfileConfig) (string, error) {
	var data struct {
		ProfileID string `json:"profile_id"`
	}
	if err := p.call(ctx, "POST", "/api/v1/profile/create", cfg, nil, &data); err != nil {
		return "", err
	}
	if data.ProfileID == "" {
		return "", fmt.Errorf("browser: provider returned empty profile id")
	}
	return data.ProfileID, nil
}

func (p *httpProvider) Start(ctx context.Context, profileID string) (string, error) {
	var data struct {
		Address string `json:"ws_address"`
	}
	q := map[string]string{"profile_id": profileID}
	if err := p.call(ctx, "GET", "/api/v1/profile/start", nil, q, &data); err != nil {
		return "", err
	}
	if data.Address == "" {
		return "", fmt.Errorf("browser: provider returned empty connection address")
	}
	return data.Address, nil
}

func (p *httpProvider) Status(ctx context.Context, profileID string) (ProfileStatus, error) {
	var data struct {
		Status string `json:"status"`
	}
	q := map[string]string{"profile_id": profileID}
	if err := p.call(ctx, "GET", "/api/v1/profile/status", nil, q, &data); err != nil {
		return "", err
	}
	if data.Status == string(ProfileRunning) {
		return ProfileRunning, nil
	}
	return ProfileStopped, nil
}

func (p *httpProvider) Stop(ctx context.Context, profileID string) error {
	q := map[string]string{"profile_id": profileID}
	return p.call(ctx, "GET", "/api/v1/profile/stop", nil, q, nil)
}

func (p *httpProvider) Delete(ctx context.Context, profileID string) error {
	body := map[string]string{"profile_id": profileID}
	return p.call(ctx, "POST", "/api/v1/profile/delete", body, nil, nil)
}
