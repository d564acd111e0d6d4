package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"genflow/internal/browser"
)

// introspectStrategy queries the service's session-introspection endpoint
// from inside the page, so the environment's own cookies authenticate it.
type introspectStrategy struct {
	baseURL string
}

func (introspectStrategy) Name() string { return "introspect" }

func (s introspectStrategy) Extract(ctx context.Context, drv browser.Driver) (string, bool) {
	if s.baseURL == "" {
		return "", false
	}
	expr := fmt.Sprintf(
		`fetch(%q, {credentials: "include"}).then(r => r.ok ? r.json() : null).catch(() => null)`,
		strings.TrimRight(s.baseURL, "/")+"/auth/session",
	)
	raw, err := drv.Evaluate(ctx, expr)
	if err != nil {
		return "", false
	}
	var res struct {
		AccessToken string `json:"accessToken"`
	}
	if json.Unmarshal(raw, &res) != nil || res.AccessToken == "" {
		return "", false
	}
	return res.AccessToken, true
}

// pageStateStrategy reads the embedded page-state blob the service renders
// into its authenticated surface.
type pageStateStrategy struct{}

func (pageStateStrategy) Name() string { return "page-state" }

const pageStateExpr = `(() => {
	try {
		const el = document.querySelector('script[type="application/json"]#__session_state');
		if (!el) return null;
		const state = JSON.parse(el.textContent);
		return state && state.accessToken ? state.accessToken : null;
	} catch (e) { return null; }
})()`

func (pageStateStrategy) Extract(ctx context.Context, drv browser.Driver) (string, bool) {
	raw, err := drv.Evaluate(ctx, pageStateExpr)
	if err != nil {
		return "", false
	}
	var token string
	if json.Unmarshal(raw, &token) != nil || token == "" {
		return "", false
	}
	return token, true
}

// headerCaptureStrategy is the last resort: trigger a zero-effect call the
// page authenticates itself, and harvest the Authorization header off the
// outgoing request.
type headerCaptureStrategy struct {
	baseURL string
}

func (headerCaptureStrategy) Name() string { return "header-capture" }

func (s headerCaptureStrategy) Extract(ctx context.Context, drv browser.Driver) (string, bool) {
	if s.baseURL == "" {
		return "", false
	}
	pingURL := strings.TrimRight(s.baseURL, "/") + "/user/settings"
	v, err := drv.CaptureHeader(ctx, "/user/settings", "Authorization", func(ctx context.Context) error {
		_, err := drv.Evaluate(ctx, fmt.Sprintf(`void fetch(%q, {credentials: "include"})`, pingURL))
		return err
	})
	if err != nil || v == "" {
		return "", false
	}
	return strings.TrimPrefix(v, "Bearer "), true
}

// solveChallenge executes the anti-bot widget present on the authenticated
// surface and returns its token.
const challengeSolveExpr = `(() => {
	const w = window.grecaptcha && window.grecaptcha.enterprise ? window.grecaptcha.enterprise : window.grecaptcha;
	if (!w || !w.execute) return Promise.resolve(null);
	return w.execute();
})()`

func solveChallenge(ctx context.Context, drv browser.Driver) (string, error) {
	raw, err := drv.Evaluate(ctx, challengeSolveExpr)
	if err != nil {
		return "", err
	}
	var token string
	if err := json.Unmarshal(raw, &token); err != nil || token == "" {
		return "", fmt.Errorf("challenge widget returned no token")
	}
	return token, nil
}
