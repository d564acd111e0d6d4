// Package remote is the thin HTTP client for the generation service: submit
// one job's request, batch-query operation status. Anything beyond the fields
// the scheduler needs is opaque.
package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"genflow/internal/broker"
	"genflow/internal/store"
	logx "genflow/pkg/logx"
)

// ErrSubmissionRejected means the service refused the generation request.
// The job becomes error; submissions are never auto-retried.
var ErrSubmissionRejected = errors.New("remote: submission rejected")

type Config struct {
	BaseURL        string
	RequestTimeout time.Duration // default: 30s
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	return c
}

type Client struct {
	rc  *resty.Client
	log logx.Logger
}

func New(cfg Config, log logx.Logger) *Client {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	rc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.RequestTimeout)
	return &Client{rc: rc, log: log}
}

type submitRequest struct {
	Prompt         string   `json:"prompt"`
	Params         any      `json:"params,omitempty"`
	MediaInputs    []string `json:"media_inputs,omitempty"`
	ChallengeToken string   `json:"challenge_token"`
}

type submitResponse struct {
	Operations []struct {
		OperationName string `json:"operation_name"`
		SceneID       string `json:"scene_id"`
	} `json:"operations"`
	Error string `json:"error,omitempty"`
}

// Submit sends one job's generation request and returns the pending
// operations the service fanned it out into.
func (c *Client) Submit(ctx context.Context, p store.Payload, tok broker.Token) ([]store.Operation, error) {
	body := submitRequest{
		Prompt:         p.Prompt,
		MediaInputs:    p.MediaInputs,
		ChallengeToken: tok.Challenge,
	}
	if len(p.Params) > 0 {
		body.Params = p.Params
	}

	var res submitResponse
	resp, err := c.rc.R().
		SetContext(ctx).
		SetAuthToken(tok.Auth).
		SetBody(body).
		SetResult(&res).
		SetError(&res).
		Post("/generate/submit")
	if err != nil {
		return nil, fmt.Errorf("remote: submit: %w", err)
	}
	if resp.IsError() {
		msg := res.Error
		if msg == "" {
			msg = fmt.Sprintf("http %d", resp.StatusCode())
		}
		return nil, fmt.Errorf("%w: %s", ErrSubmissionRejected, msg)
	}
	if len(res.Operations) == 0 {
		return nil, fmt.Errorf("%w: no operations returned", ErrSubmissionRejected)
	}

	ops := make([]store.Operation, 0, len(res.Operations))
	for _, o := range res.Operations {
		ops = append(ops, store.Operation{
			Name:    o.OperationName,
			SceneID: o.SceneID,
			Status:  store.OpPending,
		})
	}
	return ops, nil
}

// OpResult is one remote status row, merged into a job's operations by
// scene id.
type OpResult struct {
	SceneID  string         `json:"scene_id"`
	Status   store.OpStatus `json:"status"`
	MediaURL string         `json:"media_url,omitempty"`
}

type statusRequest struct {
	OperationNames []string `json:"operation_names"`
}

type statusResponse struct {
	Operations []OpResult `json:"operations"`
	Error      string     `json:"error,omitempty"`
}

// QueryStatus batch-queries the status of the named operations.
func (c *Client) QueryStatus(ctx context.Context, names []string) ([]OpResult, error) {
	if len(names) == 0 {
		return nil, nil
	}
	var res statusResponse
	resp, err := c.rc.R().
		SetContext(ctx).
		SetBody(statusRequest{OperationNames: names}).
		SetResult(&res).
		SetError(&res).
		Post("/generate/status")
	if err != nil {
		return nil, fmt.Errorf("remote: query status: %w", err)
	}
	if resp.IsError() {
		msg := res.Error
		if msg == "" {
			msg = fmt.Sprintf("http %d", resp.StatusCode())
		}
		return nil, fmt.Errorf("remote: query status: %s", msg)
	}
	return res.Operations, nil
}
