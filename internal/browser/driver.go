package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	logx "genflow/pkg/logx"
)

// wsDriver speaks the devtools wire protocol over a websocket connection
// address reported by the provider. Only the handful of commands the core
// needs are implemented.
type wsDriver struct {
	conn *websocket.Conn
	log  logx.Logger

	writeMu sync.Mutex
	seq     atomic.Int64

	mu       sync.Mutex
	pending  map[int64]chan rpcReply
	watchers map[int64]func(method string, params json.RawMessage)
	watchSeq int64

	closeOnce sync.Once
	done      chan struct{}
}

type rpcReply struct {
	result json.RawMessage
	err    error
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Dial connects the driver to an environment's connection address.
func Dial(ctx context.Context, address string, log logx.Logger) (Driver, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, address, nil)
	if err != nil {
		return nil, fmt.Errorf("browser: dial driver %s: %w", address, err)
	}
	d := &wsDriver{
		conn:     conn,
		log:      log,
		pending:  map[int64]chan rpcReply{},
		watchers: map[int64]func(string, json.RawMessage){},
		done:     make(chan struct{}),
	}
	go d.readLoop()
	return d, nil
}

func (d *wsDriver) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.done)
		err = d.conn.Close()
	})
	return err
}

func (d *wsDriver) readLoop() {
	defer func() {
		// Fail all in-flight calls when the connection drops.
		d.mu.Lock()
		for id, ch := range d.pending {
			ch <- rpcReply{err: errors.New("browser: driver connection closed")}
			delete(d.pending, id)
		}
		d.mu.Unlock()
	}()

	for {
		var msg struct {
			ID     int64           `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
			Result json.RawMessage `json:"result"`
			Error  *rpcError       `json:"error"`
		}
		if err := d.conn.ReadJSON(&msg); err != nil {
			select {
			case <-d.done:
			default:
				d.log.Debug("driver read failed", logx.Any("err", err))
			}
			return
		}

		if msg.ID != 0 {
			d.mu.Lock()
			ch := d.pending[msg.ID]
			delete(d.pending, msg.ID)
			d.mu.Unlock()
			if ch != nil {
				reply := rpcReply{result: msg.Result}
				if msg.Error != nil {
					reply.err = fmt.Errorf("browser: driver: %s (code %d)", msg.Error.Message, msg.Error.Code)
				}
				ch <- reply
			}
			continue
		}

		if msg.Method != "" {
			d.mu.Lock()
			ws := make([]func(string, json.RawMessage), 0, len(d.watchers))
			for _, w := range d.watchers {
				ws = append(ws, w)
			}
			d.mu.Unlock()
			for _, w := range ws {
				w(msg.Method, msg.Params)
			}
		}
	}
}

func (d *wsDriver) call(ctx context.Context, method string, params any, out any) error {
	id := d.seq.Add(1)
	ch := make(chan rpcReply, 1)
	d.mu.Lock()
	d.pending[id] = ch
	d.mu.Unlock()

	req := map[string]any{"id": id, "method": method}
	if params != nil {
		req["params"] = params
	}

	d.writeMu.Lock()
	err := d.conn.WriteJSON(req)
	d.writeMu.Unlock()
	if err != nil {
		d.mu.Lock()
		delete(d.pending, id)
		d.mu.Unlock()
		return fmt.Errorf("browser: driver write %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		d.mu.Lock()
		delete(d.pending, id)
		d.mu.Unlock()
		return ctx.Err()
	case <-d.done:
		return errors.New("browser: driver closed")
	case reply := <-ch:
		if reply.err != nil {
			return reply.err
		}
		if out != nil && len(reply.result) > 0 {
			if err := json.Unmarshal(reply.result, out); err != nil {
				return fmt.Errorf("browser: driver decode %s: %w", method, err)
			}
		}
		return nil
	}
}

func (d *wsDriver) watch(fn func(method string, params json.RawMessage)) (cancel func()) {
	d.mu.Lock()
	d.watchSeq++
	id := d.watchSeq
	d.watchers[id] = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.watchers, id)
		d.mu.Unlock()
	}
}

func (d *wsDriver) Pages(ctx context.Context) ([]Page, error) {
	var res struct {
		TargetInfos []struct {
			TargetID string `json:"targetId"`
			Type     string `json:"type"`
			URL      string `json:"url"`
			Title    string `json:"title"`
		} `json:"targetInfos"`
	}
	if err := d.call(ctx, "Target.getTargets", nil, &res); err != nil {
		return nil, err
	}
	var pages []Page
	for _, t := range res.TargetInfos {
		if t.Type != "page" {
			continue
		}
		pages = append(pages, Page{TargetID: t.TargetID, URL: t.URL, Title: t.Title})
	}
	return pages, nil
}

func (d *wsDriver) SetCookies(ctx context.Context, cookies []Cookie) error {
	if len(cookies) == 0 {
		return nil
	}
	return d.call(ctx, "Network.setCookies", map[string]any{"cookies": cookies}, nil)
}

func (d *wsDriver) Navigate(ctx context.Context, url string) error {
	if err := d.call(ctx, "Page.navigate", map[string]any{"url": url}, nil); err != nil {
		return err
	}
	// Wait condition: poll document readiness until complete (bounded by ctx).
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		raw, err := d.Evaluate(ctx, "document.readyState")
		if err == nil {
			var state string
			if json.Unmarshal(raw, &state) == nil && state == "complete" {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (d *wsDriver) Evaluate(ctx context.Context, expr string) (json.RawMessage, error) {
	var res struct {
		Result struct {
			Value json.RawMessage `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text string `json:"text"`
		} `json:"exceptionDetails"`
	}
	params := map[string]any{
		"expression":    expr,
		"returnByValue": true,
		"awaitPromise":  true,
	}
	if err := d.call(ctx, "Runtime.evaluate", params, &res); err != nil {
		return nil, err
	}
	if res.ExceptionDetails != nil {
		return nil, fmt.Errorf("browser: evaluate failed: %s", res.ExceptionDetails.Text)
	}
	return res.Result.Value, nil
}

func (d *wsDriver) CaptureHeader(ctx context.Context, urlSubstr, header string, fire func(ctx context.Context) error) (string, error) {
	if err := d.call(ctx, "Network.enable", nil, nil); err != nil {
		return "", err
	}

	captured := make(chan string, 1)
	cancel := d.watch(func(method string, params json.RawMessage) {
		if method != "Network.requestWillBeSent" {
			return
		}
		var ev struct {
			Request struct {
				URL     string            `json:"url"`
				Headers map[string]string `json:"headers"`
			} `json:"request"`
		}
		if json.Unmarshal(params, &ev) != nil {
			return
		}
		if !strings.Contains(ev.Request.URL, urlSubstr) {
			return
		}
		for k, v := range ev.Request.Headers {
			if strings.EqualFold(k, header) {
				select {
				case captured <- v:
				default:
				}
				return
			}
		}
	})
	defer cancel()

	if fire != nil {
		if err := fire(ctx); err != nil {
			return "", err
		}
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case v := <-captured:
		return v, nil
	}
}
