package mcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSETransport implements the MCP HTTP+SSE binding. The server-to-client
// channel is a single long-lived GET returning Server-Sent Events; the
// client-to-server channel is HTTP POST to an endpoint the server advertises
// through a distinguished "endpoint" event on the stream.
//
// Start moves the transport to StatusConnecting; the GET itself is issued
// when Messages is subscribed, and successful response headers move the
// transport to StatusConnected. All events other than "endpoint" deliver
// their data payload to the inbound stream verbatim. A server-side close
// surfaces as stream EOF and leaves the transport Disconnected; calling
// Start again establishes a fresh session with a new opaque session ID.
//
// Instances must be created with NewSSETransport.
type SSETransport struct {
	url        string
	httpClient *http.Client
	headers    http.Header
	cfg        TransportConfig
	logger     *slog.Logger

	mu   sync.Mutex
	sb   *stateBroadcaster
	sess *sseSession
}

// SSEOption configures an SSETransport.
type SSEOption func(*SSETransport)

// WithSSEHTTPClient sets the HTTP client used for both channels. When not
// provided the default client is used.
func WithSSEHTTPClient(client *http.Client) SSEOption {
	return func(t *SSETransport) {
		t.httpClient = client
	}
}

// WithSSEHeaders sets extra headers sent on the GET and every POST, such as
// an Authorization bearer token or a cookie.
func WithSSEHeaders(headers http.Header) SSEOption {
	return func(t *SSETransport) {
		t.headers = headers
	}
}

// WithSSELogger sets the logger for transport diagnostics.
func WithSSELogger(logger *slog.Logger) SSEOption {
	return func(t *SSETransport) {
		t.logger = logger
	}
}

// WithSSEConfig sets the transport configuration.
func WithSSEConfig(cfg TransportConfig) SSEOption {
	return func(t *SSETransport) {
		t.cfg = cfg
	}
}

type sseSession struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc

	connectOnce sync.Once
	msgs        chan []byte

	mu           sync.Mutex
	postEndpoint *url.URL
}

// NewSSETransport creates an SSE transport connecting to the given URL.
func NewSSETransport(connectURL string, options ...SSEOption) *SSETransport {
	t := &SSETransport{
		url:        connectURL,
		httpClient: http.DefaultClient,
		logger:     slog.Default(),
		sb:         newStateBroadcaster(),
	}
	for _, opt := range options {
		opt(t)
	}
	t.cfg = t.cfg.withDefaults()
	return t
}

// Start prepares a fresh session and moves the transport to StatusConnecting.
// The GET is deferred until Messages is subscribed. Calling Start while a
// session is live is a no-op.
func (t *SSETransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sess != nil {
		return nil
	}

	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.sess = &sseSession{
		id:     uuid.New().String(),
		ctx:    sessCtx,
		cancel: cancel,
		msgs:   make(chan []byte),
	}
	t.sb.set(TransportState{Status: StatusConnecting})

	return nil
}

// Stop cancels the GET, finalizes the message stream, and moves the
// transport to StatusDisconnected. Idempotent.
func (t *SSETransport) Stop() {
	t.mu.Lock()
	s := t.sess
	t.sess = nil
	if t.sb.state.Status != StatusDisconnected {
		t.sb.set(TransportState{Status: StatusDisconnected})
	}
	t.mu.Unlock()

	if s != nil {
		s.cancel()
	}
}

// SessionID returns the opaque ID of the current session, or the empty
// string when the transport is stopped. Each reconnect yields a new ID.
func (t *SSETransport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sess == nil {
		return ""
	}
	return t.sess.id
}

// State returns the current transport state.
func (t *SSETransport) State() TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sb.state
}

// StateChanges returns the state transition channel.
func (t *SSETransport) StateChanges() <-chan TransportState {
	return t.sb.changes
}

// Send POSTs one frame to the server-advertised endpoint. It fails with
// InvalidStateError before an endpoint event has been observed, and any
// response status outside 2xx is a send failure that leaves the downchannel
// open.
func (t *SSETransport) Send(ctx context.Context, data []byte) error {
	t.mu.Lock()
	s := t.sess
	state := t.sb.state
	t.mu.Unlock()

	if s == nil || state.Status != StatusConnected {
		return &InvalidStateError{Reason: "not connected"}
	}

	s.mu.Lock()
	endpoint := s.postEndpoint
	s.mu.Unlock()
	if endpoint == nil {
		return &InvalidStateError{Reason: "server endpoint not known yet"}
	}

	if err := t.cfg.checkSize(data); err != nil {
		return err
	}

	sCtx, cancel := t.cfg.sendContext(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(sCtx, http.MethodPost, endpoint.String(), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create POST request: %w", err)
	}
	t.applyHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		if errors.Is(sCtx.Err(), context.DeadlineExceeded) {
			return &TimeoutError{Op: "sse send", Duration: t.cfg.SendTimeout}
		}
		return fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &InvalidStateError{Reason: fmt.Sprintf("POST failed to %s: status %d", endpoint, resp.StatusCode)}
	}

	return nil
}

// Messages returns the stream of inbound frames. Subscribing issues the GET
// for the current session, starting the transport first if needed. The
// stream ends on Stop, server-side close, or an unrecoverable error.
func (t *SSETransport) Messages() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		t.mu.Lock()
		s := t.sess
		t.mu.Unlock()

		if s == nil {
			if err := t.Start(context.Background()); err != nil {
				t.logger.Error("failed to auto-start sse transport", "err", err)
				return
			}
			t.mu.Lock()
			s = t.sess
			t.mu.Unlock()
			if s == nil {
				return
			}
		}

		s.connectOnce.Do(func() {
			go t.listen(s)
		})

		for msg := range s.msgs {
			if !yield(msg) {
				return
			}
		}
	}
}

func (t *SSETransport) applyHeaders(req *http.Request) {
	for key, values := range t.headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
}

// listen issues the GET and pumps events into the session's message channel
// until the stream ends.
func (t *SSETransport) listen(s *sseSession) {
	defer close(s.msgs)

	body, err := t.connect(s)
	if err != nil {
		t.finish(s, err)
		return
	}
	defer body.Close()

	t.finish(s, t.pump(s, body))
}

// connect performs the GET, retrying per the configured policy, and
// validates the response headers.
func (t *SSETransport) connect(s *sseSession) (io.ReadCloser, error) {
	body, err := WithRetry(s.ctx, t.cfg.Retry, func(context.Context) (io.ReadCloser, error) {
		return t.dial(s)
	})
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.sess == s {
		t.sb.set(TransportState{Status: StatusConnected})
	}
	t.mu.Unlock()

	return body, nil
}

// dial is one GET attempt. The connect timeout bounds the wait for response
// headers only; once the stream is established the request context reverts
// to the session's.
func (t *SSETransport) dial(s *sseSession) (io.ReadCloser, error) {
	attemptCtx, cancel := context.WithCancel(s.ctx)
	headersDone := make(chan struct{})
	timer := time.AfterFunc(t.cfg.ConnectTimeout, func() {
		select {
		case <-headersDone:
		default:
			cancel()
		}
	})

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, t.url, nil)
	if err != nil {
		timer.Stop()
		cancel()
		return nil, &ConnectionFailedError{Err: err}
	}
	t.applyHeaders(req)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := t.httpClient.Do(req)
	close(headersDone)
	timer.Stop()
	if err != nil {
		cancel()
		if s.ctx.Err() == nil && attemptCtx.Err() != nil {
			return nil, &TimeoutError{Op: "sse connect", Duration: t.cfg.ConnectTimeout}
		}
		return nil, &ConnectionFailedError{Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		cancel()
		return nil, &ConnectionFailedError{Err: fmt.Errorf("unexpected status code: %d", resp.StatusCode)}
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
		resp.Body.Close()
		cancel()
		return nil, &ConnectionFailedError{Err: fmt.Errorf("unexpected content type: %q", ct)}
	}

	// The request stays bound to attemptCtx; closing the returned body
	// releases it.
	return &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel}, nil
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	c.cancel()
	return c.ReadCloser.Close()
}

// pump reads SSE events off the body. The only distinguished event name is
// "endpoint"; every other event delivers its data payload to the inbound
// stream as raw bytes.
func (t *SSETransport) pump(s *sseSession, body io.Reader) error {
	readCfg := &sse.ReadConfig{MaxEventSize: t.cfg.MaxMessageSize}

	for ev, err := range sse.Read(body, readCfg) {
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return &InvalidMessageError{What: err.Error()}
		}

		if ev.Type == "endpoint" {
			endpoint, err := t.resolveEndpoint(ev.Data)
			if err != nil {
				return err
			}
			s.mu.Lock()
			s.postEndpoint = endpoint
			s.mu.Unlock()
			t.logger.Debug("sse endpoint advertised", "endpoint", endpoint)
			continue
		}

		select {
		case <-s.ctx.Done():
			return nil
		case s.msgs <- []byte(ev.Data):
		}
	}

	// Server closed the stream.
	return nil
}

// resolveEndpoint resolves the advertised POST URL against the SSE URL base.
// An absolute URL must share the SSE URL's origin.
func (t *SSETransport) resolveEndpoint(data string) (*url.URL, error) {
	raw := strings.TrimSpace(data)
	if raw == "" {
		return nil, &InvalidMessageError{What: "empty endpoint URL"}
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, &InvalidMessageError{What: fmt.Sprintf("parse endpoint URL: %v", err)}
	}
	base, err := url.Parse(t.url)
	if err != nil {
		return nil, &InvalidMessageError{What: fmt.Sprintf("parse base URL: %v", err)}
	}

	if u.IsAbs() && (u.Scheme != base.Scheme || u.Host != base.Host) {
		return nil, &InvalidStateError{Reason: "origin mismatch"}
	}

	return base.ResolveReference(u), nil
}

// finish records the terminal state for the session: Failed on error,
// Disconnected on a clean end, untouched when Stop already took over.
func (t *SSETransport) finish(s *sseSession, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sess != s {
		return
	}
	t.sess = nil
	s.cancel()

	if err != nil {
		t.logger.Error("sse session ended", "err", err)
		t.sb.set(TransportState{Status: StatusFailed, Err: err})
		return
	}
	t.sb.set(TransportState{Status: StatusDisconnected})
}
