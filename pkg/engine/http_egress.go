package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/polisai/polis-gateway/internal/governance"
	"github.com/polisai/polis-gateway/pkg/engine/runtime"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrNoEndpoint is returned when the exchange has no upstream endpoint.
var ErrNoEndpoint = errors.New("no upstream endpoint")

// Upstream calls the backend of an API. It reads the request body from body
// while it is still being produced, sets the response status and headers on
// ec, and returns the response body.
type Upstream interface {
	Invoke(ctx context.Context, ec *runtime.ExecutionContext, body io.Reader) (io.ReadCloser, error)
}

// HTTPUpstreamConfig holds dependencies for creating an HTTPUpstream.
type HTTPUpstreamConfig struct {
	// Client defaults to an otelhttp-instrumented client dialing with the
	// connect timeout.
	Client   *http.Client
	Timeouts governance.TimeoutConfig
	// Breakers guards each API endpoint; nil disables circuit breaking.
	Breakers *governance.CircuitBreakerManager
	Logger   *slog.Logger
}

// HTTPUpstream forwards the exchange to the endpoint bound in the context.
type HTTPUpstream struct {
	client   *http.Client
	timeouts *governance.TimeoutManager
	breakers *governance.CircuitBreakerManager
	logger   *slog.Logger
}

// NewHTTPUpstream creates an HTTP upstream.
func NewHTTPUpstream(cfg HTTPUpstreamConfig) *HTTPUpstream {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeouts := governance.NewTimeoutManager(cfg.Timeouts)
	client := cfg.Client
	if client == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.DialContext = (&net.Dialer{Timeout: timeouts.Config().ConnectTimeout}).DialContext
		client = &http.Client{
			Transport: otelhttp.NewTransport(transport),
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return &HTTPUpstream{client: client, timeouts: timeouts, breakers: cfg.Breakers, logger: logger}
}

// Invoke implements Upstream.
func (u *HTTPUpstream) Invoke(ctx context.Context, ec *runtime.ExecutionContext, body io.Reader) (io.ReadCloser, error) {
	endpoint, _ := ec.InternalAttribute(runtime.InternalEndpoint)
	base, _ := endpoint.(string)
	if base == "" {
		return nil, ErrNoEndpoint
	}
	target, err := targetURL(base, ec.Request.PathInfo, ec.Request.Query)
	if err != nil {
		return nil, err
	}

	ctx, cancel := u.timeouts.WithRequestTimeout(ctx)
	req, err := http.NewRequestWithContext(ctx, ec.Request.Method, target, body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	copyHeaders(req.Header, ec.Request.Headers)
	req.Header.Del("Content-Length")
	if n, err := strconv.ParseInt(ec.Request.Headers.Get("Content-Length"), 10, 64); err == nil && n >= 0 {
		req.ContentLength = n
		if n == 0 {
			req.Body = http.NoBody
		}
	}
	if req.Header.Get("X-Request-Id") == "" {
		req.Header.Set("X-Request-Id", ec.Request.ID)
	}
	appendForwardedFor(req.Header, ec.Request.RemoteAddr)

	u.logger.Debug("forwarding request to upstream",
		slog.String("target_url", target),
		slog.String("method", req.Method),
		slog.String("request_id", ec.Request.ID))

	var resp *http.Response
	call := func() error {
		var err error
		resp, err = u.client.Do(req)
		return err
	}
	if u.breakers != nil {
		err = u.breakers.Get(ec.AttributeString(runtime.AttrAPI)).Execute(call)
	} else {
		err = call()
	}
	if err != nil {
		cancel()
		return nil, fmt.Errorf("upstream %s: %w", req.URL.Redacted(), err)
	}

	ec.Response.Status = resp.StatusCode
	ec.Response.Reason = strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	ec.Response.Headers = make(http.Header, len(resp.Header))
	copyHeaders(ec.Response.Headers, resp.Header)

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(
			attribute.Int("http.status_code", resp.StatusCode),
			attribute.Int64("gateway.upstream.timeout_ms", u.timeouts.Config().RequestTimeout.Milliseconds()),
		)
		span.AddEvent("upstream.response")
	}

	return &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, nil
}

// targetURL joins the endpoint with the path below the context path.
func targetURL(base, path string, query url.Values) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", base, err)
	}
	if path != "" && path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(path, "/")
	} else if u.Path == "" {
		u.Path = "/"
	}
	if len(query) > 0 {
		merged := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				merged.Add(k, v)
			}
		}
		u.RawQuery = merged.Encode()
	}
	return u.String(), nil
}

func appendForwardedFor(h http.Header, remoteAddr string) {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	if host == "" {
		return
	}
	if prior := h.Get("X-Forwarded-For"); prior != "" {
		host = prior + ", " + host
	}
	h.Set("X-Forwarded-For", host)
}

// cancelOnClose releases the request timeout once the body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// copyHeaders copies HTTP headers from src to dst, filtering hop-by-hop headers.
func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		if isHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// hopByHop lists the headers that must not be forwarded (RFC 7230).
var hopByHop = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Trailers":            true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// isHopByHopHeader identifies HTTP hop-by-hop headers that should not be forwarded.
func isHopByHopHeader(header string) bool {
	return hopByHop[http.CanonicalHeaderKey(header)]
}

// upstreamResult is what the upstream goroutine hands back to the dispatcher.
type upstreamResult struct {
	body io.ReadCloser
	err  error
}

// upstreamCall pumps the request stream into an Upstream through an io.Pipe.
// It is the tail sink of the request chain.
type upstreamCall struct {
	upstream Upstream
	ec       *runtime.ExecutionContext
	reader   *io.PipeReader
	writer   *io.PipeWriter
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan upstreamResult
	started  bool
}

func newUpstreamCall(ctx context.Context, upstream Upstream, ec *runtime.ExecutionContext) *upstreamCall {
	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	return &upstreamCall{
		upstream: upstream,
		ec:       ec,
		reader:   pr,
		writer:   pw,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan upstreamResult, 1),
	}
}

// start invokes the upstream in its own goroutine.
func (c *upstreamCall) start() {
	c.started = true
	go func() {
		body, err := c.upstream.Invoke(c.ctx, c.ec, c.reader)
		if err != nil {
			_ = c.reader.CloseWithError(err)
		}
		c.done <- upstreamResult{body: body, err: err}
	}()
}

// Write implements processor.Sink.
func (c *upstreamCall) Write(_ context.Context, chunk []byte) error {
	_, err := c.writer.Write(chunk)
	return err
}

// End implements processor.Sink.
func (c *upstreamCall) End(context.Context) error {
	return c.writer.Close()
}

// abort stops the call: the upstream sees err on its request body and its
// context is cancelled.
func (c *upstreamCall) abort(err error) {
	_ = c.writer.CloseWithError(err)
	c.cancel()
}

// wait returns the upstream result. It must only be called after start.
func (c *upstreamCall) wait(ctx context.Context) upstreamResult {
	select {
	case res := <-c.done:
		return res
	case <-ctx.Done():
		c.abort(ctx.Err())
		return <-c.done
	}
}

// release frees the pipe once the exchange is over.
func (c *upstreamCall) release() {
	_ = c.reader.Close()
	c.cancel()
}

// timeoutError reports whether err came from a deadline.
func timeoutError(err error) bool {
	var netErr net.Error
	return errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout())
}
