package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/engine/expr"
	"github.com/polisai/polis-gateway/pkg/engine/runtime"
	"github.com/polisai/polis-gateway/pkg/processor"
	"github.com/polisai/polis-gateway/pkg/security"
	"github.com/polisai/polis-gateway/pkg/storage"
	"github.com/polisai/polis-gateway/pkg/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Failure keys owned by the dispatcher.
const (
	KeyAPINotFound    = "GATEWAY_API_NOT_FOUND"
	KeyClientError    = "GATEWAY_CLIENT_CONNECTION_ERROR"
	KeyGatewayTimeout = "GATEWAY_TIMEOUT"
)

const (
	HeaderRequestID  = "X-Request-Id"
	requestChainID   = "request"
	responseChainID  = "response"
	defaultChunkSize = 32 * 1024

	// internalUpstreamResponded marks that the response headers came from the upstream.
	internalUpstreamResponded = "upstream.responded"
)

var tracer = otel.Tracer("gateway.dispatch")

// DispatcherConfig holds dependencies for creating a Dispatcher.
type DispatcherConfig struct {
	Registry      *Registry
	Evaluator     *expr.Evaluator
	Subscriptions storage.SubscriptionService
	APIKeys       storage.APIKeyService
	Upstream      Upstream
	Metrics       *Metrics
	// Observers receive every processor hook in addition to Metrics.
	Observers []processor.Observer
	// ChunkSize bounds the chunks read from request and response bodies.
	ChunkSize int
	Logger    *slog.Logger
	// Clock stamps the execution context; defaults to time.Now.
	Clock func() time.Time
	// Redactions apply to request header span attributes on top of the
	// default deny-list.
	Redactions []telemetry.Redaction
}

// Dispatcher is the http.Handler of the gateway. For every request it runs
// the security chain, the request chain over platform, plan and API flows,
// the upstream call, then the response chain over plan, API and platform
// flows. Bodies stream through the chains chunk by chunk.
type Dispatcher struct {
	registry   *Registry
	evaluator  *expr.Evaluator
	components *runtime.Components
	upstream   Upstream
	metrics    *Metrics
	chainOpts  processor.Options
	chunkSize  int
	logger     *slog.Logger
	now        func() time.Time
	redactions []telemetry.Redaction
}

// NewDispatcher creates the gateway handler.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Registry == nil {
		panic("engine: deployment registry is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	evaluator := cfg.Evaluator
	if evaluator == nil {
		var err error
		evaluator, err = expr.NewEvaluator(expr.Options{})
		if err != nil {
			return nil, fmt.Errorf("create expression evaluator: %w", err)
		}
	}
	upstream := cfg.Upstream
	if upstream == nil {
		upstream = NewHTTPUpstream(HTTPUpstreamConfig{Logger: logger})
	}
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	components := runtime.NewComponents()
	if cfg.Subscriptions != nil {
		runtime.Register[storage.SubscriptionService](components, cfg.Subscriptions)
	}
	if cfg.APIKeys != nil {
		runtime.Register[storage.APIKeyService](components, cfg.APIKeys)
	}

	var obs observers
	if cfg.Metrics != nil {
		obs = append(obs, cfg.Metrics)
	}
	obs = append(obs, cfg.Observers...)
	opts := processor.Options{Logger: logger}
	if len(obs) > 0 {
		opts.Observer = obs
	}

	return &Dispatcher{
		registry:   cfg.Registry,
		evaluator:  evaluator,
		components: components,
		upstream:   upstream,
		metrics:    cfg.Metrics,
		chainOpts:  opts,
		chunkSize:  chunkSize,
		logger:     logger,
		now:        now,
		redactions: cfg.Redactions,
	}, nil
}

// ServeHTTP implements http.Handler.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

	ctx, span := tracer.Start(r.Context(), "gateway.dispatch", trace.WithAttributes(
		attribute.String("http.method", r.Method),
		attribute.String("url.path", r.URL.Path),
	))
	defer span.End()
	if span.IsRecording() {
		span.SetAttributes(d.headerAttributes(r.Header)...)
	}

	dep, ok := d.registry.Lookup(r.URL.Path)
	if !ok {
		d.writeFailure(ctx, rec, nil, runtime.Fail(http.StatusNotFound, KeyAPINotFound, "No context-path matches the request URI."))
		return
	}

	ec := d.newExecutionContext(r, dep)
	rec.Header().Set(HeaderRequestID, ec.Request.ID)
	span.SetAttributes(
		attribute.String("api.id", dep.API.ID),
		attribute.String("request.id", ec.Request.ID),
	)

	d.logger.Debug("dispatching request",
		slog.String("api_id", dep.API.ID),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("request_id", ec.Request.ID))

	d.exchange(ctx, dep, ec, rec, r.Body)

	if rec.status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(rec.status))
	}
	span.SetAttributes(attribute.Int("http.status_code", rec.status))
	d.metrics.RequestServed(dep.API.ID, rec.status, time.Since(start))
}

// newExecutionContext builds the per-request context from an HTTP request.
func (d *Dispatcher) newExecutionContext(r *http.Request, dep *Deployment) *runtime.ExecutionContext {
	api := dep.API
	req := &runtime.Request{
		ID:          r.Header.Get(HeaderRequestID),
		Method:      r.Method,
		Path:        r.URL.Path,
		PathInfo:    pathInfo(api.ContextPath, r.URL.Path),
		ContextPath: api.ContextPath,
		Host:        r.Host,
		RemoteAddr:  r.RemoteAddr,
		Headers:     r.Header.Clone(),
		Query:       r.URL.Query(),
	}
	if api.Type == domain.APITypeMessage {
		req.Channel = req.PathInfo
	}

	ec := runtime.NewExecutionContext(runtime.Config{
		Request:    req,
		Timestamp:  d.now(),
		Evaluator:  d.evaluator,
		Components: d.components,
	})
	ec.SetAttribute(runtime.AttrAPI, api.ID)
	ec.SetAttribute(runtime.AttrAPIName, api.Name)
	ec.SetAttribute(runtime.AttrOrganization, api.OrganizationID)
	ec.SetAttribute(runtime.AttrContextPath, api.ContextPath)
	ec.SetInternalAttribute(runtime.InternalEndpoint, api.Endpoint)
	return ec
}

// exchange runs one request through the deployment.
func (d *Dispatcher) exchange(ctx context.Context, dep *Deployment, ec *runtime.ExecutionContext, w *statusRecorder, body io.Reader) {
	span := trace.SpanFromContext(ctx)
	requestPhase, _ := dep.Phases()

	if err := dep.Security.Execute(ctx, ec, requestPhase); err != nil {
		failure := securityFailure(err)
		telemetry.RecordSecurityEvent(span, "", false, failure.Key)
		d.writeFailure(ctx, w, ec, failure)
		return
	}
	telemetry.RecordSecurityEvent(span, ec.AttributeString(runtime.AttrPlan), true, "")

	call := newUpstreamCall(ctx, d.upstream, ec)
	defer call.release()

	reqChain := processor.NewStreamableChain(requestChainID, dep.RequestProcessors(ctx, ec), call, d.chainOpts)
	if out := reqChain.Handle(ctx, ec); !out.IsCompleted() {
		call.abort(processor.ErrTerminated)
		d.finish(ctx, w, ec, out)
		return
	}

	call.start()
	if err := d.pump(ctx, body, reqChain); err != nil {
		call.abort(err)
		call.wait(ctx)
		d.writeFailure(ctx, w, ec, runtime.Fail(http.StatusBadRequest, KeyClientError, "Request body could not be read.").WithCause(err))
		return
	}
	if out, _ := reqChain.Outcome(); !out.IsCompleted() {
		call.abort(processor.ErrTerminated)
		res := call.wait(ctx)
		if out.Source == requestChainID && res.err != nil {
			d.writeFailure(ctx, w, ec, upstreamFailure(res.err))
			return
		}
		closeBody(res.body)
		d.finish(ctx, w, ec, out)
		return
	}

	res := call.wait(ctx)
	if res.err != nil {
		d.writeFailure(ctx, w, ec, upstreamFailure(res.err))
		return
	}
	defer closeBody(res.body)
	ec.SetInternalAttribute(internalUpstreamResponded, true)

	sink := &responseSink{w: w, ec: ec}
	respChain := processor.NewStreamableChain(responseChainID, dep.ResponseProcessors(ctx, ec), sink, d.chainOpts)
	if out := respChain.Handle(ctx, ec); !out.IsCompleted() {
		d.finish(ctx, w, ec, out)
		return
	}
	if err := d.pump(ctx, res.body, respChain); err != nil {
		d.abortResponse(ctx, w, ec, sink, runtime.AsFailure(upstreamFailure(err)))
		return
	}
	if out, _ := respChain.Outcome(); !out.IsCompleted() {
		if !sink.wroteHeader {
			d.finish(ctx, w, ec, out)
			return
		}
		if out.Status == processor.StatusFailed {
			d.abortResponse(ctx, w, ec, sink, runtime.AsFailure(out.Err))
			return
		}
		d.logger.Debug("response stream ended early",
			slog.String("request_id", ec.Request.ID),
			slog.String("processor_id", out.Source))
	}
}

// pump reads body in chunks into chain and ends the stream. A stop of the
// chain is not an error here; the caller reads the chain outcome.
func (d *Dispatcher) pump(ctx context.Context, body io.Reader, chain *processor.StreamableChain) error {
	if body == nil {
		body = http.NoBody
	}
	buf := make([]byte, d.chunkSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if werr := chain.Write(ctx, bytes.Clone(buf[:n])); werr != nil {
				return nil
			}
		}
		if errors.Is(err, io.EOF) {
			_ = chain.End(ctx)
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// finish writes the response of a chain that did not complete.
func (d *Dispatcher) finish(ctx context.Context, w http.ResponseWriter, ec *runtime.ExecutionContext, out processor.Outcome) {
	switch out.Status {
	case processor.StatusExited:
		d.logger.Debug("exchange exited early",
			slog.String("request_id", ec.Request.ID),
			slog.String("processor_id", out.Source),
			slog.Int("status", ec.Response.Status))
		writeExit(w, ec)
	default:
		d.writeFailure(ctx, w, ec, runtime.AsFailure(out.Err))
	}
}

// abortResponse handles a failure after the response status has been sent:
// the client connection is dropped so it cannot mistake a partial body for a
// complete one.
func (d *Dispatcher) abortResponse(ctx context.Context, w http.ResponseWriter, ec *runtime.ExecutionContext, sink *responseSink, failure *runtime.ExecutionFailure) {
	if !sink.wroteHeader {
		d.writeFailure(ctx, w, ec, failure)
		return
	}
	d.logger.Error("response stream failed after headers were sent",
		slog.String("request_id", ec.Request.ID),
		slog.String("key", failure.Key),
		slog.Any("error", failure))
	panic(http.ErrAbortHandler)
}

// writeExit writes the response a processor prepared before exiting.
func writeExit(w http.ResponseWriter, ec *runtime.ExecutionContext) {
	copyHeaders(w.Header(), ec.Response.Headers)
	status := ec.Response.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(ec.Response.Content) > 0 {
		_, _ = w.Write(ec.Response.Content)
	}
}

// writeFailure writes an ExecutionFailure as the standard JSON error body.
// Headers set by policies on the response (e.g. rate limit headers) are kept.
func (d *Dispatcher) writeFailure(ctx context.Context, w http.ResponseWriter, ec *runtime.ExecutionContext, failure *runtime.ExecutionFailure) {
	if ec != nil && ec.Response != nil {
		if responded, _ := ec.InternalAttribute(internalUpstreamResponded); responded != true {
			copyHeaders(w.Header(), ec.Response.Headers)
		}
	}
	w.Header().Del("Content-Length")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(failure.StatusCode)

	var traceID string
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		traceID = sc.TraceID().String()
	}

	attrs := []any{
		slog.Int("status", failure.StatusCode),
		slog.String("key", failure.Key),
	}
	if ec != nil {
		attrs = append(attrs, slog.String("request_id", ec.Request.ID))
	}
	if failure.Cause != nil {
		attrs = append(attrs, slog.Any("error", failure.Cause))
	}
	if failure.StatusCode >= http.StatusInternalServerError {
		d.logger.Error("request failed", attrs...)
	} else {
		d.logger.Debug("request rejected", attrs...)
	}

	errResp := domain.ErrorResponse{
		Code:    failure.Key,
		Message: failure.Message,
		TraceID: traceID,
	}
	if err := json.NewEncoder(w).Encode(errResp); err != nil {
		d.logger.Error("failed to encode error response", slog.Any("error", err))
	}
}

// securityFailure maps a security chain error to the response failure.
func securityFailure(err error) *runtime.ExecutionFailure {
	if errors.Is(err, security.ErrNoPlanResolved) {
		return runtime.Fail(http.StatusUnauthorized, runtime.KeyPlanUnresolvable, "Unauthorized").WithCause(err)
	}
	return runtime.AsFailure(err)
}

// upstreamFailure maps an upstream error to 502, or 504 on timeout.
func upstreamFailure(err error) *runtime.ExecutionFailure {
	if timeoutError(err) {
		return runtime.Fail(http.StatusGatewayTimeout, KeyGatewayTimeout, "Request timeout").WithCause(err)
	}
	return runtime.Fail(http.StatusBadGateway, runtime.KeyUpstreamError, "Bad gateway").WithCause(err)
}

// headerAttributes renders request headers as span attributes named
// http.request.header.<lowercased name>, redacted before export.
func (d *Dispatcher) headerAttributes(h http.Header) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(h))
	for name, values := range h {
		key := "http.request.header." + strings.ToLower(name)
		attrs = append(attrs, attribute.String(key, strings.Join(values, ", ")))
	}
	return telemetry.RedactAttributes(attrs, d.redactions...)
}

func closeBody(body io.ReadCloser) {
	if body != nil {
		_ = body.Close()
	}
}

// responseSink is the tail of the response chain. Status and headers are
// written with the first chunk or at the end of the stream, so response
// policies can still change them during their control hooks.
type responseSink struct {
	w           http.ResponseWriter
	ec          *runtime.ExecutionContext
	wroteHeader bool
	written     int64
}

func (s *responseSink) writeHeader() {
	if s.wroteHeader {
		return
	}
	s.wroteHeader = true
	copyHeaders(s.w.Header(), s.ec.Response.Headers)
	status := s.ec.Response.Status
	if status == 0 {
		status = http.StatusOK
	}
	s.w.WriteHeader(status)
}

func (s *responseSink) Write(_ context.Context, chunk []byte) error {
	s.writeHeader()
	n, err := s.w.Write(chunk)
	s.written += int64(n)
	if err != nil {
		return err
	}
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

func (s *responseSink) End(context.Context) error {
	s.writeHeader()
	return nil
}

// statusRecorder wraps http.ResponseWriter to prevent multiple WriteHeader
// calls and to remember the status sent.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.ResponseWriter.WriteHeader(code)
		r.wroteHeader = true
	}
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying ResponseWriter does not support hijacking")
	}
	return hijacker.Hijack()
}
