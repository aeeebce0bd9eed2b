// Package natsapi serves report generation as NATS request/reply. A request carries the
// same body as the HTTP endpoints; the reply is a JSON envelope holding the rendered
// output.
package natsapi

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Banda/pkg/concurrency"
	bandaerrors "github.com/wehubfusion/Banda/pkg/errors"
	"github.com/wehubfusion/Banda/pkg/report"
)

// HeaderRequestID carries the generation request id on replies.
const HeaderRequestID = "Banda-Request-Id"

// Reply codes for failures that do not come from the pipeline.
const (
	CodeBadRequest = "BAD_REQUEST"
	CodeOverloaded = "OVERLOADED"
	CodeTimeout    = "TIMEOUT"
	CodeInternal   = "INTERNAL"
)

var errBadRequest = errors.New("bad request")

// Generator produces reports.
type Generator interface {
	GenerateFromData(ctx context.Context, reportName string, data []byte) (*report.Result, error)
	GenerateFromFilters(ctx context.Context, reportName string, filters map[string]any) (*report.Result, error)
}

// Config configures a Listener.
type Config struct {
	Subject string
	// Queue makes replicas share the subject. Empty gives every replica every request.
	Queue   string
	Workers int
	// Timeout bounds one generation.
	Timeout time.Duration
	// Buffer is the number of requests held while all workers are busy.
	Buffer int
}

// Listener answers report requests received on a subject.
type Listener struct {
	conn      *nats.Conn
	generator Generator
	cfg       Config
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewListener creates a Listener. conn may be nil when only Handle is used.
func NewListener(conn *nats.Conn, generator Generator, cfg Config, logger *zap.Logger) (*Listener, error) {
	if generator == nil {
		return nil, errors.New("generator cannot be nil")
	}
	if cfg.Subject == "" {
		return nil, errors.New("subject cannot be empty")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = cfg.Workers * 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{
		conn:      conn,
		generator: generator,
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer("banda/natsapi"),
	}, nil
}

// Run subscribes and serves requests until ctx is cancelled. On cancellation it
// unsubscribes, then answers every request already received before returning.
func (l *Listener) Run(ctx context.Context) error {
	if l.conn == nil {
		return errors.New("NATS connection cannot be nil")
	}

	msgs := make(chan *nats.Msg, l.cfg.Buffer)
	sub, err := l.conn.ChanQueueSubscribe(l.cfg.Subject, l.cfg.Queue, msgs)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", l.cfg.Subject, err)
	}
	l.logger.Info("Listening for report requests",
		zap.String("subject", l.cfg.Subject),
		zap.String("queue", l.cfg.Queue),
		zap.Int("workers", l.cfg.Workers))

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < l.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.work(ctx, msgs, stop)
		}()
	}

	<-ctx.Done()
	if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		l.logger.Warn("Failed to unsubscribe", zap.Error(err))
	}
	close(stop)
	wg.Wait()
	l.logger.Info("Report listener stopped", zap.String("subject", l.cfg.Subject))
	return nil
}

// work serves requests until stop is closed, then drains what is still buffered.
// Requests are served detached from ctx so that shutdown does not abort them; each
// one is still bounded by the configured timeout.
func (l *Listener) work(ctx context.Context, msgs <-chan *nats.Msg, stop <-chan struct{}) {
	ctx = context.WithoutCancel(ctx)
	for {
		select {
		case msg := <-msgs:
			l.serve(ctx, msg)
		case <-stop:
			for {
				select {
				case msg := <-msgs:
					l.serve(ctx, msg)
				default:
					return
				}
			}
		}
	}
}

func (l *Listener) serve(ctx context.Context, msg *nats.Msg) {
	if msg.Header != nil {
		ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(http.Header(msg.Header)))
	}
	ctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()

	reply, requestID := l.Handle(ctx, msg.Data)
	if msg.Reply == "" {
		l.logger.Debug("Report request without reply subject, result dropped",
			zap.String("subject", msg.Subject),
			zap.String("request_id", requestID))
		return
	}

	out := nats.NewMsg(msg.Reply)
	out.Data = reply
	if requestID != "" {
		out.Header.Set(HeaderRequestID, requestID)
	}
	if err := msg.RespondMsg(out); err != nil {
		l.logger.Error("Failed to send report reply",
			zap.String("reply", msg.Reply),
			zap.String("request_id", requestID),
			zap.Error(err))
	}
}

// Handle generates the report described by data and returns the reply envelope and the
// request id, empty when generation did not start.
func (l *Listener) Handle(ctx context.Context, data []byte) ([]byte, string) {
	ctx, span := l.tracer.Start(ctx, "natsapi.handle",
		trace.WithAttributes(attribute.String("messaging.destination", l.cfg.Subject)))
	defer span.End()

	result, err := l.generate(ctx, data)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		code := classify(err)
		l.logger.Info("Report request failed", zap.String("code", code), zap.Error(err))
		return errorReply(code, err), ""
	}

	reply, err := successReply(result)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.logger.Error("Failed to encode report reply", zap.String("request_id", result.RequestID), zap.Error(err))
		return errorReply(CodeInternal, err), result.RequestID
	}
	span.SetStatus(codes.Ok, "report sent")
	return reply, result.RequestID
}

func (l *Listener) generate(ctx context.Context, data []byte) (*report.Result, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: request is not valid JSON", errBadRequest)
	}
	req := gjson.ParseBytes(data)
	name := req.Get("reportName").String()
	if name == "" {
		return nil, fmt.Errorf("%w: reportName is required", errBadRequest)
	}

	if doc := req.Get("data"); doc.Exists() {
		return l.generator.GenerateFromData(ctx, name, []byte(doc.Raw))
	}

	var filters map[string]any
	if f := req.Get("filters"); f.Exists() && f.Type != gjson.Null {
		if !f.IsObject() {
			return nil, fmt.Errorf("%w: filters must be an object", errBadRequest)
		}
		filters, _ = f.Value().(map[string]any)
	}
	return l.generator.GenerateFromFilters(ctx, name, filters)
}

func classify(err error) string {
	switch {
	case errors.Is(err, errBadRequest):
		return CodeBadRequest
	case errors.Is(err, concurrency.ErrCircuitOpen):
		return CodeOverloaded
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return CodeTimeout
	}
	if code := bandaerrors.CodeOf(err); code != "" {
		return code
	}
	return CodeInternal
}

func errorReply(code string, err error) []byte {
	out, _ := sjson.SetBytes([]byte(`{"success":false}`), "code", code)
	out, _ = sjson.SetBytes(out, "message", err.Error())
	return out
}

func successReply(result *report.Result) ([]byte, error) {
	out := []byte(`{"success":true}`)
	set := func(path string, v any) error {
		var err error
		out, err = sjson.SetBytes(out, path, v)
		return err
	}

	rendered := result.Output
	fields := []struct {
		path  string
		value any
	}{
		{"requestId", result.RequestID},
		{"report", result.ReportName},
		{"contentType", rendered.ContentType},
		{"extension", rendered.Extension},
		{"durationMs", result.Duration.Milliseconds()},
		{"warnings", []any{}},
	}
	for _, f := range fields {
		if err := set(f.path, f.value); err != nil {
			return nil, err
		}
	}
	for i, w := range result.Dataset.Warnings {
		if err := set(fmt.Sprintf("warnings.%d", i), map[string]string{"code": w.Code, "message": w.Message}); err != nil {
			return nil, err
		}
	}
	if result.ArchiveURL != "" {
		if err := set("archiveUrl", result.ArchiveURL); err != nil {
			return nil, err
		}
	}

	var err error
	if rendered.ContentType == "application/json" && gjson.ValidBytes(rendered.Data) {
		if err = set("encoding", "json"); err != nil {
			return nil, err
		}
		out, err = sjson.SetRawBytes(out, "output", rendered.Data)
	} else {
		if err = set("encoding", "base64"); err != nil {
			return nil, err
		}
		err = set("output", base64.StdEncoding.EncodeToString(rendered.Data))
	}
	return out, err
}
