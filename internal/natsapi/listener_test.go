package natsapi

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap/zaptest"

	"github.com/wehubfusion/Banda/pkg/concurrency"
	bandaerrors "github.com/wehubfusion/Banda/pkg/errors"
	"github.com/wehubfusion/Banda/pkg/render"
	"github.com/wehubfusion/Banda/pkg/report"
)

type fakeGenerator struct {
	result  *report.Result
	err     error
	name    string
	data    string
	filters map[string]any
}

func (f *fakeGenerator) GenerateFromData(_ context.Context, name string, data []byte) (*report.Result, error) {
	f.name, f.data = name, string(data)
	return f.result, f.err
}

func (f *fakeGenerator) GenerateFromFilters(_ context.Context, name string, filters map[string]any) (*report.Result, error) {
	f.name, f.filters = name, filters
	return f.result, f.err
}

func jsonResult() *report.Result {
	return &report.Result{
		RequestID:  "req-1",
		ReportName: "nomina",
		Dataset: &report.Dataset{Warnings: []*bandaerrors.Error{
			bandaerrors.NewError(bandaerrors.CodeDataSourceUnresolvable, "Receptor missing", nil),
		}},
		Output:     &render.Output{Data: []byte(`{"tables":{}}`), ContentType: "application/json", Extension: "json"},
		ArchiveURL: "memory://reports/nomina/req-1.json",
		Duration:   15 * time.Millisecond,
	}
}

func newListener(t *testing.T, gen Generator) *Listener {
	t.Helper()
	l, err := NewListener(nil, gen, Config{Subject: "reports.generate"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return l
}

func TestHandle_FromData(t *testing.T) {
	gen := &fakeGenerator{result: jsonResult()}
	l := newListener(t, gen)

	reply, requestID := l.Handle(context.Background(), []byte(`{"reportName":"nomina","data":{"Items":[]}}`))
	assert.Equal(t, "req-1", requestID)
	assert.Equal(t, "nomina", gen.name)
	assert.JSONEq(t, `{"Items":[]}`, gen.data)

	body := gjson.ParseBytes(reply)
	assert.True(t, body.Get("success").Bool())
	assert.Equal(t, "req-1", body.Get("requestId").String())
	assert.Equal(t, "json", body.Get("encoding").String())
	assert.True(t, body.Get("output.tables").IsObject())
	assert.Equal(t, "memory://reports/nomina/req-1.json", body.Get("archiveUrl").String())
	assert.Equal(t, int64(15), body.Get("durationMs").Int())
	assert.Equal(t, bandaerrors.CodeDataSourceUnresolvable, body.Get("warnings.0.code").String())
}

func TestHandle_FromFilters(t *testing.T) {
	result := jsonResult()
	result.Output = &render.Output{Data: []byte{0x25, 0x50, 0x44, 0x46}, ContentType: "application/pdf", Extension: "pdf"}
	result.Dataset.Warnings = nil
	gen := &fakeGenerator{result: result}
	l := newListener(t, gen)

	reply, _ := l.Handle(context.Background(), []byte(`{"reportName":"empresas","filters":{"idEmpresa":"*"}}`))
	assert.Equal(t, map[string]any{"idEmpresa": "*"}, gen.filters)

	body := gjson.ParseBytes(reply)
	assert.Equal(t, "base64", body.Get("encoding").String())
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("%PDF")), body.Get("output").String())
	assert.Empty(t, body.Get("warnings").Array())
}

func TestHandle_Errors(t *testing.T) {
	tests := []struct {
		name    string
		request string
		err     error
		code    string
	}{
		{"invalid json", `{"reportName":`, nil, CodeBadRequest},
		{"missing name", `{"data":{}}`, nil, CodeBadRequest},
		{"filters not object", `{"reportName":"x","filters":"all"}`, nil, CodeBadRequest},
		{"pipeline error", `{"reportName":"x","data":{}}`, bandaerrors.NewError(bandaerrors.CodeConfigurationMissing, "no configuration", nil), bandaerrors.CodeConfigurationMissing},
		{"overloaded", `{"reportName":"x","data":{}}`, concurrency.ErrCircuitOpen, CodeOverloaded},
		{"timeout", `{"reportName":"x","data":{}}`, context.DeadlineExceeded, CodeTimeout},
		{"unknown", `{"reportName":"x","data":{}}`, errors.New("boom"), CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newListener(t, &fakeGenerator{err: tt.err})
			reply, requestID := l.Handle(context.Background(), []byte(tt.request))
			assert.Empty(t, requestID)

			body := gjson.ParseBytes(reply)
			assert.False(t, body.Get("success").Bool())
			assert.Equal(t, tt.code, body.Get("code").String())
			assert.NotEmpty(t, body.Get("message").String())
		})
	}
}

func TestNewListener_Validation(t *testing.T) {
	_, err := NewListener(nil, nil, Config{Subject: "s"}, nil)
	assert.Error(t, err)
	_, err = NewListener(nil, &fakeGenerator{}, Config{}, nil)
	assert.Error(t, err)

	l, err := NewListener(nil, &fakeGenerator{}, Config{Subject: "s"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, l.cfg.Workers)
	assert.Equal(t, 16, l.cfg.Buffer)
	assert.Error(t, l.Run(context.Background()))
}

type countingGenerator struct {
	mu        sync.Mutex
	calls     int
	cancelled int
}

func (g *countingGenerator) GenerateFromData(ctx context.Context, _ string, _ []byte) (*report.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if ctx.Err() != nil {
		g.cancelled++
	}
	return jsonResult(), nil
}

func (g *countingGenerator) GenerateFromFilters(ctx context.Context, name string, _ map[string]any) (*report.Result, error) {
	return g.GenerateFromData(ctx, name, nil)
}

func TestWork_DrainsBufferedRequestsOnStop(t *testing.T) {
	gen := &countingGenerator{}
	l := newListener(t, gen)

	msgs := make(chan *nats.Msg, 3)
	for range 3 {
		msgs <- &nats.Msg{Subject: "reports.generate", Data: []byte(`{"reportName":"nomina","data":{}}`)}
	}
	stop := make(chan struct{})
	close(stop)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l.work(ctx, msgs, stop)

	assert.Equal(t, 3, gen.calls)
	assert.Zero(t, gen.cancelled, "shutdown must not cancel requests being answered")
	assert.Empty(t, msgs)
}
