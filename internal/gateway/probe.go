package gateway

import (
	"context"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/naia/internal/otel"
)

// Prober answers whether the gateway is reachable right now.
type Prober interface {
	Probe(ctx context.Context) bool
}

// HTTPProber treats any HTTP response from URL as healthy; only transport
// failures and timeouts count as unhealthy.
type HTTPProber struct {
	URL     string
	Timeout time.Duration
	Client  *http.Client
	Metrics *otel.Metrics
	Tracer  trace.Tracer
}

func NewHTTPProber(url string, timeout time.Duration) *HTTPProber {
	return &HTTPProber{URL: url, Timeout: timeout, Client: &http.Client{}}
}

func (p *HTTPProber) Probe(ctx context.Context) bool {
	ctx, span := otel.StartClientSpan(ctx, p.Tracer, "gateway.probe", attribute.String("url.full", p.URL))
	defer span.End()

	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	start := time.Now()
	healthy := p.get(ctx)
	p.Metrics.RecordProbe(ctx, healthy, time.Since(start))
	span.SetAttributes(attribute.Bool("naia.gateway.healthy", healthy))
	return healthy
}

func (p *HTTPProber) get(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return false
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
	return true
}

// ProbeFunc adapts a function to Prober.
type ProbeFunc func(ctx context.Context) bool

func (f ProbeFunc) Probe(ctx context.Context) bool { return f(ctx) }
