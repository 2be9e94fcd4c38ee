package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/thesyncim/abrstream/pkg/fetch"

// HTTPFetcher loads segments over HTTP. Segment URLs are resolved against
// the base URL.
type HTTPFetcher struct {
	base   *url.URL
	client *http.Client
	tracer trace.Tracer
	now    func() time.Time
}

// HTTPOption configures an HTTPFetcher.
type HTTPOption func(*HTTPFetcher)

// WithHTTPClient sets the client used for requests.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(f *HTTPFetcher) { f.client = c }
}

// WithTracerProvider sets the provider spans are created from.
func WithTracerProvider(tp trace.TracerProvider) HTTPOption {
	return func(f *HTTPFetcher) { f.tracer = tp.Tracer(tracerName) }
}

// NewHTTPFetcher creates an HTTPFetcher. The default client is
// instrumented with otelhttp.
func NewHTTPFetcher(baseURL string, opts ...HTTPOption) (*HTTPFetcher, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("fetch: invalid base URL: %w", err)
	}
	f := &HTTPFetcher{
		base:   base,
		client: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, req Request, onProgress func(Progress)) (data []byte, err error) {
	ref, err := url.Parse(req.Segment.URL)
	if err != nil {
		return nil, fmt.Errorf("fetch: invalid segment URL %q: %w", req.Segment.URL, err)
	}
	target := f.base.ResolveReference(ref).String()

	ctx, span := f.tracer.Start(ctx, "segment.fetch", trace.WithAttributes(
		attribute.String("segment.id", req.Segment.ID),
		attribute.Bool("segment.init", req.Segment.IsInit),
		attribute.String("url.full", target),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	if rep := req.Content.Representation; rep != nil {
		span.SetAttributes(
			attribute.String("representation.id", rep.ID),
			attribute.Float64("representation.bitrate", rep.Bitrate),
		)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	start := f.now()
	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch: %s: %w", target, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrSegmentNotFound, target)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &RequestError{URL: target, Status: resp.StatusCode}
	}

	body := io.Reader(resp.Body)
	if onProgress != nil {
		body = &progressReader{
			r:     resp.Body,
			total: max(resp.ContentLength, 0),
			start: start,
			now:   f.now,
			fn:    onProgress,
		}
	}
	data, err = io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("fetch: %s: %w", target, err)
	}
	span.SetAttributes(attribute.Int("segment.size", len(data)))
	return data, nil
}

// progressReader reports progress at most every progressStep bytes.
type progressReader struct {
	r        io.Reader
	total    int64
	read     int64
	reported int64
	start    time.Time
	now      func() time.Time
	fn       func(Progress)
}

const progressStep = 64 << 10

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.read-p.reported >= progressStep || (err == io.EOF && p.read > p.reported) {
		p.reported = p.read
		p.fn(Progress{Size: p.read, TotalSize: p.total, Duration: p.now().Sub(p.start)})
	}
	return n, err
}
