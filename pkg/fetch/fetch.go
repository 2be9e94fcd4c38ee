// Package fetch loads media segments: a Fetcher performs single requests,
// a SegmentQueue schedules them for one track in priority order.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/thesyncim/abrstream/pkg/manifest"
)

// ErrSegmentNotFound is returned when the server does not have a segment.
// For dynamic contents it hints that the manifest is out of sync.
var ErrSegmentNotFound = errors.New("fetch: segment not found")

// RequestError is a failed HTTP request.
type RequestError struct {
	URL    string
	Status int
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("fetch: %s: status %d", e.URL, e.Status)
}

// Retryable reports whether the request may succeed later.
func (e *RequestError) Retryable() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests || e.Status == http.StatusRequestTimeout
}

// IsRetryable reports whether err is worth retrying. Not-found and
// cancellation errors are not.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrSegmentNotFound) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Retryable()
	}
	return true
}

// Request is one segment to load.
type Request struct {
	Content manifest.Content
	Segment manifest.Segment
}

// Progress reports a running request.
type Progress struct {
	Size      int64
	TotalSize int64 // 0 when unknown
	Duration  time.Duration
}

// Fetcher loads a segment. onProgress may be nil; it may be called from
// any goroutine.
type Fetcher interface {
	Fetch(ctx context.Context, req Request, onProgress func(Progress)) ([]byte, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req Request, onProgress func(Progress)) ([]byte, error)

// Fetch implements Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req Request, onProgress func(Progress)) ([]byte, error) {
	return f(ctx, req, onProgress)
}

// RequestBegin is reported when a request starts.
type RequestBegin struct {
	ID          string
	Content     manifest.Content
	Segment     manifest.Segment
	RequestedAt time.Time
}

// RequestProgress is reported while a request runs.
type RequestProgress struct {
	ID        string
	Timestamp time.Time
	Progress
}

// RequestEnd is reported once per RequestBegin, whether the request
// succeeded, failed or was aborted.
type RequestEnd struct {
	ID string
}

// RequestMetrics is reported after a successful request.
type RequestMetrics struct {
	Content  manifest.Content
	Segment  manifest.Segment
	Size     int64
	Duration time.Duration
}

// RequestListener receives the lifecycle of every request of a queue.
// Methods are called on the streaming loop.
type RequestListener interface {
	OnRequestBegin(RequestBegin)
	OnRequestProgress(RequestProgress)
	OnRequestEnd(RequestEnd)
	OnMetrics(RequestMetrics)
}

// ProtectionData is DRM initialization data found in a segment.
type ProtectionData struct {
	SystemID     string
	InitDataType string
	Data         []byte
}

// InbandEvent is a timed event embedded in a segment.
type InbandEvent struct {
	SchemeIDURI string
	Value       string
	Time        float64
	Duration    float64
	Data        []byte
}

// ParsedSegment is a loaded segment ready for the sink.
type ParsedSegment struct {
	Data         []byte
	Protection   []ProtectionData
	InbandEvents []InbandEvent
}

// Parser turns raw segment data into a ParsedSegment.
type Parser func(content manifest.Content, seg manifest.Segment, data []byte) (ParsedSegment, error)

// PassThrough is the default Parser.
func PassThrough(_ manifest.Content, _ manifest.Segment, data []byte) (ParsedSegment, error) {
	return ParsedSegment{Data: data}, nil
}
