package stream

import (
	"errors"
	"fmt"

	"github.com/thesyncim/abrstream/pkg/manifest"
)

var (
	// ErrNoPlayableRepresentation is reported when every Representation
	// of the choice is undecipherable or unsupported.
	ErrNoPlayableRepresentation = errors.New("stream: no playable representation")

	// ErrBufferFullUnrecoverable is reported when the buffer goal of a
	// Representation cannot shrink any further. It wraps sink.ErrBufferFull.
	ErrBufferFullUnrecoverable = errors.New("stream: buffer full at minimum buffer goal")
)

// ErrorKind is the origin of a StreamError.
type ErrorKind int

const (
	KindFetch ErrorKind = iota
	KindSink
	KindEstimator
	KindManifest
)

var errorKindNames = [...]string{"fetch", "sink", "estimator", "manifest"}

func (k ErrorKind) String() string {
	if int(k) < len(errorKindNames) {
		return errorKindNames[k]
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// StreamError is a fatal error of a stream.
type StreamError struct {
	Kind           ErrorKind
	Type           manifest.BufferType
	Representation string
	Err            error
}

func (e *StreamError) Error() string {
	if e.Representation != "" {
		return fmt.Sprintf("stream: %s %s error on representation %s: %v", e.Type, e.Kind, e.Representation, e.Err)
	}
	return fmt.Sprintf("stream: %s %s error: %v", e.Type, e.Kind, e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}
