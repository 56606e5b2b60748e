// Package model defines shared types for the proxy.
package model

import (
	"io"
	"mime"
	"strings"
)

// EventStreamType is the media type of a continuous server-sent event stream.
const EventStreamType = "text/event-stream"

// ForwardRequest is a client request to be relayed to the upstream origin.
type ForwardRequest struct {
	Method    string
	Path      string // relative to the proxy prefix
	RawQuery  string
	Body      []byte
	RequestID string // client supplied; empty means untracked
}

// UpstreamResponse is the upstream answer before its body is classified.
type UpstreamResponse struct {
	StatusCode  int
	ContentType string
	Body        io.ReadCloser
}

// Payload is the body of an upstream response: Buffered or Streaming.
type Payload interface {
	payload()
}

// Buffered is a fully read upstream body.
type Buffered struct {
	Data []byte
}

// Streaming is an upstream body relayed chunk by chunk.
type Streaming struct {
	Chunks io.ReadCloser
}

func (Buffered) payload()  {}
func (Streaming) payload() {}

// IsEventStream reports whether contentType denotes an event stream.
// Unparseable values fall back to a substring match.
func IsEventStream(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.Contains(strings.ToLower(contentType), EventStreamType)
	}
	return strings.EqualFold(mediaType, EventStreamType)
}
