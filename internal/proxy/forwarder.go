// Package proxy implements the inline data path: upstream forwarding,
// the request interception state machine, and the HTTP server wiring.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrUnsupportedProvider is returned for paths that map to no upstream.
var ErrUnsupportedProvider = errors.New("unsupported provider path")

const (
	openAIUpstream    = "https://api.openai.com"
	anthropicUpstream = "https://api.anthropic.com"

	anthropicVersion = "2023-06-01"

	streamChunkSize = 4096
)

// ForwardResult is the outcome of one upstream call. When Streamed is true
// the response has already been written to the client sink; RawResponse
// still carries the full concatenated body either way.
type ForwardResult struct {
	Status      int
	Header      http.Header
	RawResponse string
	LatencyMs   int64
	Streamed    bool
}

// Forwarder dispatches requests to the configured LLM providers. Base URLs
// are overridable for tests.
type Forwarder struct {
	client        *http.Client
	openAIBase    string
	anthropicBase string
	openAIKey     string
	anthropicKey  string
}

// NewForwarder creates a forwarder against the real provider endpoints.
func NewForwarder(openAIKey, anthropicKey string) *Forwarder {
	return &Forwarder{
		client:        &http.Client{Timeout: 120 * time.Second},
		openAIBase:    openAIUpstream,
		anthropicBase: anthropicUpstream,
		openAIKey:     openAIKey,
		anthropicKey:  anthropicKey,
	}
}

// NewForwarderWithBases creates a forwarder against explicit base URLs.
func NewForwarderWithBases(client *http.Client, openAIBase, anthropicBase, openAIKey, anthropicKey string) *Forwarder {
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	return &Forwarder{
		client:        client,
		openAIBase:    openAIBase,
		anthropicBase: anthropicBase,
		openAIKey:     openAIKey,
		anthropicKey:  anthropicKey,
	}
}

// Forward sends the verbatim body to the provider selected by path. When the
// response is streamable and sink is non-nil, status, headers, and chunks are
// flushed to the sink as they arrive; latency is then first-byte time.
func (f *Forwarder) Forward(ctx context.Context, path string, body []byte, sink http.ResponseWriter) (*ForwardResult, error) {
	req, err := f.buildRequest(ctx, path, body)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream call: %w", err)
	}
	defer resp.Body.Close()

	streamable := sink != nil &&
		(strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") || wantsStream(body))

	if streamable {
		return f.streamResponse(resp, sink, start)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}
	return &ForwardResult{
		Status:      resp.StatusCode,
		Header:      resp.Header.Clone(),
		RawResponse: string(raw),
		LatencyMs:   time.Since(start).Milliseconds(),
	}, nil
}

func (f *Forwarder) buildRequest(ctx context.Context, path string, body []byte) (*http.Request, error) {
	var url string
	switch path {
	case "/v1/chat/completions":
		url = f.openAIBase + "/v1/chat/completions"
	case "/v1/messages":
		url = f.anthropicBase + "/v1/messages"
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, path)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	switch path {
	case "/v1/chat/completions":
		req.Header.Set("Authorization", "Bearer "+f.openAIKey)
	case "/v1/messages":
		req.Header.Set("x-api-key", f.anthropicKey)
		req.Header.Set("anthropic-version", anthropicVersion)
	}
	return req, nil
}

// streamResponse copies the upstream body chunk-by-chunk to the sink while
// accumulating the full text. An empty upstream body degrades to a buffered
// result so callers never see a zero-byte "stream".
func (f *Forwarder) streamResponse(resp *http.Response, sink http.ResponseWriter, start time.Time) (*ForwardResult, error) {
	buf := make([]byte, streamChunkSize)

	// Peek the first chunk before flushing headers.
	n, readErr := resp.Body.Read(buf)
	if n == 0 {
		return &ForwardResult{
			Status:    resp.StatusCode,
			Header:    resp.Header.Clone(),
			LatencyMs: time.Since(start).Milliseconds(),
		}, nil
	}
	firstByte := time.Now()

	copyHeaders(sink.Header(), resp.Header)
	sink.WriteHeader(resp.StatusCode)

	flusher, _ := sink.(http.Flusher)
	var full bytes.Buffer
	for {
		if n > 0 {
			full.Write(buf[:n])
			if _, werr := sink.Write(buf[:n]); werr != nil {
				// Client went away; keep draining so RawResponse is complete.
				sink = discardSink{}
				flusher = nil
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			break
		}
		n, readErr = resp.Body.Read(buf)
	}

	return &ForwardResult{
		Status:      resp.StatusCode,
		Header:      resp.Header.Clone(),
		RawResponse: full.String(),
		LatencyMs:   firstByte.Sub(start).Milliseconds(),
		Streamed:    true,
	}, nil
}

// discardSink swallows writes after a client disconnect.
type discardSink struct{}

func (discardSink) Header() http.Header         { return http.Header{} }
func (discardSink) Write(p []byte) (int, error) { return len(p), nil }
func (discardSink) WriteHeader(int)             {}

// wantsStream reports whether the parsed request body carries stream == true.
func wantsStream(body []byte) bool {
	var payload struct {
		Stream bool `json:"stream"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return false
	}
	return payload.Stream
}

// copyHeaders copies upstream headers except transfer-encoding, which the
// server manages itself.
func copyHeaders(dst, src http.Header) {
	for k, vals := range src {
		if strings.EqualFold(k, "Transfer-Encoding") {
			continue
		}
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}
