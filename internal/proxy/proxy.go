// Package proxy implements the capture pipeline's front end: a transparent
// forward proxy that records every request and response while preserving
// the upstream's streaming semantics byte for byte.
//
// Data flow per request:
//
//	client → ServeHTTP → upstream
//	                       │
//	            ┌── chunk ─┴─ chunk ──┐   (shared buffers, no copies)
//	            ▼                     ▼
//	        client copy         tap → stream parser
//	                                   │
//	                     store (seq) → bus → subscribers
//
// The client copy is never delayed by the tap: a parser that falls behind
// loses its tap, never the caller's bytes.
package proxy

import (
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cnrmurphy/sentinel/internal/agent"
	"github.com/cnrmurphy/sentinel/internal/bus"
	"github.com/cnrmurphy/sentinel/internal/event"
	"github.com/cnrmurphy/sentinel/internal/store"
)

// Options holds the dependencies injected into the proxy at creation.
// The store and bus are process-wide singletons wired up by runStart;
// they are passed here by reference, never looked up from globals.
type Options struct {
	Upstream       *url.URL
	Store          *store.Store
	Bus            *bus.Bus
	Registry       *agent.Registry
	UpstreamClient *http.Client
	MaxBodyBytes   int64
	TapBufferBytes int64
}

// Proxy is the HTTP handler bound to the proxy port. Implements
// http.Handler for every method and path.
//
// The capture limits are atomics so a config reload can retune them while
// requests are in flight; each request reads them once at the point of use.
type Proxy struct {
	upstream     *url.URL
	store        *store.Store
	bus          *bus.Bus
	registry     *agent.Registry
	client       *http.Client
	maxBodyBytes atomic.Int64
	tapBufBytes  atomic.Int64
}

// New creates a Proxy with the given dependencies.
func New(opts Options) *Proxy {
	client := opts.UpstreamClient
	if client == nil {
		// No overall timeout — streaming responses are open-ended.
		client = &http.Client{}
	}
	p := &Proxy{
		upstream: opts.Upstream,
		store:    opts.Store,
		bus:      opts.Bus,
		registry: opts.Registry,
		client:   client,
	}
	p.maxBodyBytes.Store(opts.MaxBodyBytes)
	p.tapBufBytes.Store(opts.TapBufferBytes)
	return p
}

// SetLimits retunes the capture limits. Called by the config reload
// callback; in-flight requests keep the values they already read.
func (p *Proxy) SetLimits(maxBodyBytes, tapBufferBytes int64) {
	p.maxBodyBytes.Store(maxBodyBytes)
	p.tapBufBytes.Store(tapBufferBytes)
}

// ServeHTTP is the entry point for all proxied requests:
//
//  1. Read the request body (bounded) and extract agent identity.
//  2. Persist and publish the request-side event.
//  3. Forward to upstream.
//  4. Duplicate the response stream: client copy + parser tap.
//  5. Persist and publish the reconstructed response event.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	maxBody := p.maxBodyBytes.Load()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		slog.Error("failed to read request body", "error", err)
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if int64(len(body)) > maxBody {
		// Oversize bodies are rejected outright: upstream is never
		// contacted and no event is produced.
		slog.Warn("request body over limit", "limit", maxBody, "path", r.URL.Path)
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	identity := agent.Identify(r, body)
	p.registry.Touch(identity)

	meta := parseRequest(body)

	slog.Debug("proxy request",
		"agent", identity.Name,
		"path", r.URL.Path,
		"method", r.Method,
		"stream", meta.Stream,
	)

	reqEvent := event.New(event.Payload{
		Type:        event.TypeUserMessage,
		UserMessage: &event.UserMessage{Model: meta.Model, Text: meta.Text},
	})
	p.attribute(&reqEvent, identity)
	p.record(&reqEvent)

	resp, err := forwardRequest(p.client, p.upstream, r, body)
	if err != nil {
		slog.Error("upstream request failed",
			"error", err,
			"latency_ms", time.Since(start).Milliseconds(),
		)
		errEvent := event.New(event.Payload{
			Type:  event.TypeError,
			Error: &event.ErrorInfo{Message: err.Error()},
		})
		p.attribute(&errEvent, identity)
		p.record(&errEvent)
		http.Error(w, "upstream request failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	switch {
	case resp.StatusCode != http.StatusOK:
		p.relayError(w, resp, identity)
	case strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream"):
		p.relayStreaming(w, resp, identity)
	default:
		p.relayBuffered(w, resp, identity)
	}
}

// relayStreaming pumps the SSE body to the client while feeding the tap.
// The parser folds frames on its own goroutine; the response event is
// emitted once the upstream body completes or errors.
func (p *Proxy) relayStreaming(w http.ResponseWriter, resp *http.Response, id agent.Identity) {
	flusher, _ := w.(http.Flusher)

	t := newTap(p.tapBufBytes.Load())
	col := newCollector(func(phase string) {
		p.publishActivity(id, phase)
	})

	parserDone := make(chan struct{})
	go func() {
		defer close(parserDone)
		col.consume(newFrameReader(t))
	}()

	clientGone := false
	for {
		chunk := make([]byte, 32*1024)
		n, err := resp.Body.Read(chunk)
		if n > 0 {
			chunk = chunk[:n]
			t.Offer(chunk)
			if !clientGone {
				if _, werr := w.Write(chunk); werr != nil {
					// Client hung up: abort the client copy only. The tap
					// runs to completion so the event record is whole.
					clientGone = true
					slog.Debug("client disconnected mid-stream", "agent", id.Name)
				} else if flusher != nil {
					flusher.Flush()
				}
			}
		}
		if err != nil {
			if err != io.EOF {
				slog.Warn("upstream body read error", "agent", id.Name, "error", err)
			}
			break
		}
	}

	t.CloseWrite()
	<-parserDone

	if t.Abandoned() {
		slog.Warn("tap abandoned under backpressure, response event is partial",
			"agent", id.Name, "limit", t.limit)
	}

	respEvent := event.New(event.Payload{
		Type:              event.TypeAssistantResponse,
		AssistantResponse: col.finish(),
	})
	p.attribute(&respEvent, id)
	p.record(&respEvent)
}

// relayBuffered handles a non-streaming success response: the body flows
// to the client as it arrives while a bounded side buffer captures it for
// reconstruction.
func (p *Proxy) relayBuffered(w http.ResponseWriter, resp *http.Response, id agent.Identity) {
	body, clientGone := p.pumpAndCapture(w, resp.Body, id)

	r := parseResponseBody(body)
	r.Streaming = false
	respEvent := event.New(event.Payload{
		Type:              event.TypeAssistantResponse,
		AssistantResponse: r,
	})
	p.attribute(&respEvent, id)
	p.record(&respEvent)

	if clientGone {
		slog.Debug("client disconnected before response completed", "agent", id.Name)
	}
}

// relayError forwards a non-200 upstream response unchanged and records
// an error event bearing the upstream status.
func (p *Proxy) relayError(w http.ResponseWriter, resp *http.Response, id agent.Identity) {
	body, _ := p.pumpAndCapture(w, resp.Body, id)

	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	errEvent := event.New(event.Payload{
		Type: event.TypeError,
		Error: &event.ErrorInfo{
			Message:        msg,
			UpstreamStatus: resp.StatusCode,
		},
	})
	p.attribute(&errEvent, id)
	p.record(&errEvent)
}

// pumpAndCapture forwards the body to the client while capturing up to
// the tap buffer limit for event reconstruction. Returns the captured
// bytes and whether the client disconnected.
func (p *Proxy) pumpAndCapture(w http.ResponseWriter, body io.Reader, id agent.Identity) ([]byte, bool) {
	limit := p.tapBufBytes.Load()
	var captured []byte
	overLimit := false
	clientGone := false

	for {
		chunk := make([]byte, 32*1024)
		n, err := body.Read(chunk)
		if n > 0 {
			chunk = chunk[:n]
			if !overLimit {
				if int64(len(captured)+len(chunk)) > limit {
					overLimit = true
					slog.Warn("response capture over limit, event will be partial",
						"agent", id.Name, "limit", limit)
				} else {
					captured = append(captured, chunk...)
				}
			}
			if !clientGone {
				if _, werr := w.Write(chunk); werr != nil {
					clientGone = true
				}
			}
		}
		if err != nil {
			if err != io.EOF {
				slog.Warn("upstream body read error", "agent", id.Name, "error", err)
			}
			break
		}
	}

	return captured, clientGone
}

// attribute stamps an event with the caller's identity.
func (p *Proxy) attribute(e *event.Event, id agent.Identity) {
	e.Agent = id.Name
	e.SessionID = id.SessionID
}

// record persists the event, then publishes it on the bus bearing its
// assigned seq. A persistence failure is logged and the event dropped —
// the hot path never blocks on storage, and an unpersisted event must not
// reach subscribers or the seq order would lie.
func (p *Proxy) record(e *event.Event) {
	if _, err := p.store.InsertEvent(e); err != nil {
		slog.Error("event persistence failed, event lost",
			"id", e.ID, "type", e.Payload.Type, "error", err)
		return
	}
	p.bus.Publish(*e)
}

// publishActivity multicasts a transient phase indicator. Bus-only —
// activity events are never persisted and carry no seq.
func (p *Proxy) publishActivity(id agent.Identity, phase string) {
	e := event.New(event.Payload{
		Type:          event.TypeAgentActivity,
		AgentActivity: &event.AgentActivity{Phase: phase},
	})
	p.attribute(&e, id)
	p.bus.Publish(e)
}
