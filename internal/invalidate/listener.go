// Package invalidate consumes the upstream push-invalidation stream and
// translates its events into cache deletions.
//
// The stream is server-sent events at /sse/cache-invalidation on the
// upstream base URL. Three event types arrive: document:invalidate,
// memory:invalidate, and cache:invalidate:batch. Parse failures are
// logged and swallowed — a bad event never kills the stream. On stream
// error the listener reconnects after a fixed delay until stopped.
package invalidate

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// StreamPath is the well-known invalidation endpoint on the upstream
// base URL.
const StreamPath = "/sse/cache-invalidation"

// DefaultReconnectDelay is the fixed wait between reconnect attempts.
const DefaultReconnectDelay = 5 * time.Second

// Event names on the wire.
const (
	eventDocument = "document:invalidate"
	eventMemory   = "memory:invalidate"
	eventBatch    = "cache:invalidate:batch"
)

// Invalidator is the slice of the cache engine the listener drives.
type Invalidator interface {
	InvalidateDocument(docType, name, project string) error
	InvalidateMemory(name, project string) error
}

// entry is the JSON payload of a single invalidation.
type entry struct {
	Type    string `json:"type"` // "document" or "memory"
	DocType string `json:"docType"`
	Name    string `json:"name"`
	Project string `json:"project"`
}

// Listener consumes the invalidation stream.
type Listener struct {
	url            string
	apiKey         string
	cache          Invalidator
	log            *zap.Logger
	reconnectDelay time.Duration
	http           *http.Client

	mu        sync.Mutex
	cancel    context.CancelFunc
	running   bool
	listening bool
}

// New creates a Listener against baseURL (scheme and host of the
// upstream). apiKey may be empty.
func New(baseURL, apiKey string, cache Invalidator, log *zap.Logger) *Listener {
	return &Listener{
		url:            strings.TrimRight(baseURL, "/") + StreamPath,
		apiKey:         apiKey,
		cache:          cache,
		log:            log.Named("invalidate"),
		reconnectDelay: DefaultReconnectDelay,
		// No overall timeout: the response body is a long-lived stream.
		http: &http.Client{},
	}
}

// Start opens the stream in the background. Idempotent.
func (l *Listener) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.running = true
	go l.run(ctx)
}

// Stop closes the stream and stops reconnecting. Idempotent.
func (l *Listener) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return
	}
	l.running = false
	l.listening = false
	l.cancel()
}

// IsListening reports whether the stream is currently open and the
// listener has not been stopped.
func (l *Listener) IsListening() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running && l.listening
}

func (l *Listener) run(ctx context.Context) {
	for {
		err := l.consume(ctx)
		l.setListening(false)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			l.log.Warn("invalidation stream lost", zap.Error(err), zap.Duration("retry_in", l.reconnectDelay))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(l.reconnectDelay):
		}
	}
}

// consume opens the stream and dispatches events until it breaks.
func (l *Listener) consume(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if l.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+l.apiKey)
	}

	res, err := l.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("invalidate: stream status %d", res.StatusCode)
	}

	l.setListening(true)
	l.log.Info("invalidation stream open", zap.String("url", l.url))

	// SSE framing: "event:" and "data:" lines, events separated by a
	// blank line. Comments (leading ':') and other fields are ignored.
	scanner := bufio.NewScanner(res.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var event string
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event != "" && data.Len() > 0 {
				l.dispatch(event, data.String())
			}
			event = ""
			data.Reset()
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(line[len("data:"):]))
		}
	}
	return scanner.Err()
}

func (l *Listener) dispatch(event, data string) {
	switch event {
	case eventDocument, eventMemory:
		var e entry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			l.log.Warn("undecodable invalidation event", zap.String("event", event), zap.Error(err))
			return
		}
		l.apply(e)
	case eventBatch:
		var batch []entry
		if err := json.Unmarshal([]byte(data), &batch); err != nil {
			l.log.Warn("undecodable invalidation batch", zap.Error(err))
			return
		}
		var wg sync.WaitGroup
		for _, e := range batch {
			wg.Add(1)
			go func(e entry) {
				defer wg.Done()
				l.apply(e)
			}(e)
		}
		wg.Wait()
	default:
		l.log.Debug("ignoring unknown event", zap.String("event", event))
	}
}

func (l *Listener) apply(e entry) {
	switch e.Type {
	case "memory":
		if err := l.cache.InvalidateMemory(e.Name, e.Project); err != nil {
			l.log.Warn("memory invalidation failed", zap.String("name", e.Name), zap.Error(err))
			return
		}
		l.log.Info("invalidated memory", zap.String("name", e.Name), zap.String("project", e.Project))
	case "document":
		if e.DocType == "" {
			// A document event without a type cannot address a row;
			// drop it rather than fail the stream.
			l.log.Warn("document invalidation missing docType", zap.String("name", e.Name))
			return
		}
		if err := l.cache.InvalidateDocument(e.DocType, e.Name, e.Project); err != nil {
			l.log.Warn("document invalidation failed", zap.String("name", e.Name), zap.Error(err))
			return
		}
		l.log.Info("invalidated document",
			zap.String("doc_type", e.DocType), zap.String("name", e.Name), zap.String("project", e.Project))
	default:
		l.log.Warn("invalidation with unknown type", zap.String("type", e.Type))
	}
}

// SetReconnectDelay overrides the fixed reconnect delay. Used by tests
// and by operators running against flaky local upstreams.
func (l *Listener) SetReconnectDelay(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reconnectDelay = d
}

func (l *Listener) setListening(v bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		l.listening = v
	}
}
