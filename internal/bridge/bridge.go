// Package bridge implements the request/response correlation engine over a
// line transport. Callers issue requests (single or batched) and wait on
// one-shot handles; a dedicated demultiplexer goroutine matches inbound
// messages to pending requests by JSON-RPC id and routes everything else to
// the notification queue. Timeouts and shutdown are always expressed as typed
// response values, never errors, so a batch caller can treat N outcomes
// uniformly.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/toolwire/toolwire/internal/config"
	"github.com/toolwire/toolwire/internal/jsonrpc"
	"github.com/toolwire/toolwire/internal/logx"
	"github.com/toolwire/toolwire/internal/transport"
)

// Handle is the one-shot result of a sent request. It resolves exactly once:
// with the matching response, a synthetic timeout, or a shutdown error.
type Handle struct {
	id  any
	key string
	ch  chan jsonrpc.Response
}

// ID returns the request id this handle tracks.
func (h *Handle) ID() any { return h.id }

type pendingEntry struct {
	id       any
	req      jsonrpc.Request
	ch       chan jsonrpc.Response
	enqueued time.Time
}

// Bridge drives one tool server over one transport.
type Bridge struct {
	name string
	kind string
	tr   transport.Transport
	log  zerolog.Logger

	mu      sync.Mutex
	pending map[string]*pendingEntry

	notifMu       sync.Mutex
	notifications []json.RawMessage

	stopOnce sync.Once
	stopped  chan struct{}
}

// Open validates the server config, constructs and starts the matching
// transport, and wraps it in a running Bridge. Configuration and spawn
// failures are the only errors it returns; everything after a successful open
// is expressed as typed response values.
func Open(ctx context.Context, cfg config.ServerConfig) (*Bridge, error) {
	tr, err := transport.New(cfg)
	if err != nil {
		return nil, err
	}
	if err := tr.Start(ctx); err != nil {
		return nil, err
	}
	name := cfg.Name
	if name == "" {
		name = cfg.Command
	}
	b := New(name, cfg.Transport, tr)
	b.log.Info().Str("transport", cfg.Transport).Int("pid", tr.Pid()).Msg("bridge open")
	return b, nil
}

// New wraps an already started transport and launches the demultiplexer.
func New(name, kind string, tr transport.Transport) *Bridge {
	b := &Bridge{
		name:    name,
		kind:    kind,
		tr:      tr,
		log:     logx.With("bridge").With().Str("server", name).Logger(),
		pending: map[string]*pendingEntry{},
		stopped: make(chan struct{}),
	}
	go b.demux()
	return b
}

// Name returns the configured server name.
func (b *Bridge) Name() string { return b.name }

// Kind returns the transport kind tag.
func (b *Bridge) Kind() string { return b.kind }

// Pid reports the bridged subprocess id, or 0 when there is none.
func (b *Bridge) Pid() int { return b.tr.Pid() }

// SendRequest records the request in the pending table and writes it to the
// transport, returning the result handle without blocking. The request must
// carry an id; reusing an id that is still in flight is a caller error.
func (b *Bridge) SendRequest(req jsonrpc.Request) (*Handle, error) {
	key, ok := jsonrpc.IDKey(req.ID)
	if !ok {
		return nil, &config.ConfigError{Reason: "request id required"}
	}
	if req.JSONRPC == "" {
		req.JSONRPC = jsonrpc.Version
	}
	line, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	entry := &pendingEntry{id: req.ID, req: req, ch: make(chan jsonrpc.Response, 1), enqueued: time.Now()}
	b.mu.Lock()
	select {
	case <-b.stopped:
		b.mu.Unlock()
		return nil, fmt.Errorf("bridge stopped")
	default:
	}
	if _, exists := b.pending[key]; exists {
		b.mu.Unlock()
		return nil, &config.ConfigError{Reason: fmt.Sprintf("request id %s already pending", key)}
	}
	b.pending[key] = entry
	pendingRequests.WithLabelValues(b.name).Set(float64(len(b.pending)))
	b.mu.Unlock()

	if err := b.tr.Send(line); err != nil {
		b.remove(key)
		return nil, fmt.Errorf("send request: %w", err)
	}
	return &Handle{id: req.ID, key: key, ch: entry.ch}, nil
}

// SendBatch issues each request in input order and returns a mapping from
// canonical id key to handle. A failure partway through returns the error
// together with the handles already issued; those stay pending and trackable.
func (b *Bridge) SendBatch(reqs []jsonrpc.Request) (map[string]*Handle, error) {
	handles := make(map[string]*Handle, len(reqs))
	for _, req := range reqs {
		h, err := b.SendRequest(req)
		if err != nil {
			return handles, err
		}
		handles[h.key] = h
	}
	return handles, nil
}

// SendNotification writes a fire-and-forget message carrying no id. It never
// touches the pending table and never waits for a reply.
func (b *Bridge) SendNotification(method string, params any) error {
	line, err := json.Marshal(jsonrpc.NewNotification(method, params))
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return b.tr.Send(line)
}

// AwaitResponse blocks up to timeout for the handle to resolve. Deadline
// expiry yields the synthetic timeout response and evicts the pending entry;
// it never raises.
func (b *Bridge) AwaitResponse(h *Handle, timeout time.Duration) jsonrpc.Response {
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case resp := <-h.ch:
			return resp
		case <-timer.C:
		}
	}
	// The demultiplexer may have resolved the entry while the timer fired.
	select {
	case resp := <-h.ch:
		return resp
	default:
	}
	if b.remove(h.key) {
		requestsTotal.WithLabelValues(b.name, outcomeTimeout).Inc()
	}
	return jsonrpc.TimeoutResponse(h.id)
}

// AwaitResponses waits for every handle under one shared deadline counted
// from the call. The returned map carries the real response for entries that
// resolved in time and the synthetic timeout response for the rest.
func (b *Bridge) AwaitResponses(handles map[string]*Handle, timeout time.Duration) map[string]jsonrpc.Response {
	deadline := time.Now().Add(timeout)
	out := make(map[string]jsonrpc.Response, len(handles))
	for key, h := range handles {
		out[key] = b.AwaitResponse(h, time.Until(deadline))
	}
	return out
}

// PendingCount reports the size of the pending table.
func (b *Bridge) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// ClearStale force-resolves every pending entry older than maxAge with a
// timeout error and removes it, returning the number reaped. Run it
// periodically, or opportunistically before a new batch, to bound the table
// when a subprocess has wedged.
func (b *Bridge) ClearStale(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	var reaped []*pendingEntry
	b.mu.Lock()
	for key, e := range b.pending {
		if e.enqueued.Before(cutoff) {
			delete(b.pending, key)
			reaped = append(reaped, e)
		}
	}
	pendingRequests.WithLabelValues(b.name).Set(float64(len(b.pending)))
	b.mu.Unlock()

	for _, e := range reaped {
		e.ch <- jsonrpc.TimeoutResponse(e.id)
		requestsTotal.WithLabelValues(b.name, outcomeReaped).Inc()
	}
	if len(reaped) > 0 {
		b.log.Warn().Int("count", len(reaped)).Dur("max_age", maxAge).Msg("reaped stale requests")
	}
	return len(reaped)
}

// NotificationCount reports the number of queued, undrained notifications.
func (b *Bridge) NotificationCount() int {
	b.notifMu.Lock()
	defer b.notifMu.Unlock()
	return len(b.notifications)
}

// DrainNotifications atomically empties the notification queue and returns
// its contents in arrival order.
func (b *Bridge) DrainNotifications() []json.RawMessage {
	b.notifMu.Lock()
	defer b.notifMu.Unlock()
	out := b.notifications
	b.notifications = nil
	return out
}

// Stop tears down the transport, resolves every still-pending entry with a
// shutdown error so no caller stays blocked, and clears both queues.
// Idempotent.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopped)
		b.tr.Stop()

		b.mu.Lock()
		entries := b.pending
		b.pending = map[string]*pendingEntry{}
		pendingRequests.WithLabelValues(b.name).Set(0)
		b.mu.Unlock()
		for _, e := range entries {
			e.ch <- jsonrpc.ShutdownResponse(e.id)
			requestsTotal.WithLabelValues(b.name, outcomeShutdown).Inc()
		}

		b.notifMu.Lock()
		b.notifications = nil
		b.notifMu.Unlock()
		b.log.Info().Msg("bridge stopped")
	})
}

// remove deletes a pending entry by key, reporting whether it was present.
func (b *Bridge) remove(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pending[key]; !ok {
		return false
	}
	delete(b.pending, key)
	pendingRequests.WithLabelValues(b.name).Set(float64(len(b.pending)))
	return true
}

// demux consumes the inbound queue for the bridge's lifetime. Messages whose
// id matches a pending entry resolve that entry; everything else lands on the
// notification queue, including responses with unknown ids and duplicate or
// late responses to ids already resolved.
func (b *Bridge) demux() {
	for line := range b.tr.Lines() {
		_, key, hasID, err := jsonrpc.ParseEnvelope(line)
		if err != nil {
			// The transport filter should make this unreachable.
			b.log.Debug().Err(err).Msg("dropping malformed inbound message")
			continue
		}
		if hasID {
			b.mu.Lock()
			entry := b.pending[key]
			if entry != nil {
				delete(b.pending, key)
				pendingRequests.WithLabelValues(b.name).Set(float64(len(b.pending)))
			}
			b.mu.Unlock()
			if entry != nil {
				var resp jsonrpc.Response
				if err := json.Unmarshal(line, &resp); err != nil {
					// The entry is already out of the table; resolve
					// it so the caller does not ride out its timeout.
					b.log.Warn().Err(err).Msg("undecodable response for pending request")
					requestsTotal.WithLabelValues(b.name, outcomeInvalid).Inc()
					entry.ch <- jsonrpc.InvalidResponse(entry.id)
					continue
				}
				requestsTotal.WithLabelValues(b.name, outcomeResolved).Inc()
				requestDuration.WithLabelValues(b.name).Observe(time.Since(entry.enqueued).Seconds())
				entry.ch <- resp
				continue
			}
		}
		b.notifMu.Lock()
		b.notifications = append(b.notifications, json.RawMessage(line))
		b.notifMu.Unlock()
		notificationsTotal.WithLabelValues(b.name).Inc()
	}
	b.log.Debug().Msg("inbound stream closed")
}
