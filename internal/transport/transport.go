// Package transport provides line-oriented message transports to bridged tool
// servers. A transport owns its peer (a spawned process, a socket) and moves
// opaque one-line messages in both directions; it has no knowledge of JSON-RPC
// semantics beyond the noise filter that keeps non-protocol output off the
// inbound queue.
package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/toolwire/toolwire/internal/config"
)

// Transport moves newline-delimited messages to and from a peer.
type Transport interface {
	// Start establishes the connection (spawns the process, dials the
	// socket). It must be called exactly once before Send or Lines.
	Start(ctx context.Context) error
	// Send enqueues one message for delivery as a single line.
	Send(line []byte) error
	// Lines yields inbound messages, filtered to syntactically valid JSON
	// objects. The channel closes when the peer's stream ends.
	Lines() <-chan []byte
	// Stop tears the connection down. Idempotent.
	Stop()
	// Pid reports the peer's process id, or 0 when there is no child
	// process.
	Pid() int
}

// SpawnError reports a transport that failed to start: executable not found,
// permission denied, unreachable endpoint. The bridge is unusable and must
// not be retried implicitly.
type SpawnError struct {
	Target string
	Err    error
}

func (e *SpawnError) Error() string { return fmt.Sprintf("spawn %s: %v", e.Target, e.Err) }

func (e *SpawnError) Unwrap() error { return e.Err }

// Factory constructs an unstarted transport from a server config.
type Factory func(cfg config.ServerConfig) (Transport, error)

var (
	regMu     sync.RWMutex
	factories = map[string]Factory{}
)

// Register associates a transport kind tag with a constructor. New kinds
// plug in here without touching validation logic.
func Register(kind string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	factories[kind] = f
}

// Kinds lists the registered transport kinds, sorted.
func Kinds() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// New validates the config and constructs the matching transport. Validation
// is synchronous and side-effect-free: no process is spawned and no
// connection dialed before every check passes.
func New(cfg config.ServerConfig) (Transport, error) {
	regMu.RLock()
	factory, ok := factories[cfg.Transport]
	regMu.RUnlock()
	if !ok {
		return nil, &config.ConfigError{Reason: fmt.Sprintf("unsupported transport %q", cfg.Transport)}
	}
	return factory(cfg)
}
