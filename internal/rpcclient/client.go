// Package rpcclient is a thin convenience layer over the bridge primitives:
// ordered batches, single calls, pings, and fire-and-forget notifications. It
// owns no state of its own.
package rpcclient

import (
	"time"

	"github.com/google/uuid"

	"github.com/toolwire/toolwire/internal/bridge"
	"github.com/toolwire/toolwire/internal/jsonrpc"
)

// DefaultTimeout applies when the caller passes a zero timeout.
const DefaultTimeout = 30 * time.Second

// Options tunes one call or batch.
type Options struct {
	Timeout time.Duration
}

func (o Options) timeout() time.Duration {
	if o.Timeout <= 0 {
		return DefaultTimeout
	}
	return o.Timeout
}

// CallBatch sends every request, waits for all responses under one shared
// deadline, and returns them in request order. Entries that never resolved
// carry the synthetic timeout response. An empty batch returns immediately
// without touching the transport.
func CallBatch(b *bridge.Bridge, reqs []jsonrpc.Request, opts Options) ([]jsonrpc.Response, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	handles, err := b.SendBatch(reqs)
	if err != nil {
		return nil, err
	}
	resps := b.AwaitResponses(handles, opts.timeout())
	out := make([]jsonrpc.Response, 0, len(reqs))
	for _, req := range reqs {
		key, _ := jsonrpc.IDKey(req.ID)
		out = append(out, resps[key])
	}
	return out, nil
}

// CallOne sends a single request and waits for its response.
func CallOne(b *bridge.Bridge, req jsonrpc.Request, opts Options) (jsonrpc.Response, error) {
	h, err := b.SendRequest(req)
	if err != nil {
		return jsonrpc.Response{}, err
	}
	return b.AwaitResponse(h, opts.timeout()), nil
}

// Ping issues a minimal request under a reserved id and reports whether the
// reply carried no error. A synthetic timeout counts as a failed ping.
func Ping(b *bridge.Bridge, opts Options) bool {
	req := jsonrpc.NewRequest("ping-"+uuid.NewString(), "ping", nil)
	resp, err := CallOne(b, req, opts)
	return err == nil && resp.Error == nil
}

// Notify sends a notification; it carries no id and is never answered.
func Notify(b *bridge.Bridge, method string, params any) error {
	return b.SendNotification(method, params)
}
