// Package checker probes a bridged MCP server end to end: initialize,
// tools/list, ping. Results are persisted through a state.Store so the status
// surface and the next check can see the previous outcome.
package checker

import (
	"encoding/json"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"

	"github.com/toolwire/toolwire/internal/bridge"
	"github.com/toolwire/toolwire/internal/jsonrpc"
	"github.com/toolwire/toolwire/internal/logx"
	"github.com/toolwire/toolwire/internal/rpcclient"
	"github.com/toolwire/toolwire/internal/state"
)

// Checker runs health probes against bridges and records the outcomes.
type Checker struct {
	store      state.Store
	clientName string
	timeout    time.Duration
	log        zerolog.Logger
}

// New constructs a Checker. clientName is reported to servers during
// initialize; timeout bounds each probe request.
func New(store state.Store, clientName string, timeout time.Duration) *Checker {
	return &Checker{
		store:      store,
		clientName: clientName,
		timeout:    timeout,
		log:        logx.With("checker"),
	}
}

// Check probes one bridge and persists the resulting health record. A failed
// probe increments the consecutive-failure count carried over from the
// previous record.
func (c *Checker) Check(b *bridge.Bridge) state.Health {
	h := c.probe(b)
	if !h.Healthy {
		if prev, ok, err := c.store.Load(b.Name()); err == nil && ok {
			h.ConsecutiveFails = prev.ConsecutiveFails + 1
		} else {
			h.ConsecutiveFails = 1
		}
		c.log.Warn().Str("server", b.Name()).Str("error", h.LastError).Int("consecutive_fails", h.ConsecutiveFails).Msg("check failed")
	} else {
		c.log.Info().Str("server", b.Name()).Str("protocol", h.Protocol).Int("tools", h.Tools).Msg("check ok")
	}
	if err := c.store.Save(b.Name(), h); err != nil {
		c.log.Error().Err(err).Str("server", b.Name()).Msg("persist health state")
	}
	return h
}

func (c *Checker) probe(b *bridge.Bridge) state.Health {
	opts := rpcclient.Options{Timeout: c.timeout}
	h := state.Health{CheckedAt: time.Now()}

	seq := time.Now().UnixNano()
	initReq := jsonrpc.NewRequest(seq, string(mcp.MethodInitialize), mcp.InitializeParams{
		ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
		Capabilities:    mcp.ClientCapabilities{},
		ClientInfo:      mcp.Implementation{Name: c.clientName, Version: "dev"},
	})
	resp, err := rpcclient.CallOne(b, initReq, opts)
	if err != nil {
		h.LastError = err.Error()
		return h
	}
	if resp.Error != nil {
		h.LastError = "initialize: " + resp.Error.Message
		return h
	}
	var initRes mcp.InitializeResult
	if err := json.Unmarshal(resp.Result, &initRes); err != nil {
		h.LastError = "initialize: " + err.Error()
		return h
	}
	h.Protocol = initRes.ProtocolVersion

	// best effort notification
	_ = rpcclient.Notify(b, "notifications/initialized", nil)

	toolsReq := jsonrpc.NewRequest(seq+1, string(mcp.MethodToolsList), struct{}{})
	resp, err = rpcclient.CallOne(b, toolsReq, opts)
	if err != nil {
		h.LastError = err.Error()
		return h
	}
	if resp.Error != nil {
		h.LastError = "tools/list: " + resp.Error.Message
		return h
	}
	var toolsRes mcp.ListToolsResult
	if err := json.Unmarshal(resp.Result, &toolsRes); err != nil {
		h.LastError = "tools/list: " + err.Error()
		return h
	}
	h.Tools = len(toolsRes.Tools)

	if !rpcclient.Ping(b, opts) {
		h.LastError = "ping: no response"
		return h
	}

	h.Healthy = true
	return h
}
