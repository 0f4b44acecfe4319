package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/toolwire/toolwire/internal/config"
	"github.com/toolwire/toolwire/internal/jsonrpc"
	"github.com/toolwire/toolwire/internal/logx"
)

func init() {
	Register("ws", newWebSocket)
}

// wsTransport speaks the same one-message-per-line protocol over a websocket
// connection, one text frame per message. It exists for tool servers that run
// out of process but not as a child of this one.
type wsTransport struct {
	url string
	log zerolog.Logger

	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	out  chan []byte
	in   chan []byte
	done chan struct{}
	once sync.Once
}

func newWebSocket(cfg config.ServerConfig) (Transport, error) {
	if cfg.URL == "" {
		return nil, &config.ConfigError{Reason: "ws transport requires url"}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &wsTransport{
		url:    cfg.URL,
		log:    logx.With("transport.ws").With().Str("url", cfg.URL).Logger(),
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan []byte, 64),
		in:     make(chan []byte, 64),
		done:   make(chan struct{}),
	}, nil
}

func (t *wsTransport) Start(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, t.url, nil)
	if err != nil {
		return &SpawnError{Target: t.url, Err: err}
	}
	conn.SetReadLimit(16 << 20)
	t.conn = conn
	go t.writePump()
	go t.readPump()
	return nil
}

func (t *wsTransport) writePump() {
	for {
		var line []byte
		select {
		case <-t.done:
			return
		case line = <-t.out:
		}
		if err := t.conn.Write(t.ctx, websocket.MessageText, line); err != nil {
			t.log.Error().Err(err).Msg("websocket write failed")
			return
		}
	}
}

func (t *wsTransport) readPump() {
	defer close(t.in)
	for {
		_, data, err := t.conn.Read(t.ctx)
		if err != nil {
			t.log.Debug().Err(err).Msg("websocket closed")
			return
		}
		if !jsonrpc.IsObjectLine(data) {
			continue
		}
		select {
		case <-t.done:
			return
		case t.in <- data:
		}
	}
}

func (t *wsTransport) Send(line []byte) error {
	select {
	case <-t.done:
		return fmt.Errorf("transport stopped")
	case t.out <- line:
		return nil
	}
}

func (t *wsTransport) Lines() <-chan []byte { return t.in }

func (t *wsTransport) Stop() {
	t.once.Do(func() {
		close(t.done)
		t.cancel()
		if t.conn != nil {
			_ = t.conn.Close(websocket.StatusNormalClosure, "stopping")
		}
		t.log.Debug().Msg("transport stopped")
	})
}

func (t *wsTransport) Pid() int { return 0 }
