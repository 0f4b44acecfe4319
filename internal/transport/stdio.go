package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/toolwire/toolwire/internal/config"
	"github.com/toolwire/toolwire/internal/jsonrpc"
	"github.com/toolwire/toolwire/internal/logx"
)

func init() {
	Register("stdio", newStdio)
}

// stdioTransport spawns a subprocess and exchanges one JSON-RPC message per
// line over its standard input/output. The child's stderr passes through to
// the host's stderr; stdout lines that are not JSON objects are treated as
// stray logging and dropped before they reach any consumer.
type stdioTransport struct {
	cfg config.ServerConfig
	log zerolog.Logger

	cmd   *exec.Cmd
	stdin io.WriteCloser

	out      chan []byte
	in       chan []byte
	done     chan struct{}
	readDone chan struct{}
	once     sync.Once
}

func newStdio(cfg config.ServerConfig) (Transport, error) {
	if cfg.Command == "" {
		return nil, &config.ConfigError{Reason: "empty command"}
	}
	return &stdioTransport{
		cfg:      cfg,
		log:      logx.With("transport.stdio").With().Str("command", cfg.Command).Logger(),
		out:      make(chan []byte, 64),
		in:       make(chan []byte, 64),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}, nil
}

func (t *stdioTransport) Start(ctx context.Context) error {
	cmd := exec.Command(t.cfg.Command, t.cfg.Args...)
	if len(t.cfg.Env) > 0 {
		cmd.Env = buildEnv(t.cfg.Env)
	}
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return &SpawnError{Target: t.cfg.Command, Err: err}
	}
	t.cmd = cmd
	t.stdin = stdin
	t.log.Debug().Int("pid", cmd.Process.Pid).Msg("subprocess started")
	t.run(stdin, stdout)
	go func() {
		// Wait closes the stdout pipe, so the read pump must drain it
		// first or output from a short-lived child is lost.
		<-t.readDone
		_ = cmd.Wait()
	}()
	return nil
}

// run starts the writer and reader pumps. Split out from Start so tests can
// drive the pumps over in-memory pipes without a subprocess.
func (t *stdioTransport) run(w io.Writer, r io.Reader) {
	go t.writePump(w)
	go t.readPump(r)
}

func (t *stdioTransport) writePump(w io.Writer) {
	for {
		var line []byte
		select {
		case <-t.done:
			return
		case line = <-t.out:
		}
		// One write per message, newline-terminated. The buffer is
		// private; the caller's slice is never touched.
		buf := make([]byte, 0, len(line)+1)
		buf = append(buf, line...)
		buf = append(buf, '\n')
		if _, err := w.Write(buf); err != nil {
			t.log.Error().Err(err).Msg("write to subprocess failed")
			return
		}
	}
}

func (t *stdioTransport) readPump(r io.Reader) {
	defer close(t.readDone)
	defer close(t.in)
	// bufio.Reader instead of Scanner so oversized lines do not abort the
	// stream.
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			trimmed := []byte(strings.TrimRight(string(line), "\r\n"))
			if jsonrpc.IsObjectLine(trimmed) {
				select {
				case <-t.done:
					return
				case t.in <- trimmed:
				}
			} else if len(trimmed) > 0 {
				t.log.Debug().Str("line", string(trimmed)).Msg("dropping non-protocol output")
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.log.Debug().Err(err).Msg("subprocess output closed")
			}
			return
		}
	}
}

func (t *stdioTransport) Send(line []byte) error {
	select {
	case <-t.done:
		return fmt.Errorf("transport stopped")
	case t.out <- line:
		return nil
	}
}

func (t *stdioTransport) Lines() <-chan []byte { return t.in }

func (t *stdioTransport) Stop() {
	t.once.Do(func() {
		close(t.done)
		if t.stdin != nil {
			_ = t.stdin.Close()
		}
		if t.cmd != nil && t.cmd.Process != nil {
			_ = t.cmd.Process.Kill()
		}
		t.log.Debug().Msg("transport stopped")
	})
}

func (t *stdioTransport) Pid() int {
	if t.cmd != nil && t.cmd.Process != nil {
		return t.cmd.Process.Pid
	}
	return 0
}

// buildEnv constructs a limited environment from allowlisted variables. Each
// entry may be either "KEY" to copy from the current process env or
// "KEY=value" to set an explicit value. Variables not present in the current
// environment are skipped.
func buildEnv(vars []string) []string {
	var out []string
	for _, v := range vars {
		if strings.Contains(v, "=") {
			out = append(out, v)
			continue
		}
		if val, ok := os.LookupEnv(v); ok {
			out = append(out, fmt.Sprintf("%s=%s", v, val))
		}
	}
	return out
}
