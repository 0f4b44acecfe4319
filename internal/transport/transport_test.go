package transport

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/toolwire/toolwire/internal/config"
)

type stubTransport struct{}

func (stubTransport) Start(context.Context) error { return nil }
func (stubTransport) Send([]byte) error           { return nil }
func (stubTransport) Lines() <-chan []byte        { return nil }
func (stubTransport) Stop()                       {}
func (stubTransport) Pid() int                    { return 0 }

func TestNewUnsupportedKind(t *testing.T) {
	_, err := New(config.ServerConfig{TransportConfig: config.TransportConfig{Command: "x", Transport: "carrier-pigeon"}})
	var ce *config.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("error = %v (%T); want *config.ConfigError", err, err)
	}
}

func TestNewStdioEmptyCommand(t *testing.T) {
	_, err := New(config.ServerConfig{TransportConfig: config.TransportConfig{Transport: "stdio"}})
	var ce *config.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("error = %v (%T); want *config.ConfigError", err, err)
	}
	if ce.Reason != "empty command" {
		t.Fatalf("reason = %q; want %q", ce.Reason, "empty command")
	}
}

func TestNewWSRequiresURL(t *testing.T) {
	_, err := New(config.ServerConfig{TransportConfig: config.TransportConfig{Transport: "ws"}})
	var ce *config.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("error = %v (%T); want *config.ConfigError", err, err)
	}
}

func TestRegisterNewKind(t *testing.T) {
	Register("stub", func(config.ServerConfig) (Transport, error) {
		return stubTransport{}, nil
	})
	tr, err := New(config.ServerConfig{TransportConfig: config.TransportConfig{Transport: "stub"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := tr.(stubTransport); !ok {
		t.Fatalf("transport type = %T", tr)
	}
	kinds := Kinds()
	for _, want := range []string{"stdio", "stub", "ws"} {
		if !slices.Contains(kinds, want) {
			t.Fatalf("kinds = %v; missing %q", kinds, want)
		}
	}
}
