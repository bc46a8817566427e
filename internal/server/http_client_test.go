package server

import (
	"testing"
	"time"

	"github.com/any-hub/zimview/internal/config"
)

func TestNewSurfaceClientTimeout(t *testing.T) {
	client := NewSurfaceClient(nil)
	if client.Timeout != 30*time.Second {
		t.Fatalf("expected default timeout, got %v", client.Timeout)
	}

	cfg := &config.Config{Reader: config.ReaderConfig{
		ContentTimeout:   config.Duration(10 * time.Second),
		HandshakeTimeout: config.Duration(5 * time.Second),
	}}
	client = NewSurfaceClient(cfg)
	if client.Timeout != 15*time.Second {
		t.Fatalf("timeout should cover handshake and content, got %v", client.Timeout)
	}
	if client.Transport == nil {
		t.Fatalf("expected dedicated transport")
	}
}
