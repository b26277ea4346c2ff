package e2e_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/nilsbertram/portal/client"
	"github.com/nilsbertram/portal/ws"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve a port: %v", err)
	}
	addr := l.Addr().String()
	if err := l.Close(); err != nil {
		t.Fatalf("failed to release reserved port: %v", err)
	}
	return addr
}

// startServer brings up srv and registers Cleanup to stop it.
func startServer(t *testing.T, srv *ws.Server) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	if err := srv.Start(ctx); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		srv.Stop(stopCtx)
	})
}

func dial(t *testing.T, uri string) *client.Client {
	t.Helper()
	c := client.New(client.Config{URI: uri})
	if err := c.Connect(context.Background(), client.ConnectOptions{
		Retry: true, MaxRetryAttempts: 10, RetryInterval: 20 * time.Millisecond,
	}); err != nil {
		t.Fatalf("failed to connect to %s: %v", uri, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}
