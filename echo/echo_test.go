package echo_test

import (
	"context"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"

	"github.com/whirlnet/whirl/echo"
	"github.com/whirlnet/whirl/harness"
)

func TestEcho(t *testing.T) {
	defer leaktest.Check(t)()

	net := harness.New()
	defer net.Stop()
	if err := net.Add("n1", []string{"n1"}, echo.Bind()); err != nil {
		t.Fatalf("add: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rsp, err := net.Call(ctx, "c1", "n1", map[string]any{"type": "echo", "echo": "please repeat this"})
	if err != nil {
		t.Fatalf("echo: %v", err)
	}
	if typ, _ := rsp["type"].(string); typ != "echo_ok" {
		t.Errorf("reply type: got %q, want echo_ok", typ)
	}
	if got, _ := rsp["echo"].(string); got != "please repeat this" {
		t.Errorf("echoed payload: got %q", got)
	}

	// A non-echo request is a protocol error and takes the node down.
	if _, err := net.Send("c1", "n1", map[string]any{"type": "bogus"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := net.Stop(); err == nil {
		t.Error("Stop after bad request: got nil, want node failure")
	}
}
