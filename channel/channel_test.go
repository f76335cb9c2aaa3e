package channel_test

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/whirlnet/whirl"
	"github.com/whirlnet/whirl/channel"
)

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func msg(src, dest, body string) *whirl.Message {
	return &whirl.Message{Src: src, Dest: dest, Body: json.RawMessage(body)}
}

func TestLineSend(t *testing.T) {
	var buf bytes.Buffer
	ch := channel.Line(strings.NewReader(""), nopCloser{&buf})

	if err := ch.Send(msg("n1", "n2", `{"type":"broadcast","msg_id":3,"message":7}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := ch.Send(msg("n1", "c1", `{"type":"read_ok","in_reply_to":1}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %q", len(lines), buf.String())
	}
	var m whirl.Message
	if err := json.Unmarshal([]byte(lines[0]), &m); err != nil {
		t.Fatalf("Unmarshal line 1: %v", err)
	}
	if m.Src != "n1" || m.Dest != "n2" {
		t.Errorf("line 1 envelope: got %s → %s, want n1 → n2", m.Src, m.Dest)
	}
}

func TestLineRecv(t *testing.T) {
	const input = `{"src":"c1","dest":"n1","body":{"type":"read","msg_id":1}}
{"src":"n2","dest":"n1","body":{"type":"broadcast_ok","in_reply_to":4}}
`
	ch := channel.Line(strings.NewReader(input), nopCloser{io.Discard})

	m1, err := ch.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if m1.Src != "c1" || m1.Dest != "n1" {
		t.Errorf("message 1 envelope: got %s → %s, want c1 → n1", m1.Src, m1.Dest)
	}
	m2, err := ch.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if m2.Src != "n2" {
		t.Errorf("message 2 src: got %q, want n2", m2.Src)
	}
	if _, err := ch.Recv(); err != io.EOF {
		t.Errorf("Recv at end: got %v, want io.EOF", err)
	}
}

func TestLineRecvSkipsBlankLines(t *testing.T) {
	const input = "\n\n" + `{"src":"c1","dest":"n1","body":{"type":"read","msg_id":1}}` + "\n\n"
	ch := channel.Line(strings.NewReader(input), nopCloser{io.Discard})

	m, err := ch.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if m.Src != "c1" {
		t.Errorf("src: got %q, want c1", m.Src)
	}
	if _, err := ch.Recv(); err != io.EOF {
		t.Errorf("Recv at end: got %v, want io.EOF", err)
	}
}

func TestLineRecvLastLineWithoutNewline(t *testing.T) {
	const input = `{"src":"c1","dest":"n1","body":{"type":"read","msg_id":1}}`
	ch := channel.Line(strings.NewReader(input), nopCloser{io.Discard})

	if _, err := ch.Recv(); err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if _, err := ch.Recv(); err != io.EOF {
		t.Errorf("Recv at end: got %v, want io.EOF", err)
	}
}

func TestLineRecvRejectsGarbage(t *testing.T) {
	tests := []struct {
		name, input string
	}{
		{"NotJSON", "hello world\n"},
		{"Truncated", `{"src":"c1","dest":` + "\n"},
		{"MissingEnvelope", `{"body":{"type":"read"}}` + "\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ch := channel.Line(strings.NewReader(tc.input), nopCloser{io.Discard})
			if _, err := ch.Recv(); err == nil {
				t.Error("Recv: got nil, want parse error")
			}
		})
	}
}

func TestDirect(t *testing.T) {
	a, b := channel.Direct()
	want := msg("n1", "n2", `{"type":"gossip","msg_id":2,"messages":[1,2]}`)

	done := make(chan *whirl.Message, 1)
	go func() {
		m, err := b.Recv()
		if err != nil {
			t.Errorf("Recv: %v", err)
		}
		done <- m
	}()
	if err := a.Send(want); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := <-done; !cmp.Equal(want, got) {
		t.Errorf("Recv: got %v, want %v", got, want)
	}

	a.Close()
	if _, err := b.Recv(); err == nil {
		t.Error("Recv after close: got nil, want error")
	}
	if err := a.Send(want); err == nil {
		t.Error("Send after close: got nil, want error")
	}
}
