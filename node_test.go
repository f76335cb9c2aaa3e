package whirl_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/creachadair/mds/mtest"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap/zaptest"

	"github.com/whirlnet/whirl"
	"github.com/whirlnet/whirl/channel"
)

// testHandler adapts plain functions to the whirl.Handler interface.
type testHandler struct {
	onReq func(*whirl.Request) (any, error)
	onRsp func(*whirl.Response) error
	onEv  func(whirl.Event) error
}

func (h testHandler) HandleRequest(req *whirl.Request) (any, error) {
	if h.onReq == nil {
		return nil, fmt.Errorf("unexpected request %q", req.Type)
	}
	return h.onReq(req)
}

func (h testHandler) HandleResponse(rsp *whirl.Response) error {
	if h.onRsp == nil {
		return fmt.Errorf("unexpected response %q", rsp.Type)
	}
	return h.onRsp(rsp)
}

func (h testHandler) HandleEvent(ev whirl.Event) error {
	if h.onEv == nil {
		return fmt.Errorf("unexpected event %T", ev)
	}
	return h.onEv(ev)
}

// startNode runs a node against an in-memory channel and returns the harness
// side of the channel, the node, and a wait function for the run result.
func startNode(t testing.TB, bind whirl.BindFunc) (whirl.Channel, *whirl.Node, func() error) {
	t.Helper()
	a, b := channel.Direct()
	n := whirl.New(zaptest.NewLogger(t))
	errc := make(chan error, 1)
	go func() { errc <- n.Run(a, bind) }()
	return b, n, func() error { return <-errc }
}

// sendBody marshals body, splices in msg_id, and sends it to the node.
func sendBody(t testing.TB, ch whirl.Channel, src, dest string, msgID uint32, body map[string]any) {
	t.Helper()
	b := make(map[string]any, len(body)+1)
	for k, v := range body {
		b[k] = v
	}
	b["msg_id"] = msgID
	raw, err := json.Marshal(b)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := ch.Send(&whirl.Message{Src: src, Dest: dest, Body: raw}); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

// recvBody receives one message from the node and unpacks its body.
func recvBody(t testing.TB, ch whirl.Channel) (*whirl.Message, map[string]any) {
	t.Helper()
	msg, err := ch.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	var body map[string]any
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		t.Fatalf("Unmarshal body: %v", err)
	}
	return msg, body
}

// initNode performs the init handshake from the harness side.
func initNode(t testing.TB, ch whirl.Channel, id string, ids []string) {
	t.Helper()
	sendBody(t, ch, "c0", id, 1, map[string]any{"type": "init", "node_id": id, "node_ids": ids})
	msg, body := recvBody(t, ch)
	if msg.Src != id || msg.Dest != "c0" {
		t.Fatalf("init_ok routing: got %s → %s, want %s → c0", msg.Src, msg.Dest, id)
	}
	if body["type"] != "init_ok" || body["in_reply_to"] != 1.0 {
		t.Fatalf("bad init_ok body: %v", body)
	}
}

func TestRunHandshakeAndDispatch(t *testing.T) {
	defer leaktest.Check(t)()

	hs, _, wait := startNode(t, func(n *whirl.Node, init *whirl.Init) (whirl.Handler, error) {
		if init.NodeID != "n1" {
			t.Errorf("init node_id: got %q, want n1", init.NodeID)
		}
		if diff := cmp.Diff([]string{"n1", "n2"}, init.NodeIDs); diff != "" {
			t.Errorf("init node_ids (-want, +got):\n%s", diff)
		}
		return testHandler{
			onReq: func(req *whirl.Request) (any, error) {
				if req.Type != "ping" {
					return nil, fmt.Errorf("unexpected request %q", req.Type)
				}
				return map[string]any{"type": "pong"}, nil
			},
		}, nil
	})

	initNode(t, hs, "n1", []string{"n1", "n2"})

	sendBody(t, hs, "c5", "n1", 42, map[string]any{"type": "ping"})
	msg, body := recvBody(t, hs)
	if msg.Dest != "c5" {
		t.Errorf("reply dest: got %q, want c5", msg.Dest)
	}
	if body["type"] != "pong" || body["in_reply_to"] != 42.0 {
		t.Errorf("bad reply body: %v", body)
	}

	hs.Close()
	if err := wait(); err != nil {
		t.Errorf("Run: unexpected error: %v", err)
	}
}

func TestRunTwicePanics(t *testing.T) {
	defer leaktest.Check(t)()

	hs, n, wait := startNode(t, func(n *whirl.Node, init *whirl.Init) (whirl.Handler, error) {
		return testHandler{}, nil
	})
	initNode(t, hs, "n1", []string{"n1"})

	got := mtest.MustPanic(t, func() { n.Run(hs, nil) }).(string)
	if got != "node is already running" {
		t.Errorf("panic value: got %q", got)
	}

	hs.Close()
	if err := wait(); err != nil {
		t.Errorf("Run: unexpected error: %v", err)
	}
}

func TestRunRejectsBadHandshake(t *testing.T) {
	defer leaktest.Check(t)()

	hs, _, wait := startNode(t, func(n *whirl.Node, init *whirl.Init) (whirl.Handler, error) {
		t.Error("bind should not run without a handshake")
		return testHandler{}, nil
	})
	sendBody(t, hs, "c0", "n1", 1, map[string]any{"type": "echo", "echo": "hi"})
	if err := wait(); err == nil {
		t.Error("Run: got nil, want handshake error")
	}
}

func TestRunFatalOnMalformedBody(t *testing.T) {
	defer leaktest.Check(t)()

	hs, _, wait := startNode(t, func(n *whirl.Node, init *whirl.Init) (whirl.Handler, error) {
		return testHandler{}, nil
	})
	initNode(t, hs, "n1", []string{"n1"})

	// A body with no type is a protocol fatal error, not a skippable line.
	hs.Send(&whirl.Message{Src: "c0", Dest: "n1", Body: json.RawMessage(`{"msg_id":2}`)})
	if err := wait(); err == nil {
		t.Error("Run: got nil, want protocol error")
	}
}

func TestCallSettledByReader(t *testing.T) {
	defer leaktest.Check(t)()

	hs, n, wait := startNode(t, func(n *whirl.Node, init *whirl.Init) (whirl.Handler, error) {
		return testHandler{}, nil
	})
	initNode(t, hs, "n1", []string{"n1"})

	type result struct {
		rsp *whirl.Response
		err error
	}
	resc := make(chan result, 1)
	go func() {
		rsp, err := n.Call(context.Background(), "seq-kv", map[string]any{"type": "read", "key": "k"})
		resc <- result{rsp, err}
	}()

	// Play the service: answer the call by correlation ID.
	msg, body := recvBody(t, hs)
	if msg.Dest != "seq-kv" || body["type"] != "read" {
		t.Fatalf("unexpected outbound message: %v %v", msg, body)
	}
	id := uint32(body["msg_id"].(float64))
	raw, _ := json.Marshal(map[string]any{"type": "read_ok", "value": "7", "in_reply_to": id})
	hs.Send(&whirl.Message{Src: "seq-kv", Dest: "n1", Body: raw})

	res := <-resc
	if res.err != nil {
		t.Fatalf("Call: %v", res.err)
	}
	if res.rsp.Type != "read_ok" {
		t.Errorf("Call response type: got %q, want read_ok", res.rsp.Type)
	}

	hs.Close()
	if err := wait(); err != nil {
		t.Errorf("Run: unexpected error: %v", err)
	}
}

func TestUnmatchedResponseGoesToHandler(t *testing.T) {
	defer leaktest.Check(t)()

	got := make(chan string, 1)
	hs, _, wait := startNode(t, func(n *whirl.Node, init *whirl.Init) (whirl.Handler, error) {
		return testHandler{
			onRsp: func(rsp *whirl.Response) error {
				got <- rsp.Type
				return nil
			},
		}, nil
	})
	initNode(t, hs, "n1", []string{"n1"})

	raw, _ := json.Marshal(map[string]any{"type": "broadcast_ok", "in_reply_to": 99})
	hs.Send(&whirl.Message{Src: "n2", Dest: "n1", Body: raw})

	select {
	case typ := <-got:
		if typ != "broadcast_ok" {
			t.Errorf("handler saw response %q, want broadcast_ok", typ)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for response dispatch")
	}

	hs.Close()
	if err := wait(); err != nil {
		t.Errorf("Run: unexpected error: %v", err)
	}
}

func TestChannelCloseReleasesPendingCall(t *testing.T) {
	defer leaktest.Check(t)()

	callErr := make(chan error, 1)
	hs, _, wait := startNode(t, func(n *whirl.Node, init *whirl.Init) (whirl.Handler, error) {
		return testHandler{
			onReq: func(req *whirl.Request) (any, error) {
				_, err := n.Call(context.Background(), "store", map[string]any{"type": "get", "key": "k"})
				callErr <- err
				return nil, err
			},
		}, nil
	})
	initNode(t, hs, "n1", []string{"n1"})

	// Park the handler inside a blocking call, then hang up. The call must
	// unwind and Run must terminate rather than waiting on a drain loop that
	// is itself stuck in the handler.
	sendBody(t, hs, "c1", "n1", 7, map[string]any{"type": "fetch"})
	msg, _ := recvBody(t, hs)
	if msg.Dest != "store" {
		t.Fatalf("outbound call dest: got %q, want store", msg.Dest)
	}
	hs.Close()

	select {
	case err := <-callErr:
		if err == nil {
			t.Error("Call after channel close: got nil, want error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the pending call to unwind")
	}
	if err := wait(); err != nil {
		t.Errorf("Run: unexpected error: %v", err)
	}
}

func TestBacklogDoesNotBlockReader(t *testing.T) {
	defer leaktest.Check(t)()

	hs, _, wait := startNode(t, func(n *whirl.Node, init *whirl.Init) (whirl.Handler, error) {
		return testHandler{
			onReq: func(req *whirl.Request) (any, error) {
				if req.Type == "fetch" {
					if _, err := n.Call(context.Background(), "store", map[string]any{"type": "get", "key": "k"}); err != nil {
						return nil, err
					}
					return map[string]any{"type": "fetch_ok"}, nil
				}
				return map[string]any{"type": "pong"}, nil
			},
		}, nil
	})
	initNode(t, hs, "n1", []string{"n1"})

	sendBody(t, hs, "c1", "n1", 7, map[string]any{"type": "fetch"})
	_, callBody := recvBody(t, hs)
	callID := uint32(callBody["msg_id"].(float64))

	// Pile up far more inbound requests than any fixed buffer would hold
	// while the drain loop is parked in the call. The reader must keep
	// accepting them, or the response below could never be read.
	const backlog = 80
	for i := range backlog {
		sendBody(t, hs, "c1", "n1", uint32(100+i), map[string]any{"type": "ping"})
	}

	raw, _ := json.Marshal(map[string]any{"type": "get_ok", "value": "v", "in_reply_to": callID})
	if err := hs.Send(&whirl.Message{Src: "store", Dest: "n1", Body: raw}); err != nil {
		t.Fatalf("Send response: %v", err)
	}

	// The fetch reply comes first, then the backlog in arrival order.
	_, body := recvBody(t, hs)
	if body["type"] != "fetch_ok" || body["in_reply_to"] != 7.0 {
		t.Fatalf("bad fetch reply: %v", body)
	}
	for i := range backlog {
		_, body := recvBody(t, hs)
		if body["type"] != "pong" || body["in_reply_to"] != float64(100+i) {
			t.Fatalf("bad ping reply %d: %v", i, body)
		}
	}

	hs.Close()
	if err := wait(); err != nil {
		t.Errorf("Run: unexpected error: %v", err)
	}
}

func TestTickerInjectsEvents(t *testing.T) {
	defer leaktest.Check(t)()

	type tick struct{}
	got := make(chan whirl.Event, 16)
	hs, _, wait := startNode(t, func(n *whirl.Node, init *whirl.Init) (whirl.Handler, error) {
		n.Ticker(2*time.Millisecond, func() whirl.Event { return tick{} })
		return testHandler{
			onEv: func(ev whirl.Event) error {
				select {
				case got <- ev:
				default: // test already satisfied
				}
				return nil
			},
		}, nil
	})
	initNode(t, hs, "n1", []string{"n1"})

	for range 3 {
		select {
		case ev := <-got:
			if _, ok := ev.(tick); !ok {
				t.Errorf("event: got %T, want tick", ev)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for ticker events")
		}
	}

	hs.Close()
	if err := wait(); err != nil {
		t.Errorf("Run: unexpected error: %v", err)
	}
}

func TestRequestOrderPreserved(t *testing.T) {
	defer leaktest.Check(t)()

	var seen []uint32
	hs, _, wait := startNode(t, func(n *whirl.Node, init *whirl.Init) (whirl.Handler, error) {
		return testHandler{
			onReq: func(req *whirl.Request) (any, error) {
				seen = append(seen, *req.MsgID) // no lock: the drain loop owns this
				return map[string]any{"type": "ok"}, nil
			},
		}, nil
	})
	initNode(t, hs, "n1", []string{"n1"})

	const numReqs = 50
	want := make([]uint32, numReqs)
	for i := range numReqs {
		id := uint32(i + 10)
		want[i] = id
		sendBody(t, hs, "c1", "n1", id, map[string]any{"type": "touch"})
		recvBody(t, hs) // drain the reply
	}

	hs.Close()
	if err := wait(); err != nil {
		t.Errorf("Run: unexpected error: %v", err)
	}
	if diff := cmp.Diff(want, seen); diff != "" {
		t.Errorf("Dispatch order (-want, +got):\n%s", diff)
	}
}
