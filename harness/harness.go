// Package harness provides an in-process message router for testing nodes:
// it plays the role of the external harness, connecting any number of nodes
// over in-memory channels, routing messages between them by destination,
// optionally dropping them, and injecting client requests.
package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"

	"github.com/whirlnet/whirl"
	"github.com/whirlnet/whirl/channel"
)

// A Network connects nodes over direct channels. Messages a node emits are
// routed to the destination node, or to a client mailbox when the
// destination is not a node. Construct with New and release with Stop.
type Network struct {
	tasks *taskgroup.Group
	done  chan struct{}
	stop  sync.Once
	ids   *whirl.IDGen

	μ     sync.Mutex
	ports map[string]whirl.Channel       // network side of each node's channel
	inbox map[string]chan *whirl.Message // mailboxes for non-node destinations
	drop  func(*whirl.Message) bool      // applied to node-to-node traffic only
	errs  []error                        // node exit failures
}

// New constructs an empty network.
func New() *Network {
	return &Network{
		tasks: taskgroup.New(nil),
		done:  make(chan struct{}),
		ids:   whirl.NewIDGen(),
		ports: make(map[string]whirl.Channel),
		inbox: make(map[string]chan *whirl.Message),
	}
}

// Drop installs a loss filter: node-to-node messages for which f reports
// true are silently discarded. Client traffic is never dropped. Passing nil
// removes the filter.
func (net *Network) Drop(f func(*whirl.Message) bool) {
	net.μ.Lock()
	defer net.μ.Unlock()
	net.drop = f
}

// Add starts a node with the given identity and cluster membership, performs
// the init handshake, and waits for init_ok.
func (net *Network) Add(id string, ids []string, bind whirl.BindFunc) error {
	a, b := channel.Direct()
	net.μ.Lock()
	if _, ok := net.ports[id]; ok {
		net.μ.Unlock()
		return fmt.Errorf("node %q already exists", id)
	}
	net.ports[id] = b
	net.μ.Unlock()

	node := whirl.New(nil)
	net.tasks.Go(func() error {
		if err := node.Run(a, bind); err != nil {
			net.μ.Lock()
			net.errs = append(net.errs, fmt.Errorf("node %s: %w", id, err))
			net.μ.Unlock()
		}
		return nil
	})
	net.tasks.Go(func() error { net.pump(b); return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rsp, err := net.Call(ctx, "c0", id, map[string]any{
		"type": "init", "node_id": id, "node_ids": ids,
	})
	if err != nil {
		return fmt.Errorf("init %s: %w", id, err)
	}
	if t, _ := rsp["type"].(string); t != "init_ok" {
		return fmt.Errorf("init %s: unexpected reply %v", id, rsp)
	}
	return nil
}

// Stop closes all node channels, waits for the nodes to exit, and reports
// any failures. It is safe to call Stop multiple times.
func (net *Network) Stop() error {
	net.stop.Do(func() {
		net.μ.Lock()
		ports := make([]whirl.Channel, 0, len(net.ports))
		for _, p := range net.ports {
			ports = append(ports, p)
		}
		net.μ.Unlock()

		close(net.done)
		for _, p := range ports {
			p.Close()
		}
		net.tasks.Wait()
	})

	net.μ.Lock()
	defer net.μ.Unlock()
	return errors.Join(net.errs...)
}

// pump routes everything a node emits until its channel closes.
func (net *Network) pump(ch whirl.Channel) {
	for {
		msg, err := ch.Recv()
		if err != nil {
			return
		}
		net.route(msg)
	}
}

func (net *Network) route(msg *whirl.Message) {
	net.μ.Lock()
	drop := net.drop
	_, fromNode := net.ports[msg.Src]
	port, toNode := net.ports[msg.Dest]
	net.μ.Unlock()

	if toNode {
		if drop != nil && fromNode && drop(msg) {
			return
		}
		port.Send(msg)
		return
	}
	select {
	case net.mailbox(msg.Dest) <- msg:
	case <-net.done:
	}
}

func (net *Network) mailbox(id string) chan *whirl.Message {
	net.μ.Lock()
	defer net.μ.Unlock()
	box, ok := net.inbox[id]
	if !ok {
		box = make(chan *whirl.Message, 64)
		net.inbox[id] = box
	}
	return box
}

// Send injects a message from a client into the network, assigning it a
// fresh msg_id, and returns the id. The body must not already carry one.
func (net *Network) Send(from, to string, body map[string]any) (uint32, error) {
	net.μ.Lock()
	port, ok := net.ports[to]
	net.μ.Unlock()
	if !ok {
		return 0, fmt.Errorf("no node %q", to)
	}
	id := net.ids.Next()
	b := make(map[string]any, len(body)+1)
	for k, v := range body {
		b[k] = v
	}
	b["msg_id"] = id
	raw, err := json.Marshal(b)
	if err != nil {
		return 0, err
	}
	return id, port.Send(&whirl.Message{Src: from, Dest: to, Body: raw})
}

// Call injects a client request and blocks until the matching reply arrives
// in the client's mailbox or ctx ends. Replies to other requests from the
// same client are discarded while waiting, so interleave clients rather
// than calls.
func (net *Network) Call(ctx context.Context, from, to string, body map[string]any) (map[string]any, error) {
	id, err := net.Send(from, to, body)
	if err != nil {
		return nil, err
	}
	box := net.mailbox(from)
	for {
		select {
		case msg := <-box:
			var hdr struct {
				InReplyTo *uint32 `json:"in_reply_to"`
			}
			if err := json.Unmarshal(msg.Body, &hdr); err != nil {
				return nil, fmt.Errorf("invalid reply body: %w", err)
			}
			if hdr.InReplyTo == nil || *hdr.InReplyTo != id {
				continue // stale reply to an abandoned call
			}
			var out map[string]any
			if err := json.Unmarshal(msg.Body, &out); err != nil {
				return nil, fmt.Errorf("invalid reply body: %w", err)
			}
			return out, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
