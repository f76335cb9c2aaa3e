package whirl

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"go.uber.org/zap"
)

// A Channel is a reliable ordered stream of messages between a node and the
// test harness.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver.
type Channel interface {
	// Send the message to the harness.
	Send(*Message) error

	// Receive the next available message from the harness.
	Recv() (*Message, error)

	// Close the channel, causing any pending send or receive operations to
	// terminate and report an error. After a channel is closed, all further
	// operations on it must report an error.
	Close() error
}

// An Event is an opaque value injected into the node's delivery stream by a
// background producer, typically a Ticker. The runtime does not interpret
// events; it delivers them to the handler in arrival order.
type Event any

// A Handler implements the business logic of a node. All three methods are
// invoked from the single drain loop, one at a time, in the order their
// inputs were enqueued; handler state therefore needs no synchronization.
//
// The value returned by HandleRequest is marshaled as the response body and
// sent back to the requester, correlated by msg_id → in_reply_to. A nil body
// with a nil error suppresses the reply. Any error returned by a handler
// method is protocol fatal.
type Handler interface {
	HandleRequest(req *Request) (any, error)
	HandleResponse(rsp *Response) error
	HandleEvent(ev Event) error
}

// A BindFunc constructs the handler for a node once the initialization
// handshake has assigned its identity. It runs after the init_ok reply has
// been sent and before any other message is processed. The bind function may
// register background producers on n (see Node.Ticker) but must not retain
// goroutines that touch handler state directly.
type BindFunc func(n *Node, init *Init) (Handler, error)

// item is one entry in the delivery queue. Exactly one field is set.
type item struct {
	req *Request
	rsp *Response
	ev  Event
	err error // reader failure, ends the drain loop
}

// A deliveryQueue is an unbounded FIFO of delivery items with a single
// consumer. Producers never block: the reader must stay responsive while the
// drain loop is paused inside a handler, or a blocking call could never be
// settled and an inbound backlog would wedge the node.
type deliveryQueue struct {
	μ     sync.Mutex
	items []item
	wake  chan struct{} // 1-buffered, signals the queue may be non-empty
}

func newDeliveryQueue() *deliveryQueue {
	return &deliveryQueue{wake: make(chan struct{}, 1)}
}

func (q *deliveryQueue) put(it item) {
	q.μ.Lock()
	q.items = append(q.items, it)
	q.μ.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// next blocks until an item is available and removes it.
func (q *deliveryQueue) next() item {
	for {
		q.μ.Lock()
		if len(q.items) > 0 {
			it := q.items[0]
			q.items[0] = item{} // release for the collector
			q.items = q.items[1:]
			q.μ.Unlock()
			return it
		}
		q.μ.Unlock()
		<-q.wake
	}
}

// A Node is the runtime for one process in the cluster. It owns the single
// logical thread of handler execution: a reader goroutine decodes and
// classifies inbound messages, timer producers inject events, and the Run
// loop drains all of them in arrival order into the handler.
//
// Outbound sends are serialized by an exclusive-writer lock so that messages
// from the handler, blocking calls, and background producers never interleave
// on the wire.
type Node struct {
	log *zap.Logger
	ids *IDGen

	in  interface{ Recv() (*Message, error) }
	out struct {
		// Must hold the lock to send to or set ch.
		sync.Mutex
		ch Channel
	}

	tasks  *taskgroup.Group
	queue  *deliveryQueue
	ctx    context.Context
	cancel context.CancelFunc

	μ       sync.Mutex
	id      string
	peers   []string
	pending map[uint32]pendingCall // outbound calls awaiting responses
	err     error                  // protocol fatal error
}

// New constructs a new unstarted node. A nil logger disables logging.
func New(log *zap.Logger) *Node {
	if log == nil {
		log = zap.NewNop()
	}
	return &Node{log: log, ids: NewIDGen()}
}

// ID returns the node's identity assigned by the init handshake, or "" if
// the node has not been initialized.
func (n *Node) ID() string {
	n.μ.Lock()
	defer n.μ.Unlock()
	return n.id
}

// Peers returns the full cluster membership from the init handshake,
// including the node itself.
func (n *Node) Peers() []string {
	n.μ.Lock()
	defer n.μ.Unlock()
	return n.peers
}

// Metrics returns a metrics map for the node. It is safe for the caller to
// add additional metrics to the map while the node is active.
func (n *Node) Metrics() *expvar.Map { return rootMetrics.emap }

// Context returns a context that ends when the node shuts down. It is the
// base context for blocking calls made by handler code.
func (n *Node) Context() context.Context {
	if n.ctx == nil {
		return context.Background()
	}
	return n.ctx
}

func treatErrorAsSuccess(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// Run performs the initialization handshake on ch, constructs the handler
// with bind, and drains the delivery queue until the channel closes or a
// protocol fatal error occurs. It blocks for the life of the node.
//
// Run returns nil when the channel closes cleanly (the harness hung up);
// any other return is a protocol fatal error, and the process should exit
// with a non-zero status.
func (n *Node) Run(ch Channel, bind BindFunc) error {
	if n.queue != nil {
		panic("node is already running")
	}
	if n.ids == nil {
		n.ids = NewIDGen()
	}
	if n.log == nil {
		n.log = zap.NewNop()
	}
	n.in = ch
	n.out.ch = ch
	n.queue = newDeliveryQueue()
	n.pending = make(map[uint32]pendingCall)
	n.ctx, n.cancel = context.WithCancel(context.Background())
	n.tasks = taskgroup.New(nil)

	init, err := n.handshake(ch)
	if err != nil {
		return n.shutdown(fmt.Errorf("init handshake: %w", err))
	}
	n.log.Info("node initialized", zap.String("id", init.NodeID), zap.Strings("peers", init.NodeIDs))

	h, err := bind(n, init)
	if err != nil {
		return n.shutdown(fmt.Errorf("binding handler: %w", err))
	}

	n.tasks.Go(func() error { n.readLoop(); return nil })

	for {
		it := n.queue.next()
		switch {
		case it.err != nil:
			return n.shutdown(it.err)

		case it.req != nil:
			rootMetrics.requestsIn.Add(1)
			body, err := h.HandleRequest(it.req)
			if err != nil {
				return n.shutdown(fmt.Errorf("handling %q request: %w", it.req.Type, err))
			}
			if body != nil {
				if err := n.reply(it.req, body); err != nil {
					return n.shutdown(fmt.Errorf("replying to %q request: %w", it.req.Type, err))
				}
			}

		case it.rsp != nil:
			rootMetrics.responsesIn.Add(1)
			if err := h.HandleResponse(it.rsp); err != nil {
				return n.shutdown(fmt.Errorf("handling %q response: %w", it.rsp.Type, err))
			}

		default:
			rootMetrics.eventsIn.Add(1)
			if err := h.HandleEvent(it.ev); err != nil {
				return n.shutdown(fmt.Errorf("handling event: %w", err))
			}
		}
	}
}

// handshake receives the init message, records the node's identity, and
// acknowledges with init_ok. Any other first message is a contract violation.
func (n *Node) handshake(ch Channel) (*Init, error) {
	msg, err := ch.Recv()
	if err != nil {
		return nil, err
	}
	req, _, err := msg.split()
	if err != nil {
		return nil, err
	}
	if req == nil || req.Type != "init" {
		return nil, fmt.Errorf("expected init message, got %q", msg.Body)
	}
	var init Init
	if err := json.Unmarshal(req.Body, &init); err != nil {
		return nil, fmt.Errorf("invalid init body: %w", err)
	}
	if init.NodeID == "" {
		return nil, errors.New("init message missing node_id")
	}

	n.μ.Lock()
	n.id = init.NodeID
	n.peers = init.NodeIDs
	n.μ.Unlock()

	// The init_ok reply must precede any other processing.
	if err := n.reply(req, initOK{Type: "init_ok"}); err != nil {
		return nil, fmt.Errorf("sending init_ok: %w", err)
	}
	return &init, nil
}

// readLoop decodes inbound messages and pushes them into the delivery queue.
// Responses matching a pending blocking call are delivered directly to the
// caller instead, so that a handler blocked in Call keeps making progress
// even though the drain loop is paused.
func (n *Node) readLoop() {
	for {
		msg, err := n.in.Recv()
		if err != nil {
			n.failPending(err)
			n.push(item{err: err})
			return
		}
		rootMetrics.msgRecv.Add(1)
		req, rsp, err := msg.split()
		if err != nil {
			n.failPending(err)
			n.push(item{err: err})
			return
		}
		if rsp != nil {
			if n.settle(rsp) {
				continue
			}
			n.push(item{rsp: rsp})
		} else {
			n.push(item{req: req})
		}
	}
}

// push enqueues an item for the drain loop. It never blocks.
func (n *Node) push(it item) { n.queue.put(it) }

// failPending records err as the node's failure status and terminates every
// pending call. The reader invokes it when the channel dies, so a handler
// blocked in Call unwinds and the drain loop can reach the error item that
// follows.
func (n *Node) failPending(err error) {
	n.μ.Lock()
	defer n.μ.Unlock()
	if n.err == nil {
		n.err = err
	}
	for _, pc := range n.pending {
		pc.close()
	}
	n.pending = nil
}

// settle delivers rsp to the pending call it answers, if any, and reports
// whether it did so.
func (n *Node) settle(rsp *Response) bool {
	if rsp.InReplyTo == nil {
		return false
	}
	n.μ.Lock()
	defer n.μ.Unlock()
	pc, ok := n.pending[*rsp.InReplyTo]
	if !ok {
		return false
	}
	delete(n.pending, *rsp.InReplyTo)
	pc.deliver(rsp)
	return true
}

// shutdown records the failure status, terminates pending calls and
// background producers, and reports the final status of the node.
func (n *Node) shutdown(err error) error {
	n.cancel()
	n.closeOut()

	n.μ.Lock()
	if n.err == nil {
		n.err = err
	}
	for _, pc := range n.pending {
		pc.close()
	}
	n.pending = nil
	n.μ.Unlock()

	n.tasks.Wait()

	if err == nil || treatErrorAsSuccess(err) {
		return nil
	}
	return err
}

// Ticker starts a background producer that injects f() into the delivery
// queue every interval d until the node shuts down. It must be called before
// or during bind; the produced events are handled by HandleEvent on the
// drain loop, never concurrently with other handler code.
func (n *Node) Ticker(d time.Duration, f func() Event) {
	n.tasks.Go(func() error {
		t := time.NewTicker(d)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				n.push(item{ev: f()})
			case <-n.ctx.Done():
				return nil
			}
		}
	})
}

// Inject enqueues an event for delivery to the handler. It is safe for
// concurrent use by any goroutine and never blocks.
func (n *Node) Inject(ev Event) { n.push(item{ev: ev}) }

// Send emits a fire-and-forget message to dest. The body must marshal to a
// JSON object carrying its own "type" field; Send splices in a fresh msg_id
// and returns it so the caller can track an eventual acknowledgment.
func (n *Node) Send(dest string, body any) (uint32, error) {
	id := n.ids.Next()
	raw, err := encodeBody(body, &id, nil)
	if err != nil {
		return 0, err
	}
	return id, n.sendOut(&Message{Src: n.ID(), Dest: dest, Body: raw})
}

// Call sends a request to dest and blocks until the response arrives or ctx
// ends. Responses are matched by correlation ID in the reader, so Call may
// safely be invoked from handler code without stalling inbound processing.
func (n *Node) Call(ctx context.Context, dest string, body any) (*Response, error) {
	rootMetrics.callsOut.Add(1)

	id := n.ids.Next()
	raw, err := encodeBody(body, &id, nil)
	if err != nil {
		return nil, err
	}

	pc := make(pendingCall, 1)
	n.μ.Lock()
	if n.err != nil || n.pending == nil {
		err := n.err
		n.μ.Unlock()
		if err == nil {
			err = errors.New("node shut down")
		}
		return nil, err
	}
	n.pending[id] = pc
	n.μ.Unlock()

	rootMetrics.callPending.Add(1)
	defer rootMetrics.callPending.Add(-1)

	// Note we MUST NOT hold the state lock while sending, as that would block
	// the reader from settling responses.
	if err := n.sendOut(&Message{Src: n.ID(), Dest: dest, Body: raw}); err != nil {
		n.μ.Lock()
		delete(n.pending, id)
		n.μ.Unlock()
		return nil, err
	}

	select {
	case rsp, ok := <-pc:
		if !ok {
			return nil, fmt.Errorf("call terminated: %w", n.fatalErr())
		}
		return rsp, nil
	case <-ctx.Done():
		n.μ.Lock()
		delete(n.pending, id)
		n.μ.Unlock()
		return nil, ctx.Err()
	}
}

func (n *Node) fatalErr() error {
	n.μ.Lock()
	defer n.μ.Unlock()
	if n.err == nil {
		return errors.New("node shut down")
	}
	return n.err
}

// reply wraps body in a response envelope correlated to req and emits it.
func (n *Node) reply(req *Request, body any) error {
	raw, err := encodeBody(body, req.MsgID, req.MsgID)
	if err != nil {
		return err
	}
	return n.sendOut(&Message{Src: n.ID(), Dest: req.Src, Body: raw})
}

func (n *Node) sendOut(msg *Message) error {
	n.out.Lock()
	defer n.out.Unlock()
	rootMetrics.msgSent.Add(1)
	if ce := n.log.Check(zap.DebugLevel, "send"); ce != nil {
		ce.Write(zap.String("dest", msg.Dest), zap.ByteString("body", msg.Body))
	}
	return n.out.ch.Send(msg)
}

func (n *Node) closeOut() {
	n.out.Lock()
	defer n.out.Unlock()
	if n.out.ch != nil {
		n.out.ch.Close()
	}
}

type pendingCall chan *Response

func (p pendingCall) close() {
	if p != nil {
		close(p)
	}
}

func (p pendingCall) deliver(r *Response) {
	if p != nil {
		p <- r
		close(p)
	}
}
