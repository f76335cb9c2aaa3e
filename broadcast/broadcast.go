// Package broadcast implements the broadcast workload: replication of a
// grow-only value set across the cluster by flooding with acknowledgment
// retry, and by periodic anti-entropy gossip against per-neighbour knowledge
// caches.
//
// All state is owned by the node's drain loop; the gossip and retry timers
// only inject events, so none of it needs locking.
package broadcast

import (
	"encoding/json"
	"expvar"
	"fmt"
	"maps"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/creachadair/mds/mapset"
	"go.uber.org/zap"

	"github.com/whirlnet/whirl"
	"github.com/whirlnet/whirl/track"
)

// Config carries the tunables of the broadcast protocol. The zero value is
// ready for use; unset fields take the defaults below.
type Config struct {
	GossipInterval time.Duration // anti-entropy cadence (default 50ms)
	Fanout         int           // neighbours gossiped to per tick (default 2)
	RetryBase      time.Duration // initial flood resend interval (default 1s)
	RetryCap       time.Duration // flood resend interval ceiling (default 30s)
	SweepInterval  time.Duration // cadence of the resend scan (default 200ms)

	Rand   *rand.Rand  // randomness for neighbour selection (default: fresh PCG)
	Logger *zap.Logger // default: no logging
}

func (c Config) withDefaults() Config {
	if c.GossipInterval <= 0 {
		c.GossipInterval = 50 * time.Millisecond
	}
	if c.Fanout <= 0 {
		c.Fanout = 2
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryCap <= 0 {
		c.RetryCap = 30 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 200 * time.Millisecond
	}
	if c.Rand == nil {
		c.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// A sender is the slice of the runtime the protocol needs: tracked outbound
// sends. It is satisfied by *whirl.Node.
type sender interface {
	Send(dest string, body any) (uint32, error)
}

// gossipSent records one gossip batch awaiting acknowledgment. The values
// are unioned into the neighbour's knowledge cache only when the ack
// arrives; a lost batch is simply recomputed on a later tick.
//
// Only the most recent unacked batch per neighbour is retained, so the table
// is bounded by the neighbour count even under sustained loss. An ack for a
// superseded batch is ignored, which is safe: the cache just grows on a
// later round instead.
type gossipSent struct {
	dest     string
	messages []uint32
}

// Node is the broadcast protocol state machine.
type Node struct {
	rt  sender
	log *zap.Logger
	cfg Config

	id         string
	values     mapset.Set[uint32]            // every value ever observed
	neighbours mapset.Set[string]            // propagation targets, never contains id
	known      map[string]mapset.Set[uint32] // values each neighbour is confirmed to hold
	sent       map[uint32]gossipSent         // gossip batches awaiting acks, one per neighbour
	lastBatch  map[string]uint32             // ID of each neighbour's outstanding batch
	retry      *track.Set                    // flood sends awaiting acks

	metrics struct {
		resends     expvar.Int
		gossipSent  expvar.Int
		gossipAcked expvar.Int
		emap        *expvar.Map
	}
}

// New constructs the protocol state for a node with the given identity and
// cluster membership. Until a topology message arrives, the neighbour set
// defaults to the full membership minus the node itself.
func New(rt sender, id string, peers []string, cfg Config) *Node {
	cfg = cfg.withDefaults()
	b := &Node{
		rt:         rt,
		log:        cfg.Logger,
		cfg:        cfg,
		id:         id,
		values:     mapset.New[uint32](),
		neighbours: mapset.New(peers...),
		known:      make(map[string]mapset.Set[uint32]),
		sent:       make(map[uint32]gossipSent),
		lastBatch:  make(map[string]uint32),
		retry:      track.New(cfg.RetryBase, cfg.RetryCap),
	}
	b.neighbours.Remove(id)
	b.metrics.emap = new(expvar.Map)
	b.metrics.emap.Set("resends", &b.metrics.resends)
	b.metrics.emap.Set("gossip_sent", &b.metrics.gossipSent)
	b.metrics.emap.Set("gossip_acked", &b.metrics.gossipAcked)
	return b
}

// Bind returns a whirl.BindFunc that constructs the broadcast handler and
// starts its gossip and resend timers.
func Bind(cfg Config) whirl.BindFunc {
	return func(n *whirl.Node, init *whirl.Init) (whirl.Handler, error) {
		cfg = cfg.withDefaults()
		b := New(n, init.NodeID, init.NodeIDs, cfg)
		n.Ticker(cfg.GossipInterval, func() whirl.Event { return gossipTick{} })
		n.Ticker(cfg.SweepInterval, func() whirl.Event { return retrySweep{} })
		return b, nil
	}
}

// Metrics returns a metrics map for the protocol state.
func (b *Node) Metrics() *expvar.Map { return b.metrics.emap }

// Values returns the value set in ascending order. The result is non-nil so
// it encodes as a JSON array even when empty.
func (b *Node) Values() []uint32 {
	out := slices.AppendSeq(make([]uint32, 0, len(b.values)), maps.Keys(b.values))
	slices.Sort(out)
	return out
}

// Neighbours returns the current neighbour set.
func (b *Node) Neighbours() []string { return slices.Sorted(maps.Keys(b.neighbours)) }

// Outstanding reports the number of flood sends still awaiting an ack.
func (b *Node) Outstanding() int { return b.retry.Len() }

// HandleRequest implements part of the whirl.Handler interface.
func (b *Node) HandleRequest(req *whirl.Request) (any, error) {
	r, err := decodeRequest(req)
	if err != nil {
		return nil, err
	}
	switch r := r.(type) {
	case broadcastReq:
		if err := b.flood(r.Message, req.Src); err != nil {
			return nil, err
		}
		return ackBody{Type: "broadcast_ok"}, nil

	case readReq:
		return readOK{Type: "read_ok", Messages: b.Values()}, nil

	case topologyReq:
		b.neighbours = mapset.New(r.Topology[b.id]...)
		// A node never gossips to itself.
		b.neighbours.Remove(b.id)
		for nb, id := range b.lastBatch {
			if !b.neighbours.Has(nb) {
				delete(b.sent, id)
				delete(b.lastBatch, nb)
			}
		}
		b.log.Debug("topology replaced", zap.Strings("neighbours", b.Neighbours()))
		return ackBody{Type: "topology_ok"}, nil

	case gossipReq:
		b.values.Add(r.Messages...)
		return ackBody{Type: "gossip_ok"}, nil

	default:
		return nil, fmt.Errorf("unhandled request %T", r)
	}
}

// flood stores the value and re-sends it, with ack tracking, to every
// neighbour except the one it arrived from. Loop prevention is by
// provenance, not value de-duplication: a known value arriving from a new
// origin is still propagated.
func (b *Node) flood(value uint32, from string) error {
	b.values.Add(value)
	for nb := range b.neighbours {
		if nb == from {
			continue
		}
		body := broadcastBody{Type: "broadcast", Message: value}
		id, err := b.rt.Send(nb, body)
		// Record the send before checking the result, so a failed write does
		// not lose the bookkeeping for an attempt the harness may have seen.
		b.retry.Add(id, nb, body, time.Now())
		if err != nil {
			return fmt.Errorf("flooding value to %s: %w", nb, err)
		}
	}
	return nil
}

// HandleResponse implements part of the whirl.Handler interface. It resolves
// flood acks against the resend chains and grows neighbour knowledge on
// gossip acks. Malformed or unknown acks are no-ops: peer misbehavior must
// not take this node down.
func (b *Node) HandleResponse(rsp *whirl.Response) error {
	switch rsp.Type {
	case "broadcast_ok":
		if rsp.InReplyTo == nil {
			b.log.Warn("broadcast_ok without in_reply_to", zap.String("src", rsp.Src))
			return nil
		}
		if _, ok := b.retry.Resolve(*rsp.InReplyTo); !ok {
			b.log.Debug("ack for unknown or resolved send", zap.Uint32("id", *rsp.InReplyTo))
		}

	case "gossip_ok":
		if rsp.InReplyTo == nil {
			b.log.Warn("gossip_ok without in_reply_to", zap.String("src", rsp.Src))
			return nil
		}
		sent, ok := b.sent[*rsp.InReplyTo]
		if !ok {
			b.log.Debug("gossip ack for unknown batch", zap.Uint32("id", *rsp.InReplyTo))
			return nil
		}
		delete(b.sent, *rsp.InReplyTo)
		if b.lastBatch[sent.dest] == *rsp.InReplyTo {
			delete(b.lastBatch, sent.dest)
		}
		known, ok := b.known[sent.dest]
		if !ok {
			known = mapset.New[uint32]()
			b.known[sent.dest] = known
		}
		known.Add(sent.messages...)
		b.metrics.gossipAcked.Add(1)
	}
	return nil
}

// Events injected by the timers started in Bind.
type (
	gossipTick struct{}
	retrySweep struct{}
)

// HandleEvent implements part of the whirl.Handler interface.
func (b *Node) HandleEvent(ev whirl.Event) error {
	switch ev.(type) {
	case gossipTick:
		return b.gossip()
	case retrySweep:
		return b.resendDue(time.Now())
	default:
		return fmt.Errorf("unhandled event %T", ev)
	}
}

// gossip runs one anti-entropy round: pick a bounded random subset of
// neighbours and send each the difference between the local value set and
// what that neighbour is known to hold, as a single batched message. The
// delta is recomputed from current state on every tick, so a racing inbound
// value or a dropped round needs no special handling.
func (b *Node) gossip() error {
	if len(b.values) == 0 || len(b.neighbours) == 0 {
		return nil
	}
	nbs := slices.Collect(maps.Keys(b.neighbours))
	b.cfg.Rand.Shuffle(len(nbs), func(i, j int) { nbs[i], nbs[j] = nbs[j], nbs[i] })
	if len(nbs) > b.cfg.Fanout {
		nbs = nbs[:b.cfg.Fanout]
	}
	for _, nb := range nbs {
		delta := b.delta(nb)
		if len(delta) == 0 {
			continue
		}
		id, err := b.rt.Send(nb, gossipBody{Type: "gossip", Messages: delta})
		if err != nil {
			return fmt.Errorf("gossiping to %s: %w", nb, err)
		}
		if old, ok := b.lastBatch[nb]; ok {
			delete(b.sent, old) // supersede the unacked batch
		}
		b.sent[id] = gossipSent{dest: nb, messages: delta}
		b.lastBatch[nb] = id
		b.metrics.gossipSent.Add(1)
	}
	return nil
}

// delta returns the values nb is not yet known to hold, in ascending order.
func (b *Node) delta(nb string) []uint32 {
	known := b.known[nb]
	var out []uint32
	for v := range b.values {
		if !known.Has(v) {
			out = append(out, v)
		}
	}
	slices.Sort(out)
	return out
}

// resendDue re-emits every outstanding flood send whose backoff interval has
// elapsed. Each attempt gets a fresh correlation ID joined to the original
// send's chain; the stale ID stays resolvable so a late ack is not mistaken
// for a new one.
func (b *Node) resendDue(now time.Time) error {
	for _, r := range b.retry.Due(now) {
		id, err := b.rt.Send(r.Dest, r.Body)
		b.retry.Renew(r, id, now)
		if err != nil {
			return fmt.Errorf("resending to %s: %w", r.Dest, err)
		}
		b.metrics.resends.Add(1)
		b.log.Debug("resent broadcast",
			zap.String("dest", r.Dest), zap.Uint32("id", id), zap.Int("retries", r.Retries))
	}
	return nil
}

// request is the closed set of inbound request bodies for this workload.
type request interface{ isRequest() }

type broadcastReq struct {
	Message uint32 `json:"message"`
}

type readReq struct{}

type topologyReq struct {
	Topology map[string][]string `json:"topology"`
}

type gossipReq struct {
	Messages []uint32 `json:"messages"`
}

func (broadcastReq) isRequest() {}
func (readReq) isRequest()      {}
func (topologyReq) isRequest()  {}
func (gossipReq) isRequest()    {}

func decodeRequest(req *whirl.Request) (request, error) {
	switch req.Type {
	case "broadcast":
		var r broadcastReq
		if err := unmarshalBody(req, &r); err != nil {
			return nil, err
		}
		return r, nil
	case "read":
		return readReq{}, nil
	case "topology":
		var r topologyReq
		if err := unmarshalBody(req, &r); err != nil {
			return nil, err
		}
		return r, nil
	case "gossip":
		var r gossipReq
		if err := unmarshalBody(req, &r); err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unknown request type %q", req.Type)
	}
}

func unmarshalBody(req *whirl.Request, v any) error {
	if err := json.Unmarshal(req.Body, v); err != nil {
		return fmt.Errorf("invalid %s body: %w", req.Type, err)
	}
	return nil
}

// Outbound bodies.

type broadcastBody struct {
	Type    string `json:"type"`
	Message uint32 `json:"message"`
}

type gossipBody struct {
	Type     string   `json:"type"`
	Messages []uint32 `json:"messages"`
}

type ackBody struct {
	Type string `json:"type"`
}

type readOK struct {
	Type     string   `json:"type"`
	Messages []uint32 `json:"messages"`
}
