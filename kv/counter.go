package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/whirlnet/whirl"
)

// Counter is the grow-only counter workload. The counter value lives in the
// key-value service, stored as a decimal string; increments are applied with
// a read-modify-write loop that retries on CAS precondition failures.
type Counter struct {
	kv  *Client
	ctx context.Context
	log *zap.Logger
	key string
}

// NewCounter constructs the counter workload over the given client. The
// context bounds the blocking calls made while serving requests; an empty
// key selects "counter".
func NewCounter(ctx context.Context, kv *Client, log *zap.Logger, key string) *Counter {
	if key == "" {
		key = "counter"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Counter{kv: kv, ctx: ctx, log: log, key: key}
}

// BindCounter returns a whirl.BindFunc for the counter workload, storing the
// count under key in the service with the given peer ID (defaults apply as
// in NewClient and NewCounter).
func BindCounter(service, key string, log *zap.Logger) whirl.BindFunc {
	return func(n *whirl.Node, init *whirl.Init) (whirl.Handler, error) {
		return NewCounter(n.Context(), NewClient(n, service), log, key), nil
	}
}

type addReq struct {
	Delta uint32 `json:"delta"`
}

type ackBody struct {
	Type string `json:"type"`
}

type readOK struct {
	Type  string `json:"type"`
	Value uint32 `json:"value"`
}

// HandleRequest implements part of the whirl.Handler interface.
func (c *Counter) HandleRequest(req *whirl.Request) (any, error) {
	switch req.Type {
	case "add":
		var r addReq
		if err := json.Unmarshal(req.Body, &r); err != nil {
			return nil, fmt.Errorf("invalid add body: %w", err)
		}
		if err := c.add(r.Delta); err != nil {
			return nil, fmt.Errorf("adding %d: %w", r.Delta, err)
		}
		return ackBody{Type: "add_ok"}, nil

	case "read":
		v, err := c.current()
		if err != nil {
			return nil, fmt.Errorf("reading counter: %w", err)
		}
		return readOK{Type: "read_ok", Value: v}, nil

	default:
		return nil, fmt.Errorf("unknown request type %q", req.Type)
	}
}

// add applies delta with a CAS loop. A precondition failure means another
// writer moved the value between our read and write; re-read and retry until
// the update lands.
func (c *Counter) add(delta uint32) error {
	for {
		cur, ok, err := c.kv.Read(c.ctx, c.key)
		if err != nil {
			return err
		}
		if !ok {
			cur = "0"
		}
		n, err := strconv.ParseUint(cur, 10, 32)
		if err != nil {
			return fmt.Errorf("stored counter %q: %w", cur, err)
		}
		next := strconv.FormatUint(n+uint64(delta), 10)
		err = c.kv.CompareAndSet(c.ctx, c.key, cur, next, true)
		if errors.Is(err, ErrPrecondition) {
			c.log.Debug("cas contention, retrying", zap.String("from", cur))
			continue
		}
		return err
	}
}

func (c *Counter) current() (uint32, error) {
	cur, ok, err := c.kv.Read(c.ctx, c.key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseUint(cur, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("stored counter %q: %w", cur, err)
	}
	return uint32(n), nil
}

// HandleResponse implements part of the whirl.Handler interface. All
// responses this node expects are settled by pending calls; anything that
// reaches here is a stale duplicate and is ignored.
func (c *Counter) HandleResponse(rsp *whirl.Response) error {
	c.log.Debug("stale response", zap.String("type", rsp.Type))
	return nil
}

// HandleEvent implements part of the whirl.Handler interface. The counter
// registers no background producers.
func (c *Counter) HandleEvent(ev whirl.Event) error {
	return fmt.Errorf("unhandled event %T", ev)
}
