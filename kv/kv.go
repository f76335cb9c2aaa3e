// Package kv provides a client for the harness's linearizable key-value
// collaborator service, and the grow-only counter workload built on it.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/whirlnet/whirl"
)

// Service is the well-known peer ID of the sequentially-consistent key-value
// service provided by the harness.
const Service = "seq-kv"

// Error codes defined by the key-value protocol.
const (
	codeKeyNotFound  = 20
	codePrecondition = 22
)

// ErrPrecondition is reported by CompareAndSet when the stored value no
// longer matches the expected prior value. The caller should re-read and
// retry.
var ErrPrecondition = errors.New("compare-and-set precondition failed")

// A caller issues blocking request/response exchanges. It is satisfied by
// *whirl.Node.
type caller interface {
	Call(ctx context.Context, dest string, body any) (*whirl.Response, error)
}

// A Client speaks the key-value collaborator protocol to a service peer.
type Client struct {
	c       caller
	service string
}

// NewClient constructs a client for the service with the given peer ID;
// an empty ID selects [Service].
func NewClient(c caller, service string) *Client {
	if service == "" {
		service = Service
	}
	return &Client{c: c, service: service}
}

type readBody struct {
	Type string `json:"type"`
	Key  string `json:"key"`
}

type writeBody struct {
	Type  string `json:"type"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

type casBody struct {
	Type   string `json:"type"`
	Key    string `json:"key"`
	From   string `json:"from"`
	To     string `json:"to"`
	Create bool   `json:"create_if_not_exists"`
}

type errorBody struct {
	Code int    `json:"code"`
	Text string `json:"text"`
}

// Read fetches the value stored under key. The second result reports whether
// the key exists; a missing key is not an error.
func (c *Client) Read(ctx context.Context, key string) (string, bool, error) {
	rsp, err := c.c.Call(ctx, c.service, readBody{Type: "read", Key: key})
	if err != nil {
		return "", false, err
	}
	switch rsp.Type {
	case "read_ok":
		var b struct {
			Value string `json:"value"`
		}
		if err := json.Unmarshal(rsp.Body, &b); err != nil {
			return "", false, fmt.Errorf("invalid read_ok body: %w", err)
		}
		return b.Value, true, nil
	case "error":
		e, err := decodeError(rsp)
		if err != nil {
			return "", false, err
		}
		if e.Code == codeKeyNotFound {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read %q: %s (code %d)", key, e.Text, e.Code)
	default:
		return "", false, fmt.Errorf("unexpected response %q to read", rsp.Type)
	}
}

// Write stores value under key unconditionally.
func (c *Client) Write(ctx context.Context, key, value string) error {
	rsp, err := c.c.Call(ctx, c.service, writeBody{Type: "write", Key: key, Value: value})
	if err != nil {
		return err
	}
	switch rsp.Type {
	case "write_ok":
		return nil
	case "error":
		e, err := decodeError(rsp)
		if err != nil {
			return err
		}
		return fmt.Errorf("write %q: %s (code %d)", key, e.Text, e.Code)
	default:
		return fmt.Errorf("unexpected response %q to write", rsp.Type)
	}
}

// CompareAndSet replaces the value under key with to, provided the stored
// value still equals from. If create is true a missing key is treated as
// matching. A changed value reports ErrPrecondition.
func (c *Client) CompareAndSet(ctx context.Context, key, from, to string, create bool) error {
	rsp, err := c.c.Call(ctx, c.service, casBody{
		Type: "cas", Key: key, From: from, To: to, Create: create,
	})
	if err != nil {
		return err
	}
	switch rsp.Type {
	case "cas_ok":
		return nil
	case "error":
		e, err := decodeError(rsp)
		if err != nil {
			return err
		}
		if e.Code == codePrecondition {
			return fmt.Errorf("cas %q: %w", key, ErrPrecondition)
		}
		return fmt.Errorf("cas %q: %s (code %d)", key, e.Text, e.Code)
	default:
		return fmt.Errorf("unexpected response %q to cas", rsp.Type)
	}
}

func decodeError(rsp *whirl.Response) (errorBody, error) {
	var e errorBody
	if err := json.Unmarshal(rsp.Body, &e); err != nil {
		return e, fmt.Errorf("invalid error body: %w", err)
	}
	return e, nil
}
