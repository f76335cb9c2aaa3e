// Package uniq implements the unique-ID workload: every generate request is
// answered with a globally unique identifier. IDs are ULIDs, which combine a
// timestamp with random entropy and need no inter-node coordination.
package uniq

import (
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/whirlnet/whirl"
)

// Node is the unique-ID workload handler.
type Node struct{}

// Bind returns a whirl.BindFunc for the unique-ID workload.
func Bind() whirl.BindFunc {
	return func(n *whirl.Node, init *whirl.Init) (whirl.Handler, error) {
		return Node{}, nil
	}
}

type generateOK struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// HandleRequest implements part of the whirl.Handler interface.
func (Node) HandleRequest(req *whirl.Request) (any, error) {
	if req.Type != "generate" {
		return nil, fmt.Errorf("unknown request type %q", req.Type)
	}
	return generateOK{Type: "generate_ok", ID: ulid.Make().String()}, nil
}

// HandleResponse implements part of the whirl.Handler interface.
func (Node) HandleResponse(rsp *whirl.Response) error { return nil }

// HandleEvent implements part of the whirl.Handler interface.
func (Node) HandleEvent(ev whirl.Event) error {
	return fmt.Errorf("unhandled event %T", ev)
}
