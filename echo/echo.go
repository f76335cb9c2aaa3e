// Package echo implements the echo workload, the smallest possible node:
// every echo request is answered with the same payload.
package echo

import (
	"encoding/json"
	"fmt"

	"github.com/whirlnet/whirl"
)

// Node is the echo workload handler.
type Node struct{}

// Bind returns a whirl.BindFunc for the echo workload.
func Bind() whirl.BindFunc {
	return func(n *whirl.Node, init *whirl.Init) (whirl.Handler, error) {
		return Node{}, nil
	}
}

type echoReq struct {
	Echo string `json:"echo"`
}

type echoOK struct {
	Type string `json:"type"`
	Echo string `json:"echo"`
}

// HandleRequest implements part of the whirl.Handler interface.
func (Node) HandleRequest(req *whirl.Request) (any, error) {
	if req.Type != "echo" {
		return nil, fmt.Errorf("unknown request type %q", req.Type)
	}
	var r echoReq
	if err := json.Unmarshal(req.Body, &r); err != nil {
		return nil, fmt.Errorf("invalid echo body: %w", err)
	}
	return echoOK{Type: "echo_ok", Echo: r.Echo}, nil
}

// HandleResponse implements part of the whirl.Handler interface.
func (Node) HandleResponse(rsp *whirl.Response) error { return nil }

// HandleEvent implements part of the whirl.Handler interface.
func (Node) HandleEvent(ev whirl.Event) error {
	return fmt.Errorf("unhandled event %T", ev)
}
