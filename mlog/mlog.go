// Package mlog implements the single-node replicated-log workload: named
// append-only logs with per-log committed offsets.
package mlog

import (
	"encoding/json"
	"fmt"

	"github.com/whirlnet/whirl"
)

// A Log is one named append-only sequence of values with a committed offset.
type Log struct {
	entries []uint32
	commit  int
}

// Node is the log workload handler. It keeps all logs in memory; the
// workload is single-node, so no replication is involved.
type Node struct {
	logs map[string]*Log
}

// New constructs an empty log node.
func New() *Node { return &Node{logs: make(map[string]*Log)} }

// Bind returns a whirl.BindFunc for the log workload.
func Bind() whirl.BindFunc {
	return func(n *whirl.Node, init *whirl.Init) (whirl.Handler, error) {
		return New(), nil
	}
}

func (n *Node) log(name string) *Log {
	l, ok := n.logs[name]
	if !ok {
		l = new(Log)
		n.logs[name] = l
	}
	return l
}

// request is the closed set of inbound request bodies for this workload.
type request interface{ isRequest() }

type sendReq struct {
	Log   string `json:"key"`
	Value uint32 `json:"msg"`
}

type pollReq struct {
	Offsets map[string]int `json:"offsets"`
}

type commitReq struct {
	Offsets map[string]int `json:"offsets"`
}

type listCommittedReq struct {
	Logs []string `json:"keys"`
}

func (*sendReq) isRequest()          {}
func (*pollReq) isRequest()          {}
func (*commitReq) isRequest()        {}
func (*listCommittedReq) isRequest() {}

func decodeRequest(req *whirl.Request) (request, error) {
	var r request
	switch req.Type {
	case "send":
		r = new(sendReq)
	case "poll":
		r = new(pollReq)
	case "commit_offsets":
		r = new(commitReq)
	case "list_committed_offsets":
		r = new(listCommittedReq)
	default:
		return nil, fmt.Errorf("unknown request type %q", req.Type)
	}
	if err := json.Unmarshal(req.Body, r); err != nil {
		return nil, fmt.Errorf("invalid %s body: %w", req.Type, err)
	}
	return r, nil
}

// An entry pairs an offset with the value stored there. It marshals as the
// two-element array the harness expects.
type entry struct {
	Offset int
	Value  uint32
}

func (e entry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]uint64{uint64(e.Offset), uint64(e.Value)})
}

type sendOK struct {
	Type   string `json:"type"`
	Offset int    `json:"offset"`
}

type pollOK struct {
	Type string             `json:"type"`
	Msgs map[string][]entry `json:"msgs"`
}

type ackBody struct {
	Type string `json:"type"`
}

type listCommittedOK struct {
	Type    string         `json:"type"`
	Offsets map[string]int `json:"offsets"`
}

// HandleRequest implements part of the whirl.Handler interface.
func (n *Node) HandleRequest(req *whirl.Request) (any, error) {
	r, err := decodeRequest(req)
	if err != nil {
		return nil, err
	}
	switch r := r.(type) {
	case *sendReq:
		l := n.log(r.Log)
		l.entries = append(l.entries, r.Value)
		return sendOK{Type: "send_ok", Offset: len(l.entries) - 1}, nil

	case *pollReq:
		msgs := make(map[string][]entry, len(r.Offsets))
		for name, off := range r.Offsets {
			l := n.log(name)
			out := []entry{}
			for i := off; i < len(l.entries); i++ {
				out = append(out, entry{Offset: i, Value: l.entries[i]})
			}
			msgs[name] = out
		}
		return pollOK{Type: "poll_ok", Msgs: msgs}, nil

	case *commitReq:
		for name, off := range r.Offsets {
			n.log(name).commit = off
		}
		return ackBody{Type: "commit_offsets_ok"}, nil

	case *listCommittedReq:
		offsets := make(map[string]int, len(r.Logs))
		for _, name := range r.Logs {
			offsets[name] = n.log(name).commit
		}
		return listCommittedOK{Type: "list_committed_offsets_ok", Offsets: offsets}, nil

	default:
		return nil, fmt.Errorf("unhandled request %T", r)
	}
}

// HandleResponse implements part of the whirl.Handler interface. The log
// workload sends nothing that expects a response.
func (n *Node) HandleResponse(rsp *whirl.Response) error { return nil }

// HandleEvent implements part of the whirl.Handler interface. The log
// workload registers no background producers.
func (n *Node) HandleEvent(ev whirl.Event) error {
	return fmt.Errorf("unhandled event %T", ev)
}
