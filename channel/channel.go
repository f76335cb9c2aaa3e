// Package channel provides implementations of the whirl.Channel interface.
package channel

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"

	"github.com/whirlnet/whirl"
)

// Direct constructs a connected pair of in-memory channels that pass messages
// directly without encoding. Messages sent to A are received by B and vice
// versa.
func Direct() (A, B whirl.Channel) {
	a2b := make(chan *whirl.Message)
	b2a := make(chan *whirl.Message)
	A = direct{a2b: a2b, b2a: b2a}
	B = direct{a2b: b2a, b2a: a2b}
	return
}

type direct struct {
	a2b chan<- *whirl.Message
	b2a <-chan *whirl.Message
}

// Send implements a method of the [whirl.Channel] interface.
func (d direct) Send(msg *whirl.Message) (err error) {
	defer safeClose(&err)
	d.a2b <- msg
	return nil
}

// Recv implements a method of the [whirl.Channel] interface.
func (d direct) Recv() (*whirl.Message, error) {
	msg, ok := <-d.b2a
	if !ok {
		return nil, net.ErrClosed
	}
	return msg, nil
}

// Close implements a method of the [whirl.Channel] interface.
func (d direct) Close() (err error) {
	defer safeClose(&err)
	close(d.a2b)
	return nil
}

func safeClose(err *error) {
	if x := recover(); x != nil && *err == nil {
		*err = net.ErrClosed
	}
}

// Line constructs a channel that exchanges one JSON message per line,
// receiving from r and sending to wc. This is the wire format spoken by the
// test harness over the node's standard streams.
func Line(r io.Reader, wc io.WriteCloser) LineChannel {
	// N.B. The bufio package will reuse existing buffers if possible.
	return LineChannel{r: bufio.NewReader(r), w: bufio.NewWriter(wc), c: wc}
}

// A LineChannel sends and receives newline-delimited JSON messages on a
// reader and a writer.
type LineChannel struct {
	r *bufio.Reader
	w *bufio.Writer
	c io.Closer
}

// Send implements a method of the [whirl.Channel] interface. The message is
// written as a single line and flushed before Send returns, so a complete
// line is observable by the harness before the node's next action.
func (c LineChannel) Send(msg *whirl.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	data = append(data, '\n')
	if _, err := c.w.Write(data); err != nil {
		return err
	}
	return c.w.Flush()
}

// Recv implements a method of the [whirl.Channel] interface. A line that
// does not parse as a well-formed envelope is a protocol fatal error, not a
// skippable condition: malformed input means the harness or a peer is
// corrupt.
func (c LineChannel) Recv() (*whirl.Message, error) {
	for {
		line, err := c.r.ReadBytes('\n')
		if err != nil {
			if err == io.EOF && len(bytes.TrimSpace(line)) == 0 {
				return nil, io.EOF
			}
			if err != io.EOF {
				return nil, err
			}
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue // blank line between messages
		}
		var msg whirl.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, fmt.Errorf("invalid message line: %w", err)
		}
		if msg.Src == "" || msg.Dest == "" || len(msg.Body) == 0 {
			return nil, fmt.Errorf("incomplete message envelope: %q", bytes.TrimSpace(line))
		}
		return &msg, nil
	}
}

// Close implements a method of the [whirl.Channel] interface.
func (c LineChannel) Close() error { return c.c.Close() }
