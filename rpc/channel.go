// Copyright 2025 Meridian Labs
// Licensed under the AGPLv3, see LICENCE file for details.

// Package rpc multiplexes synchronous JSON-RPC calls to a node's
// service agent over one persistent connection. Any number of calls
// may be in flight concurrently; each is correlated with its response
// by a per-channel call id. The wire format is one JSON object per
// newline-terminated line.
package rpc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"gopkg.in/tomb.v2"
)

var logger = loggo.GetLogger("meridian.rpc")

// NoArgument is passed as the argument of a call that takes none; the
// params field is then omitted from the envelope entirely.
var NoArgument = noArgument{}

type noArgument struct{}

// NoTimeout makes Call block until a response arrives or the channel
// dies. Use it only where the caller genuinely accepts indefinite
// blocking.
const NoTimeout time.Duration = 0

// request is the JSON-RPC 2.0 envelope written for every call. The
// peer's RPC convention supports a single positional argument, hence
// the one-element params array.
type request struct {
	Version string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

// response is the envelope read back from the peer.
type response struct {
	ID     *uint64         `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

// call is one waiting caller.
type call struct {
	method string
	done   chan struct{}
	result json.RawMessage
	err    error
}

func (c *call) complete(result json.RawMessage, err error) {
	c.result = result
	c.err = err
	close(c.done)
}

// Channel is one multiplexed RPC connection to one labelled peer.
// A Channel is a worker.Worker: Kill tears it down and releases every
// pending caller.
type Channel struct {
	label    string
	conn     net.Conn
	classify ErrorClassifier
	clock    clock.Clock
	metrics  *Metrics

	tomb tomb.Tomb

	// sending serializes writes to the connection so concurrent calls
	// never interleave partial frames. Pending-map insertion happens
	// under it too, so an id is never observable on the wire before
	// its caller is registered.
	sending sync.Mutex

	// mu guards the fields below.
	mu       sync.Mutex
	nextID   uint64
	pending  map[uint64]*call
	shutdown bool
}

func newChannel(label string, conn net.Conn, classify ErrorClassifier, clk clock.Clock, metrics *Metrics) *Channel {
	if tcp, ok := conn.(*net.TCPConn); ok {
		// Calls are small and latency-sensitive.
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
	}
	ch := &Channel{
		label:    label,
		conn:     conn,
		classify: classify,
		clock:    clk,
		metrics:  metrics,
		pending:  make(map[uint64]*call),
	}
	ch.tomb.Go(ch.run)
	ch.tomb.Go(func() error {
		// Unblock the read loop when the channel is killed.
		<-ch.tomb.Dying()
		_ = ch.conn.Close()
		return nil
	})
	return ch
}

// Label returns the registry label the channel was opened under.
func (ch *Channel) Label() string {
	return ch.label
}

// Kill is part of the worker.Worker interface.
func (ch *Channel) Kill() {
	ch.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (ch *Channel) Wait() error {
	return ch.tomb.Wait()
}

// Dead returns a channel closed when the read loop has terminated and
// all pending callers have been released.
func (ch *Channel) Dead() <-chan struct{} {
	return ch.tomb.Dead()
}

// Call invokes method on the peer with the given argument and blocks
// until the matching response arrives, the channel dies, or timeout
// elapses. Pass NoArgument for calls without parameters and NoTimeout
// to block indefinitely. The result is the peer's raw result field.
func (ch *Channel) Call(method string, arg interface{}, timeout time.Duration) (json.RawMessage, error) {
	ch.sending.Lock()
	ch.mu.Lock()
	if ch.shutdown {
		ch.mu.Unlock()
		ch.sending.Unlock()
		return nil, errors.Annotatef(ErrShutdown, "call %q", method)
	}
	id := ch.nextID
	ch.nextID++
	c := &call{method: method, done: make(chan struct{})}
	ch.pending[id] = c
	ch.mu.Unlock()
	ch.metrics.callStarted()

	req := request{Version: "2.0", ID: id, Method: method}
	if arg != NoArgument {
		req.Params = []interface{}{arg}
	}
	data, err := json.Marshal(req)
	if err != nil {
		ch.forget(id)
		ch.sending.Unlock()
		ch.metrics.callFinished("marshal-error")
		return nil, errors.Annotatef(err, "marshalling call %q", method)
	}
	data = append(data, '\n')
	_, err = ch.conn.Write(data)
	ch.sending.Unlock()
	if err != nil {
		// A write failure is surfaced to this caller only; if the
		// transport is really gone the read loop will notice and tear
		// the channel down.
		ch.forget(id)
		ch.metrics.callFinished("write-error")
		return nil, errors.Annotatef(err, "writing call %q (id %d)", method, id)
	}

	var timeoutC <-chan time.Time
	if timeout != NoTimeout {
		timeoutC = ch.clock.After(timeout)
	}
	select {
	case <-c.done:
	case <-timeoutC:
		if ch.forget(id) {
			ch.metrics.callFinished("timeout")
			return nil, errors.Annotatef(ErrTimeout, "call %q (id %d) after %v", method, id, timeout)
		}
		// The read loop claimed the call before we could forget it;
		// its completion is imminent.
		<-c.done
	}
	if c.err != nil {
		ch.metrics.callFinished("error")
		return nil, c.err
	}
	ch.metrics.callFinished("success")
	return c.result, nil
}

// forget removes id from the pending map, reporting whether it was
// still there. Exactly one of forget and the read loop's remove wins
// for any id.
func (ch *Channel) forget(id uint64) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if _, ok := ch.pending[id]; !ok {
		return false
	}
	delete(ch.pending, id)
	return true
}

// remove claims the pending call for id on behalf of the read loop.
func (ch *Channel) remove(id uint64) (*call, bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	c, ok := ch.pending[id]
	if ok {
		delete(ch.pending, id)
	}
	return c, ok
}

// issued reports whether id has ever been allocated on this channel.
func (ch *Channel) issued(id uint64) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return id < ch.nextID
}

// run drives the read loop and, on exit, releases every caller still
// pending. No caller is ever left blocked on a dead channel.
func (ch *Channel) run() error {
	err := ch.loop()
	switch {
	case err == io.EOF, errors.Is(err, net.ErrClosed):
		err = errors.Annotatef(ErrShutdown, "channel %q", ch.label)
	case err == nil:
		err = errors.Annotatef(ErrShutdown, "channel %q", ch.label)
	}

	ch.sending.Lock()
	ch.mu.Lock()
	ch.shutdown = true
	pending := ch.pending
	ch.pending = nil
	ch.mu.Unlock()
	ch.sending.Unlock()

	for id, c := range pending {
		logger.Debugf("channel %q: failing pending call %q (id %d): %v", ch.label, c.method, id, err)
		c.complete(nil, err)
	}
	if !IsShutdownErr(err) {
		return errors.Trace(err)
	}
	return nil
}

func (ch *Channel) loop() error {
	reader := bufio.NewReader(ch.conn)
	for {
		// Lines arrive arbitrarily fragmented; ReadBytes reassembles
		// them and returns each complete frame in turn.
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return err
		}
		if err := ch.dispatch(line); err != nil {
			return errors.Trace(err)
		}
	}
}

func (ch *Channel) dispatch(line []byte) error {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}
	var resp response
	if err := json.Unmarshal(line, &resp); err != nil {
		return errors.Annotatef(err, "channel %q: undecodable frame", ch.label)
	}
	if resp.ID == nil {
		return errors.Errorf("channel %q: response without id", ch.label)
	}
	id := *resp.ID

	errMsg, failed := decodeError(resp.Error)
	class := ClassCall
	if failed {
		class = ch.classify(errMsg)
	}

	c, ok := ch.remove(id)
	if !ok {
		if !ch.issued(id) {
			// The peer answered an id we never sent; its notion of
			// the conversation is broken beyond repair.
			return errors.Errorf("channel %q: response for unknown id %d", ch.label, id)
		}
		if class == ClassFatal {
			return errors.Errorf("channel %q: peer dispatch failure: %s", ch.label, errMsg)
		}
		// A late response for a call that timed out.
		logger.Debugf("channel %q: discarding stale response for id %d", ch.label, id)
		return nil
	}

	switch class {
	case ClassFatal:
		c.complete(nil, errors.Errorf("peer dispatch failure: %s", errMsg))
		return errors.Errorf("channel %q: peer dispatch failure: %s", ch.label, errMsg)
	case ClassMethodNotFound:
		c.complete(nil, &MethodNotFoundError{Method: c.method, Message: errMsg})
	default:
		if failed {
			c.complete(nil, &CallError{Method: c.method, Message: errMsg})
		} else {
			c.complete(resp.Result, nil)
		}
	}
	return nil
}

// decodeError interprets the response's error field: absent or JSON
// null means success; a string is the peer's message; anything else
// is reported verbatim.
func decodeError(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", false
	}
	var message string
	if err := json.Unmarshal(raw, &message); err != nil {
		return string(raw), true
	}
	return message, true
}
