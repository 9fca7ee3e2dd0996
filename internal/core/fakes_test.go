package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/keepmind9/miraibot/internal/transport"
)

// fakePoll is an in-memory PollTransport. Batches are served in order,
// after which FetchBatch returns empty batches.
type fakePoll struct {
	mu sync.Mutex

	verify    *transport.HandshakeResponse
	verifyErr error
	bindErr   error

	batches  [][]json.RawMessage
	fetchErr error

	verifyCalls int
	bindCalls   []string
	released    []string
	commands    []transport.Command
	fetches     int
	closed      bool
}

func newFakePoll(session string) *fakePoll {
	return &fakePoll{verify: &transport.HandshakeResponse{Code: transport.CodeOK, Session: session}}
}

func (f *fakePoll) Verify(ctx context.Context, verifyKey string) (*transport.HandshakeResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifyCalls++
	return f.verify, f.verifyErr
}

func (f *fakePoll) Bind(ctx context.Context, session string, qq int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bindCalls = append(f.bindCalls, fmt.Sprintf("%s/%d", session, qq))
	return f.bindErr
}

func (f *fakePoll) Release(ctx context.Context, session string, qq int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, fmt.Sprintf("%s/%d", session, qq))
	return nil
}

func (f *fakePoll) FetchBatch(ctx context.Context, session string, count int) ([]json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	if len(f.batches) == 0 {
		return nil, nil
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	return batch, nil
}

func (f *fakePoll) Command(ctx context.Context, session string, cmd transport.Command) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	return json.RawMessage(`{"code":0,"msg":"success"}`), nil
}

func (f *fakePoll) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePoll) snapshot() (verifyCalls, fetches int, released []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verifyCalls, f.fetches, append([]string(nil), f.released...)
}

type inbound struct {
	frame *transport.Frame
	err   error
}

// fakeStream is an in-memory StreamTransport fed through in. Sent frames
// are published on sent.
type fakeStream struct {
	hs         *transport.HandshakeResponse
	connectErr error
	sendErr    error

	in   chan inbound
	sent chan *transport.Frame

	connectSession atomic.Value
	closed         atomic.Bool
}

func newFakeStream(session string) *fakeStream {
	return &fakeStream{
		hs:   &transport.HandshakeResponse{Code: transport.CodeOK, Session: session},
		in:   make(chan inbound, 16),
		sent: make(chan *transport.Frame, 16),
	}
}

func (f *fakeStream) Connect(ctx context.Context, verifyKey, session string, qq int64) (*transport.HandshakeResponse, error) {
	f.connectSession.Store(session)
	return f.hs, f.connectErr
}

func (f *fakeStream) ReceiveOne(ctx context.Context) (*transport.Frame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case item := <-f.in:
		return item.frame, item.err
	}
}

func (f *fakeStream) Send(ctx context.Context, frame *transport.Frame) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	select {
	case f.sent <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeStream) Close() error {
	f.closed.Store(true)
	return nil
}

func (f *fakeStream) push(frame *transport.Frame) {
	f.in <- inbound{frame: frame}
}

func groupMessageRaw(group, sender int64, text string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"type":"GroupMessage","sender":{"id":%d,"memberName":"m","permission":"MEMBER","group":{"id":%d,"name":"g"}},"messageChain":[{"type":"Source","id":1,"time":2},{"type":"Plain","text":%q}]}`,
		sender, group, text))
}
