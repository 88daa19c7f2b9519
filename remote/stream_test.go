package remote

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/drpcorg/docsync/protocol"
	"github.com/drpcorg/docsync/query"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is an in-memory stream endpoint; the test plays the server.
type fakeConn struct {
	fromServer chan protocol.Records
	toServer   chan protocol.Records
	closeOnce  sync.Once
	closed     chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		fromServer: make(chan protocol.Records, 16),
		toServer:   make(chan protocol.Records, 16),
		closed:     make(chan struct{}),
	}
}

func (c *fakeConn) Feed(ctx context.Context) (protocol.Records, error) {
	select {
	case recs := <-c.fromServer:
		return recs, nil
	case <-c.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Drain(ctx context.Context, recs protocol.Records) error {
	select {
	case c.toServer <- recs:
		return nil
	case <-c.closed:
		return errors.New("connection closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

type fakeDialer struct {
	mu    sync.Mutex
	conns chan *fakeConn
	fail  error
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(_ context.Context, _ string) (protocol.FeedDrainCloser, error) {
	d.mu.Lock()
	fail := d.fail
	d.mu.Unlock()
	if fail != nil {
		return nil, fail
	}
	c := newFakeConn()
	d.conns <- c
	return c, nil
}

func waitConn(t *testing.T, d *fakeDialer) *fakeConn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("no connection dialed")
		return nil
	}
}

func waitRecs(t *testing.T, c *fakeConn) protocol.Records {
	t.Helper()
	select {
	case recs := <-c.toServer:
		return recs
	case <-time.After(5 * time.Second):
		t.Fatal("no client message")
		return nil
	}
}

func waitSignal[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

func TestWatchStreamDeliversChanges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dialer := newFakeDialer()
	opened := make(chan struct{}, 1)
	changes := make(chan WatchChange, 16)
	closes := make(chan error, 1)

	ws := NewWatchStream(dialer, nil, clock.NewDefaultClock(), testLog(),
		func() { opened <- struct{}{} },
		func(c WatchChange) error { changes <- c; return nil },
		func(err error) { closes <- err })
	ws.Start(ctx)
	defer ws.Stop()

	conn := waitConn(t, dialer)
	waitSignal(t, opened, "stream open")
	assert.True(t, ws.IsOpen())

	tc := &WatchTargetChange{State: TargetCurrent, TargetIDs: []query.TargetID{2}}
	conn.fromServer <- protocol.Records{tc.Encode()}
	change := waitSignal(t, changes, "watch change")
	out, ok := change.(*WatchTargetChange)
	require.True(t, ok)
	assert.Equal(t, TargetCurrent, out.State)
}

func TestWatchStreamAuthRecordSentFirst(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dialer := newFakeDialer()
	clk := clock.NewDefaultClock()
	creds := NewJWTCredentials([]byte("secret"), "user-1", clk)
	opened := make(chan struct{}, 1)

	ws := NewWatchStream(dialer, creds, clk, testLog(),
		func() { opened <- struct{}{} },
		func(WatchChange) error { return nil },
		func(error) {})
	ws.Start(ctx)
	defer ws.Stop()

	conn := waitConn(t, dialer)
	recs := waitRecs(t, conn)
	require.Len(t, recs, 1)
	body, _ := protocol.Take('T', recs[0])
	require.NotNil(t, body)
	uid, err := VerifyToken([]byte("secret"), string(body))
	require.NoError(t, err)
	assert.Equal(t, "user-1", uid)
	waitSignal(t, opened, "stream open")
}

func TestStreamServerErrorRecordClosesWithStatus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dialer := newFakeDialer()
	opened := make(chan struct{}, 1)
	closes := make(chan error, 1)

	ws := NewWatchStream(dialer, nil, clock.NewDefaultClock(), testLog(),
		func() { opened <- struct{}{} },
		func(WatchChange) error { return nil },
		func(err error) { closes <- err })
	ws.Start(ctx)
	defer ws.Stop()

	conn := waitConn(t, dialer)
	waitSignal(t, opened, "stream open")
	conn.fromServer <- protocol.Records{
		protocol.Record('E', []byte{byte(CodePermissionDenied)}, []byte("nope"))}

	err := waitSignal(t, closes, "stream close")
	var serr *StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, CodePermissionDenied, serr.Code)
	assert.Equal(t, "nope", serr.Message)
	assert.False(t, ws.IsStarted())
}

func TestStreamStopIsSilent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dialer := newFakeDialer()
	opened := make(chan struct{}, 1)
	closes := make(chan error, 1)

	ws := NewWatchStream(dialer, nil, clock.NewDefaultClock(), testLog(),
		func() { opened <- struct{}{} },
		func(WatchChange) error { return nil },
		func(err error) { closes <- err })
	ws.Start(ctx)
	waitConn(t, dialer)
	waitSignal(t, opened, "stream open")
	ws.Stop()

	select {
	case err := <-closes:
		t.Fatalf("unexpected close callback: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	assert.False(t, ws.IsStarted())
}

func TestWriteStreamHandshakeAndResponses(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dialer := newFakeDialer()
	handshakes := make(chan struct{}, 1)
	responses := make(chan *WriteResponse, 4)

	var ws *WriteStream
	ws = NewWriteStream(dialer, nil, clock.NewDefaultClock(), testLog(),
		func() {
			if err := ws.WriteHandshake(context.Background()); err != nil {
				t.Errorf("handshake send: %v", err)
			}
		},
		func() error { handshakes <- struct{}{}; return nil },
		func(r *WriteResponse) error { responses <- r; return nil },
		func(error) {})
	ws.Start(ctx)
	defer ws.Stop()

	conn := waitConn(t, dialer)
	recs := waitRecs(t, conn)
	token, mus, err := DecodeWriteRequest(recs[0])
	require.NoError(t, err)
	assert.Nil(t, token)
	assert.Empty(t, mus)

	hs := &WriteResponse{StreamToken: []byte("st-1")}
	conn.fromServer <- protocol.Records{hs.Encode()}
	waitSignal(t, handshakes, "handshake")
	assert.True(t, ws.HandshakeComplete())
	assert.Equal(t, []byte("st-1"), ws.LastStreamToken())

	require.NoError(t, ws.WriteMutations(ctx, nil))
	recs = waitRecs(t, conn)
	token, _, err = DecodeWriteRequest(recs[0])
	require.NoError(t, err)
	assert.Equal(t, []byte("st-1"), token)

	ack := &WriteResponse{StreamToken: []byte("st-2"), CommitVersion: version(5)}
	conn.fromServer <- protocol.Records{ack.Encode()}
	resp := waitSignal(t, responses, "write response")
	assert.True(t, version(5).Equal(resp.CommitVersion))
	assert.Equal(t, []byte("st-2"), ws.LastStreamToken())
}

func TestDatastoreDialOverTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverDone := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverDone <- err
			return
		}
		defer conn.Close()
		var buf bytes.Buffer
		tmp := make([]byte, 512)
		for {
			n, err := conn.Read(tmp)
			if err != nil {
				serverDone <- err
				return
			}
			buf.Write(tmp[:n])
			recs, err := protocol.Split(&buf)
			if err != nil && !errors.Is(err, protocol.ErrIncomplete) {
				serverDone <- err
				return
			}
			if len(recs) == 0 {
				continue
			}
			hello, _ := protocol.Take('S', recs[0])
			if string(hello) != StreamWatch {
				serverDone <- errors.Errorf("bad hello %q", hello)
				return
			}
			tc := &WatchTargetChange{State: TargetNoChange, ReadTime: version(1)}
			if _, err := conn.Write(tc.Encode()); err != nil {
				serverDone <- err
				return
			}
			serverDone <- nil
			return
		}
	}()

	ds := NewDatastore("tcp://"+ln.Addr().String(), nil, testLog())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sc, err := ds.Dial(ctx, StreamWatch)
	require.NoError(t, err)
	defer sc.Close()

	recs, err := sc.Feed(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	change, err := DecodeWatchChange(recs[0])
	require.NoError(t, err)
	_, ok := change.(*WatchTargetChange)
	assert.True(t, ok)
	require.NoError(t, waitSignal(t, serverDone, "server"))
}
