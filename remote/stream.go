package remote

import (
	"context"
	"sync"
	"time"

	"github.com/drpcorg/docsync/mutation"
	"github.com/drpcorg/docsync/protocol"
	"github.com/drpcorg/docsync/query"
	"github.com/drpcorg/docsync/utils"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/pkg/errors"
)

const (
	StreamWatch = "watch"
	StreamWrite = "write"

	// streamIdleTimeout closes a stream that has had no use; the owner
	// reopens it on demand.
	streamIdleTimeout = 60 * time.Second
)

var ErrStreamClosed = errors.New("stream is not open")

// Dialer opens one logical stream to the backend.
type Dialer interface {
	Dial(ctx context.Context, stream string) (protocol.FeedDrainCloser, error)
}

// CredentialsProvider yields the auth token attached when a stream
// opens. Invalidate is called after an unauthenticated close so the
// next open fetches a fresh token.
type CredentialsProvider interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

type StreamState int32

const (
	StreamInitial StreamState = iota
	StreamBackoff
	StreamStarting
	StreamOpen
)

// streamCallbacks are invoked from the stream's own goroutine, never
// concurrently with each other.
type streamCallbacks struct {
	onOpen    func()
	onMessage func(rec []byte) error
	onClose   func(err error)
}

// stream is the shared reconnect machine under the watch and write
// streams: backoff, credential fetch, the receive pump and idle
// shutdown. A server-sent top-level 'E' record closes the stream with
// the carried status.
type stream struct {
	name    string
	dialer  Dialer
	creds   CredentialsProvider
	backoff *ExponentialBackoff
	clk     clock.Clock
	log     utils.Logger
	cb      streamCallbacks

	mu       sync.Mutex
	state    StreamState
	conn     protocol.FeedDrainCloser
	cancel   context.CancelFunc
	everSunk bool
	idleGen  int
}

func newStream(name string, dialer Dialer, creds CredentialsProvider,
	clk clock.Clock, log utils.Logger, cb streamCallbacks) *stream {
	return &stream{
		name:    name,
		dialer:  dialer,
		creds:   creds,
		backoff: NewExponentialBackoff(clk),
		clk:     clk,
		log:     log,
		cb:      cb,
	}
}

func (s *stream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *stream) IsStarted() bool {
	st := s.State()
	return st != StreamInitial
}

func (s *stream) IsOpen() bool {
	return s.State() == StreamOpen
}

// Start opens the stream, waiting out any pending backoff first. No-op
// when already started.
func (s *stream) Start(ctx context.Context) {
	s.mu.Lock()
	if s.state != StreamInitial {
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.state = StreamBackoff
	if !s.everSunk {
		s.state = StreamStarting
	}
	s.mu.Unlock()
	go s.run(runCtx)
}

// Stop closes the stream without an onClose callback; user initiated.
func (s *stream) Stop() {
	s.mu.Lock()
	cancel, conn := s.cancel, s.conn
	s.cancel, s.conn = nil, nil
	s.state = StreamInitial
	s.idleGen++
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

// InhibitBackoff clears accumulated backoff so the next Start connects
// immediately; used when connectivity is known to be restored.
func (s *stream) InhibitBackoff() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backoff.Reset()
	s.everSunk = false
}

// Send writes a message batch to the open stream.
func (s *stream) Send(ctx context.Context, recs protocol.Records) error {
	s.mu.Lock()
	conn := s.conn
	open := s.state == StreamOpen
	s.mu.Unlock()
	if !open || conn == nil {
		return ErrStreamClosed
	}
	return conn.Drain(ctx, recs)
}

// MarkIdle schedules a close after the idle timeout unless CancelIdle
// or traffic intervenes.
func (s *stream) MarkIdle(ctx context.Context) {
	s.mu.Lock()
	s.idleGen++
	gen := s.idleGen
	s.mu.Unlock()
	go func() {
		select {
		case <-ctx.Done():
		case <-s.clk.TickAfter(streamIdleTimeout):
			s.mu.Lock()
			expired := s.idleGen == gen && s.state == StreamOpen
			s.mu.Unlock()
			if expired {
				s.log.DebugCtx(ctx, "stream idle, closing", "stream", s.name)
				s.Stop()
			}
		}
	}()
}

func (s *stream) CancelIdle() {
	s.mu.Lock()
	s.idleGen++
	s.mu.Unlock()
}

func (s *stream) run(ctx context.Context) {
	s.mu.Lock()
	waiting := s.state == StreamBackoff
	s.mu.Unlock()
	if waiting {
		if err := s.backoff.Wait(ctx); err != nil {
			return
		}
		s.mu.Lock()
		if s.state != StreamBackoff {
			s.mu.Unlock()
			return
		}
		s.state = StreamStarting
		s.mu.Unlock()
	}

	var token string
	if s.creds != nil {
		var err error
		token, err = s.creds.Token(ctx)
		if err != nil {
			s.close(ctx, errors.Wrap(err, "fetch credentials"))
			return
		}
	}
	conn, err := s.dialer.Dial(ctx, s.name)
	if err != nil {
		s.close(ctx, errors.Wrap(err, "dial"))
		return
	}

	s.mu.Lock()
	if s.state != StreamStarting {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.state = StreamOpen
	s.everSunk = true
	s.mu.Unlock()

	if token != "" {
		auth := protocol.Records{protocol.Record('T', []byte(token))}
		if err := conn.Drain(ctx, auth); err != nil {
			s.close(ctx, errors.Wrap(err, "send auth"))
			return
		}
	}
	s.log.DebugCtx(ctx, "stream open", "stream", s.name)
	if s.cb.onOpen != nil {
		s.cb.onOpen()
	}

	for {
		recs, err := conn.Feed(ctx)
		for _, rec := range recs {
			if protocol.Lit(rec) == 'E' {
				body, _ := protocol.Take('E', rec)
				serr := &StatusError{Code: CodeUnknown}
				if len(body) >= 1 {
					serr.Code = Code(body[0])
					serr.Message = string(body[1:])
				}
				s.close(ctx, serr)
				return
			}
			if err := s.cb.onMessage(rec); err != nil {
				s.close(ctx, err)
				return
			}
		}
		if err != nil {
			s.close(ctx, err)
			return
		}
	}
}

// close tears the stream down after a failure and reports it. The
// status code steers the next backoff.
func (s *stream) close(ctx context.Context, err error) {
	s.mu.Lock()
	if s.state == StreamInitial {
		// raced a Stop; stay silent
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.conn = nil
	s.state = StreamInitial
	s.idleGen++
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}

	var serr *StatusError
	if errors.As(err, &serr) {
		switch serr.Code {
		case CodeResourceExhausted:
			s.backoff.ResetToMax()
		case CodeUnauthenticated:
			if s.creds != nil {
				s.creds.Invalidate()
			}
		}
	}
	s.log.DebugCtx(ctx, "stream closed", "stream", s.name, "error", err)
	if s.cb.onClose != nil {
		s.cb.onClose(err)
	}
}

// WatchStream multiplexes target listens over one stream.
type WatchStream struct {
	*stream
}

func NewWatchStream(dialer Dialer, creds CredentialsProvider, clk clock.Clock,
	log utils.Logger, onOpen func(), onChange func(WatchChange) error,
	onClose func(error)) *WatchStream {
	ws := &WatchStream{}
	ws.stream = newStream(StreamWatch, dialer, creds, clk, log, streamCallbacks{
		onOpen: onOpen,
		onMessage: func(rec []byte) error {
			change, err := DecodeWatchChange(rec)
			if err != nil {
				return err
			}
			return onChange(change)
		},
		onClose: onClose,
	})
	return ws
}

func (ws *WatchStream) WatchTarget(ctx context.Context, td *query.TargetData) error {
	return ws.Send(ctx, EncodeWatchAdd(td))
}

func (ws *WatchStream) UnwatchTarget(ctx context.Context, id query.TargetID) error {
	return ws.Send(ctx, EncodeWatchRemove(id))
}

// WriteStream commits mutation batches in order. After the handshake
// response arrives, HandshakeComplete reports true and batches may be
// sent.
type WriteStream struct {
	*stream

	tokenMu     sync.Mutex
	streamToken []byte
	handshaken  bool
}

func NewWriteStream(dialer Dialer, creds CredentialsProvider, clk clock.Clock,
	log utils.Logger, onOpen func(), onHandshake func() error,
	onResponse func(*WriteResponse) error, onClose func(error)) *WriteStream {
	ws := &WriteStream{}
	ws.stream = newStream(StreamWrite, dialer, creds, clk, log, streamCallbacks{
		onOpen: onOpen,
		onMessage: func(rec []byte) error {
			resp, err := DecodeWriteResponse(rec)
			if err != nil {
				return err
			}
			ws.tokenMu.Lock()
			ws.streamToken = resp.StreamToken
			first := !ws.handshaken
			ws.handshaken = true
			ws.tokenMu.Unlock()
			if first {
				return onHandshake()
			}
			return onResponse(resp)
		},
		onClose: func(err error) {
			ws.tokenMu.Lock()
			ws.handshaken = false
			ws.tokenMu.Unlock()
			onClose(err)
		},
	})
	return ws
}

func (ws *WriteStream) HandshakeComplete() bool {
	ws.tokenMu.Lock()
	defer ws.tokenMu.Unlock()
	return ws.handshaken
}

// LastStreamToken returns the token of the most recent response; it is
// persisted so a restarted client resumes the write sequence.
func (ws *WriteStream) LastStreamToken() []byte {
	ws.tokenMu.Lock()
	defer ws.tokenMu.Unlock()
	return ws.streamToken
}

// SetLastStreamToken seeds the token from persistence before the first
// handshake.
func (ws *WriteStream) SetLastStreamToken(token []byte) {
	ws.tokenMu.Lock()
	defer ws.tokenMu.Unlock()
	ws.streamToken = append([]byte(nil), token...)
}

// WriteHandshake must be the first message on every connection.
func (ws *WriteStream) WriteHandshake(ctx context.Context) error {
	return ws.Send(ctx, EncodeWriteHandshake())
}

// WriteMutations sends one batch under the current stream token.
func (ws *WriteStream) WriteMutations(ctx context.Context, mutations []*mutation.Mutation) error {
	ws.tokenMu.Lock()
	token := ws.streamToken
	ws.tokenMu.Unlock()
	return ws.Send(ctx, EncodeWriteRequest(token, mutations))
}
