package remote

import (
	"context"
	"crypto/tls"
	"sync"
	"time"

	"github.com/drpcorg/docsync/model"
	"github.com/drpcorg/docsync/mutation"
	"github.com/drpcorg/docsync/protocol"
	"github.com/drpcorg/docsync/query"
	"github.com/drpcorg/docsync/utils"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/pkg/errors"
)

var ErrUnknownStream = errors.New("unknown stream")

// sessionSendLimit bounds how long a commit waits on a slow watcher
// before its session is dropped.
const sessionSendLimit = time.Second

// Emulator is an in-process loopback backend: it accepts the same watch
// and write streams a production backend would, over the same TLV
// framing, against an in-memory document table. Development setups and
// integration tests point a client at it instead of a real server.
type Emulator struct {
	log    utils.Logger
	clk    clock.Clock
	secret []byte

	net      *protocol.Net
	sessions utils.CMap[string, *emulatorSession]

	mu         sync.Mutex
	docs       map[string]*model.MutableDocument
	lastCommit model.SnapshotVersion
	tokenSeq   int64
}

// NewEmulator creates a backend emulator. A nil secret disables token
// verification; otherwise every stream must authenticate with a token
// JWTCredentials would mint for the same secret.
func NewEmulator(log utils.Logger, clk clock.Clock, secret []byte, tlsConfig *tls.Config) *Emulator {
	em := &Emulator{
		log:    log,
		clk:    clk,
		secret: secret,
		docs:   make(map[string]*model.MutableDocument),
	}
	em.net = protocol.NewNet(log, tlsConfig, em.install, em.destroy)
	return em
}

// Listen starts accepting stream connections on addr (tcp:// or tls://).
func (em *Emulator) Listen(ctx context.Context, addr string) error {
	return em.net.Listen(ctx, addr)
}

func (em *Emulator) Close() error {
	return em.net.Close()
}

// SeedDocument installs a document without going through the write
// stream; active targets are not notified.
func (em *Emulator) SeedDocument(doc *model.MutableDocument) {
	em.mu.Lock()
	defer em.mu.Unlock()
	em.docs[doc.Key.String()] = doc
	if doc.Version.Compare(em.lastCommit) > 0 {
		em.lastCommit = doc.Version
	}
}

func (em *Emulator) install(name string) protocol.FeedDrainCloserTraced {
	s := &emulatorSession{
		name:    name,
		em:      em,
		out:     utils.NewFDQueue[protocol.Records](protocol.MAX_OUT_QUEUE_LEN, sessionSendLimit, protocol.TYPICAL_MTU),
		targets: make(map[query.TargetID]*emulatorTarget),
	}
	em.sessions.Store(name, s)
	return s
}

func (em *Emulator) destroy(name string, _ protocol.Traced) {
	if s, ok := em.sessions.LoadAndDelete(name); ok {
		_ = s.Close()
	}
}

func (em *Emulator) nextVersionLocked() model.SnapshotVersion {
	v := model.VersionFromTime(em.clk.Now())
	if v.Compare(em.lastCommit) <= 0 {
		ts := em.lastCommit.Timestamp
		ts.Nanos++
		if ts.Nanos >= 1e9 {
			ts.Seconds++
			ts.Nanos = 0
		}
		v = model.VersionFromTimestamp(ts)
	}
	em.lastCommit = v
	return v
}

func (em *Emulator) nextTokenLocked() []byte {
	em.tokenSeq++
	return model.ZipZagInt64(em.tokenSeq)
}

// commit applies one batch atomically, assigns the commit version and
// fans resulting document changes out to every watching session.
func (em *Emulator) commit(ctx context.Context, from *emulatorSession,
	mutations []*mutation.Mutation) (*WriteResponse, error) {
	em.mu.Lock()
	defer em.mu.Unlock()

	v := em.nextVersionLocked()
	resp := &WriteResponse{StreamToken: em.nextTokenLocked(), CommitVersion: v}
	changed := make(map[string]*model.MutableDocument)

	for _, mu := range mutations {
		doc, ok := em.docs[mu.Key.String()]
		if !ok {
			doc = model.NewInvalidDocument(mu.Key)
		}
		if !mu.Precondition.IsValidFor(doc) {
			return nil, &StatusError{Code: CodeFailedPrecondition,
				Message: "precondition failed for " + mu.Key.String()}
		}
		res := mutation.MutationResult{Version: v}
		if len(mu.Transforms) > 0 {
			data := mergeMutationData(doc, mu)
			for _, t := range mu.Transforms {
				var prev *model.Value
				if fv, ok := data.Field(t.Path); ok {
					prev = &fv
				}
				r := serverTransformResult(t, prev, v.Timestamp)
				data = data.Set(t.Path, r)
				res.TransformResults = append(res.TransformResults, r)
			}
		}
		mu.ApplyToRemoteDocument(doc, res)
		resp.Results = append(resp.Results, res)

		switch mu.Kind {
		case mutation.SetKind, mutation.PatchKind:
			if doc.IsFoundDocument() {
				em.docs[mu.Key.String()] = doc
				changed[mu.Key.String()] = doc
			}
		case mutation.DeleteKind:
			delete(em.docs, mu.Key.String())
			changed[mu.Key.String()] = doc
		}
	}

	em.broadcastLocked(ctx, from, changed, v)
	return resp, nil
}

// broadcastLocked sends document changes and a no-change heartbeat to
// every watch session so their aggregators can raise a snapshot.
func (em *Emulator) broadcastLocked(ctx context.Context, from *emulatorSession,
	changed map[string]*model.MutableDocument, v model.SnapshotVersion) {
	if len(changed) == 0 {
		return
	}
	token := em.lastCommit.Zip()
	em.sessions.Range(func(_ string, s *emulatorSession) bool {
		if s == from || !s.isWatch() {
			return true
		}
		recs := protocol.Records{}
		for _, doc := range changed {
			if rec := s.documentChangeLocked(doc, v); rec != nil {
				recs = append(recs, rec)
			}
		}
		if len(recs) == 0 {
			return true
		}
		recs = append(recs, (&WatchTargetChange{
			State:       TargetNoChange,
			ResumeToken: token,
			ReadTime:    v,
		}).Encode())
		s.send(ctx, recs)
		return true
	})
}

// mergeMutationData is the pre-transform document state a mutation
// produces: the full payload for sets, masked fields over the stored
// data for patches.
func mergeMutationData(doc *model.MutableDocument, mu *mutation.Mutation) model.ObjectValue {
	if mu.Kind == mutation.SetKind || mu.Mask == nil {
		return mu.Value.Clone()
	}
	data := doc.Data.Clone()
	for _, p := range mu.Mask.Paths {
		if v, ok := mu.Value.Field(p); ok {
			data = data.Set(p, v)
		} else {
			data = data.Delete(p)
		}
	}
	return data
}

// serverTransformResult is the authoritative transform value. Array
// transforms carry no server result; clients recompute those.
func serverTransformResult(t mutation.FieldTransform, prev *model.Value,
	commit model.Timestamp) model.Value {
	switch t.Kind {
	case mutation.ServerTimestampTransform:
		return model.TimestampVal(commit)
	case mutation.IncrementTransform:
		base := model.Integer(0)
		if prev != nil && prev.IsNumber() {
			base = *prev
		}
		if base.Kind == model.KindInteger && t.Operand.Kind == model.KindInteger {
			return model.Integer(base.Int + t.Operand.Int)
		}
		bf := base.Dbl
		if base.Kind == model.KindInteger {
			bf = float64(base.Int)
		}
		of := t.Operand.Dbl
		if t.Operand.Kind == model.KindInteger {
			of = float64(t.Operand.Int)
		}
		return model.Double(bf + of)
	default:
		return model.Null()
	}
}

// emulatorTarget tracks one listened target and its current membership.
type emulatorTarget struct {
	td   *query.TargetData
	keys map[string]bool
}

// emulatorSession is one accepted stream connection. The peer drains
// client records into it and feeds server responses out of its queue.
type emulatorSession struct {
	name string
	em   *Emulator
	out  *utils.FDQueue[protocol.Records]

	mu     sync.Mutex
	stream string
	authed bool
	uid    string

	// targets is guarded by em.mu, like the document table.
	targets map[query.TargetID]*emulatorTarget
}

func (s *emulatorSession) GetTraceId() string { return s.name }

func (s *emulatorSession) Feed(ctx context.Context) (protocol.Records, error) {
	return s.out.Feed(ctx)
}

func (s *emulatorSession) Close() error {
	return s.out.Close()
}

func (s *emulatorSession) Drain(ctx context.Context, recs protocol.Records) error {
	for _, rec := range recs {
		if err := s.handle(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *emulatorSession) send(ctx context.Context, recs protocol.Records) {
	if err := s.out.Drain(ctx, recs); err != nil {
		s.em.log.WarnCtx(ctx, "emulator: dropping session", "name", s.name, "err", err)
		_ = s.out.Close()
	}
}

// fail reports a status to the client as a top-level 'E' record, which
// closes the stream on their side, then errors out the peer.
func (s *emulatorSession) fail(ctx context.Context, code Code, msg string) error {
	s.send(ctx, protocol.Records{protocol.Record('E', []byte{byte(code)}, []byte(msg))})
	return &StatusError{Code: code, Message: msg}
}

func (s *emulatorSession) isWatch() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream == StreamWatch
}

func (s *emulatorSession) handle(ctx context.Context, rec []byte) error {
	lit, body, _, err := protocol.TakeAnyWary(rec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	stream, authed := s.stream, s.authed
	s.mu.Unlock()

	// a fresh connection names its stream first, then authenticates
	if stream == "" {
		if lit != 'S' {
			return s.fail(ctx, CodeInvalidArgument, "expected stream hello")
		}
		name := string(body)
		if name != StreamWatch && name != StreamWrite {
			return s.fail(ctx, CodeInvalidArgument, ErrUnknownStream.Error())
		}
		s.mu.Lock()
		s.stream = name
		s.mu.Unlock()
		return nil
	}
	if s.em.secret != nil && !authed {
		if lit != 'T' {
			return s.fail(ctx, CodeUnauthenticated, "token required")
		}
		uid, err := VerifyToken(s.em.secret, string(body))
		if err != nil {
			return s.fail(ctx, CodeUnauthenticated, err.Error())
		}
		s.mu.Lock()
		s.authed, s.uid = true, uid
		s.mu.Unlock()
		s.em.log.DebugCtx(ctx, "emulator: stream authenticated",
			"name", s.name, "stream", stream, "uid", uid)
		return nil
	}
	if lit == 'T' {
		// token refresh on an already-authenticated stream
		return nil
	}

	switch stream {
	case StreamWatch:
		return s.handleWatch(ctx, lit, body)
	case StreamWrite:
		return s.handleWrite(ctx, rec)
	default:
		return ErrUnknownStream
	}
}

func (s *emulatorSession) handleWatch(ctx context.Context, lit byte, body []byte) error {
	switch lit {
	case 'A':
		td, err := query.DecodeTargetData(body)
		if err != nil {
			return s.fail(ctx, CodeInvalidArgument, err.Error())
		}
		s.addTarget(ctx, td)
		return nil
	case 'R':
		id := query.TargetID(model.UnzipZagInt64(body))
		s.removeTarget(ctx, id)
		return nil
	default:
		return s.fail(ctx, CodeInvalidArgument, ErrBadWatchRecord.Error())
	}
}

// addTarget registers a listen and replays the current table state for
// it: added, matching documents, current, then a heartbeat.
func (s *emulatorSession) addTarget(ctx context.Context, td *query.TargetData) {
	s.em.mu.Lock()
	t := &emulatorTarget{td: td, keys: make(map[string]bool)}
	s.targets[td.TargetID] = t

	readTime := s.em.lastCommit
	recs := protocol.Records{(&WatchTargetChange{
		State:       TargetAdded,
		TargetIDs:   []query.TargetID{td.TargetID},
		ReadTime:    readTime,
		ResumeToken: readTime.Zip(),
	}).Encode()}
	for key, doc := range s.em.docs {
		if !td.Target.Matches(doc) {
			continue
		}
		t.keys[key] = true
		recs = append(recs, (&WatchDocumentChange{
			UpdatedTargetIDs: []query.TargetID{td.TargetID},
			Key:              doc.Key,
			Document:         doc,
			Version:          doc.Version,
		}).Encode())
	}
	s.em.mu.Unlock()

	recs = append(recs, (&WatchTargetChange{
		State:       TargetCurrent,
		TargetIDs:   []query.TargetID{td.TargetID},
		ReadTime:    readTime,
		ResumeToken: readTime.Zip(),
	}).Encode())
	recs = append(recs, (&WatchTargetChange{
		State:       TargetNoChange,
		ReadTime:    readTime,
		ResumeToken: readTime.Zip(),
	}).Encode())
	s.send(ctx, recs)
}

func (s *emulatorSession) removeTarget(ctx context.Context, id query.TargetID) {
	s.em.mu.Lock()
	_, ok := s.targets[id]
	delete(s.targets, id)
	readTime := s.em.lastCommit
	s.em.mu.Unlock()
	if !ok {
		return
	}
	s.send(ctx, protocol.Records{(&WatchTargetChange{
		State:       TargetRemoved,
		TargetIDs:   []query.TargetID{id},
		ReadTime:    readTime,
		ResumeToken: readTime.Zip(),
	}).Encode()})
}

// documentChangeLocked diffs one committed document against this
// session's target memberships. Returns nil when no target cares.
func (s *emulatorSession) documentChangeLocked(doc *model.MutableDocument,
	v model.SnapshotVersion) []byte {
	key := doc.Key.String()
	c := &WatchDocumentChange{Key: doc.Key, Version: v}
	for id, t := range s.targets {
		matches := doc.IsFoundDocument() && t.td.Target.Matches(doc)
		switch {
		case matches:
			t.keys[key] = true
			c.UpdatedTargetIDs = append(c.UpdatedTargetIDs, id)
		case t.keys[key]:
			delete(t.keys, key)
			c.RemovedTargetIDs = append(c.RemovedTargetIDs, id)
		}
	}
	if len(c.UpdatedTargetIDs) == 0 && len(c.RemovedTargetIDs) == 0 {
		return nil
	}
	if len(c.UpdatedTargetIDs) > 0 {
		c.Document = doc
	} else if doc.IsFoundDocument() {
		// still exists, just no longer matches
		c.Removed = true
	}
	return c.Encode()
}

func (s *emulatorSession) handleWrite(ctx context.Context, rec []byte) error {
	token, mutations, err := DecodeWriteRequest(rec)
	if err != nil {
		return s.fail(ctx, CodeInvalidArgument, err.Error())
	}
	if token == nil && mutations == nil {
		// handshake: hand out the first stream token
		s.em.mu.Lock()
		resp := &WriteResponse{
			StreamToken:   s.em.nextTokenLocked(),
			CommitVersion: s.em.lastCommit,
		}
		s.em.mu.Unlock()
		s.send(ctx, protocol.Records{resp.Encode()})
		return nil
	}
	resp, err := s.em.commit(ctx, s, mutations)
	if err != nil {
		var serr *StatusError
		if errors.As(err, &serr) {
			return s.fail(ctx, serr.Code, serr.Message)
		}
		return s.fail(ctx, CodeInternal, err.Error())
	}
	s.send(ctx, protocol.Records{resp.Encode()})
	return nil
}
