package remote

import (
	"bytes"
	"context"
	"crypto/tls"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/drpcorg/docsync/protocol"
	"github.com/drpcorg/docsync/utils"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/pkg/errors"
)

const dialTimeout = time.Minute

// Datastore dials the backend over TCP or TLS and frames each stream in
// TLV records. The first record on a fresh connection names the stream
// so the server routes it.
type Datastore struct {
	addr      string
	tlsConfig *tls.Config
	log       utils.Logger
}

func NewDatastore(addr string, tlsConfig *tls.Config, log utils.Logger) *Datastore {
	return &Datastore{addr: addr, tlsConfig: tlsConfig, log: log}
}

func (d *Datastore) Dial(ctx context.Context, stream string) (protocol.FeedDrainCloser, error) {
	u, err := url.Parse(d.addr)
	if err != nil {
		return nil, errors.Wrap(err, "parse address")
	}
	var conn net.Conn
	switch u.Scheme {
	case "", "tcp", "tcp4", "tcp6":
		dialer := net.Dialer{Timeout: dialTimeout}
		conn, err = dialer.DialContext(ctx, "tcp", u.Host)
	case "tls":
		dialer := tls.Dialer{Config: d.tlsConfig, NetDialer: &net.Dialer{Timeout: dialTimeout}}
		conn, err = dialer.DialContext(ctx, "tcp", u.Host)
	default:
		return nil, protocol.ErrAddressInvalid
	}
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", d.addr)
	}
	sc := &streamConn{conn: conn}
	hello := protocol.Records{protocol.Record('S', []byte(stream))}
	if err := sc.Drain(ctx, hello); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return sc, nil
}

// streamConn adapts one net.Conn to the record-batch interfaces.
type streamConn struct {
	conn net.Conn
	buf  bytes.Buffer
}

func (sc *streamConn) Feed(ctx context.Context) (protocol.Records, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		recs, err := protocol.Split(&sc.buf)
		if err != nil && !errors.Is(err, protocol.ErrIncomplete) {
			return nil, err
		}
		if len(recs) > 0 {
			return recs, nil
		}
		if sc.buf.Available() < protocol.TYPICAL_MTU {
			sc.buf.Grow(protocol.TYPICAL_MTU)
		}
		idle := sc.buf.AvailableBuffer()[:sc.buf.Available()]
		if deadline, ok := ctx.Deadline(); ok {
			_ = sc.conn.SetReadDeadline(deadline)
		}
		n, err := sc.conn.Read(idle)
		if err != nil {
			return nil, err
		}
		sc.buf.Write(idle[:n])
	}
}

func (sc *streamConn) Drain(_ context.Context, recs protocol.Records) error {
	b := net.Buffers(recs)
	for len(b) > 0 {
		if _, err := b.WriteTo(sc.conn); err != nil {
			return err
		}
	}
	return nil
}

func (sc *streamConn) Close() error {
	return sc.conn.Close()
}

// tokenLifetime is deliberately short; streams outlive tokens and are
// reauthenticated on reconnect.
const tokenLifetime = time.Hour

// JWTCredentials mints HS256-signed tokens identifying the local user.
// Tokens are cached until shortly before expiry.
type JWTCredentials struct {
	secret []byte
	uid    string
	clk    clock.Clock

	mu     sync.Mutex
	cached string
	expiry time.Time
}

func NewJWTCredentials(secret []byte, uid string, clk clock.Clock) *JWTCredentials {
	return &JWTCredentials{secret: secret, uid: uid, clk: clk}
}

func (c *JWTCredentials) Token(_ context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clk.Now()
	if c.cached != "" && now.Before(c.expiry.Add(-time.Minute)) {
		return c.cached, nil
	}
	expiry := now.Add(tokenLifetime)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": c.uid,
		"iat": now.Unix(),
		"exp": expiry.Unix(),
	})
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", errors.Wrap(err, "sign token")
	}
	c.cached = signed
	c.expiry = expiry
	return signed, nil
}

func (c *JWTCredentials) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cached = ""
	c.expiry = time.Time{}
}

// VerifyToken checks a stream's auth record; the loopback server and
// tests use it as the counterpart of JWTCredentials.
func VerifyToken(secret []byte, token string) (uid string, err error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return "", err
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil {
		return "", err
	}
	return sub, nil
}
