// Package tunnel implements the RTSP-over-HTTP tunnel of SPEC_FULL.md
// section 4.1.1: a GET connection carrying server-to-client bytes and a
// POST connection carrying client-to-server bytes, paired by a client-
// chosen cookie. It is grounded on the teacher's server_conn_reader.go
// (tunnel detection headers, HTTP handshake framing) and
// server_tunnel_http.go (the net.Conn adapter gluing the two legs
// together), with the incremental base64 decode loop adapted from
// internal/base64streamreader.
package tunnel

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pianjj123/rtpsend/pkg/bytecounter"
	"github.com/pianjj123/rtpsend/pkg/liberrors"
)

// ContentType is the Content-Type / Accept header value that marks an
// HTTP request as part of an RTSP tunnel, per Apple's tunneling protocol.
const ContentType = "application/x-rtsp-tunnelled"

// CookieHeader is the header carrying the client-chosen session cookie
// that pairs a GET leg with its POST leg.
const CookieHeader = "X-Sessioncookie"

// NewCookie generates a fresh session cookie for a client opening a new
// tunnel pair, following the teacher's use of google/uuid for session
// identifiers (server_session.go's secretID). The X-Sessioncookie header
// is client-chosen per the protocol; this is the generator a client-side
// caller (or this module's own test harness) uses to pick one.
func NewCookie() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// IsGetLeg reports whether req opens the read (GET) half of a tunnel.
func IsGetLeg(req *http.Request) bool {
	return req.Method == http.MethodGet &&
		req.Header.Get("Accept") == ContentType &&
		req.Header.Get(CookieHeader) != ""
}

// IsPostLeg reports whether req opens the write (POST) half of a tunnel.
func IsPostLeg(req *http.Request) bool {
	return req.Method == http.MethodPost &&
		req.Header.Get("Content-Type") == ContentType &&
		req.Header.Get(CookieHeader) != ""
}

// pairWaitTimeout bounds how long the first leg of a tunnel waits for its
// partner before the handshake is abandoned.
const pairWaitTimeout = 30 * time.Second

// pending is a half-open tunnel: one leg has arrived, waiting for the other.
type pending struct {
	getConn  net.Conn
	getReq   *http.Request
	postConn net.Conn
	postReq  *http.Request
	ready    chan struct{}
}

// Registry pairs GET and POST legs by cookie, per SPEC_FULL.md 4.1.1.
type Registry struct {
	mutex sync.Mutex
	byID  map[string]*pending
}

// NewRegistry allocates an empty tunnel registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*pending)}
}

// RegisterGet registers the GET leg for cookie and blocks until the POST
// leg arrives (or pairWaitTimeout elapses), then returns a paired net.Conn.
func (r *Registry) RegisterGet(cookie string, conn net.Conn, req *http.Request) (net.Conn, error) {
	p := r.join(cookie, func(p *pending) {
		p.getConn = conn
		p.getReq = req
	})
	return r.await(cookie, p)
}

// RegisterPost registers the POST leg for cookie and blocks until the GET
// leg arrives (or pairWaitTimeout elapses), then returns a paired net.Conn.
func (r *Registry) RegisterPost(cookie string, conn net.Conn, req *http.Request) (net.Conn, error) {
	p := r.join(cookie, func(p *pending) {
		p.postConn = conn
		p.postReq = req
	})
	return r.await(cookie, p)
}

func (r *Registry) join(cookie string, set func(*pending)) *pending {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	p, ok := r.byID[cookie]
	if !ok {
		p = &pending{ready: make(chan struct{})}
		r.byID[cookie] = p
	}
	set(p)

	if p.getConn != nil && p.postConn != nil {
		close(p.ready)
	}

	return p
}

func (r *Registry) await(cookie string, p *pending) (net.Conn, error) {
	select {
	case <-p.ready:
	case <-time.After(pairWaitTimeout):
		r.mutex.Lock()
		delete(r.byID, cookie)
		r.mutex.Unlock()
		return nil, liberrors.ErrHTTPTunnelPairTimeout{Cookie: cookie}
	}

	r.mutex.Lock()
	delete(r.byID, cookie)
	r.mutex.Unlock()

	return newConn(p.getConn, p.postConn), nil
}

// WriteHandshakeResponse writes the 200 OK response that opens a GET leg,
// per server_conn_reader.go's handleTunneling.
func WriteHandshakeResponse(w io.Writer, protoMinor int) error {
	h := http.Header{}
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "close")
	h.Set("Content-Type", ContentType)
	h.Set("Pragma", "no-cache")

	res := http.Response{
		StatusCode:    http.StatusOK,
		ProtoMajor:    1,
		ProtoMinor:    protoMinor,
		Header:        h,
		ContentLength: -1,
	}

	var buf bytes.Buffer
	if err := res.Write(&buf); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// Counters exposes wire-byte totals for a tunnel connection, for session
// throughput logging. The returned net.Conn from RegisterGet/RegisterPost
// always implements it.
type Counters interface {
	BytesReceived() uint64
	BytesSent() uint64
}

// conn glues the GET (read) and POST (write) legs of a tunnel into a
// single net.Conn, adapted from server_tunnel_http.go. Each leg is
// wrapped in a bytecounter so callers can observe wire-level throughput
// independent of the base64 expansion/contraction.
type conn struct {
	get  net.Conn
	post net.Conn
	dec  io.Reader
	rx   *bytecounter.ByteCounter
	tx   *bytecounter.ByteCounter
}

func newConn(get, post net.Conn) net.Conn {
	rx := bytecounter.New(get, nil, nil, nil, nil)
	tx := bytecounter.New(post, nil, nil, nil, nil)
	return &conn{get: get, post: post, dec: newBase64Reader(rx), rx: rx, tx: tx}
}

func (c *conn) Read(p []byte) (int, error)  { return c.dec.Read(p) }
func (c *conn) Write(p []byte) (int, error) { return writeBase64(c.tx, p) }

// BytesReceived returns the number of raw (pre-decode) bytes read off the
// GET leg.
func (c *conn) BytesReceived() uint64 { return c.rx.BytesReceived() }

// BytesSent returns the number of raw (post-encode) bytes written to the
// POST leg.
func (c *conn) BytesSent() uint64 { return c.tx.BytesSent() }

func (c *conn) Close() error {
	err1 := c.get.Close()
	err2 := c.post.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

func (c *conn) LocalAddr() net.Addr                { return c.get.LocalAddr() }
func (c *conn) RemoteAddr() net.Addr               { return c.get.RemoteAddr() }
func (c *conn) SetDeadline(t time.Time) error      { return c.get.SetDeadline(t) }
func (c *conn) SetReadDeadline(t time.Time) error  { return c.get.SetReadDeadline(t) }
func (c *conn) SetWriteDeadline(t time.Time) error { return c.post.SetWriteDeadline(t) }

// readSize is the chunk size used to refill the pre-decode buffer, per
// P7 of SPEC_FULL.md section 6.
const readSize = 1024

// base64Reader incrementally decodes a base64 stream, always decoding on
// a 4-byte boundary so a read never blocks mid-group and never emits
// partially-decoded bytes, adapted from internal/base64streamreader.
type base64Reader struct {
	r       io.Reader
	predec  []byte
	postdec []byte
}

func newBase64Reader(r io.Reader) io.Reader {
	return &base64Reader{r: r}
}

func (r *base64Reader) Read(p []byte) (int, error) {
	for len(r.postdec) == 0 {
		todec := r.predec

		if len(todec)%4 != 0 {
			todec = todec[:(len(todec)/4)*4]
		}

		if i := bytes.IndexByte(todec, '='); i >= 0 {
			if len(todec) > (i+1) && todec[i+1] == '=' {
				i++
			}
			todec = todec[:i+1]
		}

		if len(todec) == 0 {
			buf := make([]byte, readSize)
			n, err := r.r.Read(buf)
			if err != nil && n == 0 {
				return 0, err
			}

			r.predec = append(r.predec, buf[:n]...)
			continue
		}

		r.predec = r.predec[len(todec):]

		out, err := base64.StdEncoding.DecodeString(string(todec))
		if err != nil {
			return 0, err
		}

		r.postdec = append(r.postdec, out...)
	}

	n := copy(p, r.postdec)
	r.postdec = r.postdec[n:]

	return n, nil
}

// writeBase64 encodes all of p and writes it to w in a single call. The
// encoded chunk is neither split nor bounded by a scratch-buffer size.
func writeBase64(w io.Writer, p []byte) (int, error) {
	enc := make([]byte, base64.StdEncoding.EncodedLen(len(p)))
	base64.StdEncoding.Encode(enc, p)

	if _, err := w.Write(enc); err != nil {
		return 0, err
	}
	return len(p), nil
}

// ScanHandshakeMethod peeks at the first four bytes of br to decide
// whether the connection opens with an HTTP request line ("GET " or
// "POST"), per server_conn_reader.go's handleTunneling probe. It never
// consumes bytes irrecoverably: callers must use a bufio.Reader so the
// peek can be followed by a full http.ReadRequest.
func ScanHandshakeMethod(br *bufio.Reader) (isHTTP bool, err error) {
	buf, err := br.Peek(4)
	if err != nil {
		return false, err
	}
	return bytes.Equal(buf, []byte("GET ")) || bytes.Equal(buf, []byte("POST")), nil
}

// ReadRequestLine parses the buffered HTTP request after ScanHandshakeMethod
// confirmed an HTTP method prefix.
func ReadRequestLine(br *bufio.Reader) (*http.Request, error) {
	req, err := http.ReadRequest(br)
	if err != nil {
		return nil, fmt.Errorf("reading tunnel HTTP request: %w", err)
	}
	return req, nil
}
