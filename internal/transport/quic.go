package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/farplay/internal/certs"
	"github.com/zsiec/farplay/internal/protocol"
)

// ALPN is the TLS application protocol negotiated by QUIC peers.
const ALPN = "farplay/1"

const (
	// DefaultIdleTimeout closes a QUIC connection with no traffic.
	DefaultIdleTimeout = 30 * time.Second

	// MaxAudioChunk bounds the PCM carried by one audio datagram.
	MaxAudioChunk = 1024

	// maxDatagramEvent is the largest marshaled event sent as a datagram;
	// anything bigger goes on its own unidirectional stream.
	maxDatagramEvent = 1100

	handshakeTimeout = 5 * time.Second
	closeLinger      = 250 * time.Millisecond
)

// Connection close codes.
const (
	quicErrNone     quic.ApplicationErrorCode = 0x0
	quicErrBusy     quic.ApplicationErrorCode = 0x1
	quicErrProtocol quic.ApplicationErrorCode = 0x2
)

// preface opens the control stream so the host can accept it.
var preface = []byte("FPLY")

var errDetached = errors.New("transport: peer detached")

// QUICConfig configures ListenQUIC and DialQUIC.
type QUICConfig struct {
	Addr string

	// Cert is presented by the host.
	Cert *certs.CertInfo

	// Fingerprint pins the host certificate on the client.
	Fingerprint [32]byte

	IdleTimeout time.Duration
	Queues      QueueConfig
	Log         *slog.Logger
}

// QUIC is a transport over one QUIC connection. Reliable events travel on a
// bidirectional control stream opened by the client, each frame on its own
// unidirectional stream, and the remaining unreliable events as datagrams.
type QUIC struct {
	*endpoint
	slot peerSlot
	cfg  QUICConfig
	ln   *quic.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	conn quic.Connection
}

var (
	_ Transport    = (*QUIC)(nil)
	_ Disconnector = (*QUIC)(nil)
)

func newQUIC(cfg QUICConfig) *QUIC {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	cfg.Queues.setDefaults()
	ep := newEndpoint("quic", cfg.Queues, nil, cfg.Log)
	ctx, cancel := context.WithCancel(context.Background())
	return &QUIC{
		endpoint: ep,
		slot:     peerSlot{ep: ep, queue: cfg.Queues.Send},
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func quicConfig(idle time.Duration) *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:        idle,
		KeepAlivePeriod:       idle / 3,
		EnableDatagrams:       true,
		MaxIncomingUniStreams: 256,
	}
}

// ListenQUIC binds the host side. Call Serve to accept peers.
func ListenQUIC(cfg QUICConfig) (*QUIC, error) {
	if cfg.Cert == nil {
		return nil, errors.New("transport: quic host requires a certificate")
	}
	q := newQUIC(cfg)
	ln, err := quic.ListenAddr(cfg.Addr, certs.ServerTLSConfig(cfg.Cert, ALPN), quicConfig(q.cfg.IdleTimeout))
	if err != nil {
		q.cancel()
		return nil, fmt.Errorf("listen quic %s: %w", cfg.Addr, err)
	}
	q.ln = ln
	return q, nil
}

// Addr returns the bound address of a listening transport.
func (q *QUIC) Addr() string {
	if q.ln == nil {
		return q.cfg.Addr
	}
	return q.ln.Addr().String()
}

// Serve accepts connections until ctx is cancelled or the transport is
// closed. Only one peer is attached at a time; others are refused.
func (q *QUIC) Serve(ctx context.Context) error {
	if q.ln == nil {
		return errors.New("transport: Serve on a dialed connection")
	}
	q.log.Info("QUIC transport listening", "addr", q.Addr())

	stop := context.AfterFunc(ctx, func() { q.Close() })
	defer stop()

	for {
		conn, err := q.ln.Accept(q.ctx)
		if err != nil {
			if ctx.Err() != nil || q.closed.Load() {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.handleIncoming(conn)
		}()
	}
}

func (q *QUIC) handleIncoming(conn quic.Connection) {
	peer := conn.RemoteAddr().String()
	if q.slot.current() != nil {
		q.refuse(conn, peer)
		return
	}

	actx, cancel := context.WithTimeout(q.ctx, handshakeTimeout)
	ctrl, err := conn.AcceptStream(actx)
	cancel()
	if err != nil {
		q.log.Debug("peer opened no control stream", "peer", peer, "error", err)
		conn.CloseWithError(quicErrProtocol, "no control stream")
		return
	}

	br := bufio.NewReader(ctrl)
	got := make([]byte, len(preface))
	ctrl.SetReadDeadline(time.Now().Add(handshakeTimeout))
	if _, err := io.ReadFull(br, got); err != nil || string(got) != string(preface) {
		q.log.Debug("bad control preface", "peer", peer, "error", err)
		conn.CloseWithError(quicErrProtocol, "bad preface")
		return
	}
	ctrl.SetReadDeadline(time.Time{})

	ob, ok := q.slot.attach(peer)
	if !ok {
		q.refuse(conn, peer)
		return
	}
	q.run(conn, ctrl, br, ob)
}

func (q *QUIC) refuse(conn quic.Connection, peer string) {
	q.refused.Add(1)
	q.log.Info("refusing connection, peer already attached", "peer", peer)
	conn.CloseWithError(quicErrBusy, "host busy")
}

// DialQUIC connects to a host, pinning its certificate fingerprint.
func DialQUIC(ctx context.Context, cfg QUICConfig) (*QUIC, error) {
	q := newQUIC(cfg)
	conn, err := quic.DialAddr(ctx, cfg.Addr, certs.PinnedTLSConfig(cfg.Fingerprint, ALPN), quicConfig(q.cfg.IdleTimeout))
	if err != nil {
		q.cancel()
		return nil, fmt.Errorf("dial quic %s: %w", cfg.Addr, err)
	}
	ctrl, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(quicErrProtocol, "open control stream")
		q.cancel()
		return nil, fmt.Errorf("open control stream: %w", err)
	}
	if _, err := ctrl.Write(preface); err != nil {
		conn.CloseWithError(quicErrProtocol, "write preface")
		q.cancel()
		return nil, fmt.Errorf("write preface: %w", err)
	}

	ob, _ := q.slot.attach(conn.RemoteAddr().String())
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.run(conn, ctrl, bufio.NewReader(ctrl), ob)
	}()
	return q, nil
}

// run services one attached connection until it fails or is detached.
func (q *QUIC) run(conn quic.Connection, ctrl quic.Stream, br *bufio.Reader, ob *outbox) {
	q.mu.Lock()
	q.conn = conn
	q.mu.Unlock()

	log := q.log.With("peer", ob.peer)
	log.Info("peer attached")

	g, ctx := errgroup.WithContext(q.ctx)
	stop := context.AfterFunc(ctx, func() {
		conn.CloseWithError(quicErrNone, "")
	})
	defer stop()

	datagrams := conn.ConnectionState().SupportsDatagrams
	g.Go(func() error { return q.readControl(br) })
	g.Go(func() error { return q.acceptFrames(ctx, conn, g) })
	if datagrams {
		g.Go(func() error { return q.readDatagrams(ctx, conn) })
	}
	g.Go(func() error { return q.writeReliable(ctx, ctrl, ob) })
	g.Go(func() error { return q.writeUnreliable(ctx, conn, ob, datagrams) })

	err := g.Wait()

	q.mu.Lock()
	if q.conn == conn {
		q.conn = nil
	}
	q.mu.Unlock()

	reason := disconnectReason(err)
	q.slot.detach(ob, reason)
	log.Info("peer detached", "reason", reason)
}

func disconnectReason(err error) string {
	var appErr *quic.ApplicationError
	switch {
	case err == nil, errors.Is(err, errDetached):
		return ""
	case errors.Is(err, io.EOF):
		return "peer closed"
	case errors.As(err, &appErr) && appErr.Remote:
		if appErr.ErrorCode == quicErrBusy {
			return "host busy"
		}
		return "peer closed"
	}
	var idle *quic.IdleTimeoutError
	if errors.As(err, &idle) {
		return "idle timeout"
	}
	return err.Error()
}

func (q *QUIC) readControl(br *bufio.Reader) error {
	cr := &countingReader{r: br}
	for {
		ev, err := protocol.ReadEvent(cr)
		q.recv.Record(cr.take())
		if err != nil {
			var perr *protocol.ParseError
			if errors.As(err, &perr) || errors.Is(err, protocol.ErrUnknownEvent) {
				// The length prefix kept the stream in sync; skip the event.
				q.parseErrors.Add(1)
				q.log.Debug("dropping malformed control event", "error", err)
				continue
			}
			return err
		}
		q.deliver(ev)
	}
}

func (q *QUIC) acceptFrames(ctx context.Context, conn quic.Connection, g *errgroup.Group) error {
	for {
		str, err := conn.AcceptUniStream(ctx)
		if err != nil {
			return err
		}
		g.Go(func() error {
			q.readStreamEvent(str)
			return nil
		})
	}
}

// readStreamEvent reads one event that fills a unidirectional stream.
func (q *QUIC) readStreamEvent(str quic.ReceiveStream) {
	data, err := io.ReadAll(io.LimitReader(str, protocol.MaxEventSize+1))
	if err != nil {
		q.log.Debug("stream event lost", "stream", str.StreamID(), "error", err)
		return
	}
	if len(data) > protocol.MaxEventSize {
		str.CancelRead(quic.StreamErrorCode(quicErrProtocol))
		q.parseErrors.Add(1)
		return
	}
	q.receive(data)
}

func (q *QUIC) readDatagrams(ctx context.Context, conn quic.Connection) error {
	for {
		data, err := conn.ReceiveDatagram(ctx)
		if err != nil {
			return err
		}
		q.receive(data)
	}
}

func (q *QUIC) writeReliable(ctx context.Context, ctrl quic.Stream, ob *outbox) error {
	w := &meteredWriter{w: ctrl, m: q.sent}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ob.done:
			q.flushReliable(ctx, ctrl, w, ob)
			return errDetached
		case it := <-ob.reliable:
			if err := protocol.WriteEvent(w, it.ev); err != nil {
				return fmt.Errorf("write control stream: %w", err)
			}
		}
	}
}

// flushReliable writes whatever is still queued (typically a Goodbye) and
// gives the peer a moment to read it before the connection closes.
func (q *QUIC) flushReliable(ctx context.Context, ctrl quic.Stream, w io.Writer, ob *outbox) {
	ctrl.SetWriteDeadline(time.Now().Add(closeLinger))
	for {
		select {
		case it := <-ob.reliable:
			if err := protocol.WriteEvent(w, it.ev); err != nil {
				return
			}
			continue
		default:
		}
		break
	}
	ctrl.Close()

	t := time.NewTimer(closeLinger)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (q *QUIC) writeUnreliable(ctx context.Context, conn quic.Connection, ob *outbox, datagrams bool) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ob.done:
			return errDetached
		case it := <-ob.unreliable:
			if a, ok := it.ev.(protocol.Audio); ok {
				for _, chunk := range splitAudio(a, MaxAudioChunk) {
					if err := q.writeUnreliableEvent(ctx, conn, chunk, datagrams); err != nil {
						return err
					}
				}
				continue
			}
			if err := q.writeUnreliableEvent(ctx, conn, it.ev, datagrams); err != nil {
				return err
			}
		}
	}
}

func (q *QUIC) writeUnreliableEvent(ctx context.Context, conn quic.Connection, ev protocol.Event, datagrams bool) error {
	data, err := protocol.Marshal(ev)
	if err != nil {
		q.sendDropped.Add(1)
		q.log.Debug("dropping unencodable event", "type", ev.Type(), "error", err)
		return nil
	}

	if datagrams && len(data) <= maxDatagramEvent && ev.Type() != protocol.TypeFrame {
		if err := conn.SendDatagram(data); err != nil {
			var tooLarge *quic.DatagramTooLargeError
			if errors.As(err, &tooLarge) {
				q.sendDropped.Add(1)
				return nil
			}
			return fmt.Errorf("send datagram: %w", err)
		}
		q.sent.Record(len(data))
		return nil
	}

	str, err := conn.OpenUniStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	if _, err := str.Write(data); err != nil {
		str.CancelWrite(quic.StreamErrorCode(quicErrNone))
		q.sendDropped.Add(1)
		q.log.Debug("stream write failed", "type", ev.Type(), "error", err)
		return nil
	}
	q.sent.Record(len(data))
	return str.Close()
}

// splitAudio cuts PCM into chunks of at most limit bytes, keeping samples
// whole.
func splitAudio(a protocol.Audio, limit int) []protocol.Event {
	limit &^= 1
	if len(a.PCM) <= limit {
		return []protocol.Event{a}
	}
	out := make([]protocol.Event, 0, (len(a.PCM)+limit-1)/limit)
	for pcm := a.PCM; len(pcm) > 0; {
		n := min(limit, len(pcm))
		out = append(out, protocol.Audio{PCM: pcm[:n]})
		pcm = pcm[n:]
	}
	return out
}

func (q *QUIC) Send(ev protocol.Event, ch protocol.Channel) error {
	return q.slot.send(ev, ch)
}

func (q *QUIC) Connected() bool {
	return q.slot.connected()
}

// Disconnect drops the attached peer after flushing its reliable queue. A
// listening QUIC transport then accepts the next connection.
func (q *QUIC) Disconnect() {
	q.slot.disconnect()
}

func (q *QUIC) Stats() Stats {
	return q.stats(q.Connected(), q.slot.peer())
}

// Close detaches the peer, flushing queued reliable events, and releases the
// listener. It is safe to call more than once.
func (q *QUIC) Close() error {
	if !q.closed.CompareAndSwap(false, true) {
		return nil
	}
	if ob := q.slot.current(); ob != nil {
		q.slot.detach(ob, "")
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	t := time.NewTimer(2 * closeLinger)
	select {
	case <-done:
	case <-t.C:
	}
	t.Stop()

	q.cancel()
	q.mu.Lock()
	conn := q.conn
	q.mu.Unlock()
	if conn != nil {
		conn.CloseWithError(quicErrNone, "closed")
	}

	var err error
	if q.ln != nil {
		err = q.ln.Close()
	}
	<-done
	return err
}

type countingReader struct {
	r *bufio.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}

func (c *countingReader) ReadByte() (byte, error) {
	b, err := c.r.ReadByte()
	if err == nil {
		c.n++
	}
	return b, err
}

func (c *countingReader) take() int {
	n := c.n
	c.n = 0
	return n
}

type meteredWriter struct {
	w io.Writer
	m *Meter
}

func (w *meteredWriter) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	w.m.Record(n)
	return n, err
}
