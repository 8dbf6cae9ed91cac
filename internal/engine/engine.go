// Package engine drives one streaming peer. A host encodes the frames of its
// frame source and streams them with game audio; a client decodes and
// presents them and sends controller input and voice back. Tick is called
// once per emulated frame; the transport's receive path only queues events,
// so a tick never waits on the network.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/zsiec/farplay/internal/audiorelay"
	"github.com/zsiec/farplay/internal/framecodec"
	"github.com/zsiec/farplay/internal/protocol"
	"github.com/zsiec/farplay/internal/ratectl"
	"github.com/zsiec/farplay/internal/session"
	"github.com/zsiec/farplay/internal/transport"
)

// FrameSource yields the frame rendered by the emulator for the current
// tick. A nil frame means nothing to send.
type FrameSource interface {
	CurrentFrame() *framecodec.Frame
}

// AudioSource fills p with 16-bit mono little-endian PCM and returns the
// number of bytes written.
type AudioSource interface {
	ReadPCM(p []byte) int
}

// InputDevice reads the local controller state on a client.
type InputDevice interface {
	PollInput() protocol.Input
}

// InputSink applies remote controller state on a host.
type InputSink interface {
	ApplyInput(in protocol.Input)
	ResetInput()
}

// FrameSink presents decoded frames on a client.
type FrameSink interface {
	PresentFrame(f *framecodec.Decoded)
}

const (
	DefaultTickRate           = 60.0
	DefaultSampleRate         = 44100
	DefaultNotificationBuffer = 64

	// DefaultMaxAudioLatency caps buffered relay audio at a quarter second
	// of DefaultSampleRate mono PCM.
	DefaultMaxAudioLatency = DefaultSampleRate * 2 / 4

	reportEvery      = time.Second
	maxEventsPerTick = 512
)

var (
	ErrWrongRole = errors.New("engine: not available for this role")
	ErrStopped   = errors.New("engine: stopped")
)

// Config holds the parameters for creating an Engine.
type Config struct {
	Role      protocol.Role
	Name      string
	Transport transport.Transport

	// Host collaborators.
	Frames    FrameSource
	GameAudio AudioSource
	InputSink InputSink
	Width     int
	Height    int

	// Client collaborators. A nil Voice disables voice.
	Present FrameSink
	Input   InputDevice
	Voice   AudioSource

	TickRate      float64
	FrameInterval int
	MaxInterval   int

	// ByteRate is the link capacity used to size frame budgets. Zero
	// disables budgets.
	ByteRate     int
	AdaptiveRate bool
	SampleRate   int

	// MaxAudioLatency bounds the relay buffer in bytes; beyond it the
	// buffer is reset.
	MaxAudioLatency int

	KeyframeWait      time.Duration
	DisconnectTimeout time.Duration
	RateHold          time.Duration

	NotificationBuffer int
	Recorder           *audiorelay.Recorder
	Registry           prometheus.Registerer
	Tracer             trace.Tracer
	Now                func() time.Time
	Log                *slog.Logger
}

func (c *Config) setDefaults() {
	if c.TickRate <= 0 {
		c.TickRate = DefaultTickRate
	}
	if c.FrameInterval < 1 {
		c.FrameInterval = 1
	}
	if c.MaxInterval < c.FrameInterval {
		c.MaxInterval = max(ratectl.DefaultMaxInterval, c.FrameInterval)
	}
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.MaxAudioLatency <= 0 {
		c.MaxAudioLatency = c.SampleRate * 2 / 4
	}
	if c.NotificationBuffer <= 0 {
		c.NotificationBuffer = DefaultNotificationBuffer
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
}

func (c *Config) validate() error {
	if c.Transport == nil {
		return errors.New("engine: transport is required")
	}
	switch c.Role {
	case protocol.RoleHost:
		if c.Frames == nil {
			return errors.New("engine: host requires a frame source")
		}
		if c.Width <= 0 || c.Height <= 0 || c.Width*c.Height > framecodec.MaxPixels {
			return fmt.Errorf("engine: invalid host geometry %dx%d", c.Width, c.Height)
		}
	case protocol.RoleClient:
	default:
		return fmt.Errorf("engine: invalid role %d", c.Role)
	}
	return nil
}

// Engine is one streaming peer. Tick, Stop and the event handlers run under
// one mutex; MixAudio and FillAudio only touch the relay and may be called
// from an audio callback goroutine.
type Engine struct {
	cfg     Config
	log     *slog.Logger
	tr      transport.Transport
	metrics *metrics
	relay   *audiorelay.Relay
	notes   chan session.Notification
	running atomic.Bool
	msgID   atomic.Uint64
	dropped atomic.Int64

	// Host only.
	enc    *framecodec.Encoder
	budget *ratectl.BudgetController

	// Client only.
	dec      *framecodec.Decoder
	interval *ratectl.IntervalController

	mu         sync.Mutex
	sess       *session.Session
	linkDown   bool
	tick       uint64
	seq        uint64
	sendEvery  int
	lastReport time.Time
	audioAcc   float64
	lastSeq    uint64
	counts     counters
}

type counters struct {
	framesSent     uint64
	framesSkipped  uint64
	framesDecoded  uint64
	framesRejected uint64
	audioResets    uint64
}

// New creates an Engine with a fresh session waiting for the transport to
// connect.
func New(cfg Config) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.setDefaults()

	e := &Engine{
		cfg:       cfg,
		log:       cfg.Log.With("component", "engine", "role", cfg.Role),
		tr:        cfg.Transport,
		metrics:   newMetrics(cfg.Registry, cfg.Role.String()),
		notes:     make(chan session.Notification, cfg.NotificationBuffer),
		sendEvery: cfg.FrameInterval,
	}

	tracker := ratectl.TrackerConfig{Hold: cfg.RateHold, Now: cfg.Now}
	if cfg.Role == protocol.RoleHost {
		enc, err := framecodec.NewEncoder(framecodec.EncoderConfig{KeyframeWait: cfg.KeyframeWait, Log: cfg.Log})
		if err != nil {
			return nil, err
		}
		e.enc = enc
		e.budget = ratectl.NewBudgetController(ratectl.BudgetConfig{
			ByteRate: cfg.ByteRate,
			TickRate: cfg.TickRate,
			Interval: cfg.FrameInterval,
			Tracker:  tracker,
			Log:      cfg.Log,
		})
		e.relay = audiorelay.New(audiorelay.Mix)
	} else {
		dec, err := framecodec.NewDecoder(cfg.Log)
		if err != nil {
			return nil, err
		}
		e.dec = dec
		e.interval = ratectl.NewIntervalController(ratectl.IntervalConfig{
			Default: cfg.FrameInterval,
			Max:     cfg.MaxInterval,
			Tracker: tracker,
			Log:     cfg.Log,
		})
		e.relay = audiorelay.New(audiorelay.Copy)
	}
	if cfg.Recorder != nil {
		e.relay.SetRecorder(cfg.Recorder)
	}

	e.running.Store(true)
	e.mu.Lock()
	e.startSessionLocked(cfg.Now())
	e.mu.Unlock()
	return e, nil
}

func (e *Engine) audioFormat() protocol.AudioFormat {
	return protocol.AudioFormat{SampleRate: uint32(e.cfg.SampleRate), Channels: 1, Bits: 16}
}

func (e *Engine) startSessionLocked(now time.Time) {
	e.sess = session.New(session.Config{
		Role:          e.cfg.Role,
		Name:          e.cfg.Name,
		Link:          e.tr,
		Handler:       handler{e},
		Notify:        e.notify,
		FrameInterval: e.cfg.FrameInterval,
		AdaptiveRate:  e.cfg.AdaptiveRate,
		Voice:         e.cfg.Role == protocol.RoleClient && e.cfg.Voice != nil,
		AudioFormat:   e.audioFormat(),
		HostInfo: protocol.HostInfo{
			Width:     e.cfg.Width,
			Height:    e.cfg.Height,
			MaxColors: framecodec.MaxColors,
		},
		DisconnectTimeout: e.cfg.DisconnectTimeout,
		Tracer:            e.cfg.Tracer,
		Log:               e.cfg.Log,
	}, now)
	e.linkDown = false
	e.lastReport = now
	e.resetStreamLocked()
	e.metrics.sessions.Inc()
	e.log.Debug("session created", "session", e.sess.ID())
}

// resetStreamLocked discards all per-connection codec, relay and rate state.
func (e *Engine) resetStreamLocked() {
	e.relay.Reset()
	e.audioAcc = 0
	e.lastSeq = 0
	e.sendEvery = e.cfg.FrameInterval
	if e.enc != nil {
		e.enc.Reset()
		e.enc.SetDownsample(false)
		e.budget.Reset()
		e.budget.SetInterval(e.sendEvery)
		e.enc.SetBudget(0)
	}
	if e.dec != nil {
		e.dec.Reset()
		e.interval.Reset()
	}
}

// notify forwards a session notification without blocking the tick.
func (e *Engine) notify(n session.Notification) {
	e.metrics.notifications.WithLabelValues(n.Kind.String()).Inc()
	select {
	case e.notes <- n:
	default:
		e.dropped.Add(1)
		e.log.Warn("notification dropped, consumer too slow", "kind", n.Kind)
	}
}

// Notifications returns the channel of session notifications. It is closed
// by Stop.
func (e *Engine) Notifications() <-chan session.Notification {
	return e.notes
}

// Tick advances the engine by one emulated frame.
func (e *Engine) Tick() {
	if !e.running.Load() {
		return
	}
	now := e.cfg.Now()

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running.Load() {
		return
	}
	e.tick++

	e.maintainSessionLocked(now)
	e.sess.Poll(now)
	e.pumpEventsLocked(now)
	e.pumpAudioLocked()
	if e.cfg.Role == protocol.RoleClient {
		e.pumpFramesLocked()
	}

	if e.sess.Exchanging() {
		if e.cfg.Role == protocol.RoleHost {
			e.sendFrameLocked()
			e.sendAudioLocked(e.cfg.GameAudio)
		} else {
			e.sendInputLocked()
			e.sendAudioLocked(e.cfg.Voice)
		}
		e.reportRateLocked(now)
	}
	e.updateGaugesLocked()
}

// maintainSessionLocked replaces a torn-down session once the transport
// has gone down and come back with a new peer. A session that ended while
// the peer is still attached says goodbye and drops the peer so the link
// frees up.
func (e *Engine) maintainSessionLocked(now time.Time) {
	if !e.sess.Closed() {
		return
	}
	if !e.tr.Connected() {
		e.linkDown = true
		return
	}
	if e.linkDown {
		e.startSessionLocked(now)
		return
	}

	if err := e.tr.Send(protocol.Goodbye{}, protocol.Reliable); err != nil {
		e.log.Debug("goodbye not sent", "error", err)
	}
	d, ok := e.tr.(transport.Disconnector)
	if !ok {
		// The link cannot be dropped; handshake again on it.
		e.log.Warn("session ended with peer attached, restarting handshake")
		e.startSessionLocked(now)
		return
	}
	e.log.Info("session ended with peer attached, dropping peer")
	d.Disconnect()
	e.linkDown = !e.tr.Connected()
}

func (e *Engine) pumpEventsLocked(now time.Time) {
	for i := 0; i < maxEventsPerTick; i++ {
		ev, ok := e.tr.TryRecvEvent()
		if !ok {
			return
		}
		e.sess.Handle(ev, now)
	}
}

func (e *Engine) pumpAudioLocked() {
	accept := e.sess.Exchanging()
	if accept && e.cfg.Role == protocol.RoleHost {
		accept = e.sess.PeerMode().Voice
	}
	for {
		a, ok := e.tr.TryRecvAudio()
		if !ok {
			break
		}
		if accept {
			e.relay.Push(a.PCM)
		}
	}
	if e.relay.Buffered() > e.cfg.MaxAudioLatency {
		e.relay.Reset()
		e.counts.audioResets++
		e.metrics.audioResets.Inc()
		e.log.Debug("audio latency cap exceeded, relay reset", "cap", e.cfg.MaxAudioLatency)
	}
}

// pumpFramesLocked decodes every queued frame in arrival order and presents
// the newest one. Rejected frames are counted and dropped.
func (e *Engine) pumpFramesLocked() {
	exchanging := e.sess.Exchanging()
	var newest *framecodec.Decoded
	for {
		f, ok := e.tr.TryRecvFrame()
		if !ok {
			break
		}
		if !exchanging {
			continue
		}
		d, err := e.dec.Decode(f.Data, f.Seq)
		if err != nil {
			reason := rejectReason(err)
			e.counts.framesRejected++
			e.metrics.framesRejected.WithLabelValues(reason).Inc()
			if reason == "corrupt" || reason == "unsupported" {
				e.log.Debug("frame dropped", "seq", f.Seq, "error", err)
			}
			continue
		}
		e.counts.framesDecoded++
		e.metrics.framesDecoded.Inc()
		e.lastSeq = d.Seq
		newest = d
	}
	if newest != nil && e.cfg.Present != nil {
		e.cfg.Present.PresentFrame(newest)
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, framecodec.ErrStale):
		return "stale"
	case errors.Is(err, framecodec.ErrCacheMiss):
		return "cache_miss"
	case errors.Is(err, framecodec.ErrNoGeometry):
		return "no_geometry"
	case errors.Is(err, framecodec.ErrUnsupported):
		return "unsupported"
	default:
		return "corrupt"
	}
}

func (e *Engine) sendFrameLocked() {
	if e.tick%uint64(e.sendEvery) != 0 {
		return
	}
	f := e.cfg.Frames.CurrentFrame()
	if f == nil {
		e.skipLocked("no_frame")
		return
	}
	e.seq++
	data, ok := e.enc.Encode(f, e.seq)
	if !ok {
		e.skipLocked("encoder")
		return
	}
	if err := e.tr.Send(protocol.Frame{Seq: e.seq, Data: data}, protocol.Unreliable); err != nil {
		e.skipLocked("transport")
		e.log.Debug("frame send failed", "seq", e.seq, "error", err)
		return
	}
	e.counts.framesSent++
	e.metrics.framesSent.Inc()
	e.metrics.frameBytes.Observe(float64(len(data)))
}

func (e *Engine) skipLocked(reason string) {
	e.counts.framesSkipped++
	e.metrics.framesSkipped.WithLabelValues(reason).Inc()
}

// sendAudioLocked reads one tick worth of PCM from src and sends it.
func (e *Engine) sendAudioLocked(src AudioSource) {
	if src == nil {
		return
	}
	e.audioAcc += float64(e.cfg.SampleRate) / e.cfg.TickRate
	samples := int(e.audioAcc)
	e.audioAcc -= float64(samples)
	if samples == 0 {
		return
	}

	// The transport may hold the slice until its writer runs.
	pcm := make([]byte, samples*2)
	n := src.ReadPCM(pcm) &^ 1
	if n <= 0 {
		return
	}
	if err := e.tr.Send(protocol.Audio{PCM: pcm[:n]}, protocol.Unreliable); err != nil {
		e.log.Debug("audio send failed", "error", err)
	}
}

func (e *Engine) sendInputLocked() {
	if e.cfg.Input == nil {
		return
	}
	in := e.cfg.Input.PollInput()
	in.Frame = e.tick
	if err := e.tr.Send(in, protocol.Unreliable); err != nil {
		e.log.Debug("input send failed", "error", err)
	}
}

// reportRateLocked tells the peer our measured rate once per second: the
// host reports what it sent, the client what it received.
func (e *Engine) reportRateLocked(now time.Time) {
	if now.Sub(e.lastReport) < reportEvery {
		return
	}
	e.lastReport = now

	report := protocol.RateReport{Direction: protocol.Sent, BytesPerSecond: e.tr.SendRate()}
	if e.cfg.Role == protocol.RoleClient {
		report = protocol.RateReport{Direction: protocol.Received, BytesPerSecond: e.tr.ReceiveRate()}
	}
	if err := e.tr.Send(report, protocol.Unreliable); err != nil {
		e.log.Debug("rate report send failed", "error", err)
	}
}

func (e *Engine) updateGaugesLocked() {
	e.metrics.sendRate.Set(e.tr.SendRate())
	e.metrics.receiveRate.Set(e.tr.ReceiveRate())
	e.metrics.audioBuffered.Set(float64(e.relay.Buffered()))
	if e.cfg.Role == protocol.RoleHost {
		e.metrics.frameInterval.Set(float64(e.sendEvery))
		e.metrics.frameBudget.Set(float64(e.enc.Budget()))
		e.metrics.keyframeAvg.Set(e.enc.KeyframeSizeAverage())
	} else {
		e.metrics.frameInterval.Set(float64(e.interval.Interval()))
	}
}

// MixAudio mixes relayed client voice into the host's audio output slices
// and returns the number of bytes mixed.
func (e *Engine) MixAudio(out ...[]byte) int {
	if e.cfg.Role != protocol.RoleHost {
		return 0
	}
	return e.relay.Drain(out...)
}

// FillAudio copies relayed host audio into the client's output slices and
// zero fills whatever the relay could not supply. It returns the number of
// relayed bytes.
func (e *Engine) FillAudio(out ...[]byte) int {
	if e.cfg.Role != protocol.RoleClient {
		return 0
	}
	n := e.relay.Drain(out...)
	skip := n
	for _, o := range out {
		if skip >= len(o) {
			skip -= len(o)
			continue
		}
		clear(o[skip:])
		skip = 0
	}
	return n
}

func (e *Engine) session() *session.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess
}

// RequestDownsample asks the host to switch user downsampling on or off.
func (e *Engine) RequestDownsample(on bool) error {
	if e.cfg.Role != protocol.RoleClient {
		return ErrWrongRole
	}
	if !e.running.Load() {
		return ErrStopped
	}
	if !e.session().Exchanging() {
		return session.ErrNotExchanging
	}
	return e.tr.Send(protocol.DownsampleRequest{Enabled: on}, protocol.Reliable)
}

// SetPaused announces a pause state change to the peer.
func (e *Engine) SetPaused(paused bool) error {
	if !e.running.Load() {
		return ErrStopped
	}
	if !e.session().Exchanging() {
		return session.ErrNotExchanging
	}
	mode := protocol.Mode{
		Role:   e.cfg.Role,
		Voice:  e.cfg.Role == protocol.RoleClient && e.cfg.Voice != nil,
		Paused: paused,
	}
	return e.tr.Send(mode, protocol.Reliable)
}

// SendMessage sends a chat message and returns its id, which the peer's
// acknowledgement will carry.
func (e *Engine) SendMessage(text string) (uint64, error) {
	if !e.running.Load() {
		return 0, ErrStopped
	}
	id := e.msgID.Add(1)
	if err := e.session().SendMessage(id, text); err != nil {
		return 0, err
	}
	return id, nil
}

// Run ticks the engine at the configured tick rate until ctx is cancelled
// or the engine is stopped, then stops it.
func (e *Engine) Run(ctx context.Context) error {
	t := time.NewTicker(time.Duration(float64(time.Second) / e.cfg.TickRate))
	defer t.Stop()
	defer e.Stop()

	e.log.Info("engine running", "tick_rate", e.cfg.TickRate)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if !e.running.Load() {
				return nil
			}
			e.Tick()
		}
	}
}

// Stop ends streaming: blocked encodes return at once, the peer gets a
// goodbye, the session is torn down and the transport closed. The
// notification channel is closed afterwards. Stop is idempotent.
func (e *Engine) Stop() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}
	if e.enc != nil {
		e.enc.Stop()
	}

	e.mu.Lock()
	e.sess.Close()
	close(e.notes)
	e.mu.Unlock()

	if err := e.tr.Close(); err != nil {
		e.log.Warn("transport close failed", "error", err)
	}
	e.log.Info("engine stopped")
}

// Running reports whether Stop has not been called.
func (e *Engine) Running() bool {
	return e.running.Load()
}
