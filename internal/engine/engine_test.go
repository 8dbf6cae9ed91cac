package engine

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/zsiec/farplay/internal/framecodec"
	"github.com/zsiec/farplay/internal/protocol"
	"github.com/zsiec/farplay/internal/session"
	"github.com/zsiec/farplay/internal/transport"
)

const (
	testWidth  = 64
	testHeight = 48
	tickStep   = time.Second / 60
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// patternSource draws diagonal bands that move one pixel per frame.
type patternSource struct {
	mu    sync.Mutex
	shift int
}

var _ FrameSource = (*patternSource)(nil)

func (p *patternSource) CurrentFrame() *framecodec.Frame {
	p.mu.Lock()
	shift := p.shift
	p.shift++
	p.mu.Unlock()

	f := &framecodec.Frame{
		Width:   testWidth,
		Height:  testHeight,
		Pixels:  make([]uint8, testWidth*testHeight),
		Palette: make([]uint32, 16),
	}
	for i := range f.Palette {
		f.Palette[i] = 0xFF000000 | uint32(i)*0x00111111
	}
	for y := 0; y < testHeight; y++ {
		for x := 0; x < testWidth; x++ {
			f.Pixels[y*testWidth+x] = uint8(((x+shift)/8 + y/8) % 5)
		}
	}
	return f
}

// constantAudio yields samples of one fixed value.
type constantAudio struct{ sample int16 }

var _ AudioSource = constantAudio{}

func (a constantAudio) ReadPCM(p []byte) int {
	for i := 0; i+1 < len(p); i += 2 {
		p[i] = byte(a.sample)
		p[i+1] = byte(uint16(a.sample) >> 8)
	}
	return len(p) &^ 1
}

type fixedPad struct{ buttons uint32 }

var _ InputDevice = fixedPad{}

func (p fixedPad) PollInput() protocol.Input {
	return protocol.Input{Port: 1, Buttons: p.buttons}
}

type recordingSink struct {
	mu     sync.Mutex
	inputs []protocol.Input
	resets int
}

var _ InputSink = (*recordingSink)(nil)

func (s *recordingSink) ApplyInput(in protocol.Input) {
	s.mu.Lock()
	s.inputs = append(s.inputs, in)
	s.mu.Unlock()
}

func (s *recordingSink) ResetInput() {
	s.mu.Lock()
	s.resets++
	s.mu.Unlock()
}

func (s *recordingSink) snapshot() ([]protocol.Input, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Input(nil), s.inputs...), s.resets
}

type recordingScreen struct {
	mu     sync.Mutex
	frames []*framecodec.Decoded
}

var _ FrameSink = (*recordingScreen)(nil)

func (s *recordingScreen) PresentFrame(f *framecodec.Decoded) {
	s.mu.Lock()
	s.frames = append(s.frames, f)
	s.mu.Unlock()
}

func (s *recordingScreen) last() (*framecodec.Decoded, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return nil, 0
	}
	return s.frames[len(s.frames)-1], len(s.frames)
}

// relink is a host transport whose peer can be replaced, standing in for a
// listener that accepts a new connection after the old one closed.
type relink struct {
	mu  sync.Mutex
	cur *transport.Pipe
	cfg transport.PipeConfig
}

var (
	_ transport.Transport    = (*relink)(nil)
	_ transport.Disconnector = (*relink)(nil)
)

// connect replaces the current link and returns the new peer end.
func (r *relink) connect() *transport.Pipe {
	a, b := transport.NewPipe(r.cfg)
	r.mu.Lock()
	r.cur = a
	r.mu.Unlock()
	return b
}

func (r *relink) pipe() *transport.Pipe {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cur
}

func (r *relink) Send(ev protocol.Event, ch protocol.Channel) error { return r.pipe().Send(ev, ch) }
func (r *relink) TryRecvEvent() (protocol.Event, bool)             { return r.pipe().TryRecvEvent() }
func (r *relink) TryRecvFrame() (protocol.Frame, bool)             { return r.pipe().TryRecvFrame() }
func (r *relink) TryRecvAudio() (protocol.Audio, bool)             { return r.pipe().TryRecvAudio() }
func (r *relink) Connected() bool                                  { return r.pipe().Connected() }
func (r *relink) SendRate() float64                                { return r.pipe().SendRate() }
func (r *relink) ReceiveRate() float64                             { return r.pipe().ReceiveRate() }
func (r *relink) Close() error                                     { return r.pipe().Close() }
func (r *relink) Disconnect()                                      { r.pipe().Disconnect() }

type loop struct {
	clock    *fakeClock
	host     *Engine
	client   *Engine
	hostTr   *transport.Pipe
	clientTr *transport.Pipe
	sink     *recordingSink
	screen   *recordingScreen
	hostReg  *prometheus.Registry
	cliReg   *prometheus.Registry
}

// newLoop wires a host and a client engine over a pipe. mutate may adjust
// either config before the engines are built.
func newLoop(t *testing.T, mutate func(host, client *Config)) *loop {
	t.Helper()
	l := &loop{
		clock:   newFakeClock(),
		sink:    &recordingSink{},
		screen:  &recordingScreen{},
		hostReg: prometheus.NewRegistry(),
		cliReg:  prometheus.NewRegistry(),
	}
	l.hostTr, l.clientTr = transport.NewPipe(transport.PipeConfig{Now: l.clock.Now})

	hostCfg := Config{
		Role:      protocol.RoleHost,
		Name:      "host",
		Transport: l.hostTr,
		Frames:    &patternSource{},
		GameAudio: constantAudio{sample: 1000},
		InputSink: l.sink,
		Width:     testWidth,
		Height:    testHeight,
		Registry:  l.hostReg,
		Now:       l.clock.Now,
	}
	clientCfg := Config{
		Role:      protocol.RoleClient,
		Name:      "client",
		Transport: l.clientTr,
		Present:   l.screen,
		Input:     fixedPad{buttons: 0x81},
		Registry:  l.cliReg,
		Now:       l.clock.Now,
	}
	if mutate != nil {
		mutate(&hostCfg, &clientCfg)
	}

	var err error
	if l.host, err = New(hostCfg); err != nil {
		t.Fatalf("New host: %v", err)
	}
	if l.client, err = New(clientCfg); err != nil {
		t.Fatalf("New client: %v", err)
	}
	t.Cleanup(func() {
		l.client.Stop()
		l.host.Stop()
	})
	return l
}

func (l *loop) step(n int) {
	for i := 0; i < n; i++ {
		l.clock.Advance(tickStep)
		l.host.Tick()
		l.client.Tick()
	}
}

func drainNotes(e *Engine) []session.Notification {
	var out []session.Notification
	for {
		select {
		case n, ok := <-e.Notifications():
			if !ok {
				return out
			}
			out = append(out, n)
		default:
			return out
		}
	}
}

func findNote(notes []session.Notification, kind session.NotificationKind) (session.Notification, bool) {
	for _, n := range notes {
		if n.Kind == kind {
			return n, true
		}
	}
	return session.Notification{}, false
}

func metricValue(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var pb dto.Metric
	if err := m.Write(&pb); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	switch {
	case pb.Counter != nil:
		return pb.Counter.GetValue()
	case pb.Gauge != nil:
		return pb.Gauge.GetValue()
	}
	t.Fatalf("metric %v is neither counter nor gauge", m.Desc())
	return 0
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()
	a, _ := transport.NewPipe(transport.PipeConfig{})

	tests := []struct {
		name string
		cfg  Config
	}{
		{"no transport", Config{Role: protocol.RoleClient}},
		{"bad role", Config{Role: 9, Transport: a}},
		{"host without frames", Config{Role: protocol.RoleHost, Transport: a, Width: 8, Height: 8}},
		{"host without geometry", Config{Role: protocol.RoleHost, Transport: a, Frames: &patternSource{}}},
		{"host too large", Config{Role: protocol.RoleHost, Transport: a, Frames: &patternSource{}, Width: 1024, Height: 1024}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := New(tt.cfg); err == nil {
				t.Fatal("New succeeded, want error")
			}
		})
	}
}

func TestHandshakeStartsStreaming(t *testing.T) {
	t.Parallel()
	l := newLoop(t, nil)
	l.step(3)

	hs, cs := l.host.Snapshot(), l.client.Snapshot()
	if hs.Session.State != "exchanging" || cs.Session.State != "exchanging" {
		t.Fatalf("states = %q / %q, want exchanging", hs.Session.State, cs.Session.State)
	}
	if hs.Session.PeerName != "client" || cs.Session.PeerName != "host" {
		t.Fatalf("peer names = %q / %q", hs.Session.PeerName, cs.Session.PeerName)
	}
	if cs.Session.Width != testWidth || cs.Session.Height != testHeight {
		t.Fatalf("client geometry = %dx%d, want %dx%d", cs.Session.Width, cs.Session.Height, testWidth, testHeight)
	}
	if _, ok := findNote(drainNotes(l.host), session.NotifyStreaming); !ok {
		t.Fatal("host raised no streaming notification")
	}
	if _, ok := findNote(drainNotes(l.client), session.NotifyStreaming); !ok {
		t.Fatal("client raised no streaming notification")
	}
	if got := metricValue(t, l.host.metrics.sessions); got != 1 {
		t.Fatalf("sessions_total = %v, want 1", got)
	}
}

func TestFramesArePresented(t *testing.T) {
	t.Parallel()
	l := newLoop(t, nil)
	l.step(20)

	last, n := l.screen.last()
	if n == 0 {
		t.Fatal("no frame presented")
	}
	hs := l.host.Snapshot()
	if last.Seq != hs.LastSeq {
		t.Fatalf("presented seq %d, host sent %d", last.Seq, hs.LastSeq)
	}
	if last.Width != testWidth || last.Height != testHeight {
		t.Fatalf("presented %dx%d", last.Width, last.Height)
	}
	if hs.FramesSent == 0 || hs.FramesSent != l.client.Snapshot().FramesDecoded {
		t.Fatalf("host sent %d frames, client decoded %d", hs.FramesSent, l.client.Snapshot().FramesDecoded)
	}
	if got := metricValue(t, l.client.metrics.framesDecoded); got != float64(hs.FramesSent) {
		t.Fatalf("frames_decoded_total = %v, want %d", got, hs.FramesSent)
	}
}

func TestFrameIntervalSkipsTicks(t *testing.T) {
	t.Parallel()
	l := newLoop(t, func(h, c *Config) {
		h.FrameInterval = 3
	})
	l.step(3)
	before := l.host.Snapshot().FramesSent
	l.step(30)
	sent := l.host.Snapshot().FramesSent - before
	if sent != 10 {
		t.Fatalf("sent %d frames over 30 ticks at interval 3, want 10", sent)
	}
}

func TestHostAdoptsLargerClientInterval(t *testing.T) {
	t.Parallel()
	l := newLoop(t, func(h, c *Config) {
		c.FrameInterval = 2
	})
	l.step(3)
	if got := l.host.Snapshot().FrameInterval; got != 2 {
		t.Fatalf("host interval = %d, want 2", got)
	}
}

func TestInputReachesHost(t *testing.T) {
	t.Parallel()
	l := newLoop(t, nil)
	l.step(10)

	inputs, resets := l.sink.snapshot()
	if len(inputs) == 0 {
		t.Fatal("host applied no input")
	}
	for i, in := range inputs {
		if in.Buttons != 0x81 || in.Port != 1 {
			t.Fatalf("input %d = %+v", i, in)
		}
		if i > 0 && in.Frame <= inputs[i-1].Frame {
			t.Fatalf("input frames not increasing: %d after %d", in.Frame, inputs[i-1].Frame)
		}
	}
	if resets == 0 {
		t.Fatal("handshake input reset not applied")
	}
}

func TestGameAudioReachesClient(t *testing.T) {
	t.Parallel()
	l := newLoop(t, nil)
	l.step(6)

	out := make([]byte, 512)
	if n := l.client.FillAudio(out); n != len(out) {
		t.Fatalf("FillAudio = %d, want %d", n, len(out))
	}
	want := []byte{0xe8, 0x03}
	if !bytes.Equal(out[:2], want) {
		t.Fatalf("first sample = %x, want %x", out[:2], want)
	}
	if n := l.host.FillAudio(out); n != 0 {
		t.Fatalf("host FillAudio = %d, want 0", n)
	}
}

func TestFillAudioZeroFillsUnderrun(t *testing.T) {
	t.Parallel()
	l := newLoop(t, func(h, c *Config) { h.GameAudio = nil })
	l.step(3)

	out := bytes.Repeat([]byte{0x55}, 64)
	if n := l.client.FillAudio(out[:32], out[32:]); n != 0 {
		t.Fatalf("FillAudio = %d, want 0", n)
	}
	if !bytes.Equal(out, make([]byte, 64)) {
		t.Fatalf("underrun not zero filled: %x", out)
	}
}

func TestVoiceMixedOnHost(t *testing.T) {
	t.Parallel()
	l := newLoop(t, func(h, c *Config) {
		h.GameAudio = nil
		c.Voice = constantAudio{sample: 200}
	})
	l.step(6)

	out := make([]byte, 4)
	binaryPut(out, 100, 100)
	if n := l.host.MixAudio(out); n != len(out) {
		t.Fatalf("MixAudio = %d, want %d", n, len(out))
	}
	if got := int16(uint16(out[0]) | uint16(out[1])<<8); got != 300 {
		t.Fatalf("mixed sample = %d, want 300", got)
	}
	if !l.host.Snapshot().Session.PeerVoice {
		t.Fatal("host does not see client voice")
	}
}

func binaryPut(b []byte, samples ...int16) {
	for i, s := range samples {
		b[2*i] = byte(s)
		b[2*i+1] = byte(uint16(s) >> 8)
	}
}

func TestVoiceIgnoredWithoutAnnouncement(t *testing.T) {
	t.Parallel()
	l := newLoop(t, func(h, c *Config) { h.GameAudio = nil })
	l.step(3)

	// Audio from a client that did not announce voice is not relayed.
	l.clientTr.Send(protocol.Audio{PCM: make([]byte, 64)}, protocol.Unreliable)
	l.step(1)
	if got := l.host.Snapshot().AudioBuffered; got != 0 {
		t.Fatalf("host buffered %d bytes of unannounced voice", got)
	}
}

func TestAudioLatencyCapResetsRelay(t *testing.T) {
	t.Parallel()
	l := newLoop(t, func(h, c *Config) {
		c.MaxAudioLatency = 2000
	})
	// Nothing drains the client relay, so it overflows the cap.
	l.step(10)

	st := l.client.Snapshot()
	if st.AudioResets == 0 {
		t.Fatal("relay never reset")
	}
	if st.AudioBuffered > 2000 {
		t.Fatalf("buffered %d bytes over the cap", st.AudioBuffered)
	}
	if got := metricValue(t, l.client.metrics.audioResets); got != float64(st.AudioResets) {
		t.Fatalf("audio_resets_total = %v, want %d", got, st.AudioResets)
	}
}

func TestDownsampleRequest(t *testing.T) {
	t.Parallel()
	l := newLoop(t, nil)

	if err := l.client.RequestDownsample(true); !errors.Is(err, session.ErrNotExchanging) {
		t.Fatalf("RequestDownsample before streaming = %v, want ErrNotExchanging", err)
	}
	if err := l.host.RequestDownsample(true); !errors.Is(err, ErrWrongRole) {
		t.Fatalf("host RequestDownsample = %v, want ErrWrongRole", err)
	}

	l.step(3)
	if err := l.client.RequestDownsample(true); err != nil {
		t.Fatalf("RequestDownsample: %v", err)
	}
	l.step(3)
	if !l.host.Snapshot().Downsample {
		t.Fatal("host encoder not downsampling")
	}
	last, _ := l.screen.last()
	if !last.Downsample.Half() {
		t.Fatalf("presented frame downsample = %v, want half", last.Downsample)
	}
}

func TestMessageExchange(t *testing.T) {
	t.Parallel()
	l := newLoop(t, nil)

	if _, err := l.client.SendMessage("early"); !errors.Is(err, session.ErrNotExchanging) {
		t.Fatalf("SendMessage before streaming = %v, want ErrNotExchanging", err)
	}
	l.step(3)
	drainNotes(l.host)
	drainNotes(l.client)

	id, err := l.client.SendMessage("gg")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	l.step(2)

	msg, ok := findNote(drainNotes(l.host), session.NotifyMessage)
	if !ok || msg.Message != "gg" || msg.ID != id || msg.Peer != "client" {
		t.Fatalf("host message notification = %+v", msg)
	}
	ack, ok := findNote(drainNotes(l.client), session.NotifyMessageAck)
	if !ok || ack.ID != id {
		t.Fatalf("client ack notification = %+v, want id %d", ack, id)
	}
}

func TestPauseRaisesModeChange(t *testing.T) {
	t.Parallel()
	l := newLoop(t, nil)
	l.step(3)
	drainNotes(l.client)

	if err := l.host.SetPaused(true); err != nil {
		t.Fatalf("SetPaused: %v", err)
	}
	l.step(1)
	if _, ok := findNote(drainNotes(l.client), session.NotifyModeChange); !ok {
		t.Fatal("client raised no mode change")
	}
	if !l.client.Snapshot().Session.PeerPaused {
		t.Fatal("client does not see host paused")
	}
}

func TestRateReportsWidenInterval(t *testing.T) {
	t.Parallel()
	l := newLoop(t, func(h, c *Config) {
		h.GameAudio = nil
		h.AdaptiveRate = true
		c.AdaptiveRate = true
	})
	// Every frame is lost, so the client observes far less than the host sent.
	l.hostTr.SetLoss(func(ev protocol.Event) bool { return ev.Type() == protocol.TypeFrame })

	for i := 0; i < 12*60 && l.host.Snapshot().FrameInterval == 1; i++ {
		l.step(1)
	}
	if got := l.host.Snapshot().FrameInterval; got != 2 {
		t.Fatalf("host interval = %d, want 2", got)
	}
	if got := l.client.Snapshot().FrameInterval; got != 2 {
		t.Fatalf("client interval = %d, want 2", got)
	}
	got := metricValue(t, l.client.metrics.rateChanges.WithLabelValues("interval", "degrade"))
	if got != 1 {
		t.Fatalf("interval degrades = %v, want 1", got)
	}
}

func TestRateReportsIgnoredWithoutOptIn(t *testing.T) {
	t.Parallel()
	l := newLoop(t, func(h, c *Config) {
		h.GameAudio = nil
		c.AdaptiveRate = true
	})
	l.hostTr.SetLoss(func(ev protocol.Event) bool { return ev.Type() == protocol.TypeFrame })
	l.step(12 * 60)
	if got := l.client.Snapshot().FrameInterval; got != 1 {
		t.Fatalf("client interval = %d, want 1 when the host did not opt in", got)
	}
}

func TestCorruptFrameCounted(t *testing.T) {
	t.Parallel()
	l := newLoop(t, nil)
	l.step(3)

	l.hostTr.Send(protocol.Frame{Seq: 1 << 40, Data: []byte("not a packet")}, protocol.Unreliable)
	l.client.Tick()

	if got := metricValue(t, l.client.metrics.framesRejected.WithLabelValues("corrupt")); got != 1 {
		t.Fatalf("corrupt rejects = %v, want 1", got)
	}
	if got := l.client.Snapshot().FramesRejected; got != 1 {
		t.Fatalf("FramesRejected = %d, want 1", got)
	}
}

func TestStopSendsGoodbye(t *testing.T) {
	t.Parallel()
	l := newLoop(t, nil)
	l.step(3)
	drainNotes(l.host)
	_, resetsBefore := l.sink.snapshot()

	l.client.Stop()
	l.client.Stop()
	if l.client.Running() {
		t.Fatal("client still running after Stop")
	}
	if _, err := l.client.SendMessage("late"); !errors.Is(err, ErrStopped) {
		t.Fatalf("SendMessage after Stop = %v, want ErrStopped", err)
	}

	notes := drainNotes(l.client)
	if n, ok := findNote(notes, session.NotifyDisconnected); !ok || n.Message != "session closed" {
		t.Fatalf("client notifications = %+v", notes)
	}
	if _, ok := <-l.client.Notifications(); ok {
		t.Fatal("notification channel open after Stop")
	}

	l.host.Tick()
	n, ok := findNote(drainNotes(l.host), session.NotifyDisconnected)
	if !ok || n.Message != "peer said goodbye" {
		t.Fatalf("host disconnect notification = %+v", n)
	}
	if _, resets := l.sink.snapshot(); resets <= resetsBefore {
		t.Fatal("host input not reset on teardown")
	}
	if !l.host.Snapshot().Session.Closed {
		t.Fatal("host session not closed")
	}
}

// relinkRig is a host on a replaceable link. Clients are attached one at a
// time with attach.
type relinkRig struct {
	t     *testing.T
	clock *fakeClock
	link  *relink
	host  *Engine
	first *transport.Pipe
}

func newRelinkRig(t *testing.T) *relinkRig {
	t.Helper()
	clock := newFakeClock()
	r := &relinkRig{t: t, clock: clock, link: &relink{cfg: transport.PipeConfig{Now: clock.Now}}}
	r.first = r.link.connect()

	host, err := New(Config{
		Role:      protocol.RoleHost,
		Name:      "host",
		Transport: r.link,
		Frames:    &patternSource{},
		Width:     testWidth,
		Height:    testHeight,
		Registry:  prometheus.NewRegistry(),
		Now:       clock.Now,
	})
	if err != nil {
		t.Fatalf("New host: %v", err)
	}
	t.Cleanup(host.Stop)
	r.host = host
	return r
}

// attach builds a client on tr: r.first, or a later r.link.connect().
func (r *relinkRig) attach(tr *transport.Pipe, screen FrameSink) *Engine {
	r.t.Helper()
	c, err := New(Config{
		Role:      protocol.RoleClient,
		Name:      "client",
		Transport: tr,
		Present:   screen,
		Registry:  prometheus.NewRegistry(),
		Now:       r.clock.Now,
	})
	if err != nil {
		r.t.Fatalf("New client: %v", err)
	}
	r.t.Cleanup(c.Stop)
	return c
}

func (r *relinkRig) run(c *Engine, n int) {
	for i := 0; i < n; i++ {
		r.clock.Advance(tickStep)
		r.host.Tick()
		c.Tick()
	}
}

func TestHostAcceptsNewPeerAfterTeardown(t *testing.T) {
	t.Parallel()
	r := newRelinkRig(t)

	c1 := r.attach(r.first, &recordingScreen{})
	r.run(c1, 5)
	c1.Stop()
	r.run(c1, 2)
	if !r.host.Snapshot().Session.Closed {
		t.Fatal("host session not closed after goodbye")
	}

	screen := &recordingScreen{}
	c2 := r.attach(r.link.connect(), screen)
	r.run(c2, 6)

	st := r.host.Snapshot()
	if st.Session.Closed || st.Session.State != "exchanging" {
		t.Fatalf("host session = %+v, want a fresh exchanging session", st.Session)
	}
	if _, n := screen.last(); n == 0 {
		t.Fatal("second client got no frames")
	}
	if got := metricValue(t, r.host.metrics.sessions); got != 2 {
		t.Fatalf("sessions_total = %v, want 2", got)
	}
}

func TestHostDropsPeerAfterReceiveOverflow(t *testing.T) {
	t.Parallel()
	r := newRelinkRig(t)
	clientEnd := r.first
	c1 := r.attach(clientEnd, &recordingScreen{})
	r.run(c1, 6)
	if st := r.host.Snapshot().Session; st.State != "exchanging" {
		t.Fatalf("host session = %+v, want exchanging", st)
	}

	// Overrun the host's reliable receive queue while the peer stays attached.
	for i := 0; i < transport.DefaultEventQueue+100; i++ {
		if err := clientEnd.Send(protocol.MessageAck{ID: uint64(i)}, protocol.Reliable); err != nil {
			t.Fatalf("Send ack %d: %v", i, err)
		}
	}
	r.run(c1, 5)

	if r.link.Connected() {
		t.Fatal("host kept the peer attached after its session ended")
	}
	if !r.host.Snapshot().Session.Closed {
		t.Fatal("host session not closed")
	}
	n, ok := findNote(drainNotes(c1), session.NotifyDisconnected)
	if !ok || n.Message != "peer said goodbye" {
		t.Fatalf("client disconnect notification = %+v", n)
	}
	if !c1.Snapshot().Session.Closed {
		t.Fatal("client still streaming after the host dropped it")
	}

	sent := r.host.Snapshot().FramesSent
	r.run(c1, 60)
	if got := r.host.Snapshot().FramesSent; got != sent {
		t.Fatalf("FramesSent = %d after drop, want %d", got, sent)
	}

	screen := &recordingScreen{}
	c2 := r.attach(r.link.connect(), screen)
	r.run(c2, 6)
	if st := r.host.Snapshot().Session; st.Closed || st.State != "exchanging" {
		t.Fatalf("host session = %+v, want a fresh exchanging session", st)
	}
	if _, n := screen.last(); n == 0 {
		t.Fatal("next client got no frames")
	}
}
