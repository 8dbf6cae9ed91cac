package transport

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/zsiec/farplay/internal/protocol"
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

// waitEvent polls tr until an event arrives or the timeout passes.
func waitEvent(t *testing.T, tr Transport, timeout time.Duration) protocol.Event {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if ev, ok := tr.TryRecvEvent(); ok {
			return ev
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("no event within %v", timeout)
	return nil
}

func waitFor(t *testing.T, what string, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPipeDeliversEachKind(t *testing.T) {
	t.Parallel()
	a, b := NewPipe(PipeConfig{})

	sent := []protocol.Event{
		protocol.Name{Name: "alice"},
		protocol.Input{Frame: 9, Port: 1, Buttons: 0x30},
		protocol.Message{ID: 4, Text: "gg"},
	}
	for _, ev := range sent {
		if err := a.Send(ev, ev.Type().Channel()); err != nil {
			t.Fatalf("Send(%v): %v", ev.Type(), err)
		}
	}
	if err := a.Send(protocol.Frame{Seq: 3, Data: []byte{1, 2, 3}}, protocol.Unreliable); err != nil {
		t.Fatalf("Send frame: %v", err)
	}
	if err := a.Send(protocol.Audio{PCM: []byte{5, 6}}, protocol.Unreliable); err != nil {
		t.Fatalf("Send audio: %v", err)
	}

	var got []protocol.Event
	for {
		ev, ok := b.TryRecvEvent()
		if !ok {
			break
		}
		got = append(got, ev)
	}
	if diff := cmp.Diff(sent, got); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}

	f, ok := b.TryRecvFrame()
	if !ok || f.Seq != 3 || !bytes.Equal(f.Data, []byte{1, 2, 3}) {
		t.Fatalf("TryRecvFrame = %+v, %v", f, ok)
	}
	au, ok := b.TryRecvAudio()
	if !ok || !bytes.Equal(au.PCM, []byte{5, 6}) {
		t.Fatalf("TryRecvAudio = %+v, %v", au, ok)
	}
	if _, ok := b.TryRecvFrame(); ok {
		t.Fatal("second frame appeared")
	}
}

func TestPipeRejectsLocalEvents(t *testing.T) {
	t.Parallel()
	a, _ := NewPipe(PipeConfig{})
	err := a.Send(protocol.TransportError{Message: "x"}, protocol.Reliable)
	if !errors.Is(err, ErrLocalOnly) {
		t.Fatalf("Send(TransportError) err = %v, want ErrLocalOnly", err)
	}
}

func TestPipeCloseNotifiesPeer(t *testing.T) {
	t.Parallel()
	a, b := NewPipe(PipeConfig{})
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if a.Connected() || b.Connected() {
		t.Fatal("ends still connected after Close")
	}

	ev, ok := b.TryRecvEvent()
	if _, isErr := ev.(protocol.TransportError); !ok || !isErr {
		t.Fatalf("peer event = %#v, want TransportError", ev)
	}
	if _, ok := a.TryRecvEvent(); ok {
		t.Fatal("closing end received its own failure")
	}

	if err := a.Send(protocol.Goodbye{}, protocol.Reliable); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after Close err = %v, want ErrClosed", err)
	}
	if err := b.Send(protocol.Goodbye{}, protocol.Reliable); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send to closed peer err = %v, want ErrNotConnected", err)
	}
}

func TestPipeDisconnectKeepsEndOpen(t *testing.T) {
	t.Parallel()
	a, b := NewPipe(PipeConfig{})
	if err := b.Send(protocol.Name{Name: "stale"}, protocol.Reliable); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := a.Send(protocol.Goodbye{}, protocol.Reliable); err != nil {
		t.Fatalf("Send goodbye: %v", err)
	}
	a.Disconnect()
	a.Disconnect()

	if a.Connected() || b.Connected() {
		t.Fatal("ends still connected after Disconnect")
	}
	if ev, ok := a.TryRecvEvent(); ok {
		t.Fatalf("disconnected end kept %#v", ev)
	}
	if ev := waitEvent(t, b, time.Second); ev.Type() != protocol.TypeGoodbye {
		t.Fatalf("first peer event = %v, want goodbye", ev.Type())
	}
	if ev := waitEvent(t, b, time.Second); ev.Type() != protocol.TypeTransportError {
		t.Fatalf("second peer event = %v, want transport-error", ev.Type())
	}
	if _, ok := b.TryRecvEvent(); ok {
		t.Fatal("peer notified more than once")
	}

	if err := a.Send(protocol.Goodbye{}, protocol.Reliable); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send after Disconnect err = %v, want ErrNotConnected", err)
	}
}

func TestPipeLossOnlyAffectsUnreliable(t *testing.T) {
	t.Parallel()
	a, b := NewPipe(PipeConfig{})
	a.SetLoss(func(protocol.Event) bool { return true })

	a.Send(protocol.RateReport{BytesPerSecond: 1}, protocol.Unreliable)
	a.Send(protocol.Begin{}, protocol.Reliable)

	ev, ok := b.TryRecvEvent()
	if !ok || ev.Type() != protocol.TypeBegin {
		t.Fatalf("received %#v, want only Begin", ev)
	}
	if _, ok := b.TryRecvEvent(); ok {
		t.Fatal("lossy unreliable event was delivered")
	}
	if got := a.Stats().SendDropped; got != 1 {
		t.Fatalf("SendDropped = %d, want 1", got)
	}
}

func TestPipeRates(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	a, b := NewPipe(PipeConfig{Now: clk.Now})

	frame := protocol.Frame{Seq: 1, Data: make([]byte, 998)}
	data, err := protocol.Marshal(frame)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for i := 0; i < 4; i++ {
		a.Send(frame, protocol.Unreliable)
		b.TryRecvFrame()
	}

	want := float64(4*len(data)) / DefaultMeterWindow.Seconds()
	if got := a.SendRate(); got != want {
		t.Fatalf("SendRate = %v, want %v", got, want)
	}
	if got := b.ReceiveRate(); got != want {
		t.Fatalf("ReceiveRate = %v, want %v", got, want)
	}

	clk.Advance(3 * time.Second)
	if got := a.SendRate(); got != 0 {
		t.Fatalf("SendRate after window = %v, want 0", got)
	}
	if got := a.Stats().BytesSent; got != int64(4*len(data)) {
		t.Fatalf("BytesSent = %d, want %d", got, 4*len(data))
	}
}

func TestPipeDropsMalformedInput(t *testing.T) {
	t.Parallel()
	_, b := NewPipe(PipeConfig{})
	b.receive([]byte{0x7f, 0x00})
	b.receive([]byte{byte(protocol.TypeTransportError), 0x00})

	if _, ok := b.TryRecvEvent(); ok {
		t.Fatal("malformed input produced an event")
	}
	if got := b.Stats().ParseErrors; got != 2 {
		t.Fatalf("ParseErrors = %d, want 2", got)
	}
}

func TestInboxLimits(t *testing.T) {
	t.Parallel()
	in := newInbox(QueueConfig{Events: 2, Frames: 1, Audio: 1}, nil)

	in.deliver(protocol.Frame{Seq: 1})
	in.deliver(protocol.Frame{Seq: 2})
	in.deliver(protocol.Audio{})
	in.deliver(protocol.Audio{})
	if got := in.dropped.Load(); got != 2 {
		t.Fatalf("dropped = %d, want 2", got)
	}
	if f, _ := in.nextFrame(); f.Seq != 1 {
		t.Fatalf("kept frame %d, want the oldest", f.Seq)
	}

	in.deliver(protocol.Begin{})
	in.deliver(protocol.Begin{})
	in.deliver(protocol.Input{})
	if got := in.dropped.Load(); got != 3 {
		t.Fatalf("dropped = %d, want 3 after unreliable overflow", got)
	}

	// A reliable overflow is a broken link, reported once.
	in.deliver(protocol.Goodbye{})
	in.deliver(protocol.Goodbye{})
	var kinds []protocol.Type
	for {
		ev, ok := in.nextEvent()
		if !ok {
			break
		}
		kinds = append(kinds, ev.Type())
	}
	want := []protocol.Type{protocol.TypeBegin, protocol.TypeBegin, protocol.TypeTransportError}
	if diff := cmp.Diff(want, kinds); diff != "" {
		t.Fatalf("queued kinds mismatch (-want +got):\n%s", diff)
	}
}

func TestInboxLimitsDefaultLogger(t *testing.T) {
	t.Parallel()
	ep := newEndpoint("test", QueueConfig{Events: 1}, nil, nil)
	ep.deliver(protocol.Begin{})
	ep.deliver(protocol.Goodbye{})
	if ev, _ := ep.TryRecvEvent(); ev.Type() != protocol.TypeBegin {
		t.Fatalf("first event = %v", ev.Type())
	}
	if ev, _ := ep.TryRecvEvent(); ev.Type() != protocol.TypeTransportError {
		t.Fatalf("second event = %v, want transport-error", ev.Type())
	}
}

func TestMeterWindow(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	m := NewMeter(2*time.Second, clk.Now)

	m.Record(1000)
	clk.Advance(time.Second)
	m.Record(3000)
	if got := m.Rate(); got != 2000 {
		t.Fatalf("Rate = %v, want 2000", got)
	}

	clk.Advance(1500 * time.Millisecond)
	if got := m.Rate(); got != 1500 {
		t.Fatalf("Rate after first entry expires = %v, want 1500", got)
	}
	m.Record(0)
	m.Record(-5)
	if got := m.Total(); got != 4000 {
		t.Fatalf("Total = %d, want 4000", got)
	}
}

func TestSplitAudio(t *testing.T) {
	t.Parallel()
	pcm := make([]byte, 2500)
	for i := range pcm {
		pcm[i] = byte(i)
	}

	chunks := splitAudio(protocol.Audio{PCM: pcm}, 1023)
	var joined []byte
	for _, c := range chunks {
		a := c.(protocol.Audio)
		if len(a.PCM) > 1022 || len(a.PCM)%2 != 0 {
			t.Fatalf("chunk of %d bytes", len(a.PCM))
		}
		joined = append(joined, a.PCM...)
	}
	if !bytes.Equal(joined, pcm) {
		t.Fatal("chunks do not reassemble the input")
	}
	if got := splitAudio(protocol.Audio{PCM: pcm[:10]}, MaxAudioChunk); len(got) != 1 {
		t.Fatalf("small audio split into %d chunks", len(got))
	}
}

func TestPeerSlotSendQueues(t *testing.T) {
	t.Parallel()
	ep := newEndpoint("test", QueueConfig{}, nil, nil)
	slot := peerSlot{ep: ep, queue: 1}

	if err := slot.send(protocol.Begin{}, protocol.Reliable); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("send without peer err = %v, want ErrNotConnected", err)
	}
	ob, ok := slot.attach("peer-1")
	if !ok {
		t.Fatal("attach failed")
	}
	if _, ok := slot.attach("peer-2"); ok {
		t.Fatal("second attach succeeded")
	}

	slot.send(protocol.Input{}, protocol.Unreliable)
	slot.send(protocol.Input{}, protocol.Unreliable)
	if got := ep.sendDropped.Load(); got != 1 {
		t.Fatalf("sendDropped = %d, want 1", got)
	}

	if err := slot.send(protocol.Begin{}, protocol.Reliable); err != nil {
		t.Fatalf("first reliable send: %v", err)
	}
	if err := slot.send(protocol.Begin{}, protocol.Reliable); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("overflowing send err = %v, want ErrQueueFull", err)
	}
	select {
	case <-ob.done:
	default:
		t.Fatal("overflow did not detach the peer")
	}
	if slot.connected() {
		t.Fatal("slot still connected after overflow")
	}
	if ev, _ := ep.TryRecvEvent(); ev == nil || ev.Type() != protocol.TypeTransportError {
		t.Fatalf("overflow event = %#v, want TransportError", ev)
	}
}
