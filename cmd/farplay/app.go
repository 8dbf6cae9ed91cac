package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/farplay/internal/api"
	"github.com/zsiec/farplay/internal/audiorelay"
	"github.com/zsiec/farplay/internal/config"
	"github.com/zsiec/farplay/internal/engine"
	"github.com/zsiec/farplay/internal/session"
)

const (
	// audioPeriod is how often the simulated sound card pulls audio.
	audioPeriod  = 20 * time.Millisecond
	statusPeriod = 10 * time.Second
)

// streamFlags are the command-line overrides shared by host and client.
type streamFlags struct {
	addr      string
	apiAddr   string
	name      string
	transport string
	byteRate  int
	interval  int
	adaptive  bool
	record    string
}

func (f *streamFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVarP(&f.addr, "addr", "a", "", "Listen address (host) or dial target (client)")
	fs.StringVar(&f.apiAddr, "api-addr", "", "Stats API listen address, empty disables it on a client")
	fs.StringVarP(&f.name, "name", "n", "", "Display name announced to the peer")
	fs.StringVarP(&f.transport, "transport", "t", "", "Transport: quic or websocket")
	fs.IntVar(&f.byteRate, "byte-rate", 0, "Link capacity in bytes per second used for frame budgets")
	fs.IntVar(&f.interval, "interval", 0, "Preferred ticks between frames")
	fs.BoolVar(&f.adaptive, "adaptive", true, "Opt in to adaptive rate control")
	fs.StringVar(&f.record, "record", "", "Write relayed audio to this WAV file")
}

// apply copies the flags the user set over cfg.
func (f *streamFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	fs := cmd.Flags()
	if fs.Changed("addr") {
		cfg.Addr = f.addr
	}
	if fs.Changed("api-addr") {
		cfg.APIAddr = f.apiAddr
	}
	if fs.Changed("name") {
		cfg.Name = f.name
	}
	if fs.Changed("transport") {
		cfg.Transport = f.transport
	}
	if fs.Changed("byte-rate") {
		cfg.Stream.ByteRate = f.byteRate
	}
	if fs.Changed("interval") {
		cfg.Stream.FrameInterval = f.interval
		cfg.Stream.MaxInterval = max(cfg.Stream.MaxInterval, f.interval)
	}
	if fs.Changed("adaptive") {
		cfg.Stream.AdaptiveRate = f.adaptive
	}
	if fs.Changed("record") {
		cfg.Audio.Record = f.record
	}
}

// openRecorder creates the WAV recorder configured by cfg, if any.
func openRecorder(cfg config.Config, log *slog.Logger) (*audiorelay.Recorder, func(), error) {
	if cfg.Audio.Record == "" {
		return nil, func() {}, nil
	}
	f, err := os.Create(cfg.Audio.Record)
	if err != nil {
		return nil, nil, fmt.Errorf("creating recording: %w", err)
	}
	rec, err := audiorelay.NewRecorder(f, cfg.Audio.SampleRate, log)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	closeFn := func() {
		if err := rec.Close(); err != nil {
			log.Warn("closing recording", "error", err)
		}
		f.Close()
		log.Info("audio recording written", "path", cfg.Audio.Record, "samples", rec.Samples())
	}
	return rec, closeFn, nil
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func engineConfig(cfg config.Config, reg prometheus.Registerer) engine.Config {
	return engine.Config{
		Name:              cfg.Name,
		Width:             cfg.Stream.Width,
		Height:            cfg.Stream.Height,
		TickRate:          cfg.Stream.TickRate,
		FrameInterval:     cfg.Stream.FrameInterval,
		MaxInterval:       cfg.Stream.MaxInterval,
		ByteRate:          cfg.Stream.ByteRate,
		AdaptiveRate:      cfg.Stream.AdaptiveRate,
		SampleRate:        cfg.Audio.SampleRate,
		MaxAudioLatency:   cfg.Audio.MaxLatencyBytes(),
		KeyframeWait:      cfg.Stream.KeyframeWait,
		DisconnectTimeout: cfg.Stream.DisconnectTimeout,
		Registry:          reg,
		Log:               slog.Default(),
	}
}

// app runs one engine with its API server and helper loops.
type app struct {
	cfg config.Config
	eng *engine.Engine
	api *api.Server

	// drain pulls audio for the simulated sound card: MixAudio on a host,
	// FillAudio on a client.
	drain func(out ...[]byte) int

	// exitOnTeardown ends the program when the session ends.
	exitOnTeardown bool

	// afterStop runs once the engine has stopped.
	afterStop func()
}

// run blocks until ctx ends or a component fails.
func (a *app) run(ctx context.Context, extra ...func(context.Context) error) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := a.eng.Run(ctx)
		if a.afterStop != nil {
			a.afterStop()
		}
		return err
	})
	g.Go(func() error {
		return a.watchNotifications()
	})
	g.Go(func() error {
		a.pullAudio(ctx)
		return nil
	})
	g.Go(func() error {
		a.logStatus(ctx)
		return nil
	})
	for _, fn := range extra {
		g.Go(func() error { return fn(ctx) })
	}

	if a.cfg.APIAddr != "" {
		srv := &http.Server{
			Addr:              a.cfg.APIAddr,
			Handler:           a.api,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			slog.Info("stats API listening", "addr", a.cfg.APIAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("API server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err := g.Wait()
	if errors.Is(err, errSessionEnded) {
		return nil
	}
	return err
}

// watchNotifications logs session notifications and records them for the
// API until the engine stops.
func (a *app) watchNotifications() error {
	for n := range a.eng.Notifications() {
		a.api.Record(n)
		switch n.Kind {
		case session.NotifyMessage:
			slog.Info("message", "from", n.Peer, "text", n.Message)
		case session.NotifyError:
			slog.Warn("session error", "session", n.SessionID, "reason", n.Message)
		default:
			slog.Info("session "+n.Kind.String(), "session", n.SessionID, "peer", n.Peer, "detail", n.Message)
		}
		if a.exitOnTeardown && (n.Kind == session.NotifyDisconnected || n.Kind == session.NotifyError) {
			return errSessionEnded
		}
	}
	return nil
}

func (a *app) pullAudio(ctx context.Context) {
	samples := int(float64(a.cfg.Audio.SampleRate) * audioPeriod.Seconds())
	buf := make([]byte, samples*2)
	t := time.NewTicker(audioPeriod)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			clear(buf)
			a.drain(buf)
		}
	}
}

func (a *app) logStatus(ctx context.Context) {
	t := time.NewTicker(statusPeriod)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			st := a.eng.Snapshot()
			slog.Info("stream status",
				"state", st.Session.State,
				"peer", st.Session.PeerName,
				"interval", st.FrameInterval,
				"budget", st.FrameBudget,
				"sent", st.FramesSent,
				"decoded", st.FramesDecoded,
				"rejected", st.FramesRejected,
				"tx_bps", int(st.SendRate),
				"rx_bps", int(st.ReceiveRate),
			)
		}
	}
}
