package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/zsiec/farplay/internal/api"
	"github.com/zsiec/farplay/internal/certs"
	"github.com/zsiec/farplay/internal/config"
	"github.com/zsiec/farplay/internal/engine"
	"github.com/zsiec/farplay/internal/protocol"
	"github.com/zsiec/farplay/internal/testsrc"
	"github.com/zsiec/farplay/internal/transport"
)

const (
	toneHz        = 440
	toneAmplitude = 0.2
)

func hostCmd(opts *globalOptions) *cobra.Command {
	var (
		flags    streamFlags
		certFile string
		keyFile  string
		hosts    []string
	)

	cmd := &cobra.Command{
		Use:   "host",
		Short: "Serve a game session to one remote client",
		Long: `Serve a game session to one remote client.

With the QUIC transport the host presents a self-signed certificate whose
SHA-256 fingerprint is logged at startup; clients pin it with --fingerprint.
With the WebSocket transport clients connect to /play on the API address.

Examples:
  farplay host
  farplay host --transport=websocket --api-addr=:8080
  farplay host --cert=host.pem --key=host.key --byte-rate=120000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts, "host")
			if err != nil {
				return err
			}
			flags.apply(cmd, &cfg)
			if cmd.Flags().Changed("cert") {
				cfg.CertFile = certFile
			}
			if cmd.Flags().Changed("key") {
				cfg.KeyFile = keyFile
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			return runHost(ctx, cfg, hosts)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&certFile, "cert", "", "PEM certificate to reuse across restarts")
	cmd.Flags().StringVar(&keyFile, "key", "", "PEM private key for --cert")
	cmd.Flags().StringSliceVar(&hosts, "san", nil, "Extra certificate host names or IPs")
	return cmd
}

func loadCertificate(cfg config.Config, hosts []string) (*certs.CertInfo, error) {
	if cfg.CertFile != "" {
		return certs.LoadOrGenerate(cfg.CertFile, cfg.KeyFile, certs.MaxValidity, hosts...)
	}
	slog.Info("generating self-signed certificate")
	return certs.Generate(certs.MaxValidity, hosts...)
}

func runHost(ctx context.Context, cfg config.Config, hosts []string) error {
	cert, err := loadCertificate(cfg, hosts)
	if err != nil {
		return fmt.Errorf("certificate: %w", err)
	}
	slog.Info("certificate ready",
		"fingerprint", cert.FingerprintHex(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)

	var (
		tr    transport.Transport
		play  http.Handler
		serve func(context.Context) error
	)
	switch cfg.Transport {
	case config.TransportQUIC:
		q, err := transport.ListenQUIC(transport.QUICConfig{
			Addr:        cfg.Addr,
			Cert:        cert,
			IdleTimeout: cfg.Stream.IdleTimeout,
		})
		if err != nil {
			return err
		}
		tr, serve = q, q.Serve
	case config.TransportWebSocket:
		ws := transport.NewWebSocketHost(transport.WebSocketConfig{})
		tr, play = ws, ws
		if cfg.APIAddr == "" {
			return errors.New("websocket host needs an API address to serve /play")
		}
	}

	rec, closeRec, err := openRecorder(cfg, slog.Default())
	if err != nil {
		tr.Close()
		return err
	}
	defer closeRec()

	reg := newRegistry()
	ecfg := engineConfig(cfg, reg)
	ecfg.Role = protocol.RoleHost
	ecfg.Transport = tr
	ecfg.Frames = testsrc.NewPattern(cfg.Stream.Width, cfg.Stream.Height)
	ecfg.GameAudio = testsrc.NewTone(toneHz, cfg.Audio.SampleRate, toneAmplitude)
	ecfg.InputSink = testsrc.NewPad()
	ecfg.Recorder = rec

	eng, err := engine.New(ecfg)
	if err != nil {
		tr.Close()
		return err
	}
	apiSrv, err := api.NewServer(api.ServerConfig{
		Engine:   eng,
		Gatherer: reg,
		Play:     play,
		Cert:     cert,
		Addr:     cfg.Addr,
	})
	if err != nil {
		eng.Stop()
		return err
	}

	slog.Info("farplay host starting",
		"version", version,
		"transport", cfg.Transport,
		"addr", cfg.Addr,
		"api", cfg.APIAddr,
		"geometry", fmt.Sprintf("%dx%d", cfg.Stream.Width, cfg.Stream.Height),
	)

	a := &app{cfg: cfg, eng: eng, api: apiSrv, drain: eng.MixAudio}
	if serve == nil {
		return a.run(ctx)
	}

	// The listener outlives the engine so the goodbye sent by Stop is
	// flushed before the connection closes.
	serveCtx, stopServe := context.WithCancel(context.Background())
	defer stopServe()
	a.afterStop = stopServe
	return a.run(ctx, func(context.Context) error { return serve(serveCtx) })
}
