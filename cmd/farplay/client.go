package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
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
	dialTimeout = 10 * time.Second
	voiceHz     = 220

	// scriptHold is the number of polls each scripted button state lasts.
	scriptHold = 30
)

func clientCmd(opts *globalOptions) *cobra.Command {
	var (
		flags       streamFlags
		fingerprint string
		voice       bool
	)

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Connect to a host and play",
		Long: `Connect to a host and play.

QUIC connections pin the host certificate: pass the fingerprint the host
logged at startup. WebSocket connections take a ws:// URL ending in /play.

Examples:
  farplay client --addr=192.0.2.10:4450 --fingerprint=3f:a2:...
  farplay client --transport=websocket --addr=ws://192.0.2.10:4451/play --voice`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts, "client")
			if err != nil {
				return err
			}
			if cfg.APIAddr == config.Default().APIAddr {
				cfg.APIAddr = ""
			}
			flags.apply(cmd, &cfg)
			if cmd.Flags().Changed("fingerprint") {
				cfg.Fingerprint = fingerprint
			}
			if cmd.Flags().Changed("voice") {
				cfg.Audio.Voice = voice
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			return runClient(ctx, cfg)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&fingerprint, "fingerprint", "f", "", "Host certificate SHA-256, hex or base64")
	cmd.Flags().BoolVar(&voice, "voice", false, "Send a synthetic voice tone to the host")
	return cmd
}

func dialHost(ctx context.Context, cfg config.Config) (transport.Transport, error) {
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	switch cfg.Transport {
	case config.TransportWebSocket:
		return transport.DialWebSocket(ctx, cfg.Addr, transport.WebSocketConfig{})
	default:
		if cfg.Fingerprint == "" {
			return nil, errors.New("quic client requires --fingerprint")
		}
		fp, err := certs.ParseFingerprint(cfg.Fingerprint)
		if err != nil {
			return nil, err
		}
		return transport.DialQUIC(ctx, transport.QUICConfig{
			Addr:        cfg.Addr,
			Fingerprint: fp,
			IdleTimeout: cfg.Stream.IdleTimeout,
		})
	}
}

func runClient(ctx context.Context, cfg config.Config) error {
	slog.Info("connecting", "transport", cfg.Transport, "addr", cfg.Addr)
	tr, err := dialHost(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", cfg.Addr, err)
	}

	rec, closeRec, err := openRecorder(cfg, slog.Default())
	if err != nil {
		tr.Close()
		return err
	}
	defer closeRec()

	reg := newRegistry()
	ecfg := engineConfig(cfg, reg)
	ecfg.Role = protocol.RoleClient
	ecfg.Transport = tr
	ecfg.Present = &testsrc.Screen{}
	ecfg.Input = testsrc.NewScript(0, scriptHold, 0x00, 0x01, 0x80, 0x81)
	ecfg.Recorder = rec
	if cfg.Audio.Voice {
		ecfg.Voice = testsrc.NewTone(voiceHz, cfg.Audio.SampleRate, toneAmplitude)
	}

	eng, err := engine.New(ecfg)
	if err != nil {
		tr.Close()
		return err
	}
	apiSrv, err := api.NewServer(api.ServerConfig{Engine: eng, Gatherer: reg})
	if err != nil {
		eng.Stop()
		return err
	}

	slog.Info("farplay client started", "version", version, "name", cfg.Name, "voice", cfg.Audio.Voice)
	a := &app{cfg: cfg, eng: eng, api: apiSrv, drain: eng.FillAudio, exitOnTeardown: true}
	return a.run(ctx)
}
