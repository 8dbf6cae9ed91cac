package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"

	"github.com/zsiec/farplay/internal/config"
)

func TestStreamFlagsApplyOnlyChanged(t *testing.T) {
	t.Parallel()
	var flags streamFlags
	cmd := &cobra.Command{Use: "test"}
	flags.register(cmd)
	if err := cmd.ParseFlags([]string{"--name=alice", "--interval=5", "--adaptive=false"}); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}

	cfg := config.Default()
	flags.apply(cmd, &cfg)

	if cfg.Name != "alice" {
		t.Fatalf("Name = %q, want alice", cfg.Name)
	}
	if cfg.Stream.FrameInterval != 5 || cfg.Stream.MaxInterval != 5 {
		t.Fatalf("interval = %d max %d, want 5 and 5", cfg.Stream.FrameInterval, cfg.Stream.MaxInterval)
	}
	if cfg.Stream.AdaptiveRate {
		t.Fatal("adaptive rate still enabled")
	}
	if cfg.Addr != config.Default().Addr || cfg.Transport != config.TransportQUIC {
		t.Fatalf("unchanged flags overrode config: addr %q transport %q", cfg.Addr, cfg.Transport)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadConfigForcesRole(t *testing.T) {
	path := filepath.Join(t.TempDir(), "farplay.yml")
	if err := os.WriteFile(path, []byte("role: host\nname: den\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("FARPLAY_ROLE", "host")

	cfg, err := loadConfig(&globalOptions{configPath: path}, "client")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Role != "client" || cfg.Name != "den" {
		t.Fatalf("role %q name %q, want client and den", cfg.Role, cfg.Name)
	}
}

func TestEngineConfigFromConfig(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	ecfg := engineConfig(cfg, nil)
	if ecfg.Width != cfg.Stream.Width || ecfg.SampleRate != cfg.Audio.SampleRate {
		t.Fatalf("engine config %+v does not mirror config", ecfg)
	}
	if ecfg.MaxAudioLatency != cfg.Audio.MaxLatencyBytes() {
		t.Fatalf("MaxAudioLatency = %d, want %d", ecfg.MaxAudioLatency, cfg.Audio.MaxLatencyBytes())
	}
}
