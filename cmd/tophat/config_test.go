package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "tophat.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseOptionsDefaults(t *testing.T) {
	root := t.TempDir()

	opts, err := parseOptions([]string{"-root", root}, io.Discard)
	if err != nil {
		t.Fatalf("parseOptions failed: %v", err)
	}

	if opts.Root != root {
		t.Errorf("Root = %q, want %q", opts.Root, root)
	}
	if opts.Port != 8080 {
		t.Errorf("Port = %d, want 8080", opts.Port)
	}
	if time.Duration(opts.Timeout) != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", time.Duration(opts.Timeout))
	}
	if !opts.Compress || opts.Index != "index.html" {
		t.Errorf("Compress = %v, Index = %q", opts.Compress, opts.Index)
	}
}

func TestParseOptionsFlags(t *testing.T) {
	root := t.TempDir()

	opts, err := parseOptions([]string{
		"-root", root,
		"-port", "9090",
		"-backlog", "16",
		"-max-body", "2048",
		"-timeout", "5s",
		"-error-timeout", "250ms",
		"-metrics", ":9100",
		"-log-level", "debug",
		"-pretty",
	}, io.Discard)
	if err != nil {
		t.Fatalf("parseOptions failed: %v", err)
	}

	cfg := opts.serverConfig(zerolog.Nop())
	if cfg.Port != 9090 || cfg.Backlog != 16 || cfg.MaxBodySize != 2048 {
		t.Errorf("server config = port %d backlog %d max body %d", cfg.Port, cfg.Backlog, cfg.MaxBodySize)
	}
	if cfg.Timeout != 5*time.Second || cfg.ErrorTimeout != 250*time.Millisecond {
		t.Errorf("timeouts = %v, %v", cfg.Timeout, cfg.ErrorTimeout)
	}
	if opts.Metrics != ":9100" || opts.LogLevel != "debug" || !opts.Pretty {
		t.Errorf("opts = %+v", opts)
	}
}

func TestParseOptionsConfigFile(t *testing.T) {
	root := t.TempDir()
	path := writeConfig(t, `{
		"root": "`+filepath.ToSlash(root)+`",
		"port": 7070,
		"timeout": "10s",
		"error_timeout": 1.5,
		"compress": false,
		"log_level": "warn"
	}`)

	opts, err := parseOptions([]string{"-config", path, "-port", "6060"}, io.Discard)
	if err != nil {
		t.Fatalf("parseOptions failed: %v", err)
	}

	// Flags win over the file
	if opts.Port != 6060 {
		t.Errorf("Port = %d, want 6060", opts.Port)
	}
	if time.Duration(opts.Timeout) != 10*time.Second {
		t.Errorf("Timeout = %v, want 10s", time.Duration(opts.Timeout))
	}
	if time.Duration(opts.ErrorTimeout) != 1500*time.Millisecond {
		t.Errorf("ErrorTimeout = %v, want 1.5s", time.Duration(opts.ErrorTimeout))
	}
	if opts.Compress {
		t.Error("Compress = true, want false from file")
	}
	if opts.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn", opts.LogLevel)
	}
	if opts.ConfigFile != path {
		t.Errorf("ConfigFile = %q, want %q", opts.ConfigFile, path)
	}
}

func TestParseOptionsErrors(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "plain.txt")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		args    []string
		wantErr error
		substr  string
	}{
		{"no root", nil, ErrNoRoot, ""},
		{"port", []string{"-root", root, "-port", "70000"}, ErrInvalidPort, ""},
		{"root missing", []string{"-root", filepath.Join(root, "nope")}, os.ErrNotExist, ""},
		{"root is file", []string{"-root", file}, nil, "not a directory"},
		{"log level", []string{"-root", root, "-log-level", "loud"}, nil, "log level"},
		{"bad duration", []string{"-root", root, "-timeout", "soon"}, nil, "invalid value"},
		{"unknown field", []string{"-config", writeConfig(t, `{"root":"x","colour":"red"}`)}, nil, "colour"},
		{"missing file", []string{"-config", filepath.Join(root, "none.json")}, os.ErrNotExist, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseOptions(tt.args, io.Discard)
			if err == nil {
				t.Fatal("parseOptions succeeded, want error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
			if tt.substr != "" && !strings.Contains(err.Error(), tt.substr) {
				t.Errorf("err = %v, want it to mention %q", err, tt.substr)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer

	logger := newLogger(options{LogLevel: "warn"}, &buf)
	logger.Info().Msg("hidden")
	logger.Warn().Str("k", "v").Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info line written at warn level: %s", out)
	}
	if !strings.Contains(out, `"message":"shown"`) || !strings.Contains(out, `"k":"v"`) {
		t.Errorf("output = %s, want JSON line with message and field", out)
	}

	buf.Reset()
	pretty := newLogger(options{LogLevel: "info", Pretty: true}, &buf)
	pretty.Info().Msg("console")
	if strings.HasPrefix(buf.String(), "{") || !strings.Contains(buf.String(), "console") {
		t.Errorf("pretty output = %q", buf.String())
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- run(ctx, []string{"-root", t.TempDir(), "-address", "127.0.0.1", "-port", "0", "-log-level", "error"})
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}
