package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/yourusername/tophat/pkg/tophat/http11"
	"github.com/yourusername/tophat/pkg/tophat/server"
	"github.com/yourusername/tophat/pkg/tophat/socket"
)

var (
	ErrNoRoot      = errors.New("tophat: document root is required")
	ErrInvalidPort = errors.New("tophat: port out of range")
)

// duration is a time.Duration usable as a flag and as a JSON string
// ("30s") or number of seconds.
type duration time.Duration

func (d *duration) String() string {
	return time.Duration(*d).String()
}

func (d *duration) Set(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

func (d *duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		return d.Set(s)
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("duration must be a string or seconds: %w", err)
	}
	*d = duration(secs * float64(time.Second))
	return nil
}

// options are the command settings. Precedence: defaults, then the JSON
// config file, then flags given on the command line.
type options struct {
	Root          string   `json:"root"`
	Index         string   `json:"index"`
	Compress      bool     `json:"compress"`
	Address       string   `json:"address"`
	Port          int      `json:"port"`
	Backlog       int      `json:"backlog"`
	MaxBodySize   int64    `json:"max_body_size"`
	MaxHeaderSize int      `json:"max_header_size"`
	Timeout       duration `json:"timeout"`
	ErrorTimeout  duration `json:"error_timeout"`
	Shutdown      duration `json:"shutdown_timeout"`
	BodyDir       string   `json:"body_dir"`
	Metrics       string   `json:"metrics"`
	LogLevel      string   `json:"log_level"`
	Pretty        bool     `json:"pretty"`

	ConfigFile string `json:"-"`
}

func defaultOptions() options {
	return options{
		Index:         "index.html",
		Compress:      true,
		Port:          8080,
		Backlog:       socket.DefaultBacklog,
		MaxBodySize:   http11.DefaultMaxBodySize,
		MaxHeaderSize: http11.DefaultMaxHeaderSize,
		Timeout:       duration(30 * time.Second),
		ErrorTimeout:  duration(2 * time.Second),
		Shutdown:      duration(10 * time.Second),
		LogLevel:      "info",
	}
}

func newFlagSet(o *options, output io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("tophat", flag.ContinueOnError)
	fs.SetOutput(output)

	fs.StringVar(&o.Root, "root", o.Root, "Directory to serve")
	fs.StringVar(&o.Index, "index", o.Index, "File served for directory requests")
	fs.BoolVar(&o.Compress, "compress", o.Compress, "Compress text responses with br or gzip")
	fs.StringVar(&o.Address, "address", o.Address, "Address to bind (empty for all interfaces)")
	fs.IntVar(&o.Port, "port", o.Port, "Port to listen on (0 for ephemeral)")
	fs.IntVar(&o.Backlog, "backlog", o.Backlog, "Listen backlog")
	fs.Int64Var(&o.MaxBodySize, "max-body", o.MaxBodySize, "Largest accepted request body in bytes")
	fs.IntVar(&o.MaxHeaderSize, "max-header", o.MaxHeaderSize, "Largest accepted request header block in bytes")
	fs.Var(&o.Timeout, "timeout", "Request and keep-alive timeout (e.g. 30s)")
	fs.Var(&o.ErrorTimeout, "error-timeout", "How long a connection stays open after an error response")
	fs.Var(&o.Shutdown, "shutdown-timeout", "Grace period for open connections on shutdown")
	fs.StringVar(&o.BodyDir, "body-dir", o.BodyDir, "Directory for request body files (default: system temp)")
	fs.StringVar(&o.Metrics, "metrics", o.Metrics, "Address of the Prometheus metrics endpoint (empty disables)")
	fs.StringVar(&o.LogLevel, "log-level", o.LogLevel, "Log level: debug, info, warn, error")
	fs.BoolVar(&o.Pretty, "pretty", o.Pretty, "Human-readable console logs instead of JSON")
	fs.StringVar(&o.ConfigFile, "config", o.ConfigFile, "JSON config file")
	return fs
}

// parseOptions builds the options from args. Flags set explicitly win over
// the config file.
func parseOptions(args []string, output io.Writer) (options, error) {
	opts := defaultOptions()
	if err := newFlagSet(&opts, output).Parse(args); err != nil {
		return opts, err
	}
	if opts.ConfigFile == "" {
		return opts, opts.validate()
	}

	merged := defaultOptions()
	if err := loadConfigFile(opts.ConfigFile, &merged); err != nil {
		return opts, err
	}
	if err := newFlagSet(&merged, output).Parse(args); err != nil {
		return merged, err
	}
	return merged, merged.validate()
}

func loadConfigFile(path string, o *options) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("tophat: config file: %w", err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(o); err != nil {
		return fmt.Errorf("tophat: config file %s: %w", path, err)
	}
	return nil
}

func (o options) validate() error {
	if o.Root == "" {
		return ErrNoRoot
	}
	if info, err := os.Stat(o.Root); err != nil {
		return fmt.Errorf("tophat: document root: %w", err)
	} else if !info.IsDir() {
		return fmt.Errorf("tophat: document root %s is not a directory", o.Root)
	}
	if o.Port < 0 || o.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, o.Port)
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(o.LogLevel)); err != nil {
		return fmt.Errorf("tophat: log level: %w", err)
	}
	return nil
}

// serverConfig maps the options onto a server.Config.
func (o options) serverConfig(logger zerolog.Logger) server.Config {
	cfg := server.DefaultConfig()
	cfg.Address = o.Address
	cfg.Port = o.Port
	cfg.Backlog = o.Backlog
	cfg.MaxBodySize = o.MaxBodySize
	cfg.MaxHeaderSize = o.MaxHeaderSize
	cfg.Timeout = time.Duration(o.Timeout)
	cfg.ErrorTimeout = time.Duration(o.ErrorTimeout)
	cfg.BodyDir = o.BodyDir
	cfg.Logger = logger
	return cfg
}

// newLogger builds the process logger: JSON lines on stderr, or a console
// writer with -pretty.
func newLogger(o options, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(o.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	if o.Pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
