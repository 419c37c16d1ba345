package envconfig

import (
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/r2gencmn/r2gen/logutil"
)

// Host returns the scheme and host. Host can be configured via the R2GEN_HOST environment variable.
// Default is scheme "http" and host "127.0.0.1:11500"
func Host() *url.URL {
	defaultPort := "11500"

	s := strings.TrimSpace(Var("R2GEN_HOST"))
	scheme, hostport, ok := strings.Cut(s, "://")
	switch {
	case !ok:
		scheme, hostport = "http", s
	case scheme == "http":
		defaultPort = "80"
	case scheme == "https":
		defaultPort = "443"
	}

	hostport, path, _ := strings.Cut(hostport, "/")
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host, port = "127.0.0.1", defaultPort
		if ip := net.ParseIP(strings.Trim(hostport, "[]")); ip != nil {
			host = ip.String()
		} else if hostport != "" {
			host = hostport
		}
	}

	if n, err := strconv.ParseInt(port, 10, 32); err != nil || n > 65535 || n < 0 {
		slog.Warn("invalid port, using default", "port", port, "default", defaultPort)
		port = defaultPort
	}

	return &url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(host, port),
		Path:   path,
	}
}

// Home returns the directory holding the .env and config.toml files.
// Configurable via R2GEN_HOME, default $HOME/.r2gen.
func Home() string {
	if s := Var("R2GEN_HOME"); s != "" {
		return s
	}

	home, err := os.UserHomeDir()
	if err != nil {
		slog.Error("failed to lookup home directory", "error", err)
		return ".r2gen"
	}

	return filepath.Join(home, ".r2gen")
}

// ConfigPath returns the options file set via R2GEN_CONFIG, if any.
func ConfigPath() string {
	return Var("R2GEN_CONFIG")
}

// LogLevel returns the log level for the application.
// Values are 0 or false INFO (Default), 1 or true DEBUG, 2 TRACE
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("R2GEN_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	if level < logutil.LevelTrace {
		level = logutil.LevelTrace
	}

	return level
}

func Bool(k string) func() bool {
	return func() bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}

			return b
		}

		return false
	}
}

// NoColor disables colored CLI output. Set via R2GEN_NOCOLOR.
var NoColor = Bool("R2GEN_NOCOLOR")

func Uint64(key string, defaultValue uint64) func() uint64 {
	return func() uint64 {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return n
			}
		}

		return defaultValue
	}
}

var (
	// Seed overrides the options seed when non-zero. Set via R2GEN_SEED.
	Seed = Uint64("R2GEN_SEED", 0)
	// NumThreads bounds goroutines per tensor operation. Set via R2GEN_NUM_THREADS.
	NumThreads = Uint64("R2GEN_NUM_THREADS", 0)
)

// MaxImageBytes limits the size of a single uploaded image. Set via R2GEN_MAX_IMAGE_BYTES.
var MaxImageBytes = Uint64("R2GEN_MAX_IMAGE_BYTES", 16<<20)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"R2GEN_DEBUG":           {"R2GEN_DEBUG", LogLevel(), "Show additional debug information (e.g. R2GEN_DEBUG=1)"},
		"R2GEN_HOST":            {"R2GEN_HOST", Host(), "IP Address for the report server (default 127.0.0.1:11500)"},
		"R2GEN_HOME":            {"R2GEN_HOME", Home(), "Directory holding .env and config.toml"},
		"R2GEN_CONFIG":          {"R2GEN_CONFIG", ConfigPath(), "Path to the model options file"},
		"R2GEN_SEED":            {"R2GEN_SEED", Seed(), "Override the weight initialization seed"},
		"R2GEN_NUM_THREADS":     {"R2GEN_NUM_THREADS", NumThreads(), "Goroutines per tensor operation (default: number of CPUs)"},
		"R2GEN_MAX_IMAGE_BYTES": {"R2GEN_MAX_IMAGE_BYTES", MaxImageBytes(), "Maximum size of an uploaded image"},
		"R2GEN_NOCOLOR":         {"R2GEN_NOCOLOR", NoColor(), "Disable colored output"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Var returns an environment variable stripped of leading and trailing quotes or spaces
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// clampThreads converts NumThreads to an int the backend accepts.
func clampThreads(n uint64) int {
	if n > math.MaxInt32 {
		return math.MaxInt32
	}

	return int(n)
}

// Threads returns NumThreads as an int.
func Threads() int {
	return clampThreads(NumThreads())
}
