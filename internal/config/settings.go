package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/klauspost/cpuid/v2"

	"github.com/23skdu/longbow-tllama/internal/quant"
)

// OverflowPolicy decides what a session does when its context is full.
type OverflowPolicy string

const (
	// OverflowStop ends generation with finish reason "length".
	OverflowStop OverflowPolicy = "stop"
	// OverflowShift evicts the oldest tokens after the kept prefix and
	// re-evaluates the retained history.
	OverflowShift OverflowPolicy = "shift"
)

func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "stop":
		return OverflowStop, nil
	case "shift", "sliding", "truncate":
		return OverflowShift, nil
	default:
		return "", fmt.Errorf("invalid overflow policy %q (want stop or shift)", s)
	}
}

// Settings are the process-level runtime options. They come from TLLAMA_*
// environment variables and are then overridden by command-line flags.
type Settings struct {
	Threads         int
	ModelPaths      []string
	Host            string
	Port            int
	ContextLength   int
	Overflow        OverflowPolicy
	NumKeep         int
	MaxSessions     int
	LogLevel        string
	LogFormat       string
	FlightAddr      string
	AllowedOrigins  []string
	DiscoverMinSize int64
	// KVCacheType is the storage kind of session key/value caches.
	KVCacheType quant.Kind
}

// DefaultThreads prefers physical cores; hyperthreads do not help the
// memory-bound matvec.
func DefaultThreads() int {
	if n := cpuid.CPU.PhysicalCores; n > 0 {
		return n
	}
	return runtime.NumCPU()
}

func DefaultSettings() Settings {
	threads := DefaultThreads()
	return Settings{
		Threads:         threads,
		Host:            "127.0.0.1",
		Port:            11435,
		Overflow:        OverflowStop,
		MaxSessions:     max(1, threads/2),
		LogLevel:        "info",
		LogFormat:       "console",
		DiscoverMinSize: 50 * 1024 * 1024,
		KVCacheType:     quant.F16,
	}
}

// LoadSettings reads the process environment.
func LoadSettings() (Settings, error) {
	return SettingsFromEnv(os.Getenv)
}

// SettingsFromEnv applies TLLAMA_* variables found through getenv on top of
// DefaultSettings.
func SettingsFromEnv(getenv func(string) string) (Settings, error) {
	s := DefaultSettings()

	if v := getenv("TLLAMA_THREADS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return s, fmt.Errorf("invalid TLLAMA_THREADS %q (must be a positive integer)", v)
		}
		s.Threads = n
	}
	if v := getenv("TLLAMA_MODEL_PATHS"); v != "" {
		s.ModelPaths = splitList(v)
	}
	if v := getenv("TLLAMA_HOST"); v != "" {
		host, port, err := parseHostPort(v, s.Port)
		if err != nil {
			return s, fmt.Errorf("invalid TLLAMA_HOST: %w", err)
		}
		s.Host, s.Port = host, port
	}
	if v := getenv("TLLAMA_CONTEXT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return s, fmt.Errorf("invalid TLLAMA_CONTEXT %q", v)
		}
		s.ContextLength = n
	}
	if v := getenv("TLLAMA_OVERFLOW"); v != "" {
		p, err := ParseOverflowPolicy(v)
		if err != nil {
			return s, err
		}
		s.Overflow = p
	}
	if v := getenv("TLLAMA_NUM_KEEP"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return s, fmt.Errorf("invalid TLLAMA_NUM_KEEP %q", v)
		}
		s.NumKeep = n
	}
	if v := getenv("TLLAMA_MAX_SESSIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return s, fmt.Errorf("invalid TLLAMA_MAX_SESSIONS %q", v)
		}
		s.MaxSessions = n
	}
	if v := getenv("TLLAMA_LOG_LEVEL"); v != "" {
		s.LogLevel = v
	}
	if v := getenv("TLLAMA_LOG_FORMAT"); v != "" {
		s.LogFormat = v
	}
	if v := getenv("TLLAMA_FLIGHT_ADDR"); v != "" {
		s.FlightAddr = v
	}
	if v := getenv("TLLAMA_ORIGINS"); v != "" {
		s.AllowedOrigins = splitList(v)
	}
	if v := getenv("TLLAMA_KV_CACHE_TYPE"); v != "" {
		k, err := quant.ParseKind(strings.TrimSpace(v))
		if err != nil {
			return s, fmt.Errorf("invalid TLLAMA_KV_CACHE_TYPE: %w", err)
		}
		s.KVCacheType = k
	}

	return s, s.Validate()
}

func (s *Settings) Validate() error {
	if s.Threads <= 0 {
		return fmt.Errorf("invalid threads: %d (must be positive)", s.Threads)
	}
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("invalid port: %d", s.Port)
	}
	if s.ContextLength < 0 {
		return fmt.Errorf("invalid context length: %d", s.ContextLength)
	}
	if s.MaxSessions <= 0 {
		return fmt.Errorf("invalid max sessions: %d (must be positive)", s.MaxSessions)
	}
	if _, err := ParseOverflowPolicy(string(s.Overflow)); err != nil {
		return err
	}
	if !s.KVCacheType.Valid() {
		return fmt.Errorf("invalid kv cache type: %d", uint32(s.KVCacheType))
	}
	return nil
}

// Addr is host:port for the HTTP listener.
func (s *Settings) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseHostPort(v string, defaultPort int) (string, int, error) {
	v = strings.TrimPrefix(strings.TrimPrefix(v, "http://"), "https://")
	host, portStr, found := strings.Cut(v, ":")
	if !found {
		return host, defaultPort, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("bad port %q", portStr)
	}
	if host == "" {
		host = "0.0.0.0"
	}
	return host, port, nil
}
