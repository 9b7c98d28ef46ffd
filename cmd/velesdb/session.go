package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/velesdb/velesdb/pkg/hnsw"
)

// Session holds the validated REPL settings. Mode and ef_search are
// mutually exclusive: setting one clears the other.
type Session struct {
	Collection string `yaml:"collection"`
	Mode       string `yaml:"mode"`
	EfSearch   int    `yaml:"ef_search"`
	TimeoutMs  int    `yaml:"timeout_ms"`
	Rerank     bool   `yaml:"rerank"`
	MaxResults int    `yaml:"max_results"`
}

// Session setting bounds.
const (
	minEfSearch   = 16
	maxEfSearch   = 4096
	minTimeoutMs  = 100
	minMaxResults = 1
	maxMaxResults = 10_000
)

func defaultSession() Session {
	return Session{
		Mode:       hnsw.Balanced.String(),
		TimeoutMs:  5000,
		MaxResults: 100,
	}
}

// loadSessionDefaults reads ~/.velesdb.yaml when present.
func loadSessionDefaults() Session {
	s := defaultSession()
	home, err := os.UserHomeDir()
	if err != nil {
		return s
	}
	data, err := os.ReadFile(filepath.Join(home, ".velesdb.yaml"))
	if err != nil {
		return s
	}
	var loaded Session
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return s
	}
	merged := s
	if loaded.Collection != "" {
		merged.Collection = loaded.Collection
	}
	if loaded.Mode != "" {
		merged.Mode = loaded.Mode
	}
	if loaded.EfSearch != 0 {
		merged.EfSearch = loaded.EfSearch
		merged.Mode = ""
	}
	if loaded.TimeoutMs != 0 {
		merged.TimeoutMs = loaded.TimeoutMs
	}
	if loaded.MaxResults != 0 {
		merged.MaxResults = loaded.MaxResults
	}
	merged.Rerank = loaded.Rerank
	if err := merged.validate(); err != nil {
		return s
	}
	return merged
}

func (s *Session) validate() error {
	if s.Mode != "" {
		if _, ok := hnsw.ParseQualityProfile(s.Mode); !ok {
			return fmt.Errorf("invalid mode %q (fast|balanced|accurate|high_recall|perfect)", s.Mode)
		}
		if s.EfSearch != 0 {
			return fmt.Errorf("mode and ef_search are mutually exclusive")
		}
	}
	if s.EfSearch != 0 && (s.EfSearch < minEfSearch || s.EfSearch > maxEfSearch) {
		return fmt.Errorf("ef_search must be in [%d, %d]", minEfSearch, maxEfSearch)
	}
	if s.TimeoutMs < minTimeoutMs {
		return fmt.Errorf("timeout_ms must be at least %d", minTimeoutMs)
	}
	if s.MaxResults < minMaxResults || s.MaxResults > maxMaxResults {
		return fmt.Errorf("max_results must be in [%d, %d]", minMaxResults, maxMaxResults)
	}
	return nil
}

// set applies one \set key value pair with validation; the previous
// state is restored on error.
func (s *Session) set(key, value string) error {
	prev := *s
	switch key {
	case "mode":
		s.Mode = value
		s.EfSearch = 0
	case "ef_search":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("ef_search must be an integer")
		}
		s.EfSearch = n
		s.Mode = ""
	case "timeout_ms":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("timeout_ms must be an integer")
		}
		s.TimeoutMs = n
	case "rerank":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("rerank must be true or false")
		}
		s.Rerank = b
	case "max_results":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("max_results must be an integer")
		}
		s.MaxResults = n
	default:
		return fmt.Errorf("unknown setting %q", key)
	}
	if err := s.validate(); err != nil {
		*s = prev
		return err
	}
	return nil
}

// reset restores one setting (or all with an empty key) to defaults.
func (s *Session) reset(key string) error {
	def := defaultSession()
	switch key {
	case "":
		collection := s.Collection
		*s = def
		s.Collection = collection
	case "mode":
		s.Mode = def.Mode
		s.EfSearch = 0
	case "ef_search":
		s.EfSearch = 0
		s.Mode = def.Mode
	case "timeout_ms":
		s.TimeoutMs = def.TimeoutMs
	case "rerank":
		s.Rerank = def.Rerank
	case "max_results":
		s.MaxResults = def.MaxResults
	default:
		return fmt.Errorf("unknown setting %q", key)
	}
	return nil
}

func (s *Session) show() string {
	ef := "auto"
	if s.EfSearch != 0 {
		ef = strconv.Itoa(s.EfSearch)
	}
	mode := s.Mode
	if mode == "" {
		mode = "(explicit ef_search)"
	}
	return fmt.Sprintf(
		"collection:  %s\nmode:        %s\nef_search:   %s\ntimeout_ms:  %d\nrerank:      %t\nmax_results: %d",
		orNone(s.Collection), mode, ef, s.TimeoutMs, s.Rerank, s.MaxResults)
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
