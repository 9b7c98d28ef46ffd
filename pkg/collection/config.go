package collection

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/goccy/go-json"

	"github.com/velesdb/velesdb/pkg/hnsw"
	"github.com/velesdb/velesdb/pkg/quant"
	"github.com/velesdb/velesdb/pkg/simd"
)

// configVersion is the config.json schema version this build writes.
// Files with a different version are refused.
const configVersion = 1

// Config is the per-collection configuration persisted as config.json.
type Config struct {
	Version   int    `json:"version"`
	Name      string `json:"name"`
	Dimension int    `json:"dimension"`
	Metric    string `json:"metric"`
	// StorageMode is "full", "sq8" or "binary".
	StorageMode string `json:"storage_mode"`
	// HNSW parameters; zero values select dimension-tuned defaults.
	M              int  `json:"m,omitempty"`
	EfConstruction int  `json:"ef_construction,omitempty"`
	MaxElements    int  `json:"max_elements,omitempty"`
	FastInsert     bool `json:"fast_insert,omitempty"`
	// MetadataOnly collections reject vectors and skip the ANN index.
	MetadataOnly bool `json:"metadata_only,omitempty"`
	// TextFields overrides the canonical text projection; empty means
	// every string-valued payload leaf in sorted key order.
	TextFields []string `json:"text_fields,omitempty"`
}

// Validate checks a config before a collection is created.
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("collection config: empty name")
	}
	if !c.MetadataOnly && c.Dimension <= 0 {
		return fmt.Errorf("collection config: dimension must be positive, got %d", c.Dimension)
	}
	if _, ok := simd.ParseMetric(c.metricOrDefault()); !ok {
		return fmt.Errorf("collection config: unknown metric %q", c.Metric)
	}
	if _, err := quant.ParseStorageMode(c.StorageMode); err != nil {
		return fmt.Errorf("collection config: %w", err)
	}
	return nil
}

func (c Config) metricOrDefault() string {
	if c.Metric == "" {
		return "cosine"
	}
	return c.Metric
}

func (c Config) hnswParams() hnsw.Params {
	p := hnsw.DefaultParams(c.Dimension)
	if c.M > 0 {
		p.M = c.M
	}
	if c.EfConstruction > 0 {
		p.EfConstruction = c.EfConstruction
	}
	if c.MaxElements > 0 {
		p.MaxElements = c.MaxElements
	}
	return p
}

func saveConfig(path string, cfg Config) error {
	cfg.Version = configVersion
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return os.Rename(tmp, path)
}

func loadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Version != configVersion {
		return Config{}, fmt.Errorf("config %s: unknown version %d", path, cfg.Version)
	}
	return cfg, nil
}

// textProjection extracts the canonical text of a payload: the
// configured fields joined in order, or every string-valued leaf joined
// in sorted key order.
func textProjection(payload map[string]any, fields []string) string {
	if payload == nil {
		return ""
	}
	if len(fields) > 0 {
		parts := make([]string, 0, len(fields))
		for _, f := range fields {
			if s, ok := stringAt(payload, f); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, " ")
	}

	var leaves []string
	collectStringLeaves(payload, "", &leaves)
	sort.Strings(leaves)
	parts := make([]string, len(leaves))
	for i, l := range leaves {
		parts[i] = l[strings.IndexByte(l, '\x00')+1:]
	}
	return strings.Join(parts, " ")
}

func stringAt(payload map[string]any, path string) (string, bool) {
	var current any = payload
	for _, seg := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return "", false
		}
		current, ok = m[seg]
		if !ok {
			return "", false
		}
	}
	s, ok := current.(string)
	return s, ok
}

// collectStringLeaves gathers "path\x00value" pairs so sorting is
// stable by key.
func collectStringLeaves(v any, prefix string, out *[]string) {
	switch node := v.(type) {
	case map[string]any:
		for k, child := range node {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			collectStringLeaves(child, key, out)
		}
	case []any:
		for _, child := range node {
			collectStringLeaves(child, prefix, out)
		}
	case string:
		*out = append(*out, prefix+"\x00"+node)
	}
}
