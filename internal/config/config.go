// Package config loads and validates the channel table that is the
// only configuration surface of the core (spec §6: "consumed, not part
// of the core"). A configuration error is fatal before any socket is
// opened, per spec §7.
package config

import (
	"embed"
	"encoding/json"
	"fmt"
	"net"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const defaultSampleRate = 16000
const defaultSamplesPerPacket = 320

// Station is one of the three broadcasters a channel may expect.
type Station string

const (
	StationWWV  Station = "WWV"
	StationWWVH Station = "WWVH"
	StationCHU  Station = "CHU"
)

// Channel is one configured multicast RTP source, per spec §3/§6.
type Channel struct {
	Name              string   `yaml:"name"`
	SSRC              uint32   `yaml:"ssrc"`
	FrequencyHz       float64  `yaml:"frequency_hz"`
	MulticastGroup    string   `yaml:"multicast_group"`
	Port              uint16   `yaml:"port"`
	SampleRate        uint32   `yaml:"sample_rate"`
	SamplesPerPacket  uint32   `yaml:"samples_per_packet"`
	ExpectedStations  []Station `yaml:"expected_stations"`
}

// Config is the top-level channel table plus global settings.
type Config struct {
	DataRoot string    `yaml:"data_root"`
	Channels []Channel `yaml:"channels"`
}

// ExpectsStation reports whether c lists station among its expected
// stations for this frequency.
func (c Channel) ExpectsStation(station Station) bool {
	for _, s := range c.ExpectedStations {
		if s == station {
			return true
		}
	}
	return false
}

// GroupAddr returns the resolved multicast group address for this channel.
func (c Channel) GroupAddr() (*net.UDPAddr, error) {
	addr := fmt.Sprintf("%s:%d", c.MulticastGroup, c.Port)
	return net.ResolveUDPAddr("udp", addr)
}

// Load reads, defaults, validates, and returns the channel table at
// path. Any failure here is fatal per spec §7 ("Configuration error").
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := validate(raw); err != nil {
		return nil, fmt.Errorf("config: %s failed schema validation: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := checkUniqueSSRCs(cfg.Channels); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	for i := range cfg.Channels {
		if cfg.Channels[i].SampleRate == 0 {
			cfg.Channels[i].SampleRate = defaultSampleRate
		}
		if cfg.Channels[i].SamplesPerPacket == 0 {
			cfg.Channels[i].SamplesPerPacket = defaultSamplesPerPacket
		}
	}
}

func checkUniqueSSRCs(channels []Channel) error {
	seen := make(map[uint32]string, len(channels))
	for _, ch := range channels {
		if other, ok := seen[ch.SSRC]; ok {
			return fmt.Errorf("duplicate ssrc %d used by both %q and %q", ch.SSRC, other, ch.Name)
		}
		seen[ch.SSRC] = ch.Name
	}
	return nil
}

func validate(raw []byte) error {
	// The channel table is authored as YAML but the schema is JSON
	// Schema; normalize to a generic value via YAML (a superset of
	// JSON) then re-marshal to JSON for the validator, the same
	// decode-then-validate shape cc-backend's pkg/schema/validate.go
	// uses for its own config documents.
	var generic any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	jsonBytes, err := json.Marshal(normalizeForJSON(generic))
	if err != nil {
		return fmt.Errorf("normalize: %w", err)
	}

	var doc any
	if err := json.Unmarshal(jsonBytes, &doc); err != nil {
		return fmt.Errorf("re-decode: %w", err)
	}

	sch, err := compiledSchema()
	if err != nil {
		return err
	}
	if err := sch.Validate(doc); err != nil {
		return err
	}
	return nil
}

func compiledSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	f, err := schemaFS.Open("schemas/channels.schema.json")
	if err != nil {
		return nil, fmt.Errorf("open embedded schema: %w", err)
	}
	defer f.Close()

	if err := c.AddResource("channels.schema.json", f); err != nil {
		return nil, fmt.Errorf("add embedded schema: %w", err)
	}
	return c.Compile("channels.schema.json")
}

// normalizeForJSON converts the map[any]any / []any shapes yaml.v3
// produces into map[string]any so encoding/json can marshal them.
func normalizeForJSON(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeForJSON(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = normalizeForJSON(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeForJSON(val)
		}
		return out
	default:
		return v
	}
}
