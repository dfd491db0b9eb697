package agent

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"log/slog"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	apperrors "github.com/hrygo/agentruntime/server/internal/errors"
)

const (
	// CurrentSchemaVersion is the only config schema version this runtime understands.
	CurrentSchemaVersion = 1
	// DefaultMaxConcurrentSessions applies when a config leaves the limit unset.
	DefaultMaxConcurrentSessions = 10
)

//go:embed config.schema.json
var configSchemaJSON []byte

var (
	configSchemaOnce sync.Once
	configSchema     *jsonschema.Schema
	configSchemaErr  error
)

// Config is the immutable configuration of one registered agent.
type Config struct {
	SchemaVersion         int             `json:"schemaVersion" yaml:"schemaVersion"`
	AgentID               int32           `json:"agentId" yaml:"agentId"`
	TenantID              int32           `json:"tenantId" yaml:"tenantId"`
	Name                  string          `json:"name" yaml:"name"`
	Description           string          `json:"description,omitempty" yaml:"description"`
	STTProvider           string          `json:"sttProvider,omitempty" yaml:"sttProvider"`
	TTSProvider           string          `json:"ttsProvider,omitempty" yaml:"ttsProvider"`
	LLMProvider           string          `json:"llmProvider,omitempty" yaml:"llmProvider"`
	LLMModel              string          `json:"llmModel,omitempty" yaml:"llmModel"`
	SystemPrompt          string          `json:"systemPrompt,omitempty" yaml:"systemPrompt"`
	VisionEnabled         bool            `json:"visionEnabled" yaml:"visionEnabled"`
	ScreenShareEnabled    bool            `json:"screenShareEnabled" yaml:"screenShareEnabled"`
	TranscribeEnabled     bool            `json:"transcribeEnabled" yaml:"transcribeEnabled"`
	Languages             []string        `json:"languages,omitempty" yaml:"languages"`
	VoiceID               string          `json:"voiceId,omitempty" yaml:"voiceId"`
	AvatarModel           string          `json:"avatarModel,omitempty" yaml:"avatarModel"`
	MCPGatewayURL         string          `json:"mcpGatewayUrl,omitempty" yaml:"mcpGatewayUrl"`
	MaxConcurrentSessions int             `json:"maxConcurrentSessions" yaml:"maxConcurrentSessions"`
	ResourceLimits        *ResourceLimits `json:"resourceLimits,omitempty" yaml:"resourceLimits"`
	LiveKitConfig         *LiveKitConfig  `json:"livekitConfig,omitempty" yaml:"livekitConfig"`
	LangfuseConfig        *LangfuseConfig `json:"langfuseConfig,omitempty" yaml:"langfuseConfig"`
}

// ResourceLimits are passed through to the deployment layer.
type ResourceLimits struct {
	CPU    string `json:"cpu,omitempty" yaml:"cpu"`
	Memory string `json:"memory,omitempty" yaml:"memory"`
}

// LiveKitConfig overrides the runtime's LiveKit credentials for one agent.
type LiveKitConfig struct {
	URL       string `json:"url,omitempty" yaml:"url"`
	APIKey    string `json:"apiKey,omitempty" yaml:"apiKey"`
	APISecret string `json:"apiSecret,omitempty" yaml:"apiSecret"`
}

// LangfuseConfig is opaque to the runtime.
type LangfuseConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	PublicKey string `json:"publicKey,omitempty" yaml:"publicKey"`
	SecretKey string `json:"secretKey,omitempty" yaml:"secretKey"`
	BaseURL   string `json:"baseUrl,omitempty" yaml:"baseUrl"`
}

func compiledConfigSchema() (*jsonschema.Schema, error) {
	configSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(configSchemaJSON))
		if err != nil {
			configSchemaErr = errors.Wrap(err, "failed to parse agent config schema")
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("agent_config.json", doc); err != nil {
			configSchemaErr = errors.Wrap(err, "failed to add agent config schema")
			return
		}
		configSchema, configSchemaErr = c.Compile("agent_config.json")
	})
	return configSchema, configSchemaErr
}

// ParseConfig validates raw JSON against the config schema and decodes it.
func ParseConfig(data []byte) (*Config, error) {
	schema, err := compiledConfigSchema()
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInvalidArgument, "agent config is not valid JSON")
	}
	if err := schema.Validate(doc); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInvalidArgument, "agent config does not match schema")
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInvalidArgument, "failed to decode agent config")
	}
	if cfg.SchemaVersion == 0 {
		cfg.SchemaVersion = CurrentSchemaVersion
	}
	return cfg, nil
}

// Validate checks a config built in code rather than parsed from JSON.
// An unset schema version counts as the current one, as in ParseConfig.
func (c *Config) Validate() error {
	v := *c
	if v.SchemaVersion == 0 {
		v.SchemaVersion = CurrentSchemaVersion
	}
	data, err := json.Marshal(&v)
	if err != nil {
		return errors.Wrap(err, "failed to encode agent config")
	}
	_, err = ParseConfig(data)
	return err
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	clone := *c
	if c.Languages != nil {
		clone.Languages = append([]string(nil), c.Languages...)
	}
	if c.ResourceLimits != nil {
		limits := *c.ResourceLimits
		clone.ResourceLimits = &limits
	}
	if c.LiveKitConfig != nil {
		lk := *c.LiveKitConfig
		clone.LiveKitConfig = &lk
	}
	if c.LangfuseConfig != nil {
		lf := *c.LangfuseConfig
		clone.LangfuseConfig = &lf
	}
	return &clone
}

// normalized returns a copy with defaults applied and the session limit clamped to ceiling.
// A non-positive ceiling disables clamping.
func (c *Config) normalized(ceiling int) *Config {
	n := c.Clone()
	if n.SchemaVersion == 0 {
		n.SchemaVersion = CurrentSchemaVersion
	}
	if n.MaxConcurrentSessions <= 0 {
		n.MaxConcurrentSessions = DefaultMaxConcurrentSessions
	}
	if ceiling > 0 && n.MaxConcurrentSessions > ceiling {
		slog.Warn("clamping max concurrent sessions",
			slog.Int("agent_id", int(n.AgentID)),
			slog.Int("requested", n.MaxConcurrentSessions),
			slog.Int("ceiling", ceiling),
		)
		n.MaxConcurrentSessions = ceiling
	}
	return n
}

// agentsFile is the layout of the YAML file loaded at startup.
type agentsFile struct {
	Agents []map[string]any `yaml:"agents"`
}

// LoadAgentsFile reads agent configs from a YAML file. Every entry is validated like an HTTP registration.
func LoadAgentsFile(path string) ([]*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read agents file %s", path)
	}
	return parseAgentsYAML(data)
}

func parseAgentsYAML(data []byte) ([]*Config, error) {
	var file agentsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrap(err, "failed to parse agents file")
	}

	configs := make([]*Config, 0, len(file.Agents))
	for i, entry := range file.Agents {
		raw, err := json.Marshal(entry)
		if err != nil {
			return nil, errors.Wrapf(err, "agents[%d]", i)
		}
		cfg, err := ParseConfig(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "agents[%d]", i)
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}
