package profile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	defaultMaxAgentsPerInstance = 50
	defaultMaxSessionsPerAgent  = 100
	defaultConnectTimeout       = 2 * time.Minute
	defaultRetentionDays        = 30
)

// Profile is the configuration to start the runtime server.
type Profile struct {
	// Mode can be "prod" or "dev" or "demo"
	Mode string
	// Addr is the binding address for server
	Addr string
	// Port is the binding port for server
	Port int
	// Data is the data directory
	Data string
	// DSN points to where the runtime stores its own data
	DSN string
	// Driver is the database driver (sqlite or postgres)
	Driver string
	// Version is the current version of server
	Version string
	// InstanceURL is the public url of this runtime instance.
	InstanceURL string

	// APIKey is the shared bearer token for the HTTP API. Empty disables auth.
	APIKey string
	// RuntimeInstanceID identifies this process in persisted session rows. Zero means unset.
	RuntimeInstanceID int32

	MaxAgentsPerInstance int           // AGENT_RUNTIME_MAX_AGENTS (legacy: MAX_AGENTS_PER_INSTANCE)
	MaxSessionsPerAgent  int           // AGENT_RUNTIME_MAX_SESSIONS (legacy: MAX_SESSIONS_PER_AGENT)
	ConnectTimeout       time.Duration // sessions stuck in connecting longer than this are failed; 0 disables
	RetentionDays        int           // ended session rows older than this are purged
	AgentsFile           string        // optional YAML file with agents registered at startup

	// LiveKit credentials used to sign join tokens.
	LiveKitURL       string // AGENT_RUNTIME_LIVEKIT_URL (legacy: LIVEKIT_URL)
	LiveKitAPIKey    string // AGENT_RUNTIME_LIVEKIT_API_KEY (legacy: LIVEKIT_API_KEY)
	LiveKitAPISecret string // AGENT_RUNTIME_LIVEKIT_API_SECRET (legacy: LIVEKIT_API_SECRET)

	// Optional session event fan-out.
	RedisAddr     string
	RedisPassword string
	RedisChannel  string

	// TracingExporter selects the OpenTelemetry exporter: "" / "noop" or "stdout".
	TracingExporter string

	// RateLimit is the sustained request rate per client, RateBurst the burst size.
	RateLimit float64
	RateBurst int
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// IsLiveKitConfigured returns true if join tokens can be issued.
func (p *Profile) IsLiveKitConfigured() bool {
	return p.LiveKitAPIKey != "" && p.LiveKitAPISecret != ""
}

// IsRedisEnabled returns true if session events should be published to Redis.
func (p *Profile) IsRedisEnabled() bool {
	return p.RedisAddr != ""
}

// getEnvOrDefault returns the environment variable value or the default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// FromEnv fills unset fields from environment variables.
// Supports both AGENT_RUNTIME_* (new) and the legacy unprefixed names.
func (p *Profile) FromEnv() {
	getEnvWithFallback := func(newKey, legacyKey string) string {
		if val := os.Getenv(newKey); val != "" {
			return val
		}
		return os.Getenv(legacyKey)
	}

	setString := func(field *string, newKey, legacyKey string) {
		if *field != "" {
			return
		}
		*field = getEnvWithFallback(newKey, legacyKey)
	}

	setInt := func(field *int, newKey, legacyKey string, defaultValue int) {
		if *field > 0 {
			return
		}
		if val := getEnvWithFallback(newKey, legacyKey); val != "" {
			if n, err := strconv.Atoi(val); err == nil && n > 0 {
				*field = n
				return
			}
			slog.Warn("ignoring invalid integer env value", slog.String("key", newKey), slog.String("value", val))
		}
		*field = defaultValue
	}

	setString(&p.APIKey, "AGENT_RUNTIME_API_KEY", "AGENT_RUNTIME_API_KEY")
	setString(&p.LiveKitURL, "AGENT_RUNTIME_LIVEKIT_URL", "LIVEKIT_URL")
	setString(&p.LiveKitAPIKey, "AGENT_RUNTIME_LIVEKIT_API_KEY", "LIVEKIT_API_KEY")
	setString(&p.LiveKitAPISecret, "AGENT_RUNTIME_LIVEKIT_API_SECRET", "LIVEKIT_API_SECRET")
	setString(&p.RedisAddr, "AGENT_RUNTIME_REDIS_ADDR", "REDIS_ADDR")
	setString(&p.RedisPassword, "AGENT_RUNTIME_REDIS_PASSWORD", "REDIS_PASSWORD")
	if p.RedisChannel == "" {
		p.RedisChannel = getEnvOrDefault("AGENT_RUNTIME_REDIS_CHANNEL", "agentruntime:sessions")
	}

	// DATABASE_URL implies postgres unless a driver was chosen explicitly.
	if p.DSN == "" {
		if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
			p.DSN = dsn
			if p.Driver == "" {
				p.Driver = "postgres"
			}
		}
	}

	if p.Port == 0 {
		port := 0
		setInt(&port, "AGENT_RUNTIME_PORT", "PORT", 8080)
		p.Port = port
	}
	setInt(&p.MaxAgentsPerInstance, "AGENT_RUNTIME_MAX_AGENTS", "MAX_AGENTS_PER_INSTANCE", defaultMaxAgentsPerInstance)
	setInt(&p.MaxSessionsPerAgent, "AGENT_RUNTIME_MAX_SESSIONS", "MAX_SESSIONS_PER_AGENT", defaultMaxSessionsPerAgent)
	setInt(&p.RetentionDays, "AGENT_RUNTIME_RETENTION_DAYS", "SESSION_RETENTION_DAYS", defaultRetentionDays)
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing \ or / in case user supplies
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}
	if p.Driver == "" {
		p.Driver = "sqlite"
	}
	if p.Driver != "sqlite" && p.Driver != "postgres" {
		return errors.Errorf("unsupported driver %q", p.Driver)
	}
	if p.Driver == "postgres" && p.DSN == "" {
		return errors.New("dsn is required for the postgres driver")
	}
	if p.MaxAgentsPerInstance <= 0 {
		p.MaxAgentsPerInstance = defaultMaxAgentsPerInstance
	}
	if p.MaxSessionsPerAgent <= 0 {
		p.MaxSessionsPerAgent = defaultMaxSessionsPerAgent
	}
	if p.RetentionDays <= 0 {
		p.RetentionDays = defaultRetentionDays
	}
	if p.ConnectTimeout < 0 {
		p.ConnectTimeout = defaultConnectTimeout
	}
	if p.RateLimit <= 0 {
		p.RateLimit = 10
	}
	if p.RateBurst <= 0 {
		p.RateBurst = 20
	}

	if p.Driver != "sqlite" || p.DSN != "" {
		return nil
	}

	if p.Mode == "prod" && p.Data == "" {
		if runtime.GOOS == "windows" {
			p.Data = filepath.Join(os.Getenv("ProgramData"), "agentruntime")
			if _, err := os.Stat(p.Data); os.IsNotExist(err) {
				if err := os.MkdirAll(p.Data, 0770); err != nil {
					slog.Error("failed to create data directory", slog.String("data", p.Data), slog.String("error", err.Error()))
					return err
				}
			}
		} else {
			p.Data = "/var/opt/agentruntime"
		}
	}

	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		slog.Error("failed to check dsn", slog.String("data", dataDir), slog.String("error", err.Error()))
		return err
	}

	p.Data = dataDir
	dbFile := fmt.Sprintf("agentruntime_%s.db", p.Mode)
	p.DSN = filepath.Join(dataDir, dbFile)

	return nil
}

// DefaultConnectTimeout is the connect timeout used when none is configured.
func DefaultConnectTimeout() time.Duration {
	return defaultConnectTimeout
}
