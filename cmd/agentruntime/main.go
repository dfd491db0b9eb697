package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hrygo/agentruntime/internal/profile"
	"github.com/hrygo/agentruntime/internal/version"
	"github.com/hrygo/agentruntime/server"
	"github.com/hrygo/agentruntime/store"
	"github.com/hrygo/agentruntime/store/db"
)

var (
	rootCmd = &cobra.Command{
		Use:   "agentruntime",
		Short: `A shared runtime that registers voice agents and orchestrates their call sessions.`,
		Run: func(_ *cobra.Command, _ []string) {
			runtimeProfile := &profile.Profile{
				Mode:                 viper.GetString("mode"),
				Addr:                 viper.GetString("addr"),
				Port:                 viper.GetInt("port"),
				Data:                 viper.GetString("data"),
				Driver:               viper.GetString("driver"),
				DSN:                  viper.GetString("dsn"),
				InstanceURL:          viper.GetString("instance-url"),
				APIKey:               viper.GetString("api-key"),
				RuntimeInstanceID:    viper.GetInt32("runtime-instance-id"),
				MaxAgentsPerInstance: viper.GetInt("max-agents"),
				MaxSessionsPerAgent:  viper.GetInt("max-sessions"),
				ConnectTimeout:       viper.GetDuration("connect-timeout"),
				RetentionDays:        viper.GetInt("retention-days"),
				AgentsFile:           viper.GetString("agents-file"),
				LiveKitURL:           viper.GetString("livekit-url"),
				LiveKitAPIKey:        viper.GetString("livekit-api-key"),
				LiveKitAPISecret:     viper.GetString("livekit-api-secret"),
				RedisAddr:            viper.GetString("redis-addr"),
				RedisPassword:        viper.GetString("redis-password"),
				RedisChannel:         viper.GetString("redis-channel"),
				TracingExporter:      viper.GetString("tracing-exporter"),
				RateLimit:            viper.GetFloat64("rate-limit"),
				RateBurst:            viper.GetInt("rate-burst"),
				Version:              version.GetCurrentVersion(viper.GetString("mode")),
			}
			runtimeProfile.FromEnv()
			if err := runtimeProfile.Validate(); err != nil {
				slog.Error("invalid profile", slog.String("error", err.Error()))
				os.Exit(1)
			}

			ctx, cancel := context.WithCancel(context.Background())
			dbDriver, err := db.NewDBDriver(runtimeProfile)
			if err != nil {
				cancel()
				slog.Error("failed to create db driver", slog.String("error", err.Error()))
				return
			}

			storeInstance := store.New(dbDriver, runtimeProfile)
			if err := storeInstance.Migrate(ctx); err != nil {
				cancel()
				slog.Error("failed to migrate", slog.String("error", err.Error()))
				return
			}

			s, err := server.NewServer(ctx, runtimeProfile, storeInstance)
			if err != nil {
				cancel()
				slog.Error("failed to create server", slog.String("error", err.Error()))
				return
			}

			c := make(chan os.Signal, 1)
			// Trigger graceful shutdown on SIGINT or SIGTERM.
			// The default signal sent by the `kill` command is SIGTERM,
			// which is taken as the graceful shutdown signal for many systems, eg., Kubernetes, Gunicorn.
			signal.Notify(c, os.Interrupt, syscall.SIGTERM)

			if err := s.Start(ctx); err != nil {
				cancel()
				slog.Error("failed to start server", slog.String("error", err.Error()))
				return
			}

			printGreetings(runtimeProfile)

			go func() {
				<-c
				s.Shutdown(ctx)
				cancel()
			}()

			// Wait for CTRL-C.
			<-ctx.Done()
		},
	}
)

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("driver", "sqlite")
	viper.SetDefault("port", 8080)
	viper.SetDefault("connect-timeout", profile.DefaultConnectTimeout())
	viper.SetDefault("redis-channel", "agentruntime:sessions")

	flags := rootCmd.PersistentFlags()
	flags.String("mode", "dev", `mode of server, can be "prod" or "dev" or "demo"`)
	flags.String("addr", "", "address of server")
	flags.Int("port", 8080, "port of server")
	flags.String("data", "", "data directory")
	flags.String("driver", "sqlite", "database driver (sqlite or postgres)")
	flags.String("dsn", "", "database source name (aka. DSN)")
	flags.String("instance-url", "", "the url of this runtime instance")
	flags.String("api-key", "", "bearer key required by the HTTP API, empty disables auth")
	flags.Int32("runtime-instance-id", 0, "id recorded on session rows written by this process")
	flags.Int("max-agents", 0, "maximum agents registered in this process")
	flags.Int("max-sessions", 0, "ceiling for any agent's concurrent sessions")
	flags.Duration("connect-timeout", profile.DefaultConnectTimeout(), "fail sessions stuck in connecting after this long, 0 disables")
	flags.Int("retention-days", 0, "days to keep ended session rows")
	flags.String("agents-file", "", "YAML file of agents registered at startup")
	flags.String("livekit-url", "", "LiveKit server url returned with join tokens")
	flags.String("livekit-api-key", "", "LiveKit API key")
	flags.String("livekit-api-secret", "", "LiveKit API secret")
	flags.String("redis-addr", "", "Redis address for session events, empty disables them")
	flags.String("redis-password", "", "Redis password")
	flags.String("redis-channel", "agentruntime:sessions", "Redis channel for session events")
	flags.String("tracing-exporter", "", `OpenTelemetry exporter, "" or "stdout"`)
	flags.Float64("rate-limit", 10, "sustained API requests per second per client")
	flags.Int("rate-burst", 20, "API request burst per client")

	for _, name := range []string{
		"mode", "addr", "port", "data", "driver", "dsn", "instance-url", "api-key", "runtime-instance-id",
		"max-agents", "max-sessions", "connect-timeout", "retention-days", "agents-file",
		"livekit-url", "livekit-api-key", "livekit-api-secret",
		"redis-addr", "redis-password", "redis-channel", "tracing-exporter", "rate-limit", "rate-burst",
	} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("agent_runtime")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func printGreetings(profile *profile.Profile) {
	fmt.Printf("Agent runtime %s started successfully!\n", profile.Version)
	fmt.Printf("Mode: %s | Driver: %s\n", profile.Mode, profile.Driver)
	if profile.Driver == "sqlite" {
		fmt.Printf("Database: %s\n", profile.DSN)
	}
	fmt.Printf("Listening on %s:%d\n", profile.Addr, profile.Port)
	if !profile.IsLiveKitConfigured() {
		fmt.Println("LiveKit credentials are not configured, sessions are created without join tokens.")
	}
	if profile.APIKey == "" {
		fmt.Println("No API key configured, the HTTP API is unauthenticated.")
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		panic(err)
	}
}
