package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Load initializes the server configuration from an optional config
// file, environment variables (WORKBENCH_ prefixed, plus the bare
// names spec.md §6 names directly), and defaults.
func Load(cfgFile string) {
	if err := godotenv.Load(); err != nil {
		// .env is optional; ignore if missing.
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("WORKBENCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// spec.md §6 names these bare (unprefixed) env vars directly; bind
	// them alongside the WORKBENCH_-prefixed automatic bindings so
	// either spelling works.
	viper.BindEnv("database.dsn", "DATABASE_DSN")
	viper.BindEnv("database.driver", "DATABASE_DRIVER")
	viper.BindEnv("workspace_dir", "WORKSPACE_DIR")
	viper.BindEnv("sandbox.image", "SANDBOX_IMAGE")
	viper.BindEnv("sandbox.idle_timeout", "SANDBOX_IDLE_TIMEOUT")
	viper.BindEnv("sandbox.backend", "SANDBOX_BACKEND")
	viper.BindEnv("sandbox.namespace", "SANDBOX_NAMESPACE")
	viper.BindEnv("sandbox.host", "SANDBOX_HOST")
	viper.BindEnv("dispatcher.poll_interval", "DISPATCHER_POLL_INTERVAL")
	viper.BindEnv("dispatcher.heartbeat_interval", "DISPATCHER_HEARTBEAT_INTERVAL")
	viper.BindEnv("dispatcher.heartbeat_timeout", "DISPATCHER_HEARTBEAT_TIMEOUT")
	viper.BindEnv("dispatcher.job_timeout", "DISPATCHER_JOB_TIMEOUT")
	viper.BindEnv("dispatcher.stale_job_timeout", "DISPATCHER_STALE_JOB_TIMEOUT")
	viper.BindEnv("encryption_key", "ENCRYPTION_KEY")

	viper.SetDefault("database.driver", "sqlite")
	viper.SetDefault("database.dsn", "workbench.db")
	viper.SetDefault("workspace_dir", "./data/workspaces")
	viper.SetDefault("sandbox.backend", "docker")
	viper.SetDefault("sandbox.image", "ghcr.io/sandboxworks/workbench-sandbox:latest")
	viper.SetDefault("sandbox.idle_timeout", "30m")
	viper.SetDefault("sandbox.host", "127.0.0.1")
	viper.SetDefault("sandbox.namespace", "default")
	viper.SetDefault("dispatcher.workers", 4)
	viper.SetDefault("dispatcher.poll_interval", "500ms")
	viper.SetDefault("dispatcher.heartbeat_interval", "5s")
	viper.SetDefault("dispatcher.heartbeat_timeout", "15s")
	viper.SetDefault("dispatcher.job_timeout", "30s")
	viper.SetDefault("dispatcher.stale_job_timeout", "60s")
	viper.SetDefault("reconcile.interval", "30s")
	viper.SetDefault("listen_addr", ":8080")
	viper.SetDefault("metrics_port", 2112)
	viper.SetDefault("verbose", false)

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	} else if cfgFile == "" {
		if _, statErr := os.Stat("config.yaml"); os.IsNotExist(statErr) {
			if writeErr := viper.SafeWriteConfigAs("config.yaml"); writeErr != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to create default config file: %v\n", writeErr)
			} else {
				fmt.Println("Created default configuration file: config.yaml")
			}
		}
	}
}
