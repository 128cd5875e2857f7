package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

func checkPositiveDuration(key string) string {
	if !viper.IsSet(key) {
		return ""
	}
	var d time.Duration
	if v := viper.GetDuration(key); v != 0 {
		d = v
	} else if s := viper.GetInt(key); s != 0 {
		d = time.Duration(s) * time.Second
	}
	if d <= 0 {
		return fmt.Sprintf("%s must be positive, got: %v", key, d)
	}
	return ""
}

func checkPositiveInt(key string) string {
	if !viper.IsSet(key) {
		return ""
	}
	if v := viper.GetInt(key); v <= 0 {
		return fmt.Sprintf("%s must be positive, got: %d", key, v)
	}
	return ""
}

func checkPort(key string) string {
	if !viper.IsSet(key) {
		return ""
	}
	v := viper.GetInt(key)
	if v < 1 || v > 65535 {
		return fmt.Sprintf("%s must be between 1 and 65535, got: %d", key, v)
	}
	return ""
}

// ValidateConfig validates the dispatcher, sandbox, and server
// settings viper has loaded. Call after config.Load.
func ValidateConfig() error {
	var errs []string

	for _, key := range []string{
		"dispatcher.poll_interval",
		"dispatcher.heartbeat_interval",
		"dispatcher.heartbeat_timeout",
		"dispatcher.job_timeout",
		"dispatcher.stale_job_timeout",
		"sandbox.idle_timeout",
		"reconcile.interval",
	} {
		if msg := checkPositiveDuration(key); msg != "" {
			errs = append(errs, msg)
		}
	}

	for _, key := range []string{"dispatcher.workers"} {
		if msg := checkPositiveInt(key); msg != "" {
			errs = append(errs, msg)
		}
	}

	for _, key := range []string{"metrics_port"} {
		if msg := checkPort(key); msg != "" {
			errs = append(errs, msg)
		}
	}

	if len(errs) > 0 {
		errMsg := errs[0]
		for i := 1; i < len(errs); i++ {
			errMsg += "\n  " + errs[i]
		}
		return fmt.Errorf("configuration validation failed:\n  %s", errMsg)
	}

	return nil
}

// ValidateAndExit validates the configuration and exits with a
// non-zero code if validation fails.
func ValidateAndExit() {
	if err := ValidateConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
