package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestLoad(t *testing.T) {
	defer func() {
		os.Remove("config.yaml")
		viper.Reset()
	}()

	t.Run("defaults are set", func(t *testing.T) {
		viper.Reset()
		os.Remove("config.yaml")

		Load("")

		assert.Equal(t, "sqlite", viper.GetString("database.driver"))
		assert.Equal(t, 4, viper.GetInt("dispatcher.workers"))
		assert.Equal(t, ":8080", viper.GetString("listen_addr"))
	})

	t.Run("bare env var names from spec.md are honored", func(t *testing.T) {
		viper.Reset()
		os.Setenv("DATABASE_DSN", "postgres://example/db")
		defer os.Unsetenv("DATABASE_DSN")

		Load("")
		assert.Equal(t, "postgres://example/db", viper.GetString("database.dsn"))
	})

	t.Run("prefixed env var overrides default", func(t *testing.T) {
		viper.Reset()
		os.Setenv("WORKBENCH_SANDBOX_BACKEND", "k8s")
		defer os.Unsetenv("WORKBENCH_SANDBOX_BACKEND")

		Load("")
		assert.Equal(t, "k8s", viper.GetString("sandbox.backend"))
	})
}
