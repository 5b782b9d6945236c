package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfigDefaults(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("PORT", "9090")
	t.Setenv("DB_DRIVER", "")

	cfg, warn := LoadConfig()
	assert.Error(t, warn, "no .env in an empty directory")
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "", cfg.DBDriver, "an explicitly empty variable is kept")
}

func TestGetEnv(t *testing.T) {
	t.Setenv("INBOX_TEST_SET", "value")
	assert.Equal(t, "value", getEnv("INBOX_TEST_SET", "fallback"))
	assert.Equal(t, "fallback", getEnv("INBOX_TEST_UNSET_KEY", "fallback"))
}
