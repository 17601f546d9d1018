package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
region: eu-west-1
layerArn: arn:aws:lambda:{region}:111111111111:layer:LDKLayerX86:6
timeout: 300
database: /tmp/ldk-test.db
instanceId: fixed
retry:
  maxRetries: 2
  initialDelay: 500ms
  multiplier: 3
proxy:
  pingInterval: 10s
`)
	t.Setenv("LDK_REGION", "us-east-2")
	t.Setenv("LDK_PUBLISH_VERSION", "true")
	t.Setenv("LDK_DEBUGGER", "code --attach {host}:{port}")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "us-east-2", cfg.Region)
	assert.EqualValues(t, 300, cfg.Timeout)
	assert.True(t, cfg.PublishVersion)
	assert.Equal(t, []string{"code", "--attach", "{host}:{port}"}, cfg.Debugger)
	assert.Equal(t, "fixed", cfg.InstanceID)
	assert.Equal(t, 2, cfg.Retry.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.InitialDelay)
	assert.Equal(t, 30*time.Second, cfg.Retry.MaxDelay, "defaults survive a partial section")
	assert.Equal(t, 10*time.Second, cfg.Proxy.PingInterval)
	assert.Equal(t, 5, cfg.Proxy.MaxReconnectAttempts)
	assert.Equal(t, "arn:aws:lambda:us-east-2:111111111111:layer:LDKLayerX86:6", cfg.LayerArnFor(cfg.Region))
	assert.NoError(t, cfg.Validate())
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)
	assert.EqualValues(t, 900, cfg.Timeout)
	assert.Equal(t, filepath.Join(os.Getenv("HOME"), ".ldk", "ldk.db"), cfg.Database)
	id, err := MachineInstanceID()
	require.NoError(t, err)
	assert.Equal(t, id, cfg.InstanceID)
	assert.Error(t, cfg.Validate(), "remote debugging needs a layer")

	cfg.LocalStack.Enabled = true
	assert.NoError(t, cfg.Validate())
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "region: [unterminated"))
	assert.Error(t, err)

	t.Setenv("LDK_TIMEOUT", "soon")
	_, err = Load(writeConfig(t, "region: us-east-1"))
	assert.Error(t, err)
}

func TestValidateTimeout(t *testing.T) {
	cfg := Default()
	cfg.LayerArn = "arn"
	cfg.Timeout = 901
	assert.Error(t, cfg.Validate())
}
