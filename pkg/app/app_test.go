package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/kfsoftware/ldk/pkg/config"
	"github.com/kfsoftware/ldk/pkg/controller"
	"github.com/kfsoftware/ldk/pkg/launcher"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T, mutate func(*config.Config)) *App {
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	t.Setenv("AWS_CONFIG_FILE", "/nonexistent")
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", "/nonexistent")
	cfg := config.Default()
	cfg.Region = "us-west-2"
	cfg.InstanceID = "test"
	cfg.LayerArn = "arn:aws:lambda:{region}:111111111111:layer:LDKLayerX86:6"
	cfg.Database = filepath.Join(t.TempDir(), "ldk.db")
	if mutate != nil {
		mutate(cfg)
	}
	a, err := New(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestWiring(t *testing.T) {
	a := newTestApp(t, nil)
	assert.IsType(t, &launcher.ManualLauncher{}, a.Launcher())
	assert.Equal(t, "test", a.Tunnels.Description()[len("RemoteDebugging+"):])

	ctrl, err := a.Controller("us-west-2")
	require.NoError(t, err)
	assert.Equal(t, controller.Idle, ctrl.Status().State)
	snapshot, err := ctrl.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snapshot)

	_, err = a.Controller("")
	assert.Error(t, err)
}

func TestCommandLauncherAndLocalStack(t *testing.T) {
	a := newTestApp(t, func(c *config.Config) {
		c.Debugger = []string{"dlv", "connect", "{host}:{port}"}
		c.LocalStack.Enabled = true
	})
	assert.IsType(t, &launcher.CommandLauncher{}, a.Launcher())
	lo := a.AWS.Lambda("us-west-2").Options()
	require.NotNil(t, lo.BaseEndpoint)
	assert.Equal(t, "http://localhost:4566", *lo.BaseEndpoint)
	_, err := a.Controller("us-west-2")
	assert.NoError(t, err)
}
