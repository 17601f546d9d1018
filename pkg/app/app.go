// Package app wires configuration, AWS clients, persistence and the debug
// controller together for the CLI.
package app

import (
	"context"

	"github.com/google/uuid"
	"github.com/kfsoftware/ldk/pkg/awsclient"
	"github.com/kfsoftware/ldk/pkg/config"
	"github.com/kfsoftware/ldk/pkg/controller"
	"github.com/kfsoftware/ldk/pkg/db"
	"github.com/kfsoftware/ldk/pkg/deployment"
	"github.com/kfsoftware/ldk/pkg/launcher"
	"github.com/kfsoftware/ldk/pkg/proxy"
	"github.com/kfsoftware/ldk/pkg/tunnel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

type App struct {
	Config    *config.Config
	AWS       *awsclient.Factory
	Snapshots *db.SnapshotStore
	Tunnels   *tunnel.Manager
	Log       zerolog.Logger

	db *gorm.DB
	// clientToken identifies this process to the tunneling service.
	clientToken string
}

func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*App, error) {
	lambdaEndpoint := cfg.LambdaEndpoint
	if cfg.LocalStack.Enabled && lambdaEndpoint == "" {
		lambdaEndpoint = cfg.LocalStack.Endpoint
	}
	factory, err := awsclient.New(ctx, awsclient.Options{
		Region:         cfg.Region,
		Profile:        cfg.Profile,
		LambdaEndpoint: lambdaEndpoint,
		TunnelEndpoint: cfg.TunnelEndpoint,
	})
	if err != nil {
		return nil, err
	}
	dbClient, err := db.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	return &App{
		Config:      cfg,
		AWS:         factory,
		Snapshots:   db.NewSnapshotStore(dbClient),
		Tunnels:     tunnel.NewManager(factory.TunnelClients(), cfg.InstanceID, logger),
		Log:         logger,
		db:          dbClient,
		clientToken: uuid.NewString(),
	}, nil
}

func (a *App) Close() error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (a *App) Patcher(region string) *deployment.Patcher {
	opts := deployment.DefaultOptions()
	opts.Retry = a.Config.Retry
	return deployment.NewPatcher(a.AWS.Lambda(region), opts, a.Log)
}

// NewProxy builds a LocalProxy for region authenticated with accessToken.
func (a *App) NewProxy(region string, accessToken string) *proxy.LocalProxy {
	return proxy.New(proxy.Config{
		Region:               region,
		Endpoint:             a.Config.Proxy.Endpoint,
		AccessToken:          accessToken,
		ClientToken:          a.clientToken,
		PingInterval:         a.Config.Proxy.PingInterval,
		ReconnectInterval:    a.Config.Proxy.ReconnectInterval,
		MaxReconnectAttempts: a.Config.Proxy.MaxReconnectAttempts,
	}, a.Log)
}

// Launcher runs the configured debugger command, or waits for a manual
// attach when none is set.
func (a *App) Launcher() launcher.Launcher {
	if len(a.Config.Debugger) > 0 {
		return &launcher.CommandLauncher{Command: a.Config.Debugger, Log: a.Log}
	}
	return &launcher.ManualLauncher{Log: a.Log}
}

// Controller builds a controller for functions in region.
func (a *App) Controller(region string) (*controller.Controller, error) {
	if region == "" {
		return nil, errors.New("region is required")
	}
	patcher := a.Patcher(region)
	var debugger controller.LambdaDebugger
	if a.Config.LocalStack.Enabled {
		debugger = controller.NewLocalStackDebugger(controller.LocalStackOptions{
			Endpoint:  a.Config.LocalStack.Endpoint,
			DebugPort: a.Config.LocalStack.DebugPort,
		}, a.Log)
	} else {
		debugger = controller.NewRemoteDebugger(a.Tunnels, patcher, func(token string) controller.Proxy {
			return a.NewProxy(region, token)
		}, controller.RemoteDebuggerOptions{
			ProxyStartTimeout: a.Config.Proxy.StartTimeout,
			CloseTunnel:       a.Config.CloseTunnel,
		}, a.Log)
	}
	return controller.New(debugger, patcher, a.Snapshots, a.Launcher(), a.Log), nil
}
