package controller

import (
	"context"
	"sync"
	"time"

	"github.com/kfsoftware/ldk/pkg/deployment"
	"github.com/kfsoftware/ldk/pkg/tunnel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

// DefaultProxyStartTimeout bounds the local proxy bring-up independently of
// the deployment patch.
const DefaultProxyStartTimeout = 30 * time.Second

// Endpoint is where the debugger attaches once setup succeeds.
type Endpoint struct {
	Host      string `json:"host" yaml:"host"`
	Port      int    `json:"port" yaml:"port"`
	Qualifier string `json:"qualifier" yaml:"qualifier"`
	TunnelID  string `json:"tunnelId,omitempty" yaml:"tunnelId,omitempty"`
}

// Setup carries everything a LambdaDebugger needs to prepare a session.
type Setup struct {
	Snapshot *deployment.Snapshot
	Request  Request
	Progress deployment.Progress
	// Transition reports the setup phase the debugger has entered.
	Transition func(State)
}

func (s Setup) transition(state State) {
	if s.Transition != nil {
		s.Transition(state)
	}
}

// LambdaDebugger prepares and tears down the remote side of a debug session.
type LambdaDebugger interface {
	CheckHealth(ctx context.Context) error
	Setup(ctx context.Context, setup Setup) (*Endpoint, error)
	// Done is closed when the transport fails on its own. A nil channel means
	// the transport never fails independently.
	Done() <-chan struct{}
	// Cleanup stops the transport and reverts the function to snapshot.
	Cleanup(ctx context.Context, snapshot *deployment.Snapshot) error
}

// Tunnels is the part of tunnel.Manager used by RemoteDebugger.
type Tunnels interface {
	CreateOrReuseTunnel(ctx context.Context, region string) (*tunnel.Info, error)
	CloseTunnel(ctx context.Context, tunnelID string, region string) error
}

// Deployments is the part of deployment.Patcher used by the controller.
type Deployments interface {
	GetSnapshot(ctx context.Context, function string) (*deployment.Snapshot, error)
	CreateDebugDeployment(ctx context.Context, req deployment.DebugRequest, progress deployment.Progress) (string, error)
	RemoveDebugDeployment(ctx context.Context, snapshot *deployment.Snapshot, check bool) error
	DeleteDebugVersion(ctx context.Context, function string, qualifier string) error
	Wait() error
}

// Proxy is the part of proxy.LocalProxy used by RemoteDebugger.
type Proxy interface {
	Start(ctx context.Context) (int, error)
	Stop()
	Done() <-chan struct{}
	Err() error
}

// ProxyFactory builds a proxy authenticated with the tunnel source token.
type ProxyFactory func(accessToken string) Proxy

type RemoteDebuggerOptions struct {
	ProxyStartTimeout time.Duration
	// CloseTunnel closes the tunnel during cleanup instead of leaving it for reuse.
	CloseTunnel bool
}

// RemoteDebugger routes a deployed function to a local debugger through a
// secure tunnel and a local proxy.
type RemoteDebugger struct {
	tunnels  Tunnels
	patcher  Deployments
	newProxy ProxyFactory
	opts     RemoteDebuggerOptions
	log      zerolog.Logger

	mu        sync.Mutex
	proxy     Proxy
	qualifier string
	tunnelID  string
}

func NewRemoteDebugger(tunnels Tunnels, patcher Deployments, newProxy ProxyFactory, opts RemoteDebuggerOptions, logger zerolog.Logger) *RemoteDebugger {
	if opts.ProxyStartTimeout <= 0 {
		opts.ProxyStartTimeout = DefaultProxyStartTimeout
	}
	return &RemoteDebugger{
		tunnels:  tunnels,
		patcher:  patcher,
		newProxy: newProxy,
		opts:     opts,
		log:      logger.With().Str("component", "remote-debugger").Logger(),
	}
}

func (d *RemoteDebugger) CheckHealth(ctx context.Context) error {
	return nil
}

func (d *RemoteDebugger) Setup(ctx context.Context, setup Setup) (*Endpoint, error) {
	snapshot := setup.Snapshot
	setup.transition(TunnelEstablishing)
	setup.Progress.Report("Opening secure tunnel")
	info, err := d.tunnels.CreateOrReuseTunnel(ctx, snapshot.Region)
	if err != nil {
		return nil, errors.Wrap(err, "failed to establish tunnel")
	}
	d.mu.Lock()
	d.tunnelID = info.TunnelID
	d.mu.Unlock()

	setup.transition(DeploymentPatching)
	type patchResult struct {
		qualifier string
		err       error
	}
	patched := make(chan patchResult, 1)
	go func() {
		q, err := d.patcher.CreateDebugDeployment(ctx, deployment.DebugRequest{
			FunctionArn:      snapshot.FunctionArn,
			FunctionName:     snapshot.FunctionName,
			DestinationToken: info.DestinationToken,
			TimeoutSeconds:   setup.Request.TimeoutSeconds,
			PublishVersion:   setup.Request.PublishVersion,
			LayerArn:         setup.Request.LayerArn,
		}, setup.Progress)
		patched <- patchResult{qualifier: q, err: err}
	}()

	setup.transition(ProxyStarting)
	setup.Progress.Report("Starting local proxy")
	port, proxyErr := d.startProxy(ctx, info.SourceToken)

	res := <-patched
	d.mu.Lock()
	d.qualifier = res.qualifier
	d.mu.Unlock()
	if res.err != nil {
		err = errors.Wrap(res.err, "failed to patch function")
	}
	if err = multierr.Append(err, proxyErr); err != nil {
		return nil, err
	}
	return &Endpoint{
		Host:      "127.0.0.1",
		Port:      port,
		Qualifier: res.qualifier,
		TunnelID:  info.TunnelID,
	}, nil
}

func (d *RemoteDebugger) startProxy(parent context.Context, accessToken string) (int, error) {
	p := d.newProxy(accessToken)
	d.mu.Lock()
	d.proxy = p
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(parent, d.opts.ProxyStartTimeout)
	defer cancel()
	type startResult struct {
		port int
		err  error
	}
	started := make(chan startResult, 1)
	go func() {
		port, err := p.Start(ctx)
		started <- startResult{port: port, err: err}
	}()
	select {
	case r := <-started:
		if r.err != nil {
			return 0, errors.Wrap(r.err, "failed to start local proxy")
		}
		return r.port, nil
	case <-ctx.Done():
		if parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return 0, errors.Wrapf(ctx.Err(), "local proxy did not start within %s", d.opts.ProxyStartTimeout)
		}
		return 0, errors.Wrap(ctx.Err(), "local proxy start interrupted")
	}
}

func (d *RemoteDebugger) Done() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.proxy == nil {
		return nil
	}
	return d.proxy.Done()
}

// Cleanup stops the proxy first so no traffic reaches a function that is
// being reverted, then removes the debug version and the patch.
func (d *RemoteDebugger) Cleanup(ctx context.Context, snapshot *deployment.Snapshot) error {
	d.mu.Lock()
	p, qualifier, tunnelID := d.proxy, d.qualifier, d.tunnelID
	d.proxy, d.qualifier, d.tunnelID = nil, "", ""
	d.mu.Unlock()

	if p != nil {
		p.Stop()
	}
	// the revert below redoes any background restore that failed
	if err := d.patcher.Wait(); err != nil {
		d.log.Warn().Err(err).Msg("Background restore of $LATEST failed")
	}
	if qualifier == "" {
		qualifier = snapshot.Qualifier
	}
	if tunnelID == "" {
		tunnelID = snapshot.TunnelID
	}

	var err error
	err = multierr.Append(err, d.patcher.DeleteDebugVersion(ctx, snapshot.Function(), qualifier))
	err = multierr.Append(err, d.patcher.RemoveDebugDeployment(ctx, snapshot, true))
	if d.opts.CloseTunnel && tunnelID != "" {
		err = multierr.Append(err, d.tunnels.CloseTunnel(ctx, tunnelID, snapshot.Region))
	}
	return err
}
