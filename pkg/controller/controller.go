// Package controller drives a debug session through tunnel setup, function
// patching, proxy bring-up, the debugger lifetime and the final revert.
package controller

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/kfsoftware/ldk/pkg/deployment"
	"github.com/kfsoftware/ldk/pkg/launcher"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

type State string

const (
	Idle               State = "Idle"
	TunnelEstablishing State = "TunnelEstablishing"
	DeploymentPatching State = "DeploymentPatching"
	ProxyStarting      State = "ProxyStarting"
	SessionActive      State = "SessionActive"
	Reverting          State = "Reverting"
	Error              State = "Error"
)

var (
	ErrAlreadyDebugging   = errors.New("a debug session is already active")
	ErrUnsupportedRuntime = errors.New("runtime is not supported for remote debugging")
	ErrCancelled          = errors.New("cancelled")
	ErrNotDebugging       = errors.New("no debug session is active")
)

// SnapshotRepository persists the single pre-debug snapshot.
type SnapshotRepository interface {
	Save(ctx context.Context, snapshot *deployment.Snapshot) error
	// Load returns nil without error when no snapshot is stored.
	Load(ctx context.Context) (*deployment.Snapshot, error)
	Clear(ctx context.Context) error
}

type Request struct {
	FunctionArn    string
	TimeoutSeconds int32
	PublishVersion bool
	LayerArn       string
}

// Status is a point in time view of the controller.
type Status struct {
	State     State     `json:"state" yaml:"state"`
	Debugging bool      `json:"debugging" yaml:"debugging"`
	Function  string    `json:"function,omitempty" yaml:"function,omitempty"`
	Runtime   string    `json:"runtime,omitempty" yaml:"runtime,omitempty"`
	Endpoint  *Endpoint `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	StartedAt time.Time `json:"startedAt,omitempty" yaml:"startedAt,omitempty"`
	LastError string    `json:"lastError,omitempty" yaml:"lastError,omitempty"`
}

type session struct {
	snapshot  *deployment.Snapshot
	endpoint  *Endpoint
	debugger  launcher.Session
	startedAt time.Time

	once sync.Once
	err  error
	// stopping is closed when teardown begins, done when it has finished.
	stopping chan struct{}
	done     chan struct{}
}

type Controller struct {
	debugger  LambdaDebugger
	patcher   Deployments
	snapshots SnapshotRepository
	launcher  launcher.Launcher
	log       zerolog.Logger
	// TeardownTimeout bounds teardowns that are not triggered by a caller context.
	TeardownTimeout time.Duration

	mu          sync.Mutex
	state       State
	debugging   bool
	current     *session
	lastErr     error
	subscribers map[int]func(State)
	nextSubID   int
	watchers    sync.WaitGroup
}

func New(debugger LambdaDebugger, patcher Deployments, snapshots SnapshotRepository, l launcher.Launcher, logger zerolog.Logger) *Controller {
	return &Controller{
		debugger:        debugger,
		patcher:         patcher,
		snapshots:       snapshots,
		launcher:        l,
		log:             logger.With().Str("component", "controller").Logger(),
		TeardownTimeout: 5 * time.Minute,
		state:           Idle,
		subscribers:     map[int]func(State){},
	}
}

// RuntimeFamily maps a Lambda runtime identifier to the debugger family.
func RuntimeFamily(runtime string) (string, error) {
	switch {
	case strings.HasPrefix(runtime, "nodejs"):
		return "node", nil
	case strings.HasPrefix(runtime, "python"):
		return "python", nil
	case strings.HasPrefix(runtime, "java"):
		return "java", nil
	}
	return "", errors.Wrapf(ErrUnsupportedRuntime, "%q", runtime)
}

// Subscribe registers fn for every state change and returns a func that removes it.
func (c *Controller) Subscribe(fn func(State)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSubID
	c.nextSubID++
	c.subscribers[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subscribers, id)
	}
}

func (c *Controller) setState(state State) {
	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	subs := make([]func(State), 0, len(c.subscribers))
	for id := 0; id < c.nextSubID; id++ {
		if fn, ok := c.subscribers[id]; ok {
			subs = append(subs, fn)
		}
	}
	c.mu.Unlock()
	c.log.Debug().Msgf("State changed to %s", state)
	for _, fn := range subs {
		fn(state)
	}
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{State: c.state, Debugging: c.debugging}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	if s := c.current; s != nil {
		st.Function = s.snapshot.Function()
		st.Runtime = s.snapshot.Runtime
		st.Endpoint = s.endpoint
		st.StartedAt = s.startedAt
	}
	return st
}

// Done is closed once the active session has been torn down. Without an
// active session the returned channel is already closed.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.current.done
}

// Snapshot returns the persisted snapshot, if any.
func (c *Controller) Snapshot(ctx context.Context) (*deployment.Snapshot, error) {
	return c.snapshots.Load(ctx)
}

// StartDebugging brings up a session and returns the endpoint the debugger
// was pointed at. Any failure is followed by a best-effort teardown that
// runs on its own TeardownTimeout, so it still reverts the function when ctx
// has been cancelled.
func (c *Controller) StartDebugging(ctx context.Context, req Request, progress deployment.Progress) (*Endpoint, error) {
	c.mu.Lock()
	if c.debugging {
		c.mu.Unlock()
		return nil, ErrAlreadyDebugging
	}
	c.debugging = true
	c.lastErr = nil
	c.mu.Unlock()

	s, err := c.prepare(ctx, req)
	if err != nil {
		c.fail(err)
		c.mu.Lock()
		c.debugging = false
		c.mu.Unlock()
		c.setState(Idle)
		return nil, err
	}

	ep, err := c.start(ctx, s, req, progress)
	if err != nil {
		c.fail(err)
		teardownCtx, cancel := context.WithTimeout(context.Background(), c.TeardownTimeout)
		defer cancel()
		if terr := c.teardown(teardownCtx, s); terr != nil {
			c.log.Error().Err(terr).Msg("Cleanup after failed start did not complete")
			err = multierr.Append(err, terr)
		}
		return nil, err
	}
	c.watchers.Add(1)
	go c.watch(s)
	return ep, nil
}

// prepare validates the request and persists a snapshot of the live
// configuration. The entry guards run before a leftover patch is reverted,
// so a rejected request never mutates the function.
func (c *Controller) prepare(ctx context.Context, req Request) (*session, error) {
	if req.FunctionArn == "" {
		return nil, deployment.ErrMissingFunction
	}
	region, err := deployment.RegionFromArn(req.FunctionArn)
	if err != nil {
		return nil, err
	}
	if err := c.debugger.CheckHealth(ctx); err != nil {
		return nil, errors.Wrap(err, "health check failed")
	}
	live, err := c.patcher.GetSnapshot(ctx, req.FunctionArn)
	if err != nil {
		return nil, err
	}
	if _, err := RuntimeFamily(live.Runtime); err != nil {
		return nil, err
	}
	reverted, err := c.revertStale(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to revert previous debug session")
	}
	if reverted {
		if live, err = c.patcher.GetSnapshot(ctx, req.FunctionArn); err != nil {
			return nil, err
		}
	}
	live.Region = region
	if err := c.snapshots.Save(ctx, live); err != nil {
		return nil, errors.Wrap(err, "failed to persist snapshot")
	}
	s := &session{
		snapshot:  live,
		startedAt: time.Now(),
		stopping:  make(chan struct{}),
		done:      make(chan struct{}),
	}
	c.mu.Lock()
	c.current = s
	c.mu.Unlock()
	return s, nil
}

func (c *Controller) start(ctx context.Context, s *session, req Request, progress deployment.Progress) (*Endpoint, error) {
	ep, err := c.debugger.Setup(ctx, Setup{
		Snapshot:   s.snapshot,
		Request:    req,
		Progress:   progress,
		Transition: c.setState,
	})
	if err != nil {
		return nil, err
	}
	s.snapshot.Qualifier = ep.Qualifier
	s.snapshot.TunnelID = ep.TunnelID
	if err := c.snapshots.Save(ctx, s.snapshot); err != nil {
		return nil, errors.Wrap(err, "failed to persist snapshot")
	}

	family, _ := RuntimeFamily(s.snapshot.Runtime)
	progress.Report("Launching debugger")
	dbg, err := c.launcher.Launch(ctx, launcher.Target{
		Host:         ep.Host,
		Port:         ep.Port,
		Runtime:      family,
		FunctionName: s.snapshot.FunctionName,
		Qualifier:    ep.Qualifier,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to launch debugger")
	}
	c.mu.Lock()
	s.endpoint = ep
	s.debugger = dbg
	c.mu.Unlock()
	c.setState(SessionActive)
	c.log.Info().Msgf("Debugging %s (%s) on %s:%d", s.snapshot.Function(), ep.Qualifier, ep.Host, ep.Port)
	return ep, nil
}

func (c *Controller) fail(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	c.log.Error().Err(err).Msg("Debug session failed")
	c.setState(Error)
}

// watch tears the session down when the debugger exits or the transport
// fails. Exits caused by a teardown already in progress are ignored.
func (c *Controller) watch(s *session) {
	defer c.watchers.Done()
	c.mu.Lock()
	dbg := s.debugger
	c.mu.Unlock()
	transportClosed := false
	select {
	case <-dbg.Terminated():
	case <-c.debugger.Done():
		transportClosed = true
	case <-s.stopping:
		return
	}
	select {
	case <-s.stopping:
		return
	default:
	}
	if transportClosed {
		c.log.Warn().Msg("Tunnel transport closed")
	} else {
		c.log.Info().Msg("Debugger terminated")
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.TeardownTimeout)
	defer cancel()
	if err := c.teardown(ctx, s); err != nil {
		c.log.Error().Err(err).Msg("Teardown failed")
	}
}

// StopDebugging ends the active session.
func (c *Controller) StopDebugging(ctx context.Context) error {
	c.mu.Lock()
	s := c.current
	c.mu.Unlock()
	if s == nil {
		return ErrNotDebugging
	}
	return c.teardown(ctx, s)
}

// teardown runs once per session; concurrent callers wait for the first one.
// The snapshot is kept when the revert fails so it can be retried later.
func (c *Controller) teardown(ctx context.Context, s *session) error {
	s.once.Do(func() {
		close(s.stopping)
		c.setState(Reverting)
		c.mu.Lock()
		dbg := s.debugger
		c.mu.Unlock()

		var err error
		if dbg != nil {
			err = multierr.Append(err, errors.Wrap(dbg.Stop(ctx), "failed to stop debugger"))
		}
		if cerr := c.debugger.Cleanup(ctx, s.snapshot); cerr != nil {
			err = multierr.Append(err, cerr)
			c.log.Warn().Msgf("Keeping snapshot of %s for a later revert", s.snapshot.Function())
		} else if cerr := c.snapshots.Clear(ctx); cerr != nil {
			err = multierr.Append(err, errors.Wrap(cerr, "failed to clear snapshot"))
		}
		s.err = err

		c.mu.Lock()
		if err != nil {
			c.lastErr = err
		}
		c.current = nil
		c.debugging = false
		c.mu.Unlock()
		close(s.done)
		c.setState(Idle)
	})
	<-s.done
	return s.err
}

// RevertStaleSnapshot restores a function left patched by a session that
// never finished. confirm is asked before anything is mutated; a nil confirm
// accepts. It returns the reverted snapshot, or nil when there was none.
func (c *Controller) RevertStaleSnapshot(ctx context.Context, confirm func(*deployment.Snapshot) bool) (*deployment.Snapshot, error) {
	c.mu.Lock()
	if c.debugging {
		c.mu.Unlock()
		return nil, ErrAlreadyDebugging
	}
	c.debugging = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.debugging = false
		c.mu.Unlock()
	}()

	stale, err := c.snapshots.Load(ctx)
	if err != nil || stale == nil {
		return nil, err
	}
	if confirm != nil && !confirm(stale) {
		return nil, ErrCancelled
	}
	if err := c.revert(ctx, stale); err != nil {
		return nil, err
	}
	return stale, nil
}

// revertStale reports whether a leftover snapshot was found and reverted.
func (c *Controller) revertStale(ctx context.Context) (bool, error) {
	stale, err := c.snapshots.Load(ctx)
	if err != nil || stale == nil {
		return false, err
	}
	c.log.Info().Msgf("Found snapshot of %s from a previous session", stale.Function())
	return true, c.revert(ctx, stale)
}

func (c *Controller) revert(ctx context.Context, stale *deployment.Snapshot) error {
	c.setState(Reverting)
	defer c.setState(Idle)
	if err := c.patcher.DeleteDebugVersion(ctx, stale.Function(), stale.Qualifier); err != nil {
		return err
	}
	if err := c.patcher.RemoveDebugDeployment(ctx, stale, true); err != nil {
		return err
	}
	return errors.Wrap(c.snapshots.Clear(ctx), "failed to clear snapshot")
}
