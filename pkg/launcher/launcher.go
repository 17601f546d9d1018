// Package launcher starts the debugger that attaches to the local proxy.
package launcher

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Target is where a debugger must connect to reach the function.
type Target struct {
	Host         string
	Port         int
	Runtime      string
	FunctionName string
	Qualifier    string
}

func (t Target) Address() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

// DefaultStopGrace is how long a debugger process gets to exit after SIGTERM
// before it is killed.
const DefaultStopGrace = 5 * time.Second

// Session is a running debugger. Terminated is closed when it ends for any reason.
type Session interface {
	Terminated() <-chan struct{}
	// Stop ends the debugger and returns once it is gone, at the latest
	// shortly after ctx is done.
	Stop(ctx context.Context) error
}

type Launcher interface {
	Launch(ctx context.Context, target Target) (Session, error)
}

// CommandLauncher runs an external debugger client. {host}, {port},
// {function} and {qualifier} in the arguments are replaced by the target values.
type CommandLauncher struct {
	Command []string
	// StopGrace defaults to DefaultStopGrace.
	StopGrace time.Duration
	Log       zerolog.Logger
}

func (l *CommandLauncher) Launch(ctx context.Context, target Target) (Session, error) {
	if len(l.Command) == 0 {
		return nil, errors.New("debugger command is empty")
	}
	replacer := strings.NewReplacer(
		"{host}", target.Host,
		"{port}", strconv.Itoa(target.Port),
		"{function}", target.FunctionName,
		"{qualifier}", target.Qualifier,
	)
	args := make([]string, len(l.Command))
	for i, a := range l.Command {
		args[i] = replacer.Replace(a)
	}
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "failed to start debugger %s", args[0])
	}
	l.Log.Info().Msgf("Started debugger %s (pid %d) against %s", args[0], cmd.Process.Pid, target.Address())
	grace := l.StopGrace
	if grace <= 0 {
		grace = DefaultStopGrace
	}
	s := &processSession{
		cmd:        cmd,
		grace:      grace,
		terminated: make(chan struct{}),
		log:        l.Log,
	}
	go s.wait()
	return s, nil
}

type processSession struct {
	cmd        *exec.Cmd
	grace      time.Duration
	terminated chan struct{}
	log        zerolog.Logger
	err        error
}

func (s *processSession) wait() {
	s.err = s.cmd.Wait()
	if s.err != nil {
		s.log.Debug().Msgf("Debugger exited: %v", s.err)
	}
	close(s.terminated)
}

func (s *processSession) Terminated() <-chan struct{} {
	return s.terminated
}

func (s *processSession) Stop(ctx context.Context) error {
	select {
	case <-s.terminated:
		return nil
	default:
	}
	if err := s.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return s.kill()
	}
	timer := time.NewTimer(s.grace)
	defer timer.Stop()
	select {
	case <-s.terminated:
		return nil
	case <-timer.C:
		s.log.Warn().Msgf("Debugger did not exit within %s of SIGTERM, killing it", s.grace)
	case <-ctx.Done():
		s.log.Warn().Msg("Debugger still running when stop was cancelled, killing it")
	}
	return s.kill()
}

func (s *processSession) kill() error {
	if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return errors.Wrap(err, "failed to kill debugger")
	}
	<-s.terminated
	return nil
}

// ManualLauncher only reports the endpoint; the user attaches a debugger of
// their choice and the session lasts until Stop.
type ManualLauncher struct {
	Log zerolog.Logger
}

func (l *ManualLauncher) Launch(_ context.Context, target Target) (Session, error) {
	l.Log.Info().Msgf("Attach your %s debugger to %s", target.Runtime, target.Address())
	return NewManualSession(), nil
}

type ManualSession struct {
	once       sync.Once
	terminated chan struct{}
}

func NewManualSession() *ManualSession {
	return &ManualSession{terminated: make(chan struct{})}
}

func (s *ManualSession) Terminated() <-chan struct{} {
	return s.terminated
}

func (s *ManualSession) Stop(context.Context) error {
	s.once.Do(func() { close(s.terminated) })
	return nil
}
