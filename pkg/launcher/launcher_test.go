package launcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandLauncherSubstitutesTarget(t *testing.T) {
	out := filepath.Join(t.TempDir(), "args")
	l := &CommandLauncher{
		Command: []string{"sh", "-c", "echo {host} {port} {function} {qualifier} > " + out},
		Log:     zerolog.Nop(),
	}
	s, err := l.Launch(context.Background(), Target{Host: "127.0.0.1", Port: 9229, FunctionName: "orders", Qualifier: "3"})
	require.NoError(t, err)
	select {
	case <-s.Terminated():
	case <-time.After(5 * time.Second):
		t.Fatal("debugger command did not exit")
	}
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1 9229 orders 3\n", string(data))
	assert.NoError(t, s.Stop(context.Background()))
}

func TestCommandLauncherStop(t *testing.T) {
	l := &CommandLauncher{Command: []string{"sleep", "30"}, Log: zerolog.Nop()}
	s, err := l.Launch(context.Background(), Target{Host: "127.0.0.1", Port: 1})
	require.NoError(t, err)
	require.NoError(t, s.Stop(context.Background()))
	select {
	case <-s.Terminated():
	default:
		t.Fatal("session not terminated after Stop")
	}
	assert.NoError(t, s.Stop(context.Background()))
}

// startStubborn runs a debugger that ignores SIGTERM; exec keeps the ignored
// disposition so the kill reaches the sleeping process itself.
func startStubborn(t *testing.T, grace time.Duration) Session {
	ready := filepath.Join(t.TempDir(), "ready")
	l := &CommandLauncher{
		Command:   []string{"sh", "-c", "trap '' TERM; touch " + ready + "; exec sleep 30"},
		StopGrace: grace,
		Log:       zerolog.Nop(),
	}
	s, err := l.Launch(context.Background(), Target{Host: "127.0.0.1", Port: 1})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, err := os.Stat(ready)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	return s
}

func TestCommandLauncherKillsAfterGrace(t *testing.T) {
	s := startStubborn(t, 100*time.Millisecond)
	start := time.Now()
	require.NoError(t, s.Stop(context.Background()))
	assert.Less(t, time.Since(start), 5*time.Second)
	select {
	case <-s.Terminated():
	default:
		t.Fatal("session not terminated after Stop")
	}
}

func TestCommandLauncherKillsWhenStopCancelled(t *testing.T) {
	s := startStubborn(t, time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	require.NoError(t, s.Stop(ctx))
	assert.Less(t, time.Since(start), 5*time.Second)
	<-s.Terminated()
}

func TestCommandLauncherErrors(t *testing.T) {
	_, err := (&CommandLauncher{}).Launch(context.Background(), Target{})
	assert.Error(t, err)
	_, err = (&CommandLauncher{Command: []string{"/nonexistent/debugger"}}).Launch(context.Background(), Target{})
	assert.Error(t, err)
}

func TestManualSession(t *testing.T) {
	s, err := (&ManualLauncher{Log: zerolog.Nop()}).Launch(context.Background(), Target{Host: "localhost", Port: 5678, Runtime: "python3.12"})
	require.NoError(t, err)
	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
	<-s.Terminated()
}
