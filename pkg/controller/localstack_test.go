package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kfsoftware/ldk/pkg/deployment"
	"github.com/kfsoftware/ldk/pkg/retry"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLocalStack struct {
	mu       sync.Mutex
	lambda   string
	configs  map[string]debugConfigRequest
	polls    int
	readyAt  int
	requests []string
}

func (f *fakeLocalStack) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r.Method+" "+r.URL.Path)
	if r.URL.Path == healthPath {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"services": map[string]string{"lambda": f.lambda}})
		return
	}
	arn := strings.TrimPrefix(r.URL.Path, debugConfigsPath)
	switch r.Method {
	case http.MethodPut:
		var req debugConfigRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.configs[arn] = req
		_ = json.NewEncoder(w).Encode(debugConfigResponse{Port: 19891})
	case http.MethodGet:
		if _, ok := f.configs[arn]; !ok {
			http.NotFound(w, r)
			return
		}
		f.polls++
		_ = json.NewEncoder(w).Encode(debugConfigResponse{Port: 19891, IsDebugServerRunning: f.polls >= f.readyAt})
	case http.MethodDelete:
		if _, ok := f.configs[arn]; !ok {
			http.NotFound(w, r)
			return
		}
		delete(f.configs, arn)
		w.WriteHeader(http.StatusNoContent)
	}
}

func newLocalStack(t *testing.T, fake *fakeLocalStack) *LocalStackDebugger {
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	return NewLocalStackDebugger(LocalStackOptions{
		Endpoint:  srv.URL,
		ReadyPoll: retry.Config{MaxRetries: 5, InitialDelay: time.Millisecond, Multiplier: 1},
	}, zerolog.Nop())
}

func TestLocalStackDebugger(t *testing.T) {
	fake := &fakeLocalStack{lambda: "running", configs: map[string]debugConfigRequest{}, readyAt: 3}
	d := newLocalStack(t, fake)
	ctx := context.Background()

	require.NoError(t, d.CheckHealth(ctx))
	var states []State
	ep, err := d.Setup(ctx, Setup{
		Snapshot:   &deployment.Snapshot{FunctionArn: testArn},
		Transition: func(s State) { states = append(states, s) },
	})
	require.NoError(t, err)
	assert.Equal(t, &Endpoint{Host: "127.0.0.1", Port: 19891, Qualifier: deployment.LatestQualifier}, ep)
	assert.Equal(t, []State{DeploymentPatching, ProxyStarting}, states)
	assert.Equal(t, 3, fake.polls)
	assert.Equal(t, "ldk", fake.configs[testArn].UserAgent)
	assert.Nil(t, d.Done())

	require.NoError(t, d.Cleanup(ctx, &deployment.Snapshot{FunctionArn: testArn}))
	assert.Empty(t, fake.configs)
	// already removed
	require.NoError(t, d.Cleanup(ctx, &deployment.Snapshot{FunctionArn: testArn}))

	err = d.do(ctx, http.MethodGet, d.configPath(testArn), nil, &debugConfigResponse{})
	var status *statusError
	require.ErrorAs(t, err, &status)
	assert.Equal(t, http.StatusNotFound, status.code)
}

func TestLocalStackDebuggerNotReady(t *testing.T) {
	fake := &fakeLocalStack{lambda: "running", configs: map[string]debugConfigRequest{}, readyAt: 100}
	d := newLocalStack(t, fake)
	_, err := d.Setup(context.Background(), Setup{Snapshot: &deployment.Snapshot{FunctionArn: testArn}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "debug server did not start")
}

func TestLocalStackHealth(t *testing.T) {
	fake := &fakeLocalStack{lambda: "disabled", configs: map[string]debugConfigRequest{}}
	d := newLocalStack(t, fake)
	err := d.CheckHealth(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disabled")

	unreachable := NewLocalStackDebugger(LocalStackOptions{Endpoint: "http://127.0.0.1:1"}, zerolog.Nop())
	assert.Error(t, unreachable.CheckHealth(context.Background()))
}
