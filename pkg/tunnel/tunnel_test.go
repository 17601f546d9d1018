package tunnel

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iotsecuretunneling"
	"github.com/aws/aws-sdk-go-v2/service/iotsecuretunneling/types"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTunnel struct {
	id          string
	description string
	status      types.TunnelStatus
	createdAt   time.Time
	lifetime    int32
	rotations   int
}

type fakeAPI struct {
	tunnels  []*fakeTunnel
	opened   int
	closed   []string
	listErr  error
	pageSize int
}

func (f *fakeAPI) ListTunnels(_ context.Context, in *iotsecuretunneling.ListTunnelsInput, _ ...func(*iotsecuretunneling.Options)) (*iotsecuretunneling.ListTunnelsOutput, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	start := 0
	if in.NextToken != nil {
		fmt.Sscanf(*in.NextToken, "%d", &start)
	}
	size := f.pageSize
	if size == 0 {
		size = len(f.tunnels)
	}
	out := &iotsecuretunneling.ListTunnelsOutput{}
	end := start + size
	if end > len(f.tunnels) {
		end = len(f.tunnels)
	}
	for _, t := range f.tunnels[start:end] {
		out.TunnelSummaries = append(out.TunnelSummaries, types.TunnelSummary{
			TunnelId:    aws.String(t.id),
			Description: aws.String(t.description),
			Status:      t.status,
			CreatedAt:   aws.Time(t.createdAt),
		})
	}
	if end < len(f.tunnels) {
		out.NextToken = aws.String(fmt.Sprintf("%d", end))
	}
	return out, nil
}

func (f *fakeAPI) find(id string) *fakeTunnel {
	for _, t := range f.tunnels {
		if t.id == id {
			return t
		}
	}
	return nil
}

func (f *fakeAPI) DescribeTunnel(_ context.Context, in *iotsecuretunneling.DescribeTunnelInput, _ ...func(*iotsecuretunneling.Options)) (*iotsecuretunneling.DescribeTunnelOutput, error) {
	t := f.find(aws.ToString(in.TunnelId))
	if t == nil {
		return nil, errors.New("ResourceNotFoundException")
	}
	return &iotsecuretunneling.DescribeTunnelOutput{Tunnel: &types.Tunnel{
		TunnelId:      aws.String(t.id),
		Status:        t.status,
		CreatedAt:     aws.Time(t.createdAt),
		TimeoutConfig: &types.TimeoutConfig{MaxLifetimeTimeoutMinutes: aws.Int32(t.lifetime)},
	}}, nil
}

func (f *fakeAPI) OpenTunnel(_ context.Context, in *iotsecuretunneling.OpenTunnelInput, _ ...func(*iotsecuretunneling.Options)) (*iotsecuretunneling.OpenTunnelOutput, error) {
	f.opened++
	t := &fakeTunnel{
		id:          fmt.Sprintf("tunnel-%d", f.opened),
		description: aws.ToString(in.Description),
		status:      types.TunnelStatusOpen,
		createdAt:   time.Now(),
		lifetime:    aws.ToInt32(in.TimeoutConfig.MaxLifetimeTimeoutMinutes),
	}
	f.tunnels = append(f.tunnels, t)
	return &iotsecuretunneling.OpenTunnelOutput{
		TunnelId:               aws.String(t.id),
		SourceAccessToken:      aws.String(t.id + "-src-0"),
		DestinationAccessToken: aws.String(t.id + "-dst-0"),
	}, nil
}

func (f *fakeAPI) RotateTunnelAccessToken(_ context.Context, in *iotsecuretunneling.RotateTunnelAccessTokenInput, _ ...func(*iotsecuretunneling.Options)) (*iotsecuretunneling.RotateTunnelAccessTokenOutput, error) {
	t := f.find(aws.ToString(in.TunnelId))
	if t == nil {
		return nil, errors.New("ResourceNotFoundException")
	}
	if in.ClientMode != types.ClientModeAll {
		return nil, errors.Errorf("unexpected client mode %s", in.ClientMode)
	}
	t.rotations++
	return &iotsecuretunneling.RotateTunnelAccessTokenOutput{
		SourceAccessToken:      aws.String(fmt.Sprintf("%s-src-%d", t.id, t.rotations)),
		DestinationAccessToken: aws.String(fmt.Sprintf("%s-dst-%d", t.id, t.rotations)),
	}, nil
}

func (f *fakeAPI) CloseTunnel(_ context.Context, in *iotsecuretunneling.CloseTunnelInput, _ ...func(*iotsecuretunneling.Options)) (*iotsecuretunneling.CloseTunnelOutput, error) {
	t := f.find(aws.ToString(in.TunnelId))
	if t != nil {
		t.status = types.TunnelStatusClosed
	}
	f.closed = append(f.closed, aws.ToString(in.TunnelId))
	return &iotsecuretunneling.CloseTunnelOutput{}, nil
}

func newTestManager(api *fakeAPI) *Manager {
	return NewManager(func(ctx context.Context, region string) (API, error) {
		return api, nil
	}, "machine-1", zerolog.Nop())
}

func TestCreateOrReuseTunnelOpensWhenNoneExists(t *testing.T) {
	api := &fakeAPI{}
	info, err := newTestManager(api).CreateOrReuseTunnel(context.Background(), "us-east-1")
	require.NoError(t, err)
	assert.Equal(t, "tunnel-1", info.TunnelID)
	assert.Equal(t, "tunnel-1-src-0", info.SourceToken)
	assert.Equal(t, "tunnel-1-dst-0", info.DestinationToken)
	require.Len(t, api.tunnels, 1)
	assert.Equal(t, "RemoteDebugging+machine-1", api.tunnels[0].description)
	assert.EqualValues(t, 720, api.tunnels[0].lifetime)
}

func TestCreateOrReuseTunnelRotatesLongLivedTunnel(t *testing.T) {
	api := &fakeAPI{pageSize: 1, tunnels: []*fakeTunnel{
		{id: "other", description: "RemoteDebugging+machine-2", status: types.TunnelStatusOpen, createdAt: time.Now(), lifetime: 720},
		{id: "closed", description: "RemoteDebugging+machine-1", status: types.TunnelStatusClosed, createdAt: time.Now(), lifetime: 720},
		{id: "mine", description: "RemoteDebugging+machine-1", status: types.TunnelStatusOpen, createdAt: time.Now().Add(-time.Hour), lifetime: 720},
	}}
	info, err := newTestManager(api).CreateOrReuseTunnel(context.Background(), "us-east-1")
	require.NoError(t, err)
	assert.Equal(t, "mine", info.TunnelID)
	assert.Equal(t, "mine-src-1", info.SourceToken)
	assert.Equal(t, "mine-dst-1", info.DestinationToken)
	assert.Zero(t, api.opened)
	assert.Empty(t, api.closed)
}

func TestCreateOrReuseTunnelReplacesExpiringTunnel(t *testing.T) {
	api := &fakeAPI{tunnels: []*fakeTunnel{
		{id: "mine", description: "RemoteDebugging+machine-1", status: types.TunnelStatusOpen, createdAt: time.Now().Add(-MaxLifetime + 10*time.Minute), lifetime: 720},
	}}
	info, err := newTestManager(api).CreateOrReuseTunnel(context.Background(), "us-east-1")
	require.NoError(t, err)
	assert.NotEqual(t, "mine", info.TunnelID)
	assert.Equal(t, []string{"mine"}, api.closed)
	assert.Equal(t, 1, api.opened)
}

func TestCreateOrReuseTunnelWrapsErrors(t *testing.T) {
	root := errors.New("AccessDeniedException")
	api := &fakeAPI{listErr: root}
	_, err := newTestManager(api).CreateOrReuseTunnel(context.Background(), "us-east-1")
	require.Error(t, err)
	assert.Equal(t, root, errors.Cause(err))
	assert.Contains(t, err.Error(), "failed to list tunnels")
}

func TestRefreshTunnelTokens(t *testing.T) {
	api := &fakeAPI{tunnels: []*fakeTunnel{
		{id: "mine", status: types.TunnelStatusOpen, createdAt: time.Now(), lifetime: 720},
	}}
	m := newTestManager(api)
	first, err := m.RefreshTunnelTokens(context.Background(), "mine", "eu-west-1")
	require.NoError(t, err)
	second, err := m.RefreshTunnelTokens(context.Background(), "mine", "eu-west-1")
	require.NoError(t, err)
	assert.Equal(t, first.TunnelID, second.TunnelID)
	assert.NotEqual(t, first.SourceToken, second.SourceToken)

	_, err = m.RefreshTunnelTokens(context.Background(), "missing", "eu-west-1")
	assert.Error(t, err)
}

func TestCloseTunnel(t *testing.T) {
	api := &fakeAPI{tunnels: []*fakeTunnel{{id: "mine", status: types.TunnelStatusOpen}}}
	require.NoError(t, newTestManager(api).CloseTunnel(context.Background(), "mine", "us-east-1"))
	assert.Equal(t, types.TunnelStatusClosed, api.tunnels[0].status)
}
