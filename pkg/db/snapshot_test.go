package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/kfsoftware/ldk/pkg/deployment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *SnapshotStore {
	t.Helper()
	dbClient, err := Open(filepath.Join(t.TempDir(), "state", "ldk.db"))
	require.NoError(t, err)
	return NewSnapshotStore(dbClient)
}

func TestSnapshotStoreEmpty(t *testing.T) {
	store := testStore(t)
	snapshot, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snapshot)
	require.NoError(t, store.Clear(context.Background()))
}

func TestSnapshotStoreSaveLoadClear(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	in := &deployment.Snapshot{
		FunctionArn:  "arn:aws:lambda:us-east-1:123456789012:function:orders",
		FunctionName: "orders",
		Region:       "us-east-1",
		Runtime:      "python3.12",
		Timeout:      30,
		Layers:       []string{"arn:aws:lambda:us-east-1:123456789012:layer:deps:4"},
		Environment:  map[string]string{"STAGE": "prod"},
	}
	require.NoError(t, store.Save(ctx, in))

	out, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	// last write wins
	in.Qualifier = "7"
	in.TunnelID = "tunnel-1"
	require.NoError(t, store.Save(ctx, in))
	out, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "7", out.Qualifier)
	assert.Equal(t, "tunnel-1", out.TunnelID)

	require.NoError(t, store.Clear(ctx))
	out, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestSnapshotStoreNormalisesEmptyCollections(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	require.NoError(t, store.Save(ctx, &deployment.Snapshot{FunctionName: "orders", Timeout: 3}))
	out, err := store.Load(ctx)
	require.NoError(t, err)
	assert.NotNil(t, out.Layers)
	assert.NotNil(t, out.Environment)
	assert.Empty(t, out.Layers)
}
