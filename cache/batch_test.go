package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func batchOps() []BatchOp {
	return []BatchOp{
		{Type: OpSet, Key: "w:1", Value: wallet{ID: "1", Balance: 10}, TTL: time.Minute},
		{Type: OpSet, Key: "w:2", Value: wallet{ID: "2", Balance: 20}, TTL: time.Minute},
		{Type: OpGet, Key: "w:1"},
		{Type: OpGet, Key: "w:missing"},
		{Type: OpDelete, Key: "w:2"},
		{Type: OpDelete, Key: "w:missing"},
	}
}

func assertBatchResults(t *testing.T, results []BatchResult) {
	t.Helper()
	require.Len(t, results, 6)

	for i, key := range []string{"w:1", "w:2", "w:1", "w:missing", "w:2", "w:missing"} {
		assert.Equal(t, key, results[i].Key, "results keep input order")
		assert.NoError(t, results[i].Err)
	}

	require.True(t, results[2].Found)
	var w wallet
	require.NoError(t, results[2].Decode(&w))
	assert.Equal(t, 10.0, w.Balance)

	assert.False(t, results[3].Found)
	assert.True(t, results[4].Deleted)
	assert.False(t, results[5].Deleted)
}

func TestExecuteBatch_Pipelined(t *testing.T) {
	l, mr, _ := newTestLayer(t, nil)

	results, err := l.ExecuteBatch(context.Background(), batchOps())
	require.NoError(t, err)
	assertBatchResults(t, results)

	assert.True(t, mr.Exists("mixer:w:1"))
	assert.False(t, mr.Exists("mixer:w:2"))
}

func TestExecuteBatch_Sequential(t *testing.T) {
	l, mr, _ := newTestLayer(t, func(c *Config) { c.BatchingEnabled = false })

	results, err := l.ExecuteBatch(context.Background(), batchOps())
	require.NoError(t, err)
	assertBatchResults(t, results)

	assert.True(t, mr.Exists("mixer:w:1"))
	assert.False(t, mr.Exists("mixer:w:2"))
}

func TestExecuteBatch_ReadsSeeEarlierWrites(t *testing.T) {
	for name, batching := range map[string]bool{"pipelined": true, "sequential": false} {
		t.Run(name, func(t *testing.T) {
			l, _, _ := newTestLayer(t, func(c *Config) { c.BatchingEnabled = batching })
			ctx := context.Background()

			require.NoError(t, l.Set(ctx, "k", "old", time.Minute))
			require.NoError(t, l.Set(ctx, "gone", "old", time.Minute))

			results, err := l.ExecuteBatch(ctx, []BatchOp{
				{Type: OpGet, Key: "k"},
				{Type: OpSet, Key: "k", Value: "new", TTL: time.Minute},
				{Type: OpGet, Key: "k"},
				{Type: OpDelete, Key: "gone"},
				{Type: OpGet, Key: "gone"},
			})
			require.NoError(t, err)
			require.Len(t, results, 5)

			var before, after string
			require.True(t, results[0].Found)
			require.NoError(t, results[0].Decode(&before))
			assert.Equal(t, "old", before)

			require.True(t, results[2].Found)
			require.NoError(t, results[2].Decode(&after))
			assert.Equal(t, "new", after)

			assert.True(t, results[3].Deleted)
			assert.False(t, results[4].Found)
		})
	}
}

func TestExecuteBatch_Chunked(t *testing.T) {
	l, _, _ := newTestLayer(t, func(c *Config) { c.BatchSize = 2 })
	ctx := context.Background()

	var ops []BatchOp
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		ops = append(ops, BatchOp{Type: OpSet, Key: k, Value: k})
	}
	_, err := l.ExecuteBatch(ctx, ops)
	require.NoError(t, err)

	l.Clear()
	var gets []BatchOp
	for _, k := range []string{"e", "d", "c", "b", "a"} {
		gets = append(gets, BatchOp{Type: OpGet, Key: k})
	}
	results, err := l.ExecuteBatch(ctx, gets)
	require.NoError(t, err)

	for i, want := range []string{"e", "d", "c", "b", "a"} {
		var got string
		require.True(t, results[i].Found)
		require.NoError(t, results[i].Decode(&got))
		assert.Equal(t, want, got)
	}
	assert.Equal(t, uint64(5), l.Stats().L2Hits)
}

func TestExecuteBatch_PerOpErrors(t *testing.T) {
	l, _, _ := newTestLayer(t, nil)

	results, err := l.ExecuteBatch(context.Background(), []BatchOp{
		{Type: OpSet, Key: "bad", Value: make(chan int)},
		{Type: OpSet, Key: "good", Value: 1},
		{Type: OpType(99), Key: "odd"},
	})
	require.NoError(t, err)

	assert.Error(t, results[0].Err)
	assert.NoError(t, results[1].Err)
	assert.Error(t, results[2].Err)
}

func TestExecuteBatch_StoreDown(t *testing.T) {
	l, mr, _ := newTestLayer(t, nil)
	mr.Close()

	results, err := l.ExecuteBatch(context.Background(), []BatchOp{
		{Type: OpSet, Key: "a", Value: 1},
		{Type: OpGet, Key: "b"},
	})
	require.Error(t, err)
	for _, r := range results {
		assert.Error(t, r.Err)
	}
}

func TestOpType_String(t *testing.T) {
	assert.Equal(t, "get", OpGet.String())
	assert.Equal(t, "delete", OpDelete.String())
	assert.Equal(t, "unknown", OpType(7).String())
}
