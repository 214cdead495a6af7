// Copyright 2025 James Ross
package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/flyingrobots/constellation/internal/cvalue"
	"github.com/flyingrobots/constellation/internal/dag"
	"github.com/flyingrobots/constellation/internal/modules"
	"github.com/flyingrobots/constellation/internal/pipeline"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryDefaultAndOps(t *testing.T) {
	r := NewRegistry()
	_, err := r.Default()
	assert.ErrorIs(t, err, ErrNoDefault)

	a := NewMemoryBackend("a", 0)
	b := NewMemoryBackend("b", 0)
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))
	assert.ErrorIs(t, r.Register(NewMemoryBackend("a", 0)), ErrBackendExists)

	// First registered is the default.
	def, err := r.Default()
	require.NoError(t, err)
	assert.Equal(t, "a", def.Name())

	require.NoError(t, r.SetDefault("b"))
	def, _ = r.Default()
	assert.Equal(t, "b", def.Name())
	assert.Error(t, r.SetDefault("ghost"))

	assert.ElementsMatch(t, []string{"a", "b"}, r.List())
	assert.Len(t, r.AllStats(), 2)

	assert.True(t, r.Unregister("b"))
	assert.False(t, r.Unregister("b"))
	_, err = r.Default()
	assert.ErrorIs(t, err, ErrNoDefault)
}

func TestGenerateKeyOrderIndependent(t *testing.T) {
	inputsA := map[string]cvalue.Value{"x": cvalue.Int64(1), "y": cvalue.String("s"), "z": cvalue.Bool(true)}
	inputsB := map[string]cvalue.Value{"z": cvalue.Bool(true), "x": cvalue.Int64(1), "y": cvalue.String("s")}

	ka, err := GenerateKey("mod", inputsA, "v1")
	require.NoError(t, err)
	kb, err := GenerateKey("mod", inputsB, "v1")
	require.NoError(t, err)
	assert.Equal(t, ka, kb)
	assert.Len(t, ka, 64)

	// Different module, inputs, or version all change the key.
	kc, _ := GenerateKey("other", inputsA, "v1")
	assert.NotEqual(t, ka, kc)
	kd, _ := GenerateKey("mod", inputsA, "v2")
	assert.NotEqual(t, ka, kd)
	ke, _ := GenerateKey("mod", map[string]cvalue.Value{"x": cvalue.Int64(2)}, "v1")
	assert.NotEqual(t, ka, ke)
}

func TestGenerateShortKey(t *testing.T) {
	inputs := map[string]cvalue.Value{"x": cvalue.Int64(1)}
	full, err := GenerateKey("mod", inputs, "")
	require.NoError(t, err)
	short, err := GenerateShortKey("mod", inputs, "", 12)
	require.NoError(t, err)
	assert.Equal(t, full[:12], short)
}

func compileOutput(t *testing.T) *pipeline.LoadedPipeline {
	t.Helper()
	r := modules.NewRegistry()
	modules.RegisterBuiltins(r)
	spec := &dag.Spec{
		Inputs: []dag.InputDecl{
			{Name: "a", Type: cvalue.Int64Type},
			{Name: "b", Type: cvalue.Int64Type},
		},
		Nodes: map[dag.NodeID]dag.NodeSpec{
			"sum": {Module: "math.add", Inputs: map[string]dag.InputRef{
				"a": dag.FromInput("a"), "b": dag.FromInput("b"),
			}},
		},
		NodeOrder: []dag.NodeID{"sum"},
		Outputs:   map[string]dag.InputRef{"r": dag.FromNode("sum")},
		OutOrder:  []string{"r"},
	}
	img, err := pipeline.NewImage(spec, r, "syn")
	require.NoError(t, err)
	return &pipeline.LoadedPipeline{Image: img}
}

func TestCompilationCacheHashValidation(t *testing.T) {
	ctx := context.Background()
	cc := NewCompilationCache(NewMemoryBackend("compile", 0), time.Hour)
	output := compileOutput(t)

	require.NoError(t, cc.Put(ctx, "p", "src1", "reg1", output))

	got, ok := cc.Get(ctx, "p", "src1", "reg1")
	require.True(t, ok)
	assert.Same(t, output, got)

	// Source change misses without evicting.
	_, ok = cc.Get(ctx, "p", "src2", "reg1")
	assert.False(t, ok)
	// Registry change misses too.
	_, ok = cc.Get(ctx, "p", "src1", "reg2")
	assert.False(t, ok)
	// Original pair still hits.
	_, ok = cc.Get(ctx, "p", "src1", "reg1")
	assert.True(t, ok)

	stats := cc.Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(2), stats.Misses)
	assert.Equal(t, int64(2), stats.Invalidations)

	assert.True(t, cc.Invalidate(ctx, "p"))
	_, ok = cc.Get(ctx, "p", "src1", "reg1")
	assert.False(t, ok)
}

func redisBackend(t *testing.T) (*DistributedBackend, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewDistributedBackend("redis", NewRedisStore(rdb, "test:cache"), nil), mr
}

func TestRedisBackendRoundTrip(t *testing.T) {
	b, _ := redisBackend(t)
	ctx := context.Background()

	v := cvalue.Map(map[string]cvalue.Value{"n": cvalue.Int64(5)})
	require.NoError(t, b.Set(ctx, "k", v, time.Minute))

	entry, ok := b.Get(ctx, "k")
	require.True(t, ok)
	got, isValue := entry.Value.(cvalue.Value)
	require.True(t, isValue)
	assert.True(t, v.Equal(got))

	assert.True(t, b.Contains(ctx, "k"))
	assert.True(t, b.Delete(ctx, "k"))
	_, ok = b.Get(ctx, "k")
	assert.False(t, ok)
}

func TestRedisBackendValueMapAndGeneric(t *testing.T) {
	b, _ := redisBackend(t)
	ctx := context.Background()

	vm := map[string]cvalue.Value{"a": cvalue.Int64(1)}
	require.NoError(t, b.Set(ctx, "vm", vm, time.Minute))
	entry, ok := b.Get(ctx, "vm")
	require.True(t, ok)
	back, isMap := entry.Value.(map[string]cvalue.Value)
	require.True(t, isMap)
	assert.True(t, back["a"].Equal(cvalue.Int64(1)))

	require.NoError(t, b.Set(ctx, "raw", map[string]interface{}{"x": "y"}, time.Minute))
	entry, ok = b.Get(ctx, "raw")
	require.True(t, ok)
	raw, isRaw := entry.Value.(map[string]interface{})
	require.True(t, isRaw)
	assert.Equal(t, "y", raw["x"])
}

func TestRedisBackendExpiry(t *testing.T) {
	b, mr := redisBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "k", cvalue.Int64(1), time.Minute))
	mr.FastForward(2 * time.Minute)
	_, ok := b.Get(ctx, "k")
	assert.False(t, ok)
}

func TestRedisBackendClear(t *testing.T) {
	b, _ := redisBackend(t)
	ctx := context.Background()
	_ = b.Set(ctx, "a", cvalue.Int64(1), time.Minute)
	_ = b.Set(ctx, "b", cvalue.Int64(2), time.Minute)

	require.NoError(t, b.Clear(ctx))
	assert.False(t, b.Contains(ctx, "a"))
	assert.False(t, b.Contains(ctx, "b"))
}
