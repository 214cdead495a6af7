// Copyright 2025 James Ross
package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/flyingrobots/constellation/internal/cvalue"
	"github.com/flyingrobots/constellation/internal/dag"
	"github.com/flyingrobots/constellation/internal/modules"
	"github.com/flyingrobots/constellation/internal/pipeline"
	"github.com/flyingrobots/constellation/internal/suspension"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type resumeHarness struct {
	registry  *modules.Registry
	pipelines *pipeline.MemoryStore
	store     *suspension.MemoryStore
	exec      *Executor
	resumer   *Resumer
}

func newResumeHarness(t *testing.T) *resumeHarness {
	t.Helper()
	h := &resumeHarness{
		registry:  testRegistry(t),
		pipelines: pipeline.NewMemoryStore(),
		store:     suspension.NewMemoryStore(nil, 0),
	}
	h.exec = testExecutor(Config{})
	h.resumer = NewResumer(h.store, h.pipelines, h.exec, nil, zap.NewNop())
	return h
}

// suspendGated stores the approval-gated pipeline and suspends it with only
// userId provided.
func (h *resumeHarness) suspendGated(t *testing.T) (suspension.Handle, *pipeline.Image) {
	t.Helper()
	src := `in userId:String
in approval:Bool
u = GetUser(userId)
out user = u when approval`
	img := compileImage(t, h.registry, src)
	_, err := h.pipelines.Store(img)
	require.NoError(t, err)

	result, err := h.exec.Execute(context.Background(), img, map[string]cvalue.Value{
		"userId": cvalue.String("u1"),
	}, Options{AllowSuspend: true})
	require.NoError(t, err)
	require.True(t, result.Suspended())

	handle, err := h.store.Save(result.Suspension)
	require.NoError(t, err)
	return handle, img
}

func TestResumeToCompletion(t *testing.T) {
	h := newResumeHarness(t)
	handle, _ := h.suspendGated(t)

	result, err := h.resumer.Resume(context.Background(), handle,
		map[string]cvalue.Value{"approval": cvalue.Bool(true)}, nil, Options{})
	require.NoError(t, err)
	require.True(t, result.Completed)
	assert.Equal(t, 1, result.ResumptionCount)

	user, ok := result.Outputs["user"].AsMap()
	require.True(t, ok)
	assert.True(t, user["name"].Equal(cvalue.String("Alice")))
	assert.True(t, user["id"].Equal(cvalue.String("u1")))

	// Terminal resume deletes the stored entry.
	_, found := h.store.Load(handle)
	assert.False(t, found)
}

func TestResumeToFailureDeletesEntry(t *testing.T) {
	h := newResumeHarness(t)
	handle, _ := h.suspendGated(t)

	// The gate rejects a false condition, failing the pipeline.
	_, err := h.resumer.Resume(context.Background(), handle,
		map[string]cvalue.Value{"approval": cvalue.Bool(false)}, nil, Options{})
	require.Error(t, err)
	rtErr, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindModuleFailure, rtErr.Kind)

	_, found := h.store.Load(handle)
	assert.False(t, found)
}

func TestPartialResumeShrinksMissingSet(t *testing.T) {
	h := newResumeHarness(t)
	src := `in a:Int64
in b:Int64
in c:Int64
s = add(a, b)
out r = add(s, c)`
	img := compileImage(t, h.registry, src)
	_, err := h.pipelines.Store(img)
	require.NoError(t, err)

	result, err := h.exec.Execute(context.Background(), img, ints(map[string]int64{"a": 1}), Options{AllowSuspend: true})
	require.NoError(t, err)
	require.True(t, result.Suspended())
	require.Len(t, result.Suspension.MissingInputs, 2)

	handle, err := h.store.Save(result.Suspension)
	require.NoError(t, err)

	// Supplying b only re-suspends on c, with the sum now computed.
	res, err := h.resumer.Resume(context.Background(), handle,
		map[string]cvalue.Value{"b": cvalue.Int64(2)}, nil, Options{})
	require.NoError(t, err)
	require.False(t, res.Completed)
	require.NotNil(t, res.Suspended)
	assert.Equal(t, handle, res.Suspended.Handle)
	assert.Len(t, res.Suspended.MissingInputs, 1)
	assert.Contains(t, res.Suspended.MissingInputs, "c")
	assert.Equal(t, 1, res.Suspended.ResumptionCount)

	rec, found := h.store.Load(handle)
	require.True(t, found)
	assert.Contains(t, rec.ComputedNodes, dag.NodeID("s"))

	// Final resume completes.
	res, err = h.resumer.Resume(context.Background(), handle,
		map[string]cvalue.Value{"c": cvalue.Int64(10)}, nil, Options{})
	require.NoError(t, err)
	require.True(t, res.Completed)
	total, _ := res.Outputs["r"].AsInt64()
	assert.Equal(t, int64(13), total)
	assert.Equal(t, 2, res.ResumptionCount)
}

func TestResumeWithResolvedNode(t *testing.T) {
	h := newResumeHarness(t)
	handle, img := h.suspendGated(t)

	// Inject the gate node's value directly instead of the approval input.
	gateID := dag.NodeID("user")
	_, ok := img.Spec.Nodes[gateID]
	require.True(t, ok)

	injected := cvalue.Map(map[string]cvalue.Value{
		"id": cvalue.String("u1"), "name": cvalue.String("Override"),
	})
	res, err := h.resumer.Resume(context.Background(), handle, nil,
		map[dag.NodeID]cvalue.Value{gateID: injected}, Options{})
	require.NoError(t, err)

	// The approval input is still missing, but nothing pending depends on
	// it anymore: the execution completes from the injected node.
	require.True(t, res.Completed)
	user, _ := res.Outputs["user"].AsMap()
	assert.True(t, user["name"].Equal(cvalue.String("Override")))
}

func TestResumeValidationErrors(t *testing.T) {
	h := newResumeHarness(t)
	handle, _ := h.suspendGated(t)

	cases := []struct {
		name       string
		additional map[string]cvalue.Value
		resolved   map[dag.NodeID]cvalue.Value
		wantKind   Kind
	}{
		{
			name:       "already provided",
			additional: map[string]cvalue.Value{"userId": cvalue.String("u2")},
			wantKind:   KindAlreadyProvided,
		},
		{
			name:       "unknown input",
			additional: map[string]cvalue.Value{"ghost": cvalue.Bool(true)},
			wantKind:   KindUnknownInput,
		},
		{
			name:       "type mismatch",
			additional: map[string]cvalue.Value{"approval": cvalue.String("yes")},
			wantKind:   KindTypeMismatch,
		},
		{
			name:     "already resolved node",
			resolved: map[dag.NodeID]cvalue.Value{"u": cvalue.Map(map[string]cvalue.Value{})},
			wantKind: KindAlreadyResolved,
		},
		{
			name:     "unknown node",
			resolved: map[dag.NodeID]cvalue.Value{"ghost": cvalue.Int64(1)},
			wantKind: KindAlreadyResolved,
		},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.resumer.Resume(context.Background(), handle, tt.additional, tt.resolved, Options{})
			require.Error(t, err)
			rtErr, ok := AsError(err)
			require.True(t, ok)
			assert.Equal(t, tt.wantKind, rtErr.Kind)

			// Validation failures retain the suspension.
			_, found := h.store.Load(handle)
			assert.True(t, found)
		})
	}
}

func TestResumeUnknownHandle(t *testing.T) {
	h := newResumeHarness(t)
	_, err := h.resumer.Resume(context.Background(), "no-such-handle", nil, nil, Options{})
	assert.ErrorIs(t, err, suspension.ErrNotFound)
}

func TestResumePipelineChanged(t *testing.T) {
	h := newResumeHarness(t)
	handle, img := h.suspendGated(t)
	h.pipelines.Remove(img.StructuralHash)

	_, err := h.resumer.Resume(context.Background(), handle,
		map[string]cvalue.Value{"approval": cvalue.Bool(true)}, nil, Options{})
	require.Error(t, err)
	rtErr, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindPipelineChanged, rtErr.Kind)
}

func TestResumeSingleWriter(t *testing.T) {
	h := newResumeHarness(t)

	src := `in x:Int64
in gate:Bool
s = test.slowid(x)
out r = s when gate`
	h.registry.MustRegister(modules.NewFactory("test.slowid",
		[]modules.Param{{Name: "x", Type: cvalue.Int64Type}},
		cvalue.Int64Type,
		func(ctx context.Context, args map[string]cvalue.Value) (cvalue.Value, error) {
			select {
			case <-time.After(200 * time.Millisecond):
			case <-ctx.Done():
				return cvalue.Null(), ctx.Err()
			}
			return args["x"], nil
		}))
	img := compileImage(t, h.registry, src)
	_, err := h.pipelines.Store(img)
	require.NoError(t, err)

	// Suspend with the slow node blocked too (x missing) so the resume
	// itself takes long enough to overlap.
	result, err := h.exec.Execute(context.Background(), img, nil, Options{AllowSuspend: true})
	require.NoError(t, err)
	handle, err := h.store.Save(result.Suspension)
	require.NoError(t, err)

	first := make(chan error, 1)
	go func() {
		_, err := h.resumer.Resume(context.Background(), handle, map[string]cvalue.Value{
			"x": cvalue.Int64(1), "gate": cvalue.Bool(true),
		}, nil, Options{})
		first <- err
	}()

	// Give the first resume time to take the handle lock.
	time.Sleep(50 * time.Millisecond)
	_, err = h.resumer.Resume(context.Background(), handle, map[string]cvalue.Value{
		"gate": cvalue.Bool(true),
	}, nil, Options{})
	assert.ErrorIs(t, err, suspension.ErrResumeInProgress)

	require.NoError(t, <-first)
}
