package stream

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitWithoutSinkIsNoop(t *testing.T) {
	require.Nil(t, Current(context.Background()))
	require.NoError(t, Emit(context.Background(), Chunk("x")))
}

func TestBindRoutesToSink(t *testing.T) {
	rec := &Recorder{}
	ctx, b := Bind(context.Background(), rec)
	defer b.Release()

	require.NoError(t, EmitReasoning(ctx, "research_agent", "thinking"))
	require.NoError(t, EmitChunk(ctx, "hello"))
	require.NoError(t, EmitChart(ctx, "/charts/a.png"))

	assert.Equal(t, []Event{
		Reasoning("research_agent", "thinking"),
		Chunk("hello"),
		Chart("/charts/a.png"),
	}, rec.Events())
}

func TestReleaseDropsLateEmits(t *testing.T) {
	rec := &Recorder{}
	ctx, b := Bind(context.Background(), rec)
	b.Release()
	b.Release()

	require.Nil(t, Current(ctx))
	require.NoError(t, EmitChunk(ctx, "late"))
	assert.Empty(t, rec.Events())
}

func TestReleaseWaitsForInFlightEmit(t *testing.T) {
	entered := make(chan struct{})
	gate := make(chan struct{})
	var delivered []Event
	sink := SinkFunc(func(_ context.Context, e Event) error {
		close(entered)
		<-gate
		delivered = append(delivered, e)
		return nil
	})
	ctx, b := Bind(context.Background(), sink)

	emitted := make(chan error, 1)
	go func() { emitted <- Emit(ctx, Chunk("late")) }()
	<-entered

	released := make(chan struct{})
	go func() {
		b.Release()
		close(released)
	}()

	select {
	case <-released:
		t.Fatal("Release returned while an emit was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	require.NoError(t, <-emitted)
	<-released
	assert.Equal(t, []Event{Chunk("late")}, delivered)
	require.NoError(t, b.Emit(ctx, Chunk("after")))
	assert.Len(t, delivered, 1)
}

func TestConcurrentBindingsAreIsolated(t *testing.T) {
	const turns = 8
	recs := make([]*Recorder, turns)
	var wg sync.WaitGroup
	for i := range turns {
		recs[i] = &Recorder{}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, b := Bind(context.Background(), recs[i])
			defer b.Release()
			for j := 0; j < 50; j++ {
				_ = EmitChunk(ctx, string(rune('a'+i)))
			}
		}(i)
	}
	wg.Wait()

	for i, rec := range recs {
		events := rec.Events()
		require.Len(t, events, 50)
		for _, e := range events {
			assert.Equal(t, string(rune('a'+i)), e.Data)
		}
	}
}

func TestNestedBindShadowsOuter(t *testing.T) {
	outer, inner := &Recorder{}, &Recorder{}
	ctx, ob := Bind(context.Background(), outer)
	defer ob.Release()

	innerCtx, ib := Bind(ctx, inner)
	require.NoError(t, EmitChunk(innerCtx, "in"))
	ib.Release()
	require.NoError(t, EmitChunk(ctx, "out"))

	assert.Equal(t, []Event{Chunk("in")}, inner.Events())
	assert.Equal(t, []Event{Chunk("out")}, outer.Events())
}

func TestEventWireShapes(t *testing.T) {
	cases := map[string]Event{
		`{"type":"reasoning","data":"r","agent":"main_agent"}`: Reasoning("main_agent", "r"),
		`{"type":"chunk","data":"c"}`:                          Chunk("c"),
		`{"type":"chart","data":"/charts/x.png"}`:              Chart("/charts/x.png"),
		`{"type":"handoff","data":"ok?"}`:                      Handoff("ok?"),
		`{"type":"done"}`:                                      Done(),
		`{"type":"error","message":"boom"}`:                    Failure("boom"),
	}
	for want, e := range cases {
		got, err := json.Marshal(e)
		require.NoError(t, err)
		assert.JSONEq(t, want, string(got))
	}
}

func TestTerminal(t *testing.T) {
	assert.True(t, Done().Terminal())
	assert.True(t, Failure("x").Terminal())
	assert.False(t, Chunk("x").Terminal())
}
