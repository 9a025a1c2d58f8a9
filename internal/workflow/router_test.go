package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/jonathan/survey-agent/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(_ context.Context, _ state.Record) (Result, error) {
	return Result{}, nil
}

func TestRouterUnconditionalEdge(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.Connect("extract", "transform"))

	next, err := r.Next("extract", state.Record{})
	require.NoError(t, err)
	assert.Equal(t, "transform", next)
	assert.Equal(t, []string{"transform"}, r.Successors("extract"))
}

func TestRouterRejectsDuplicateEdges(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.Connect("a", "b"))
	assert.Error(t, r.Connect("a", "c"))
	assert.Error(t, r.Branch("a", func(state.Record) (string, error) { return "b", nil }, "b"))
	assert.Error(t, r.Branch("x", nil, "b"))
	assert.Error(t, r.Branch("y", func(state.Record) (string, error) { return "b", nil }))
}

func TestRouterPredicateEdge(t *testing.T) {
	tests := []struct {
		name      string
		pick      string
		predErr   error
		want      string
		wantFatal bool
	}{
		{name: "first target", pick: "review", want: "review"},
		{name: "second target", pick: "generate", want: "generate"},
		{name: "undeclared target", pick: "elsewhere", wantFatal: true},
		{name: "predicate error", predErr: errors.New("cannot decode"), wantFatal: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRouter()
			require.NoError(t, r.Branch("validate", func(state.Record) (string, error) {
				return tt.pick, tt.predErr
			}, "review", "generate"))

			next, err := r.Next("validate", state.Record{})
			if tt.wantFatal {
				require.Error(t, err)
				assert.True(t, IsFatal(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, next)
		})
	}
}

func TestRouterNoEdgeIsRoutingError(t *testing.T) {
	_, err := NewRouter().Next("orphan", state.Record{})
	var routing *RoutingError
	require.ErrorAs(t, err, &routing)
	assert.Equal(t, "orphan", routing.From)
	assert.True(t, IsFatal(err))
}

func TestRouterValidate(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Step{ID: "a", Owns: []state.Section{"alpha"}, Handler: noop}))
	require.NoError(t, reg.Register(Step{ID: "b", Owns: []state.Section{"beta"}, Handler: noop}))

	t.Run("complete graph", func(t *testing.T) {
		r := NewRouter()
		require.NoError(t, r.Connect("a", "b"))
		require.NoError(t, r.Connect("b", End))
		assert.NoError(t, r.Validate(reg))
	})

	t.Run("missing edge", func(t *testing.T) {
		r := NewRouter()
		require.NoError(t, r.Connect("a", "b"))
		assert.Error(t, r.Validate(reg))
	})

	t.Run("unknown target", func(t *testing.T) {
		r := NewRouter()
		require.NoError(t, r.Connect("a", "c"))
		require.NoError(t, r.Connect("b", End))
		assert.Error(t, r.Validate(reg))
	})

	t.Run("edge from unknown step", func(t *testing.T) {
		r := NewRouter()
		require.NoError(t, r.Connect("a", "b"))
		require.NoError(t, r.Connect("b", End))
		require.NoError(t, r.Connect("z", End))
		assert.Error(t, r.Validate(reg))
	})
}

func TestRegistryRegister(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Step{ID: "a", Owns: []state.Section{"alpha"}, Handler: noop}))

	assert.Error(t, reg.Register(Step{ID: "a", Owns: []state.Section{"alpha"}, Handler: noop}), "duplicate id")
	assert.Error(t, reg.Register(Step{ID: "", Owns: []state.Section{"alpha"}, Handler: noop}), "empty id")
	assert.Error(t, reg.Register(Step{ID: End, Owns: []state.Section{"alpha"}, Handler: noop}), "sentinel id")
	assert.Error(t, reg.Register(Step{ID: "b", Handler: noop}), "no sections")
	assert.Error(t, reg.Register(Step{ID: "c", Owns: []state.Section{"gamma"}}), "no handler")
	assert.Error(t, reg.Register(Step{ID: "d", Owns: []state.Section{state.SectionInput}, Handler: noop}), "input section")

	step, ok := reg.Get("a")
	require.True(t, ok)
	assert.Equal(t, "a", step.ID)
	assert.Equal(t, []string{"a"}, reg.IDs())
	assert.Equal(t, []state.Section{"alpha"}, reg.Ownership().Owned("a"))
}

func TestIsFatal(t *testing.T) {
	assert.False(t, IsFatal(nil))
	assert.False(t, IsFatal(errors.New("connection reset")))
	assert.True(t, IsTransient(errors.New("connection reset")))
	assert.True(t, IsFatal(Fatal("s", "broken", nil)))
	assert.True(t, IsFatal(&state.OwnershipError{Step: "s", Section: "x"}))
	assert.True(t, IsFatal(&state.MissingFieldError{Section: "x", Field: "y"}))
	assert.False(t, IsTransient(&RoutingError{From: "s"}))
}
