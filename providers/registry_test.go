package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rizki96/exllm/pipeline"
	llmerrors "github.com/rizki96/exllm/pkg/errors"
	"github.com/rizki96/exllm/pkg/types"
)

type fakeAdapter struct{ name string }

func (f *fakeAdapter) Name() string                                   { return f.name }
func (f *fakeAdapter) DefaultBaseURL() string                         { return "http://example.test" }
func (f *fakeAdapter) BuildRequest(r *pipeline.Request) *pipeline.Request { return r }
func (f *fakeAdapter) ParseResponse(_ *pipeline.Request, _ []byte) (*types.LLMResponse, error) {
	return &types.LLMResponse{}, nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	built := 0
	r.Register("fake", func() Adapter {
		built++
		return &fakeAdapter{name: "fake"}
	})

	t.Run("get builds lazily and caches", func(t *testing.T) {
		assert.Equal(t, 0, built)
		a, err := r.Get("fake")
		require.NoError(t, err)
		assert.Equal(t, "fake", a.Name())

		b, err := r.Get("fake")
		require.NoError(t, err)
		assert.Same(t, a, b)
		assert.Equal(t, 1, built)
	})

	t.Run("unknown provider", func(t *testing.T) {
		_, err := r.Get("nope")
		require.Error(t, err)
		assert.Equal(t, llmerrors.KindValidation, llmerrors.KindOf(err))
	})

	t.Run("has and list", func(t *testing.T) {
		r.Register("alpha", func() Adapter { return &fakeAdapter{name: "alpha"} })
		assert.True(t, r.Has("fake"))
		assert.False(t, r.Has("nope"))
		assert.Equal(t, []string{"alpha", "fake"}, r.List())
	})

	t.Run("re-register drops cached instance", func(t *testing.T) {
		a, err := r.Get("fake")
		require.NoError(t, err)
		r.Register("fake", func() Adapter { return &fakeAdapter{name: "fake2"} })
		b, err := r.Get("fake")
		require.NoError(t, err)
		assert.NotSame(t, a, b)
		assert.Equal(t, "fake2", b.Name())
	})
}
