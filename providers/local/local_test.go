package local

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rizki96/exllm/pipeline"
	llmerrors "github.com/rizki96/exllm/pkg/errors"
	"github.com/rizki96/exllm/pkg/types"
	"github.com/rizki96/exllm/providers"
)

func newChatRequest() *pipeline.Request {
	return pipeline.NewRequest(context.Background(), ProviderName, []types.Message{
		{Role: types.RoleUser, Content: "Hello"},
	}, nil)
}

func TestSliceStream(t *testing.T) {
	s := NewSliceStream([]string{"a", "b", "c"})
	var got []string
	for {
		tok, err := s.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, tok)
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.NoError(t, s.Close())
}

func TestRun(t *testing.T) {
	p := New(RunnerFunc(func(messages []types.Message, _ *types.Options) (providers.TokenStream, error) {
		require.Len(t, messages, 1)
		return NewSliceStream([]string{"Hi", " there"}), nil
	}))

	stream, err := p.Run(newChatRequest())
	require.NoError(t, err)
	tok, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, "Hi", tok)
}

func TestRunNoRunner(t *testing.T) {
	p := New(nil)
	_, err := p.Run(newChatRequest())
	require.Error(t, err)
	assert.Equal(t, llmerrors.KindConfiguration, llmerrors.KindOf(err))
}

func TestRunGenerationError(t *testing.T) {
	boom := errors.New("out of memory")
	p := New(RunnerFunc(func(_ []types.Message, _ *types.Options) (providers.TokenStream, error) {
		return nil, boom
	}))

	_, err := p.Run(newChatRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestBuildRequestAssignsModel(t *testing.T) {
	p := New(nil)
	req := newChatRequest()
	req.Options.Model = "phi-3-mini"
	req = p.BuildRequest(req)

	model, _ := req.GetAssign(pipeline.AssignModel)
	assert.Equal(t, "phi-3-mini", model)
}
