package issue

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTest = errors.New("test sentinel")

func TestErrorMatchesSentinelAndCause(t *testing.T) {
	cause := errors.New("boom")
	err := fmt.Errorf("resolve image: %w", Wrap(KindProtocol, errTest, cause, "registry request failed"))

	assert.ErrorIs(t, err, errTest)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, KindProtocol, KindOf(err))
	assert.True(t, IsKind(err, KindProtocol))
	assert.False(t, IsKind(err, KindUsage))
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Nil(t, HintsOf(errors.New("plain")))
}

func TestRender(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "plain error",
			err:  errors.New("something broke"),
			want: "Error: something broke",
		},
		{
			name: "issue without hints",
			err:  New(KindUsage, errTest, "bad input"),
			want: "Error: bad input",
		},
		{
			name: "issue with hints",
			err:  New(KindUsage, errTest, "bad input", "try this", "or that"),
			want: "Error: bad input\n\nHow to fix:\n  - try this\n  - or that",
		},
		{
			name: "wrapped issue keeps context and hints",
			err:  fmt.Errorf("pull blobs: %w", New(KindIntegrity, errTest, "digest mismatch", "clear cache")),
			want: "Error: pull blobs: digest mismatch\n\nHow to fix:\n  - clear cache",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Render(tt.err))
		})
	}
}

func TestRenderNil(t *testing.T) {
	require.Empty(t, Render(nil))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "security", KindSecurity.String())
	assert.Equal(t, "environment", KindEnvironment.String())
	assert.Equal(t, "unknown", Kind(99).String())
}
