package correlation

import (
	"context"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewID(t *testing.T) {
	// Arrange
	hex32 := regexp.MustCompile(`^[0-9a-f]{32}$`)

	// Act
	first := NewID()
	second := NewID()

	// Assert
	assert.Regexp(t, hex32, first)
	assert.Regexp(t, hex32, second)
	assert.NotEqual(t, first, second)
}

func TestID_EmptyOutsideScope(t *testing.T) {
	assert.Equal(t, "", ID(context.Background()))
	assert.Equal(t, "", Component(context.Background()))
}

func TestWithID_NestedScopesRestoreOuter(t *testing.T) {
	// Arrange
	outer := WithID(context.Background(), "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")

	// Act
	inner := WithID(outer, "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")

	// Assert
	assert.Equal(t, "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", ID(inner))
	assert.Equal(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", ID(outer))
}

func TestWithComponent_KeepsID(t *testing.T) {
	// Arrange
	ctx := WithID(context.Background(), "cccccccccccccccccccccccccccccccc")

	// Act
	ctx = WithComponent(ctx, "worker")

	// Assert
	assert.Equal(t, "cccccccccccccccccccccccccccccccc", ID(ctx))
	assert.Equal(t, "worker", Component(ctx))
}

func TestEnsureID(t *testing.T) {
	t.Run("mints when absent", func(t *testing.T) {
		ctx, id := EnsureID(context.Background())
		require.NotEmpty(t, id)
		assert.Equal(t, id, ID(ctx))
	})

	t.Run("reuses when present", func(t *testing.T) {
		base := WithID(context.Background(), "dddddddddddddddddddddddddddddddd")
		ctx, id := EnsureID(base)
		assert.Equal(t, "dddddddddddddddddddddddddddddddd", id)
		assert.Equal(t, base, ctx)
	})
}

func TestGetContext_IgnoresForeignValues(t *testing.T) {
	// a same-named key from another package cannot collide with the
	// unexported key type
	type foreignKey string
	ctx := context.WithValue(context.Background(), foreignKey("CORRELATION_CONTEXT"), "not-ours")

	assert.Equal(t, "", ID(ctx))
	assert.Equal(t, "", Component(ctx))
}

func TestFields(t *testing.T) {
	// Arrange
	ctx := WithComponent(WithID(context.Background(), "eeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee"), "producer")

	// Act
	fields := Fields(ctx)

	// Assert
	assert.Equal(t, []interface{}{"correlation_id", "eeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee", "component", "producer"}, fields)
	assert.Empty(t, Fields(context.Background()))
}
