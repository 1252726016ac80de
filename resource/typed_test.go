package resource_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comalice/lazychart/resource"
)

func TestTypedRetrieval(t *testing.T) {
	store, _ := newStore(t, nil)
	store.Put("tex", "tex.png", &texture{path: "tex.png"}, 0)
	store.Put("name", "name.txt", "hero", 0)

	tex, ok := resource.Get[*texture](store, "tex")
	require.True(t, ok)
	assert.Equal(t, "tex.png", tex.path)

	_, ok = resource.Get[string](store, "tex")
	assert.False(t, ok, "mismatched type reads as absent")

	_, err := resource.Lookup[int](store, "name")
	assert.ErrorIs(t, err, resource.ErrTypeMismatch)

	_, err = resource.Lookup[string](store, "missing")
	assert.ErrorIs(t, err, resource.ErrNotLoaded)

	s, ok := resource.Get[fmt.Stringer](store, "name")
	assert.False(t, ok)
	assert.Nil(t, s)

	typ, ok := store.TypeOf("tex")
	require.True(t, ok)
	assert.Equal(t, "*resource_test.texture", typ.String())
}

func TestKey(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t, func(context.Context, string) (any, error) { return []byte("data"), nil })
	key := resource.Key[[]byte]{ID: "blob", Path: "blob.bin"}

	_, ok := key.Get(store)
	assert.False(t, ok)

	store.LoadResource(ctx, key.ID, key.Path, nil)
	store.Tick(ctx)
	b, ok := key.Get(store)
	require.True(t, ok)
	assert.Equal(t, []byte("data"), b)
}
