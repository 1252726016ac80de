package afsloader_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viant/afs"
	"github.com/viant/afs/file"

	"github.com/comalice/lazychart/afsloader"
	"github.com/comalice/lazychart/internal/logger"
	"github.com/comalice/lazychart/resource"
)

func upload(t *testing.T, fs afs.Service, url, content string) {
	t.Helper()
	require.NoError(t, fs.Upload(context.Background(), url, file.DefaultFileOsMode, bytes.NewReader([]byte(content))))
}

func TestLoadDecodesByExtension(t *testing.T) {
	ctx := context.Background()
	fs := afs.New()
	base := "mem://localhost/afsloader/decode"
	upload(t, fs, base+"/level.json", `{"name":"forest","size":3}`)
	upload(t, fs, base+"/level.yaml", "name: cave\nenemies: [bat, rat]\n")
	upload(t, fs, base+"/tiles.bin", "\x01\x02\x03")

	l := afsloader.New(afsloader.WithFS(fs), afsloader.WithBaseURL(base), afsloader.WithLogger(logger.Discard()))

	v, err := l.Load(ctx, "level.json")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "forest", "size": float64(3)}, v)

	v, err = l.Load(ctx, "level.yaml")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "cave", "enemies": []any{"bat", "rat"}}, v)

	v, err = l.Load(ctx, "tiles.bin")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, v)
}

func TestLoadAbsoluteURL(t *testing.T) {
	fs := afs.New()
	u := "mem://localhost/afsloader/absolute/readme.txt"
	upload(t, fs, u, "hello")

	l := afsloader.New(afsloader.WithFS(fs), afsloader.WithBaseURL("mem://localhost/elsewhere"))
	assert.Equal(t, u, l.URL(u))

	v, err := l.Load(context.Background(), u)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), v)
}

func TestLoadErrors(t *testing.T) {
	ctx := context.Background()
	fs := afs.New()
	base := "mem://localhost/afsloader/errors"
	upload(t, fs, base+"/broken.json", `{"name":`)

	l := afsloader.New(afsloader.WithFS(fs), afsloader.WithBaseURL(base), afsloader.WithLogger(logger.Discard()))

	_, err := l.Load(ctx, "missing.png")
	assert.ErrorIs(t, err, afsloader.ErrNotFound)

	_, err = l.Load(ctx, "broken.json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode")

	_, err = l.Load(ctx, "")
	assert.Error(t, err)
}

func TestCustomDecoder(t *testing.T) {
	fs := afs.New()
	base := "mem://localhost/afsloader/custom"
	upload(t, fs, base+"/greeting.TXT", "hi")
	upload(t, fs, base+"/data.json", `[1]`)

	upper := func(data []byte) (any, error) { return string(bytes.ToUpper(data)), nil }
	l := afsloader.New(
		afsloader.WithFS(fs),
		afsloader.WithBaseURL(base),
		afsloader.WithDecoder(".txt", upper),
		afsloader.WithDecoder(".json", nil),
	)

	v, err := l.Load(context.Background(), "greeting.TXT")
	require.NoError(t, err)
	assert.Equal(t, "HI", v)

	v, err = l.Load(context.Background(), "data.json")
	require.NoError(t, err)
	assert.Equal(t, []byte("[1]"), v, "json decoding removed")

	failing := afsloader.New(afsloader.WithFS(fs), afsloader.WithBaseURL(base),
		afsloader.WithDecoder(".txt", func([]byte) (any, error) { return nil, errors.New("bad glyph") }))
	_, err = failing.Load(context.Background(), "greeting.txt")
	assert.ErrorContains(t, err, "bad glyph")
}

func TestBacksResourceStore(t *testing.T) {
	ctx := context.Background()
	fs := afs.New()
	base := "mem://localhost/afsloader/store"
	upload(t, fs, base+"/hero.json", `{"hp":10}`)

	l := afsloader.New(afsloader.WithFS(fs), afsloader.WithBaseURL(base))
	store := resource.New(l.Load, resource.WithLogger(logger.Discard()))

	var got any
	store.LoadResource(ctx, "hero", "hero.json", func(v any, err error) {
		require.NoError(t, err)
		got = v
	})
	store.Tick(ctx)

	assert.Equal(t, map[string]any{"hp": float64(10)}, got)
	hero, ok := resource.Get[map[string]any](store, "hero")
	require.True(t, ok)
	assert.Equal(t, float64(10), hero["hp"])
}
