// Package afsloader reads resources through viant/afs so asset paths can
// point at local files, memory, or any other registered storage scheme.
//
// The decoder is picked by file extension: .json and .yaml/.yml documents
// are decoded into generic values, anything else is returned as raw bytes.
package afsloader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/viant/afs"
	"github.com/viant/afs/url"
	"gopkg.in/yaml.v3"

	"github.com/comalice/lazychart/internal/logger"
)

// ErrNotFound is returned when the resolved URL does not exist.
var ErrNotFound = errors.New("resource not found")

// Decoder turns downloaded bytes into a resource value.
type Decoder func(data []byte) (any, error)

// Loader downloads and decodes resources. Its Load method satisfies both
// resource.Backend and lazy.Loader.
type Loader struct {
	fs       afs.Service
	baseURL  string
	decoders map[string]Decoder
	logger   *slog.Logger
}

type Option func(*Loader)

// WithFS replaces the default afs service.
func WithFS(fs afs.Service) Option {
	return func(l *Loader) { l.fs = fs }
}

// WithBaseURL resolves relative paths against base, e.g. "mem://localhost/assets"
// or "file:///srv/game".
func WithBaseURL(base string) Option {
	return func(l *Loader) { l.baseURL = base }
}

// WithDecoder registers dec for files with extension ext (".png"). A nil
// decoder restores raw bytes for that extension.
func WithDecoder(ext string, dec Decoder) Option {
	return func(l *Loader) {
		ext = strings.ToLower(ext)
		if dec == nil {
			delete(l.decoders, ext)
			return
		}
		l.decoders[ext] = dec
	}
}

func WithLogger(lg *slog.Logger) Option {
	return func(l *Loader) { l.logger = lg }
}

func New(opts ...Option) *Loader {
	l := &Loader{
		fs: afs.New(),
		decoders: map[string]Decoder{
			".json": DecodeJSON,
			".yaml": DecodeYAML,
			".yml":  DecodeYAML,
		},
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = logger.Or(l.logger).With(logger.Component("afsloader"))
	return l
}

// URL resolves p against the base URL. Paths that carry a scheme are
// returned unchanged.
func (l *Loader) URL(p string) string {
	if l.baseURL == "" || strings.Contains(p, "://") {
		return p
	}
	return url.Join(l.baseURL, p)
}

// Load downloads p and decodes it by extension.
func (l *Loader) Load(ctx context.Context, p string) (any, error) {
	if p == "" {
		return nil, errors.New("empty resource path")
	}
	u := l.URL(p)
	exists, err := l.fs.Exists(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("check %s: %w", u, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, u)
	}
	data, err := l.fs.DownloadWithURL(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", u, err)
	}
	ext := strings.ToLower(path.Ext(u))
	dec, ok := l.decoders[ext]
	if !ok {
		l.logger.Debug("resource downloaded", slog.String("url", u), slog.Int("bytes", len(data)))
		return data, nil
	}
	v, err := dec(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", u, err)
	}
	l.logger.Debug("resource decoded", slog.String("url", u), slog.String("ext", ext))
	return v, nil
}

func DecodeJSON(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func DecodeYAML(data []byte) (any, error) {
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
