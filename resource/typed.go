package resource

import (
	"log/slog"
	"reflect"

	"github.com/comalice/lazychart/internal/logger"
)

// Get returns the value cached under id when its recorded type is T, or is
// assignable to T for interface types. A missing id or a type mismatch
// reads as absent.
func Get[T any](s *Store, id string) (T, bool) {
	v, err := Lookup[T](s, id)
	return v, err == nil
}

// Lookup is Get with the reason for an absent result.
func Lookup[T any](s *Store, id string) (T, error) {
	var zero T
	e, ok := s.entries[id]
	if !ok {
		return zero, ErrNotLoaded
	}
	want := reflect.TypeFor[T]()
	if e.typ == nil || !e.typ.AssignableTo(want) {
		s.logger.Debug("resource type mismatch", logger.Resource(id), slog.String("want", want.String()), slog.String("have", typeName(e.typ)))
		return zero, ErrTypeMismatch
	}
	return e.value.(T), nil
}

// Key names a resource together with the type it is expected to hold.
type Key[T any] struct {
	ID   string
	Path string
}

// Get reads the key from s.
func (k Key[T]) Get(s *Store) (T, bool) {
	return Get[T](s, k.ID)
}

func typeName(t reflect.Type) string {
	if t == nil {
		return "<nil>"
	}
	return t.String()
}
