package lazychart

import "sync"

// Data is the machine's key/value context. Hosts write it through
// realtime.Controller.UpdateStateData and expression guards read it.
// Unlike the machine itself, Data is safe for concurrent use.
type Data struct {
	mu     sync.RWMutex
	values map[string]any
}

func NewData() *Data {
	return &Data{values: make(map[string]any)}
}

// Get returns the value under key, or nil.
func (d *Data) Get(key string) any {
	v, _ := d.Lookup(key)
	return v
}

// Lookup returns the value under key and whether it was set.
func (d *Data) Lookup(key string) (any, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.values[key]
	return v, ok
}

func (d *Data) Set(key string, value any) {
	d.mu.Lock()
	d.values[key] = value
	d.mu.Unlock()
}

// GetAll copies every entry.
func (d *Data) GetAll() map[string]any {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]any, len(d.values))
	for k, v := range d.values {
		out[k] = v
	}
	return out
}

// DataValue returns the value stored under key if it has type T.
func DataValue[T any](d *Data, key string) (T, bool) {
	v, ok := d.Lookup(key)
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}
