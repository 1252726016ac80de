package lazy

import (
	"strings"

	"github.com/comalice/lazychart/internal/logger"
)

// PreloadAdjacent queues the items declared adjacent to id that are neither
// loaded nor already queued or loading. It returns how many were queued.
func (r *Registry) PreloadAdjacent(id string) int {
	return r.preload(id, r.adjacency[id])
}

// PreloadByPrefix queues registered items whose id shares id's prefix up to
// the last '_' or '.', e.g. "level1_boss" for "level1_intro".
//
// This is a naming heuristic kept as a placeholder. It does not follow any
// dependency graph; prefer PreloadAdjacent with an explicit table.
func (r *Registry) PreloadByPrefix(id string) int {
	cut := strings.LastIndexAny(id, "_.")
	if cut <= 0 {
		return 0
	}
	prefix := id[:cut+1]
	var next []string
	for _, other := range r.ids() {
		if other != id && strings.HasPrefix(other, prefix) {
			next = append(next, other)
		}
	}
	return r.preload(id, next)
}

func (r *Registry) preload(from string, ids []string) int {
	n := 0
	for _, id := range ids {
		it, ok := r.items[id]
		if !ok {
			r.logger.Debug("adjacent item not registered", logger.Item(from), logger.Target(id))
			continue
		}
		if it.status != Idle && it.status != Failed {
			continue
		}
		r.enqueue(it)
		n++
	}
	return n
}
