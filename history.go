package lazychart

// history remembers, per container state, the child sub-state that was active
// when the child machine last stopped. Only shallow history is kept.
type history struct {
	last map[string]string
}

func newHistory() *history {
	return &history{last: make(map[string]string)}
}

func (h *history) record(stateID, substate string) {
	if stateID == "" || substate == "" {
		return
	}
	h.last[stateID] = substate
}

func (h *history) restore(stateID string) (string, bool) {
	id, ok := h.last[stateID]
	return id, ok && id != ""
}

func (h *history) clear(stateID string) {
	delete(h.last, stateID)
}
