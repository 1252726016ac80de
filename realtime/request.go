package realtime

import (
	"errors"
	"sort"
)

// ErrQueueFull is returned when a tick's request budget is exhausted.
var ErrQueueFull = errors.New("request queue full")

// RequestKind identifies a façade request.
type RequestKind int

const (
	RequestStart RequestKind = iota
	RequestStop
	RequestTransition
	RequestUpdateData
)

func (k RequestKind) String() string {
	switch k {
	case RequestStart:
		return "start"
	case RequestStop:
		return "stop"
	case RequestTransition:
		return "transition"
	case RequestUpdateData:
		return "updateData"
	default:
		return "unknown"
	}
}

// Request is a single host instruction applied at a tick boundary.
//
//	RequestStart       To is the optional initial state
//	RequestTransition  From must match the current state unless empty
//	RequestUpdateData  Key and Value are written to the machine's Data
type Request struct {
	Kind  RequestKind
	From  string
	To    string
	Key   string
	Value any
}

// Controller is the request side of the host façade.
type Controller interface {
	RequestStart(initial ...string) error
	RequestStop() error
	RequestTransition(from, to string) error
	UpdateStateData(key string, value any) error
}

type requestWithMeta struct {
	Request
	SequenceNum uint64
	Priority    int
}

// sortRequests orders requests by priority, highest first, then by
// submission order.
func sortRequests(reqs []requestWithMeta) {
	sort.SliceStable(reqs, func(i, j int) bool {
		if reqs[i].Priority != reqs[j].Priority {
			return reqs[i].Priority > reqs[j].Priority
		}
		return reqs[i].SequenceNum < reqs[j].SequenceNum
	})
}
