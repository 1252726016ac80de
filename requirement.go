package lazychart

import (
	"context"
	"errors"
	"sort"

	"github.com/comalice/lazychart/internal/logger"
)

// ResourceLoader is the view of a resource cache that resource-gated states
// depend on. resource.Store and lazy.Registry both implement it. Callbacks
// may run synchronously when the resource is already cached.
type ResourceLoader interface {
	LoadResource(ctx context.Context, id, path string, cb func(value any, err error))
	UnloadResource(ctx context.Context, id string) bool
	IsResourceLoaded(id string) bool
}

// ResourceRequirement declares the resources a state depends on.
//
// With WaitForResources set, the state's Enter body (its OnEnter hook, child
// machine start and automatic transition arming) is held back until every
// required resource has loaded; the check runs on each Update. Without it the
// body runs immediately and OnResourcesReady fires once they arrive.
//
// A required resource that fails to load leaves the state active but not
// Ready. OnFailure receives the id and reason; no transition is attempted.
// Unless PersistOnExit is set, every declared resource is unloaded on Exit.
type ResourceRequirement struct {
	Required         map[string]string
	Optional         map[string]string
	WaitForResources bool
	PersistOnExit    bool
	OnFailure        func(id, reason string)
}

// failureReasoner is implemented by load errors carrying a short reason
// such as "Timeout".
type failureReasoner interface {
	FailureReason() string
}

// FailureReason extracts a short reason from a load error.
func FailureReason(err error) string {
	if err == nil {
		return ""
	}
	var r failureReasoner
	if errors.As(err, &r) {
		return r.FailureReason()
	}
	return err.Error()
}

type requirementState struct {
	pending map[string]struct{}
	failed  map[string]string
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *State) requestResources(ctx context.Context) {
	req := s.requirement
	gen := s.gen
	s.reqState = requirementState{
		pending: make(map[string]struct{}, len(req.Required)),
		failed:  map[string]string{},
	}
	required := sortedKeys(req.Required)
	for _, id := range required {
		s.reqState.pending[id] = struct{}{}
	}
	for _, id := range required {
		s.loader.LoadResource(ctx, id, req.Required[id], func(_ any, err error) {
			s.onRequired(gen, id, err)
		})
	}
	for _, id := range sortedKeys(req.Optional) {
		s.loader.LoadResource(ctx, id, req.Optional[id], func(_ any, err error) {
			if err != nil && gen == s.gen {
				s.log().Warn("optional resource failed to load", logger.State(s.id), logger.Resource(id), logger.Error(err))
			}
		})
	}
}

func (s *State) onRequired(gen int, id string, err error) {
	if gen != s.gen || !s.active {
		return
	}
	if err == nil {
		delete(s.reqState.pending, id)
		return
	}
	reason := FailureReason(err)
	s.reqState.failed[id] = reason
	s.log().Warn("required resource failed to load", logger.State(s.id), logger.Resource(id), logger.Reason(reason))
	if s.requirement.OnFailure != nil {
		s.guard("OnFailure", func() { s.requirement.OnFailure(id, reason) })
	}
}

func (s *State) resourcesSatisfied() bool {
	if s.requirement == nil {
		return true
	}
	return len(s.reqState.pending) == 0
}

func (s *State) releaseResources(ctx context.Context) {
	req := s.requirement
	if req == nil || req.PersistOnExit || s.loader == nil {
		return
	}
	for _, id := range sortedKeys(req.Required) {
		s.loader.UnloadResource(ctx, id)
	}
	for _, id := range sortedKeys(req.Optional) {
		s.loader.UnloadResource(ctx, id)
	}
}

// Failed returns the first required resource (by id) that failed to load
// during the current activation.
func (s *State) Failed() (id, reason string, ok bool) {
	if s.requirement == nil || len(s.reqState.failed) == 0 {
		return "", "", false
	}
	ids := sortedKeys(s.reqState.failed)
	return ids[0], s.reqState.failed[ids[0]], true
}

// PendingResources returns the required resource ids still loading.
func (s *State) PendingResources() []string {
	ids := make([]string, 0, len(s.reqState.pending))
	for id := range s.reqState.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
