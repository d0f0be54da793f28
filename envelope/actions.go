package envelope

import "sort"

// ============================================================================
// ACTION SETS
// ============================================================================

// ActionSet is the closed set of directive actions a capability understands.
// The set is sealed at construction; routing and dispatch check membership
// instead of switching on raw strings, so an unknown action is rejected at
// the boundary rather than falling through a default branch somewhere deep
// in a handler.
type ActionSet struct {
	capability string
	actions    map[string]struct{}
}

// NewActionSet builds the action set for a capability. At least one action
// is required and duplicates are rejected.
func NewActionSet(capability string, actions ...string) (*ActionSet, error) {
	if capability == "" {
		return nil, NewMalformedPayloadError("action set requires a capability name")
	}
	if len(actions) == 0 {
		return nil, NewEmptyActionSetError(capability)
	}
	set := make(map[string]struct{}, len(actions))
	for _, a := range actions {
		if a == "" {
			return nil, NewMalformedPayloadError("empty action name in set for " + capability)
		}
		if _, dup := set[a]; dup {
			return nil, NewMalformedPayloadError("duplicate action " + a + " in set for " + capability)
		}
		set[a] = struct{}{}
	}
	return &ActionSet{capability: capability, actions: set}, nil
}

// MustActionSet is NewActionSet for static initialization; it panics on a
// malformed set.
func MustActionSet(capability string, actions ...string) *ActionSet {
	s, err := NewActionSet(capability, actions...)
	if err != nil {
		panic(err)
	}
	return s
}

// Capability returns the capability this set belongs to.
func (s *ActionSet) Capability() string { return s.capability }

// Contains reports whether the action is a member of the set.
func (s *ActionSet) Contains(action string) bool {
	_, ok := s.actions[action]
	return ok
}

// Check returns an UnknownActionError when the action is not in the set.
func (s *ActionSet) Check(action string) error {
	if !s.Contains(action) {
		return NewUnknownActionError(s.capability, action)
	}
	return nil
}

// Actions returns the members of the set in sorted order.
func (s *ActionSet) Actions() []string {
	out := make([]string, 0, len(s.actions))
	for a := range s.actions {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
