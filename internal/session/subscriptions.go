package session

import "github.com/Tjstretchalot/statefulpubsub/internal/glob"

// globSubscription pairs a compiled pattern with its original source
// string, as §3 requires ("glob_subscriptions: ordered list<(compiled_
// pattern, original_string)>").
type globSubscription struct {
	pattern *glob.Pattern
}

// subscriptionState holds this session's local-receiver view (§3):
// exact_subscriptions as a set, glob_subscriptions as an ordered list
// (insertion order matters for deterministic teardown and for matching
// against multiple overlapping globs in a stable order).
type subscriptionState struct {
	exact map[string]struct{} // keyed by raw topic bytes, stringified
	globs []globSubscription
}

func newSubscriptionState() *subscriptionState {
	return &subscriptionState{exact: make(map[string]struct{})}
}

func (s *subscriptionState) HasExact(topic []byte) bool {
	_, ok := s.exact[string(topic)]
	return ok
}

func (s *subscriptionState) AddExact(topic []byte) { s.exact[string(topic)] = struct{}{} }

func (s *subscriptionState) RemoveExact(topic []byte) { delete(s.exact, string(topic)) }

func (s *subscriptionState) HasGlob(source string) bool {
	for _, g := range s.globs {
		if g.pattern.String() == source {
			return true
		}
	}
	return false
}

func (s *subscriptionState) AddGlob(p *glob.Pattern) { s.globs = append(s.globs, globSubscription{pattern: p}) }

func (s *subscriptionState) RemoveGlob(source string) {
	for i, g := range s.globs {
		if g.pattern.String() == source {
			s.globs = append(s.globs[:i], s.globs[i+1:]...)
			return
		}
	}
}

// ExactTopics and GlobPatterns are used by Closing-state teardown to
// decrement every fanout counter this session incremented (§3, §4.1).
func (s *subscriptionState) ExactTopics() [][]byte {
	out := make([][]byte, 0, len(s.exact))
	for t := range s.exact {
		out = append(out, []byte(t))
	}
	return out
}

func (s *subscriptionState) GlobPatterns() []string {
	out := make([]string, 0, len(s.globs))
	for _, g := range s.globs {
		out = append(out, g.pattern.String())
	}
	return out
}
