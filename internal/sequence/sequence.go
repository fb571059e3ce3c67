// Package sequence resolves the order of a project's steps and checks that the
// order is sound before an execution relies on it.
package sequence

import (
	"fmt"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"sopline/internal/domain"
)

// DefaultCacheSize bounds the number of cached integrity verdicts.
const DefaultCacheSize = 256

// IntegrityError lists every problem found in a step list.
type IntegrityError struct {
	ProjectID string
	Problems  []string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("step sequence of project %s is broken: %s", e.ProjectID, strings.Join(e.Problems, "; "))
}

// Result of Next. Done is set when every position has been resolved.
type Result struct {
	Step domain.Step
	Done bool
}

type cacheKey struct {
	projectID string
	version   int64
}

// Sequencer caches integrity verdicts by project id and project version.
// Structural edits bump the version, so stale verdicts are never reused.
type Sequencer struct {
	cache *lru.Cache[cacheKey, []string]
}

func New(size int) (*Sequencer, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New[cacheKey, []string](size)
	if err != nil {
		return nil, err
	}
	return &Sequencer{cache: c}, nil
}

// Check validates steps of project p. Steps must already belong to p.
func (s *Sequencer) Check(p domain.Project, steps []domain.Step) error {
	key := cacheKey{projectID: p.ID, version: p.Version}
	if s != nil && s.cache != nil {
		if problems, ok := s.cache.Get(key); ok {
			return asError(p.ID, problems)
		}
	}
	problems := Validate(steps)
	if s != nil && s.cache != nil {
		s.cache.Add(key, problems)
	}
	return asError(p.ID, problems)
}

// Forget drops cached verdicts of a project.
func (s *Sequencer) Forget(projectID string) {
	if s == nil || s.cache == nil {
		return
	}
	for _, k := range s.cache.Keys() {
		if k.projectID == projectID {
			s.cache.Remove(k)
		}
	}
}

func asError(projectID string, problems []string) error {
	if len(problems) == 0 {
		return nil
	}
	return &IntegrityError{ProjectID: projectID, Problems: problems}
}

// Validate returns the problems of a step list: positions that are not the
// dense run 1..n, parents outside the list, and parent cycles.
func Validate(steps []domain.Step) []string {
	var problems []string
	sorted := Sorted(steps)
	for i, st := range sorted {
		want := i + 1
		if st.Position != want {
			problems = append(problems, fmt.Sprintf("position %d found where %d expected", st.Position, want))
			break
		}
	}
	arena := make(map[string]domain.Step, len(steps))
	for _, st := range steps {
		arena[st.ID] = st
	}
	for _, st := range sorted {
		if st.ParentStepID == nil {
			continue
		}
		if _, ok := arena[*st.ParentStepID]; !ok {
			problems = append(problems, fmt.Sprintf("step %s has parent %s outside the project", st.ID, *st.ParentStepID))
		}
	}
	for _, st := range sorted {
		if HasCycle(arena, st.ID) {
			problems = append(problems, fmt.Sprintf("step %s is part of a parent cycle", st.ID))
			break
		}
	}
	return problems
}

// HasCycle walks the parent chain from id and reports whether it revisits a step.
func HasCycle(arena map[string]domain.Step, id string) bool {
	seen := map[string]bool{}
	cur := id
	for cur != "" {
		if seen[cur] {
			return true
		}
		seen[cur] = true
		st, ok := arena[cur]
		if !ok || st.ParentStepID == nil {
			return false
		}
		cur = *st.ParentStepID
	}
	return false
}

// WouldCycle reports whether making parentID the parent of childID closes a cycle.
func WouldCycle(arena map[string]domain.Step, childID, parentID string) bool {
	cur := parentID
	seen := map[string]bool{}
	for cur != "" {
		if cur == childID || seen[cur] {
			return true
		}
		seen[cur] = true
		st, ok := arena[cur]
		if !ok || st.ParentStepID == nil {
			return false
		}
		cur = *st.ParentStepID
	}
	return false
}

// Sorted returns a copy of steps ordered by position.
func Sorted(steps []domain.Step) []domain.Step {
	out := make([]domain.Step, len(steps))
	copy(out, steps)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

// Next returns the step after position current, or Done when current is the
// last position. Steps must pass Validate.
func Next(steps []domain.Step, current int) (Result, error) {
	total := len(steps)
	if current < 0 || current > total {
		return Result{}, fmt.Errorf("position %d outside 0..%d", current, total)
	}
	if current == total {
		return Result{Done: true}, nil
	}
	sorted := Sorted(steps)
	return Result{Step: sorted[current]}, nil
}

// At returns the step at a 1-based position.
func At(steps []domain.Step, position int) (domain.Step, bool) {
	for _, st := range steps {
		if st.Position == position {
			return st, true
		}
	}
	return domain.Step{}, false
}
