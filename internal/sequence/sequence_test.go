package sequence_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"sopline/internal/domain"
	"sopline/internal/sequence"
)

func steps(positions ...int) []domain.Step {
	out := make([]domain.Step, 0, len(positions))
	for i, p := range positions {
		out = append(out, domain.Step{ID: string(rune('a' + i)), Position: p, IsRequired: true})
	}
	return out
}

func ptr(s string) *string { return &s }

func TestValidateDense(t *testing.T) {
	require.Empty(t, sequence.Validate(steps(1, 2, 3)))
	require.Empty(t, sequence.Validate(steps(3, 1, 2)))
	require.Empty(t, sequence.Validate(nil))
}

func TestValidateGap(t *testing.T) {
	problems := sequence.Validate(steps(1, 3))
	require.Len(t, problems, 1)
	require.Contains(t, problems[0], "position 3")
}

func TestValidateNotStartingAtOne(t *testing.T) {
	require.NotEmpty(t, sequence.Validate(steps(2, 3)))
}

func TestValidateParentCycle(t *testing.T) {
	list := steps(1, 2)
	list[0].ParentStepID = ptr("b")
	list[1].ParentStepID = ptr("a")
	problems := sequence.Validate(list)
	require.NotEmpty(t, problems)
}

func TestValidateForeignParent(t *testing.T) {
	list := steps(1)
	list[0].ParentStepID = ptr("elsewhere")
	require.NotEmpty(t, sequence.Validate(list))
}

func TestWouldCycle(t *testing.T) {
	list := steps(1, 2, 3)
	list[1].ParentStepID = ptr("a")
	list[2].ParentStepID = ptr("b")
	arena := map[string]domain.Step{}
	for _, s := range list {
		arena[s.ID] = s
	}
	require.True(t, sequence.WouldCycle(arena, "a", "c"))
	require.True(t, sequence.WouldCycle(arena, "a", "a"))
	require.False(t, sequence.WouldCycle(arena, "c", "a"))
}

func TestNext(t *testing.T) {
	list := steps(2, 1, 3)
	res, err := sequence.Next(list, 0)
	require.NoError(t, err)
	require.False(t, res.Done)
	require.Equal(t, 1, res.Step.Position)

	res, err = sequence.Next(list, 2)
	require.NoError(t, err)
	require.Equal(t, 3, res.Step.Position)

	res, err = sequence.Next(list, 3)
	require.NoError(t, err)
	require.True(t, res.Done)

	_, err = sequence.Next(list, 4)
	require.Error(t, err)
}

func TestCheckCachesByVersion(t *testing.T) {
	seq, err := sequence.New(4)
	require.NoError(t, err)
	p := domain.Project{ID: "p1", Version: 1}

	err = seq.Check(p, steps(1, 3))
	var ie *sequence.IntegrityError
	require.True(t, errors.As(err, &ie))
	require.Equal(t, "p1", ie.ProjectID)

	// Same version answers from cache even if the list changed.
	require.Error(t, seq.Check(p, steps(1, 2)))

	p.Version = 2
	require.NoError(t, seq.Check(p, steps(1, 2)))

	seq.Forget("p1")
	p.Version = 1
	require.NoError(t, seq.Check(p, steps(1, 2)))
}
