package engine

import (
	"math"
	"time"

	"sopline/internal/domain"
)

// Progress is round(completed / total * 100), 0 for an empty run.
func Progress(completed, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(completed) * 100 / float64(total)))
}

func seconds(d time.Duration) int64 {
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}

// initialEstimate sums the step estimates; nil when no step carries one.
func initialEstimate(startedAt time.Time, steps []domain.Step) *time.Time {
	var total int64
	found := false
	for _, st := range steps {
		if st.EstimatedDuration != nil {
			total += *st.EstimatedDuration
			found = true
		}
	}
	if !found {
		return nil
	}
	t := startedAt.Add(time.Duration(total) * time.Second)
	return &t
}

// projectedCompletion extrapolates the average time per resolved step over the
// steps still remaining.
func projectedCompletion(ex domain.Execution, now time.Time) *time.Time {
	if ex.StartedAt == nil || ex.CompletedSteps == 0 {
		return ex.EstimatedCompletion
	}
	elapsed := now.Sub(*ex.StartedAt)
	perStep := elapsed / time.Duration(ex.CompletedSteps)
	remaining := ex.TotalSteps - ex.CompletedSteps
	t := now.Add(perStep * time.Duration(remaining))
	return &t
}

func touchDuration(ex *domain.Execution, now time.Time) {
	if ex.StartedAt == nil {
		return
	}
	d := seconds(now.Sub(*ex.StartedAt))
	ex.ActualDuration = &d
}

func cloneExecution(ex domain.Execution) domain.Execution {
	out := ex
	out.StepResults = append([]domain.StepResult(nil), ex.StepResults...)
	if out.StepResults == nil {
		out.StepResults = []domain.StepResult{}
	}
	if ex.Metadata != nil {
		out.Metadata = make(map[string]any, len(ex.Metadata))
		for k, v := range ex.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

func timePtr(t time.Time) *time.Time { return &t }

func intPtr(v int) *int { return &v }
