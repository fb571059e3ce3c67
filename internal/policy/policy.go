// Package policy decides what a failed execution turns into.
package policy

import "fmt"

const (
	// DefaultMaxRetries is the number of automatic retries granted before an
	// execution is escalated to a human.
	DefaultMaxRetries = 3
	// DefaultMaxEscalationLevel caps escalation; later failures keep the cap.
	DefaultMaxEscalationLevel = 5
)

type Decision string

const (
	Retry           Decision = "retry"
	EscalateAndFail Decision = "escalate_and_fail"
	Fail            Decision = "fail"
)

type Config struct {
	MaxRetries         int
	MaxEscalationLevel int
}

func Default() Config {
	return Config{MaxRetries: DefaultMaxRetries, MaxEscalationLevel: DefaultMaxEscalationLevel}
}

func (c Config) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0")
	}
	if c.MaxEscalationLevel < 1 {
		return fmt.Errorf("max_escalation_level must be >= 1")
	}
	return nil
}

// Outcome is the mutation the engine applies for a decision.
type Outcome struct {
	Decision        Decision
	RetryCount      int
	EscalationLevel int
	Retryable       bool
}

// Decide is a pure function of the counters and the configured limits.
// Fail is returned once escalation has reached its cap: the execution stays
// failed without raising the level further.
func Decide(retryCount, escalationLevel int, cfg Config) Outcome {
	if retryCount < cfg.MaxRetries {
		return Outcome{Decision: Retry, RetryCount: retryCount + 1, EscalationLevel: escalationLevel, Retryable: true}
	}
	if escalationLevel >= cfg.MaxEscalationLevel {
		return Outcome{Decision: Fail, RetryCount: retryCount, EscalationLevel: escalationLevel}
	}
	return Outcome{Decision: EscalateAndFail, RetryCount: retryCount, EscalationLevel: escalationLevel + 1}
}
