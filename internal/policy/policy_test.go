package policy_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"sopline/internal/policy"
)

func TestDecide(t *testing.T) {
	cfg := policy.Default()
	cases := []struct {
		name       string
		retries    int
		escalation int
		want       policy.Outcome
	}{
		{"first failure retries", 0, 0, policy.Outcome{Decision: policy.Retry, RetryCount: 1, Retryable: true}},
		{"last automatic retry", 2, 0, policy.Outcome{Decision: policy.Retry, RetryCount: 3, Retryable: true}},
		{"exhausted escalates", 3, 0, policy.Outcome{Decision: policy.EscalateAndFail, RetryCount: 3, EscalationLevel: 1}},
		{"escalation keeps level after override", 0, 2, policy.Outcome{Decision: policy.Retry, RetryCount: 1, EscalationLevel: 2, Retryable: true}},
		{"capped", 3, 5, policy.Outcome{Decision: policy.Fail, RetryCount: 3, EscalationLevel: 5}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, policy.Decide(tc.retries, tc.escalation, cfg))
		})
	}
}

func TestDecideZeroRetries(t *testing.T) {
	got := policy.Decide(0, 0, policy.Config{MaxRetries: 0, MaxEscalationLevel: 1})
	require.Equal(t, policy.EscalateAndFail, got.Decision)
	require.Equal(t, 1, got.EscalationLevel)
	require.False(t, got.Retryable)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, policy.Default().Validate())
	require.Error(t, policy.Config{MaxRetries: -1, MaxEscalationLevel: 1}.Validate())
	require.Error(t, policy.Config{MaxRetries: 1, MaxEscalationLevel: 0}.Validate())
}
