package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"sopline/internal/config"
	"sopline/internal/policy"
)

func TestDefaultTemplateMatchesDefault(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault()))
	require.NoError(t, err)
	require.Equal(t, config.Default(), cfg)
	require.Equal(t, policy.DefaultMaxRetries, cfg.Policy.MaxRetries)
}

func TestFromYAMLKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := config.FromYAML([]byte("policy:\n  max_retries: 1\n"))
	require.NoError(t, err)
	require.Equal(t, 1, cfg.Policy.MaxRetries)
	require.Equal(t, policy.DefaultMaxEscalationLevel, cfg.Policy.MaxEscalationLevel)
	require.Equal(t, 50, cfg.Audit.PageSize)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"negative retries":     "policy:\n  max_retries: -1\n",
		"zero escalation cap":  "policy:\n  max_escalation_level: 0\n",
		"page above max":       "audit:\n  page_size: 300\n",
		"empty cache":          "sequence:\n  cache_size: 0\n",
		"malformed yaml input": "policy: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.FromYAML([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := config.Load(t.TempDir())
	require.NoError(t, err)
	require.Equal(t, config.Default(), cfg)
}

func TestLoadAppliesEnvOverlay(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sopline.yml"), []byte("policy:\n  max_retries: 2\n"), 0o644))
	t.Setenv("SOPLINE_POLICY_MAX_RETRIES", "7")
	cfg, err := config.Load(dir)
	require.NoError(t, err)
	require.Equal(t, 7, cfg.Policy.MaxRetries)
}

func TestLoadServerEnvDefaults(t *testing.T) {
	t.Setenv("SOPLINE_JWT_SECRET", "s3cret")
	s, err := config.LoadServerEnv()
	require.NoError(t, err)
	require.Equal(t, "/v0", s.BasePath)
	require.Equal(t, "s3cret", s.JWTSecret)
	require.False(t, s.AllowActorHeader)
}
