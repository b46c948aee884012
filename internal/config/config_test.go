package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, []string{"apprentice", "technician", "senior_technician", "team_lead", "site_manager"}, cfg.Penalty.RoleLadder)
	require.Equal(t, 10.0, cfg.Penalty.RoleWeight)
	require.Equal(t, 30, cfg.Penalty.DefaultMaxDays)
	require.Equal(t, 1.5, cfg.Conflicts.CriticalRatio)
	require.Equal(t, 72*time.Hour, cfg.Provisional.TTL)
}

func TestFromYAMLKeepsDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("penalty:\n  role_weight: 3\nprovisional:\n  ttl: 24h\n"))
	require.NoError(t, err)
	require.Equal(t, 3.0, cfg.Penalty.RoleWeight)
	require.Equal(t, 5.0, cfg.Penalty.DurationWeight)
	require.Equal(t, 24*time.Hour, cfg.Provisional.TTL)
	require.Equal(t, 1.2, cfg.Conflicts.HighRatio)
}

func TestFromYAMLRejectsInvalidPolicy(t *testing.T) {
	cases := map[string]string{
		"negative weight":  "penalty:\n  role_weight: -1\n",
		"duplicate role":   "penalty:\n  role_ladder: [a, a]\n",
		"unordered ratios": "conflicts:\n  high_ratio: 2\n",
		"zero ttl":         "provisional:\n  ttl: 0s\n",
		"bad access level": "access:\n  viewer:\n    tasks: owner\n",
		"webhook url":      "webhooks:\n  - events: [task.created]\n",
		"not yaml":         "penalty: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)

	require.NoError(t, os.MkdirAll(filepath.Dir(Path(dir)), 0o755))
	require.NoError(t, os.WriteFile(Path(dir), []byte("penalty:\n  default_max_days: 10\n"), 0o644))
	cfg, err = LoadOptional(dir)
	require.NoError(t, err)
	require.Equal(t, 10, cfg.Penalty.DefaultMaxDays)

	_, err = FromYAML([]byte(GenerateDefault()))
	require.NoError(t, err)
}

func TestLoadServeEnv(t *testing.T) {
	t.Setenv("OPERAFLOW_ADDR", ":9090")
	t.Setenv("OPERAFLOW_DEV_AUTH", "true")
	t.Setenv("OPERAFLOW_EXPIRY_INTERVAL", "30s")
	t.Setenv("OPERAFLOW_ALLOWED_ORIGINS", "https://plan.example.com,https://ops.example.com")
	cfg, err := LoadServeEnv()
	require.NoError(t, err)
	require.Equal(t, []string{"https://plan.example.com", "https://ops.example.com"}, cfg.AllowedOrigins)
	require.Equal(t, ":9090", cfg.Addr)
	require.True(t, cfg.DevAuth)
	require.Equal(t, 30*time.Second, cfg.ExpiryInterval)
	require.Equal(t, "/v1", cfg.BasePath)
	require.Equal(t, 15*time.Minute, cfg.DetectInterval)

	t.Setenv("OPERAFLOW_DETECT_INTERVAL", "-1m")
	_, err = LoadServeEnv()
	require.Error(t, err)
}
