package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("RECON_CONFIG", "")
	return dir
}

func TestLoadDefaults(t *testing.T) {
	dir := isolate(t)

	c, err := Load()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, ".local", "share", "recon", "recon.db"), c.Database.Path)
	require.Equal(t, 4, c.Import.Workers)
	require.Equal(t, 7, c.Matching.LookbackDays)
	require.Equal(t, 15*time.Minute, c.Matching.LockTTL)
	require.Equal(t, "@every 1m", c.Notify.Schedule)
	require.Empty(t, c.Matching.Schedule)
	require.Len(t, c.Formats, 2)

	f, ok := c.Format("Mobile-Money")
	require.True(t, ok)
	require.Equal(t, 3, f.DirectionCol)
	_, ok = c.Format("mt940")
	require.False(t, ok)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "recon.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[database]
path = "/var/lib/recon/recon.db"

[matching]
lookback_days = 3
partial_tolerance_minor = 500
partial_tolerance_percent = "1.5"
lock_ttl = "2m"
schedule = "*/30 * * * *"

[ui]
timezone = "Africa/Nairobi"

[[formats]]
name = "equity"
channel = "BANK"
has_header = true
delimiter = ";"
date_layouts = ["02-01-2006"]
date_col = 0
amount_col = 3
reference_col = 1
description_col = 2
direction_col = -1
counterparty_col = -1
counterparty_account_col = -1
`), 0o600))
	t.Setenv("RECON_CONFIG", path)
	t.Setenv("RECON_MATCHING_LOOKAHEAD_DAYS", "10")

	c, err := Load()
	require.NoError(t, err)
	require.Equal(t, "/var/lib/recon/recon.db", c.Database.Path)
	require.Equal(t, 3, c.Matching.LookbackDays)
	require.Equal(t, 10, c.Matching.LookaheadDays)
	require.Equal(t, int64(500), c.Matching.PartialToleranceMinor)
	require.Equal(t, "1.5", c.Matching.PartialTolerancePercent)
	require.Equal(t, 2*time.Minute, c.Matching.LockTTL)
	require.Equal(t, "Africa/Nairobi", c.Location().String())

	require.Len(t, c.Formats, 1)
	f, ok := c.Format("equity")
	require.True(t, ok)
	require.Equal(t, ";", f.Delimiter)
	require.Equal(t, []string{"02-01-2006"}, f.DateLayouts)
	require.Equal(t, 3, f.AmountCol)
	require.Equal(t, -1, f.DirectionCol)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	dir := isolate(t)
	t.Setenv("RECON_CONFIG", filepath.Join(dir, "nope.toml"))
	_, err := Load()
	require.Error(t, err)
}

func TestLocationFallback(t *testing.T) {
	t.Parallel()
	require.Equal(t, time.UTC, Config{}.Location())
	require.Equal(t, time.UTC, Config{UI: UIConfig{Timezone: "Mars/Olympus"}}.Location())
}
