package quests

import (
	"os"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/require"
)

const sampleCatalog = `
timezone = "UTC"

[[quest]]
id = "daily-5tx"
family = "Transfers"
scope = "daily"
points = 5

[[quest]]
id = "weekly-game"
family = "games"
scope = "weekly"
points = 25

[[quest]]
id = "first-swap"
family = "swaps"
points = 50

[[quest]]
id = "holder"
family = "holdings"
scope = "tier"

  [[quest.tier]]
  label = "Bronze"
  points = 10

  [[quest.tier]]
  label = "silver"
  points = 30

[[quest]]
id = "retired"
family = "games"
points = 1
disabled = true
`

func TestResolveWindows(t *testing.T) {
	cat, err := Parse(sampleCatalog)
	require.NoError(t, err)
	now := time.Date(2024, 6, 1, 23, 30, 0, 0, time.UTC)

	window, points, err := cat.Resolve("daily-5tx", "", now)
	require.NoError(t, err)
	require.Equal(t, "2024-06-01", window)
	require.Equal(t, int64(5), points)

	window, points, err = cat.Resolve("weekly-game", "", now)
	require.NoError(t, err)
	require.Equal(t, "2024-W22", window)
	require.Equal(t, int64(25), points)

	window, _, err = cat.Resolve("first-swap", "", now)
	require.NoError(t, err)
	require.Equal(t, "once", window)

	window, points, err = cat.Resolve("holder", "bronze", now)
	require.NoError(t, err)
	require.Equal(t, "tier:bronze", window)
	require.Equal(t, int64(10), points)

	_, _, err = cat.Resolve("holder", "gold", now)
	require.ErrorIs(t, err, ErrUnknownTier)
	_, _, err = cat.Resolve("retired", "", now)
	require.ErrorIs(t, err, ErrQuestDisabled)
	_, _, err = cat.Resolve("nope", "", now)
	require.ErrorIs(t, err, ErrUnknownQuest)

	family, err := cat.Family("daily-5tx")
	require.NoError(t, err)
	require.Equal(t, "transfers", family)
	require.Equal(t, []string{"daily-5tx", "first-swap", "holder", "retired", "weekly-game"}, cat.IDs())
}

func TestTimezoneShiftsDailyWindow(t *testing.T) {
	cat, err := Parse(`
timezone = "Asia/Tokyo"

[[quest]]
id = "daily-5tx"
family = "transfers"
scope = "daily"
points = 5
`)
	require.NoError(t, err)
	window, _, err := cat.Resolve("daily-5tx", "", time.Date(2024, 6, 1, 23, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, "2024-06-02", window)
}

func TestCatalogValidation(t *testing.T) {
	cases := map[string]string{
		"missing family": `[[quest]]
id = "a"
points = 1`,
		"zero points": `[[quest]]
id = "a"
family = "f"
points = 0`,
		"unknown scope": `[[quest]]
id = "a"
family = "f"
scope = "monthly"
points = 1`,
		"tier without tiers": `[[quest]]
id = "a"
family = "f"
scope = "tier"`,
		"duplicate": `[[quest]]
id = "a"
family = "f"
points = 1
[[quest]]
id = "a"
family = "f"
points = 2`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(doc)
			require.Error(t, err)
		})
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "quests.toml")
	require.NoError(t, os.WriteFile(good, []byte(sampleCatalog), 0o600))
	cat, err := Load(good)
	require.NoError(t, err)
	require.Equal(t, time.UTC, cat.Location())

	bad := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(bad, []byte("[[quest]]\nid = \"a\"\nfamily = \"f\"\npoints = 1\nreward = 3\n"), 0o600))
	_, err = Load(bad)
	require.Error(t, err)
}
