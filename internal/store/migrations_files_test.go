package store

import (
	"io/fs"
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	entries, err := fs.ReadDir(Migrations(), ".")
	require.NoError(t, err)

	pattern := regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)
	byVersion := map[string]map[string]bool{}

	for _, entry := range entries {
		match := pattern.FindStringSubmatch(entry.Name())
		require.NotNil(t, match, "unexpected migration file %s", entry.Name())
		version, direction := match[1], match[2]
		if byVersion[version] == nil {
			byVersion[version] = map[string]bool{}
		}
		require.False(t, byVersion[version][direction], "duplicate %s migration for version %s", direction, version)
		byVersion[version][direction] = true
	}

	require.NotEmpty(t, byVersion, "no migrations discovered")
	for version, dirs := range byVersion {
		require.True(t, dirs["up"] && dirs["down"], "version %s must include both up and down files", version)
	}
}

func TestUpMigrationsAreOrdered(t *testing.T) {
	files, err := upMigrations(Migrations())
	require.NoError(t, err)
	require.Equal(t, []string{"0001_init.up.sql"}, files)
}
