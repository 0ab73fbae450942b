package database

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationFiles(t *testing.T) {
	files, err := migrationFiles()
	require.NoError(t, err)
	require.NotEmpty(t, files)

	assert.Equal(t, "001_create_farms.sql", files[0])
	assert.IsIncreasing(t, files)
	for _, name := range files {
		data, err := migrationsFS.ReadFile("migrations/" + name)
		require.NoError(t, err)
		assert.NotEmpty(t, strings.TrimSpace(string(data)), name)
	}
}
