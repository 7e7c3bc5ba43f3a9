package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRebind(t *testing.T) {
	const q = "SELECT a FROM t WHERE x = ? AND y >= ?"
	assert.Equal(t, q, DialectSQLite.rebind(q))
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y >= $2", DialectPostgres.rebind(q))
}

func TestDialectFor(t *testing.T) {
	for driver, want := range map[string]Dialect{
		"sqlite":   DialectSQLite,
		"postgres": DialectPostgres,
		"pgx":      DialectPostgres,
	} {
		got, err := DialectFor(driver)
		require.NoError(t, err)
		assert.Equal(t, want, got, driver)
	}
	_, err := DialectFor("mysql")
	assert.Error(t, err)
}
