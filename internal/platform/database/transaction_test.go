package database_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jinford/latent-cache/internal/platform/database"
)

func TestLockID_Deterministic(t *testing.T) {
	assert.Equal(t, database.LockID("catalog", "v1"), database.LockID("catalog", "v1"))
	assert.NotEqual(t, database.LockID("catalog", "v1"), database.LockID("catalog", "v2"))
}

func TestLockID_PartBoundaries(t *testing.T) {
	assert.NotEqual(t, database.LockID("ab", "c"), database.LockID("a", "bc"))
}

func TestConnectionParams_DSN(t *testing.T) {
	p := database.ConnectionParams{Host: "db", Port: 5433, User: "u", Password: "p", DBName: "latent", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5433 user=u password=p dbname=latent sslmode=disable", p.DSN())
}
