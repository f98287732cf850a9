package integration

import (
	"context"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/suite"

	"github.com/duelarena/server/internal/db"
)

// IntegrationSuite is the base for DB-backed suites: the container starts
// once in TestMain, every suite gets an isolated schema with migrations
// applied.
type IntegrationSuite struct {
	suite.Suite
	pool *pgxpool.Pool
	ctx  context.Context
}

func (s *IntegrationSuite) SetupSuite() {
	s.ctx = context.Background()

	dbAddr := os.Getenv("DB_ADDR")
	if dbAddr == "" {
		dbAddr = acquireSchema(s.T())
	}

	if err := db.RunMigrations(s.ctx, dbAddr); err != nil {
		s.T().Fatalf("failed to run migrations: %v", err)
	}

	var err error
	s.pool, err = db.NewPool(s.ctx, dbAddr)
	if err != nil {
		s.T().Fatalf("failed to connect to database: %v", err)
	}
}

// SetupTest clears table contents so tests never observe each other.
func (s *IntegrationSuite) SetupTest() {
	for _, table := range []string{"rating_applies", "match_results", "ratings"} {
		if _, err := s.pool.Exec(s.ctx, "DELETE FROM "+table); err != nil {
			s.T().Fatalf("failed to clear %s: %v", table, err)
		}
	}
}

func (s *IntegrationSuite) TearDownSuite() {
	if s.pool != nil {
		s.pool.Close()
	}
}
