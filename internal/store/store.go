package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store aggregates repositories backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool

	Connections   ConnectionRepository
	Events        EventRepository
	Subscriptions SubscriptionRepository
	Audit         AuditRepository
	Jobs          JobRepository
	Batches       BatchRepository
}

// New wires concrete repository implementations with a shared connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:          pool,
		Connections:   &connectionRepo{pool: pool},
		Events:        &eventRepo{pool: pool},
		Subscriptions: &subscriptionRepo{pool: pool},
		Audit:         &auditRepo{pool: pool},
		Jobs:          &jobRepo{pool: pool},
		Batches:       &batchRepo{pool: pool},
	}
}

// HealthCheck verifies that the underlying database is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	defer observeDB(ctx, "db.healthcheck")()
	return s.pool.Ping(ctx)
}
