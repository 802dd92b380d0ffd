package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// RecordPostgresPoolMetrics updates pool gauges from a pgx pool.
func RecordPostgresPoolMetrics(pool *pgxpool.Pool) {
	stats := pool.Stat()

	PoolConnections.WithLabelValues("postgres", "in_use").Set(float64(stats.AcquiredConns()))
	PoolConnections.WithLabelValues("postgres", "idle").Set(float64(stats.IdleConns()))
	PoolConnections.WithLabelValues("postgres", "max").Set(float64(stats.MaxConns()))
}

// RecordRedisPoolMetrics updates pool gauges from a go-redis client.
func RecordRedisPoolMetrics(client redis.UniversalClient) {
	stats := client.PoolStats()

	PoolConnections.WithLabelValues("redis", "total").Set(float64(stats.TotalConns))
	PoolConnections.WithLabelValues("redis", "idle").Set(float64(stats.IdleConns))
	PoolConnections.WithLabelValues("redis", "stale").Set(float64(stats.StaleConns))
	PoolTimeouts.WithLabelValues("redis").Set(float64(stats.Timeouts))
}
