package database

import (
	"context"
	"database/sql"
	"time"
)

// HealthStatus is the payload of the health probe: a ping verdict plus
// the pool counters worth watching for a service whose write load is
// bursty checkpoint upserts. MaxIdleClosed and MaxLifetimeClosed rising
// fast means the DB_MAX_IDLE_CONNS / DB_CONN_MAX_LIFETIME settings are
// churning connections.
type HealthStatus struct {
	Status            string `json:"status"`
	ResponseTime      int64  `json:"response_time_ms"`
	OpenConnections   int    `json:"open_connections"`
	InUse             int    `json:"in_use"`
	Idle              int    `json:"idle"`
	WaitCount         int64  `json:"wait_count"`
	WaitDuration      int64  `json:"wait_duration_ms"`
	MaxOpenConns      int    `json:"max_open_conns"`
	MaxIdleClosed     int64  `json:"max_idle_closed"`
	MaxLifetimeClosed int64  `json:"max_lifetime_closed"`
}

// Health pings the database and snapshots the connection pool. On a
// failed ping it returns the partial status alongside the error so the
// probe handler can report both.
func Health(ctx context.Context, db *sql.DB) (*HealthStatus, error) {
	start := time.Now()
	if err := db.PingContext(ctx); err != nil {
		return &HealthStatus{
			Status:       "unhealthy",
			ResponseTime: time.Since(start).Milliseconds(),
		}, err
	}
	elapsed := time.Since(start)

	stats := db.Stats()
	return &HealthStatus{
		Status:            "healthy",
		ResponseTime:      elapsed.Milliseconds(),
		OpenConnections:   stats.OpenConnections,
		InUse:             stats.InUse,
		Idle:              stats.Idle,
		WaitCount:         stats.WaitCount,
		WaitDuration:      stats.WaitDuration.Milliseconds(),
		MaxOpenConns:      stats.MaxOpenConnections,
		MaxIdleClosed:     stats.MaxIdleClosed,
		MaxLifetimeClosed: stats.MaxLifetimeClosed,
	}, nil
}
