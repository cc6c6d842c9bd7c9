// Package leaderelection elects the single instance that runs the reconciler.
//
// Leadership is a Postgres session-scoped advisory lock held on a dedicated
// connection. There is no renewal or TTL: if the connection dies, Postgres
// releases the lock server-side. The heartbeat ping only detects local
// connection death so the leader stops its duties promptly.
package leaderelection

import (
	"context"
	"database/sql"
	"hash/fnv"
	"log"
	"strconv"
	"sync/atomic"
	"time"
)

// MetricsSink defines the interface for recording leader election metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	LeaderStatusChanged(isLeader bool)
	LeaderLost(reason string) // reason: "shutdown", "conn_lost"
}

// Config holds election timing.
type Config struct {
	LockKey           int64
	RetryInterval     time.Duration // follower: how often to attempt lock acquisition
	HeartbeatInterval time.Duration // leader: how often to ping the dedicated connection
}

// Elector manages leader election using a Postgres advisory lock.
type Elector struct {
	db        *sql.DB
	config    Config
	onElected func(ctx context.Context)
	onDemoted func()
	metrics   MetricsSink // optional, nil = disabled
	leader    atomic.Bool
}

// LockKeyFromName maps a lock name to an advisory lock key. A decimal name is
// used as is.
func LockKeyFromName(name string) int64 {
	if key, err := strconv.ParseInt(name, 10, 64); err == nil {
		return key
	}
	h := fnv.New64a()
	h.Write([]byte(name))
	return int64(h.Sum64())
}

// New creates a new Elector.
//
// onElected is called in a new goroutine when this instance acquires the lock;
// its context is cancelled when leadership is lost and the lock is held until
// it returns. onDemoted, if non-nil, is called after that.
func New(db *sql.DB, config Config, onElected func(ctx context.Context), onDemoted func()) *Elector {
	return &Elector{
		db:        db,
		config:    config,
		onElected: onElected,
		onDemoted: onDemoted,
	}
}

// WithMetrics attaches a metrics sink to the elector.
func (e *Elector) WithMetrics(sink MetricsSink) *Elector {
	e.metrics = sink
	return e
}

// IsLeader reports whether this instance currently holds the lock.
func (e *Elector) IsLeader() bool {
	return e.leader.Load()
}

// Run starts the leader election loop. It blocks until ctx is cancelled.
func (e *Elector) Run(ctx context.Context) {
	log.Printf("leader: starting election loop (lock_key=%d, retry=%s, heartbeat=%s)",
		e.config.LockKey, e.config.RetryInterval, e.config.HeartbeatInterval)

	for {
		reason := e.runOnce(ctx)
		if ctx.Err() != nil {
			log.Println("leader: election loop stopped")
			return
		}
		if reason != "" {
			log.Printf("leader: lost leadership (reason=%s), will retry in %s", reason, e.config.RetryInterval)
		}

		select {
		case <-ctx.Done():
			log.Println("leader: election loop stopped")
			return
		case <-time.After(e.config.RetryInterval):
		}
	}
}

// runOnce attempts to acquire the advisory lock and hold it.
// Returns the reason leadership was lost ("" if the lock was not acquired).
func (e *Elector) runOnce(ctx context.Context) string {
	if ctx.Err() != nil {
		return ""
	}

	// Advisory lock is session-scoped: must use a dedicated connection.
	conn, err := e.db.Conn(ctx)
	if err != nil {
		log.Printf("leader: failed to acquire dedicated connection: %v", err)
		return ""
	}
	defer conn.Close()

	var acquired bool
	err = conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", e.config.LockKey).Scan(&acquired)
	if err != nil {
		log.Printf("leader: advisory lock query failed: %v", err)
		return ""
	}
	if !acquired {
		return ""
	}

	log.Printf("leader: acquired advisory lock %d", e.config.LockKey)
	e.setLeader(true)

	leaderCtx, cancelLeader := context.WithCancel(ctx)
	dutiesDone := make(chan struct{})
	go func() {
		defer close(dutiesDone)
		e.onElected(leaderCtx)
	}()

	reason := e.holdLock(ctx, conn)

	// Duties must stop before the lock is released to a peer.
	cancelLeader()
	<-dutiesDone
	if e.onDemoted != nil {
		e.onDemoted()
	}
	e.setLeader(false)
	if e.metrics != nil {
		e.metrics.LeaderLost(reason)
	}

	if reason == "shutdown" {
		// Release explicitly so a peer can take over without waiting for the session to end.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		conn.ExecContext(unlockCtx, "SELECT pg_advisory_unlock($1)", e.config.LockKey)
		cancel()
	}

	log.Printf("leader: released advisory lock %d", e.config.LockKey)
	return reason
}

func (e *Elector) setLeader(v bool) {
	e.leader.Store(v)
	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(v)
	}
}

// holdLock blocks while pinging the dedicated connection.
// Returns the reason the lock was lost.
func (e *Elector) holdLock(ctx context.Context, conn *sql.Conn) string {
	ticker := time.NewTicker(e.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "shutdown"
		case <-ticker.C:
			if err := conn.PingContext(ctx); err != nil {
				if ctx.Err() != nil {
					return "shutdown"
				}
				log.Printf("leader: dedicated connection ping failed: %v", err)
				return "conn_lost"
			}
		}
	}
}
