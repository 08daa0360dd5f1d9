package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"go.viam.com/rover/logging"
	"go.viam.com/rover/metrics"
	"go.viam.com/rover/wire"
)

// RedisConfig configures the Redis sink.
type RedisConfig struct {
	Addr     string
	RobotID  string
	TTL      time.Duration
	Interval time.Duration
	Clock    clock.Clock
	// Registration is stored once as a hash so fleet services can discover the rover.
	Registration map[string]interface{}
}

// RedisSink keeps the latest snapshot and the rover's registration in Redis.
type RedisSink struct {
	cfg    RedisConfig
	rdb    *redis.Client
	source *Broadcaster
	logger logging.Logger
}

// NewRedisSink returns a sink writing through a new client for cfg.Addr.
func NewRedisSink(cfg RedisConfig, source *Broadcaster, logger logging.Logger) *RedisSink {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr})
	return &RedisSink{cfg: cfg, rdb: rdb, source: source, logger: logger}
}

// TelemetryKey is where the latest snapshot of a rover lives.
func TelemetryKey(robotID string) string {
	return fmt.Sprintf("rover:%s:telemetry", robotID)
}

// RegistrationKey is the hash describing a rover.
func RegistrationKey(robotID string) string {
	return fmt.Sprintf("rover:%s:registration", robotID)
}

// Run registers the rover and writes each new snapshot, no more than once per interval,
// until ctx is done.
func (s *RedisSink) Run(ctx context.Context) error {
	defer func() {
		if err := s.rdb.Close(); err != nil {
			s.logger.Debugw("closing redis client", "error", err)
		}
	}()
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return errors.Wrapf(err, "redis ping %s", s.cfg.Addr)
	}
	if err := s.register(ctx); err != nil {
		return err
	}
	s.logger.Infow("registered with redis", "addr", s.cfg.Addr, "key", RegistrationKey(s.cfg.RobotID))

	forEach(ctx, s.source, s.cfg.Clock, s.cfg.Interval, func(snap wire.Telemetry) {
		if err := s.write(ctx, snap); err != nil && ctx.Err() == nil {
			metrics.SinkErrors.WithLabelValues("redis").Inc()
			s.logger.Debugw("redis write failed", "error", err)
		}
	})
	return nil
}

func (s *RedisSink) register(ctx context.Context) error {
	if len(s.cfg.Registration) == 0 {
		return nil
	}
	key := RegistrationKey(s.cfg.RobotID)
	if err := s.rdb.HSet(ctx, key, s.cfg.Registration).Err(); err != nil {
		return errors.Wrapf(err, "redis HSET %s", key)
	}
	return nil
}

func (s *RedisSink) write(ctx context.Context, snap wire.Telemetry) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	key := TelemetryKey(s.cfg.RobotID)
	return errors.Wrapf(s.rdb.Set(ctx, key, payload, s.cfg.TTL).Err(), "redis SET %s", key)
}
