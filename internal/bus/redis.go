// Package bus wraps the shared Redis client behind a circuit breaker. It
// carries the cross-process pub/sub channels and the verification keyspace
// used by auth. The raw client is exposed for the message pipeline, which
// owns its own key layout.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/M1PPosu/lazer-server-sub001/internal/metrics"
)

// Pub/sub channel names shared across processes.
const (
	ChannelRoomJoined     = "chat:room:joined"
	ChannelRoomLeft       = "chat:room:left"
	ChannelNotification   = "chat:notification"
	ChannelScoreProcessed = "osu-channel:score:processed"
)

// Service handles all interaction with the Redis cluster.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// Client returns the underlying Redis client.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService creates a robust Redis connection with automatic retries.
func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0, // Default DB
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	// Ping to verify connection immediately
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	slog.Info("Connected to Redis", "addr", addr)
	return &Service{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}, nil
}

// Publish broadcasts a payload to every process subscribed to channel.
// Publish degrades gracefully: when the breaker is open the message is
// dropped and the caller is not failed, since live delivery on the local
// instance has already happened.
func (s *Service) Publish(ctx context.Context, channel, payload string) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Publish(ctx, channel, payload).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis Circuit Breaker Open: dropping publish", "channel", channel)
			return nil // Graceful degradation: drop message, don't crash caller
		}
		slog.Error("Redis Publish Failed", "channel", channel, "error", err)
		return err
	}

	return nil
}

// Subscribe starts a background goroutine that listens for messages from
// other processes. handler is executed for every payload received.
func (s *Service) Subscribe(ctx context.Context, channel string, wg *sync.WaitGroup, handler func(payload string)) {
	if s == nil || s.client == nil {
		return // Single-instance mode, no Redis available
	}

	pubsub := s.client.Subscribe(ctx, channel)

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}

		slog.Info("Subscribed to Redis channel", "channel", channel)

		ch := pubsub.Channel()

		// Read indefinitely until the context is cancelled or connection dies
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					slog.Warn("Redis subscription channel closed", "channel", channel)
					return
				}
				handler(msg.Payload)
			}
		}
	}()
}

// Ping checks Redis connectivity using the PING command
// Used by health checks to verify Redis is reachable
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		}
		return err
	}
	return nil
}

// Close gracefully shuts down the Redis connection
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}
	return s.client.Close()
}

// --- Verification keyspace ---
//
// Unlike pub/sub, these back security decisions (replay guards, one-shot
// codes), so breaker-open states propagate as errors instead of degrading.

// Set stores a string value with a ttl.
func (s *Service) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Set(ctx, key, value, ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// SetNX stores value only if key is absent. The bool reports whether the
// key was set; false means it already existed.
func (s *Service) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if s == nil || s.client == nil {
		return true, nil
	}
	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.SetNX(ctx, key, value, ttl).Result()
	})
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return res.(bool), nil
}

// Get retrieves a string value. The bool reports whether the key existed.
func (s *Service) Get(ctx context.Context, key string) (string, bool, error) {
	if s == nil || s.client == nil {
		return "", false, nil
	}
	res, err := s.cb.Execute(func() (interface{}, error) {
		val, err := s.client.Get(ctx, key).Result()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return val, nil
	})
	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}
	if res == nil {
		return "", false, nil
	}
	return res.(string), true, nil
}

// Del removes keys.
func (s *Service) Del(ctx context.Context, keys ...string) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Del(ctx, keys...).Err()
	})
	if err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// HSet writes hash fields and applies a ttl on the whole key.
func (s *Service) HSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.cb.Execute(func() (interface{}, error) {
		args := make([]interface{}, 0, len(fields)*2)
		for k, v := range fields {
			args = append(args, k, v)
		}
		if err := s.client.HSet(ctx, key, args...).Err(); err != nil {
			return nil, err
		}
		if ttl > 0 {
			return nil, s.client.Expire(ctx, key, ttl).Err()
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("redis hset %s: %w", key, err)
	}
	return nil
}

// HGetAll reads all fields of a hash; an empty map means the key is absent.
func (s *Service) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}
	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.HGetAll(ctx, key).Result()
	})
	if err != nil {
		return nil, fmt.Errorf("redis hgetall %s: %w", key, err)
	}
	return res.(map[string]string), nil
}

// HIncrBy increments a hash field, returning the new value.
func (s *Service) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	if s == nil || s.client == nil {
		return 0, nil
	}
	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.HIncrBy(ctx, key, field, delta).Result()
	})
	if err != nil {
		return 0, fmt.Errorf("redis hincrby %s: %w", key, err)
	}
	return res.(int64), nil
}
