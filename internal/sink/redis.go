package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `yaml:"enabled" toml:"enabled" json:"enabled"`
	Addr       string `yaml:"addr" toml:"addr" json:"addr"`
	Password   string `yaml:"password" toml:"password" json:"password"`
	DB         int    `yaml:"db" toml:"db" json:"db"`
	Channel    string `yaml:"channel" toml:"channel" json:"channel"`
	HistoryLen int    `yaml:"history_len" toml:"history_len" json:"historyLen"` // recent samples kept per field, 0 disables
}

// Redis publishes samples on a pub/sub channel and keeps a capped list of
// recent samples per field.
type Redis struct {
	client     *redis.Client
	channel    string
	historyLen int64
	now        func() time.Time
	log        logrus.FieldLogger
}

// NewRedis creates the client and pings the server. An unreachable server is
// logged, not fatal.
func NewRedis(cfg RedisConfig, log logrus.FieldLogger) (*Redis, error) {
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}
	if cfg.Channel == "" {
		cfg.Channel = "obd2"
	}
	c := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	r := &Redis{
		client:     c,
		channel:    cfg.Channel,
		historyLen: int64(cfg.HistoryLen),
		now:        time.Now,
		log:        log.WithField("component", "redis"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		r.log.Warnf("%s not reachable: %v", cfg.Addr, err)
	} else {
		r.log.Infof("connected to %s, channel %s", cfg.Addr, cfg.Channel)
	}
	return r, nil
}

func (r *Redis) Name() string { return "redis" }

func (r *Redis) Publish(ctx context.Context, measurement, field string, value float64) error {
	data, err := json.Marshal(record{
		Measurement: measurement,
		Field:       field,
		Value:       value,
		Time:        r.now().UTC(),
	})
	if err != nil {
		return &PublishError{Sink: r.Name(), Err: err}
	}

	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return &PublishError{Sink: r.Name(), Err: err}
	}

	if r.historyLen > 0 {
		key := historyKey(measurement, field)
		pipe := r.client.Pipeline()
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, r.historyLen-1)
		if _, err := pipe.Exec(ctx); err != nil {
			r.log.Warnf("history %s: %v", key, err)
		}
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func historyKey(measurement, field string) string {
	return fmt.Sprintf("%s:%s:history", measurement, field)
}
