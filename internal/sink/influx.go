package sink

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	client "github.com/influxdata/influxdb1-client/v2"
	"github.com/sirupsen/logrus"
)

// InfluxConfig holds InfluxDB 1.x connection parameters.
type InfluxConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled" json:"enabled"`
	Host      string `yaml:"host" toml:"host" json:"host"`
	Port      int    `yaml:"port" toml:"port" json:"port"`
	Username  string `yaml:"username" toml:"username" json:"username"`
	Password  string `yaml:"password" toml:"password" json:"password"`
	Database  string `yaml:"database" toml:"database" json:"database"`
	Precision string `yaml:"precision" toml:"precision" json:"precision"` // "ns", "ms", "s", ...
	TimeoutMs int    `yaml:"timeout_ms" toml:"timeout_ms" json:"timeoutMs"`
}

// Influx writes each sample as one point to an InfluxDB 1.x database.
type Influx struct {
	client    client.Client
	addr      string
	database  string
	precision string
	now       func() time.Time
	log       logrus.FieldLogger
}

// NewInflux creates the HTTP client and checks the server is reachable.
// An unreachable server is logged, not fatal; writes fail until it is up.
func NewInflux(cfg InfluxConfig, log logrus.FieldLogger) (*Influx, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 8086
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("influx: database required")
	}
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	addr := "http://" + net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	c, err := client.NewHTTPClient(client.HTTPConfig{
		Addr:     addr,
		Username: cfg.Username,
		Password: cfg.Password,
		Timeout:  timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("influx: %w", err)
	}

	i := &Influx{
		client:    c,
		addr:      addr,
		database:  cfg.Database,
		precision: cfg.Precision,
		now:       time.Now,
		log:       log.WithField("component", "influx"),
	}
	if rtt, version, err := c.Ping(timeout); err != nil {
		i.log.Warnf("%s not reachable: %v", addr, err)
	} else {
		i.log.Infof("connected to %s (version %s, %v), database %s", addr, version, rtt, cfg.Database)
	}
	return i, nil
}

func (i *Influx) Name() string { return "influx" }

func (i *Influx) Publish(ctx context.Context, measurement, field string, value float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	bp, err := client.NewBatchPoints(client.BatchPointsConfig{
		Database:  i.database,
		Precision: i.precision,
	})
	if err != nil {
		return &PublishError{Sink: i.Name(), Err: err}
	}
	pt, err := client.NewPoint(measurement, nil, map[string]interface{}{field: value}, i.now())
	if err != nil {
		return &PublishError{Sink: i.Name(), Err: err}
	}
	bp.AddPoint(pt)
	if err := i.client.Write(bp); err != nil {
		return &PublishError{Sink: i.Name(), Err: err}
	}
	i.log.Debugf("wrote %s %s=%g", measurement, field, value)
	return nil
}

func (i *Influx) Close() error {
	return i.client.Close()
}
