package clickhouse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/rs/zerolog"
)

type Config struct {
	Addr     string `mapstructure:"addr"`
	DB       string `mapstructure:"db"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Debug    bool   `mapstructure:"debug"`
}

type Clickhouse struct {
	conn   driver.Conn
	logger zerolog.Logger
}

func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*Clickhouse, error) {
	logger = logger.With().Str("component", "clickhouse").Logger()

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.DB,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Debug: cfg.Debug,
		Debugf: func(format string, v ...any) {
			logger.Debug().Msgf(format, v...)
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		DialTimeout:     time.Second * 30,
		MaxOpenConns:    5,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Duration(10) * time.Minute,
	})
	if err != nil {
		return nil, err
	}

	if err = conn.Ping(ctx); err != nil {
		var exception *clickhouse.Exception
		if errors.As(err, &exception) {
			logger.Error().Int32("code", exception.Code).Str("stack", exception.StackTrace).Msg(exception.Message)
		}
		_ = conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	return &Clickhouse{
		conn:   conn,
		logger: logger,
	}, nil
}

func (c *Clickhouse) Close() error {
	return c.conn.Close()
}

func (c *Clickhouse) Migrate(ctx context.Context) error {
	return c.conn.Exec(ctx, `CREATE TABLE IF NOT EXISTS events
		(
    		server_time DateTime64(3),
    		local_time  DateTime,
    		ip          String,
    		app_key     String,
    		payload_id  String,
    		visitor_id  String,
    		event_name  String,
    		retry       Bool,
    		app_name    String,
    		app_version String,
    		sdk_version String,
    		os          String,
    		os_version  String,
    		device      String,
    		values      String
		) Engine = MergeTree
		ORDER BY (event_name, server_time)`)
}
