// Package clickhouse holds the optional analytic mirror of ingested trades.
// The live pipeline never reads from it.
package clickhouse

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const (
	nativePort  = "9000"
	dialTimeout = 5 * time.Second
)

// Conn is a pooled native-protocol connection.
type Conn struct {
	driver.Conn
}

// NewConn opens and pings a connection described by a clickhouse:// DSN.
func NewConn(ctx context.Context, dsn string) (*Conn, error) {
	opts, err := options(dsn)
	if err != nil {
		return nil, err
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	return &Conn{Conn: conn}, nil
}

// Close closes the connection pool.
func (c *Conn) Close() error {
	return c.Conn.Close()
}

// options parses dsn with the driver and fills the settings the mirror
// relies on. Hosts without a port get the native port.
func options(dsn string) (*clickhouse.Options, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse clickhouse dsn: %w", err)
	}

	for i, addr := range opts.Addr {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			opts.Addr[i] = net.JoinHostPort(addr, nativePort)
		}
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = dialTimeout
	}
	if opts.Compression == nil {
		opts.Compression = &clickhouse.Compression{Method: clickhouse.CompressionLZ4}
	}
	return opts, nil
}

// chRows is the subset of driver.Rows the scanners use.
type chRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}
