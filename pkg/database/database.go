// Package database implements the "database" host-call binding (spec.md
// §4.G): connection lifecycle plus parameterized query/execute with typed
// row encoding, over database/sql with sqlite3 and mysql drivers selected
// by URL scheme.
//
// Grounded on the original source's crates/database/src/database.rs for
// the operation names, parameter stream shape, and whole-second `time`
// resolution; connection retry is original to this repo (see
// SPEC_FULL.md "G. Database Binding"), using the same
// github.com/cenkalti/backoff/v4 the rest of the pack reaches for.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"

	"github.com/wapchost/runtime/pkg/abi"
	"github.com/wapchost/runtime/pkg/codec"
	"github.com/wapchost/runtime/pkg/resource"
)

// Config controls the connection pool and retry behavior every
// connection/open call applies (internal/config.DatabaseConfig bridges the
// service's configured values into this struct from cmd/wapchostd).
type Config struct {
	// MaxOpenConns is passed to (*sql.DB).SetMaxOpenConns after a
	// successful open. Zero leaves database/sql's unlimited default.
	MaxOpenConns int
	// ConnMaxLifetime is passed to (*sql.DB).SetConnMaxLifetime. Zero
	// leaves connections alive indefinitely.
	ConnMaxLifetime time.Duration
	// RetryAttempts bounds the exponential backoff around sql.Open+Ping.
	RetryAttempts uint64
}

// Binding implements hostcall.Binding for the "database" binding.
type Binding struct {
	cfg Config
}

// New returns a ready-to-use Binding configured by cfg. Connections live in
// the calling Environment's resource table, not here.
func New(cfg Config) *Binding { return &Binding{cfg: cfg} }

func (b *Binding) Dispatch(ctx context.Context, namespace, operation string, payload []byte) ([]byte, error) {
	switch namespace {
	case "connection":
		switch operation {
		case "open":
			return b.open(ctx, payload)
		case "close":
			return b.closeConnection(ctx, payload)
		}
	case "command":
		switch operation {
		case "query":
			return b.query(ctx, payload)
		case "execute":
			return b.execute(ctx, payload)
		}
	}
	return nil, fmt.Errorf("database: unknown operation %s/%s", namespace, operation)
}

// OpenRequest is the connection/open payload.
type OpenRequest struct {
	URL      string  `msgpack:"url"`
	Username *string `msgpack:"username"`
	Password *string `msgpack:"password"`
	Database *string `msgpack:"database"`
	Port     *uint16 `msgpack:"port"`
	Host     *string `msgpack:"host"`
}

// OpenResponse is the connection/open result.
type OpenResponse struct {
	RID uint32 `msgpack:"rid"`
}

func (b *Binding) open(ctx context.Context, payload []byte) ([]byte, error) {
	table := abi.ResourceTableFromContext(ctx)
	if table == nil {
		return nil, fmt.Errorf("database: no resource table on context")
	}

	var req OpenRequest
	if err := codec.Unmarshal(payload, &req); err != nil {
		return nil, &BadRequestError{Reason: err.Error()}
	}

	driverName, dsn, err := resolveDSN(req)
	if err != nil {
		return nil, err
	}

	var db *sql.DB
	openAndPing := func() error {
		opened, openErr := sql.Open(driverName, dsn)
		if openErr != nil {
			return openErr
		}
		if pingErr := opened.PingContext(ctx); pingErr != nil {
			_ = opened.Close()
			return pingErr
		}
		db = opened
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), b.cfg.RetryAttempts)
	if err := backoff.Retry(openAndPing, backoff.WithContext(policy, ctx)); err != nil {
		return nil, &QueryError{Message: err.Error()}
	}

	if b.cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(b.cfg.MaxOpenConns)
	}
	if b.cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(b.cfg.ConnMaxLifetime)
	}

	rid := table.Add(&connectionHandle{db: db})
	return codec.Marshal(OpenResponse{RID: rid})
}

func (b *Binding) closeConnection(ctx context.Context, payload []byte) ([]byte, error) {
	table := abi.ResourceTableFromContext(ctx)
	if table == nil {
		return nil, fmt.Errorf("database: no resource table on context")
	}

	var rid uint32
	if err := codec.Unmarshal(payload, &rid); err != nil {
		return nil, &BadRequestError{Reason: err.Error()}
	}
	if err := table.Close(rid); err != nil {
		return nil, err
	}
	return nil, nil
}

// connectionHandle is the resource-table entry for an open *sql.DB (spec.md
// §3 "Database connection handle").
type connectionHandle struct {
	db *sql.DB
}

func (c *connectionHandle) Name() string { return "databaseConnection" }
func (c *connectionHandle) Close() error { return c.db.Close() }

// resolveDSN turns an OpenRequest into a (driverName, dsn) pair.
// "Supported URL schemes are implementation-defined" (spec.md §4.G); this
// repo recognizes sqlite3/file (routed to mattn/go-sqlite3) and mysql
// (routed to go-sql-driver/mysql), the two SQL drivers the retrieval pack
// carries.
func resolveDSN(req OpenRequest) (driverName, dsn string, err error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return "", "", &BadRequestError{Reason: err.Error()}
	}

	switch u.Scheme {
	case "sqlite3", "file", "":
		dsn = u.Opaque
		if dsn == "" {
			dsn = u.Path
		}
		if dsn == "" {
			dsn = req.URL
		}
		return "sqlite3", dsn, nil

	case "mysql":
		host := u.Hostname()
		if req.Host != nil {
			host = *req.Host
		}
		port := u.Port()
		if req.Port != nil {
			port = strconv.Itoa(int(*req.Port))
		}
		addr := host
		if port != "" {
			addr = host + ":" + port
		}

		user, pass := "", ""
		if u.User != nil {
			user = u.User.Username()
			pass, _ = u.User.Password()
		}
		if req.Username != nil {
			user = *req.Username
		}
		if req.Password != nil {
			pass = *req.Password
		}

		database := strings.TrimPrefix(u.Path, "/")
		if req.Database != nil {
			database = *req.Database
		}

		dsn = fmt.Sprintf("%s:%s@tcp(%s)/%s", user, pass, addr, database)
		return "mysql", dsn, nil

	default:
		return "", "", &BadRequestError{Reason: "unsupported scheme " + u.Scheme}
	}
}
