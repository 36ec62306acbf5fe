package ledger

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite"

	"github.com/keithlinneman/linnemanlabs-jokes/internal/log"
	"github.com/keithlinneman/linnemanlabs-jokes/internal/xerrors"
)

// ErrStorage marks any failure of the underlying table storage.
var ErrStorage = errors.New("ledger storage error")

// Observer receives the outcome of every ledger operation, used for prometheus instrumentation
type Observer interface {
	ObserveLedgerOp(op string, seconds float64, err error)
}

type Options struct {
	// Path to the sqlite database file, ":memory:" for a throwaway in-process database
	Path     string
	Logger   log.Logger
	Observer Observer
}

// Ledger records (client address, timestamp) pairs for joke requests.
// It is the only component that touches the joke_requests table.
type Ledger struct {
	db     *sql.DB
	logger log.Logger
	obs    Observer
	tracer trace.Tracer
}

// Open opens (creating if needed) the sqlite database and migrates the schema
func Open(ctx context.Context, opts Options) (*Ledger, error) {
	if opts.Path == "" {
		return nil, xerrors.New("ledger: Path is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}

	if opts.Path != ":memory:" && !strings.HasPrefix(opts.Path, "file:") {
		if dir := filepath.Dir(opts.Path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, xerrors.Wrapf(err, "ledger: mkdir %s", dir)
			}
		}
	}

	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.Mark(err, ErrStorage), "ledger: open")
	}

	// sqlite serializes writers anyway, one connection keeps ":memory:" databases
	// consistent across requests and keeps insert/prune/count ordering simple
	db.SetMaxOpenConns(1)

	l := &Ledger{
		db:     db,
		logger: opts.Logger,
		obs:    opts.Observer,
		tracer: otel.Tracer("linnemanlabs/ledger"),
	}
	if err := l.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.Mark(err, ErrStorage), "ledger: migrate")
	}

	opts.Logger.Info(ctx, "request ledger opened", "path", opts.Path)
	return l, nil
}

func (l *Ledger) migrate(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS joke_requests (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_ip TEXT NOT NULL,
    timestamp REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_joke_requests_ip_ts ON joke_requests (user_ip, timestamp);
CREATE INDEX IF NOT EXISTS idx_joke_requests_ts ON joke_requests (timestamp);
`)
	return err
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

// Ping checks the database handle is usable
func (l *Ledger) Ping(ctx context.Context) error {
	return l.run(ctx, "ping", nil, func(ctx context.Context) error {
		return l.db.PingContext(ctx)
	})
}

// Record appends one request for addr at the given time
func (l *Ledger) Record(ctx context.Context, addr string, at time.Time) error {
	return l.run(ctx, "record", []attribute.KeyValue{attribute.String("client.address", addr)}, func(ctx context.Context) error {
		_, err := l.db.ExecContext(ctx,
			`INSERT INTO joke_requests (user_ip, timestamp) VALUES (?, ?)`,
			addr, epochSeconds(at),
		)
		return err
	})
}

// CountSince returns the number of requests for addr strictly newer than cutoff
func (l *Ledger) CountSince(ctx context.Context, addr string, cutoff time.Time) (int, error) {
	var n int
	err := l.run(ctx, "count_since", []attribute.KeyValue{attribute.String("client.address", addr)}, func(ctx context.Context) error {
		return l.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM joke_requests WHERE user_ip = ? AND timestamp > ?`,
			addr, epochSeconds(cutoff),
		).Scan(&n)
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// TimestampsSince returns every request timestamp for addr strictly newer than cutoff, oldest first.
// Never returns a nil slice on success.
func (l *Ledger) TimestampsSince(ctx context.Context, addr string, cutoff time.Time) ([]float64, error) {
	out := make([]float64, 0, 16)
	err := l.run(ctx, "timestamps_since", []attribute.KeyValue{attribute.String("client.address", addr)}, func(ctx context.Context) error {
		rows, err := l.db.QueryContext(ctx,
			`SELECT timestamp FROM joke_requests WHERE user_ip = ? AND timestamp > ? ORDER BY timestamp`,
			addr, epochSeconds(cutoff),
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var ts float64
			if err := rows.Scan(&ts); err != nil {
				return err
			}
			out = append(out, ts)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Prune deletes all requests at or before cutoff, for every address.
// The bound is inclusive here and exclusive in CountSince/TimestampsSince, keep it that way.
func (l *Ledger) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	err := l.run(ctx, "prune", nil, func(ctx context.Context) error {
		res, err := l.db.ExecContext(ctx,
			`DELETE FROM joke_requests WHERE timestamp <= ?`,
			epochSeconds(cutoff),
		)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		l.logger.Debug(ctx, "pruned request ledger", "removed", removed)
	}
	return removed, nil
}

// Total returns the number of rows currently in the ledger
func (l *Ledger) Total(ctx context.Context) (int, error) {
	var n int
	err := l.run(ctx, "total", nil, func(ctx context.Context) error {
		return l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM joke_requests`).Scan(&n)
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// run wraps a single statement with a span, the observer hook and ErrStorage classification
func (l *Ledger) run(ctx context.Context, op string, attrs []attribute.KeyValue, fn func(context.Context) error) error {
	ctx, span := l.tracer.Start(ctx, "ledger."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(append(attrs, attribute.String("db.system", "sqlite"))...),
	)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	if err != nil {
		err = xerrors.Wrapf(xerrors.Mark(err, ErrStorage), "ledger %s", op)
		span.RecordError(err)
		span.SetStatus(codes.Error, op+" failed")
	}
	if l.obs != nil {
		l.obs.ObserveLedgerOp(op, time.Since(start).Seconds(), err)
	}
	return err
}

func epochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
