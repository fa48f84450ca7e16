package livefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSource listens on one NOTIFY channel per table ({prefix}{table}).
// Payloads are JSON objects as produced by a row trigger, for example
//
//	pg_notify('feed:' || TG_TABLE_NAME, json_build_object(
//	    'table', TG_TABLE_NAME, 'eventType', TG_OP,
//	    'new', row_to_json(NEW), 'old', row_to_json(OLD))::text)
//
// Each subscription holds one pooled connection for its lifetime.
type PostgresSource struct {
	pool   *pgxpool.Pool
	prefix string
	logger *slog.Logger
}

func NewPostgresSource(pool *pgxpool.Pool, prefix string, logger *slog.Logger) *PostgresSource {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresSource{pool: pool, prefix: prefix, logger: logger}
}

func (s *PostgresSource) Channel(table string) string {
	return s.prefix + table
}

// Publish sends ev with pg_notify on its table channel. Payloads are limited
// to 8000 bytes by Postgres.
func (s *PostgresSource) Publish(ctx context.Context, ev ChangeEvent) error {
	if err := ev.Validate(ev.Table); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal change event: %w", err)
	}
	if _, err := s.pool.Exec(ctx, "SELECT pg_notify($1, $2)", s.Channel(ev.Table), string(data)); err != nil {
		return fmt.Errorf("failed to notify change event: %w", err)
	}
	return nil
}

func (s *PostgresSource) Subscribe(ctx context.Context, table string, _ Filter) (Subscription, error) {
	channel := s.Channel(table)
	conn, err := s.listen(ctx, channel)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	sub := &pgSubscription{
		source:     s,
		channel:    channel,
		conn:       conn,
		events:     make(chan []byte, eventBuffer),
		reconnects: make(chan struct{}, 1),
		cancel:     cancel,
		done:       make(chan struct{}),
		logger:     s.logger.With("channel", channel),
	}
	go sub.loop(runCtx)
	return sub, nil
}

func (s *PostgresSource) listen(ctx context.Context, channel string) (*pgxpool.Conn, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to listen on %s: %w", channel, err)
	}
	return conn, nil
}

type pgSubscription struct {
	source     *PostgresSource
	channel    string
	conn       *pgxpool.Conn
	events     chan []byte
	reconnects chan struct{}
	cancel     context.CancelFunc
	done       chan struct{}
	closeOnce  sync.Once
	logger     *slog.Logger
}

func (s *pgSubscription) Events() <-chan []byte       { return s.events }
func (s *pgSubscription) Reconnects() <-chan struct{} { return s.reconnects }

func (s *pgSubscription) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}

func (s *pgSubscription) loop(ctx context.Context) {
	defer close(s.done)
	defer close(s.events)
	defer func() {
		if s.conn != nil {
			s.unlisten()
		}
	}()

	for {
		n, err := s.conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("wait for notification failed", "error", err)
			if !s.reacquire(ctx) {
				return
			}
			continue
		}

		select {
		case s.events <- []byte(n.Payload):
		case <-ctx.Done():
			return
		}
	}
}

// reacquire replaces a broken connection and listens again, retrying until
// ctx is done.
func (s *pgSubscription) reacquire(ctx context.Context) bool {
	// Drop the broken connection instead of handing it back to the pool.
	_ = s.conn.Conn().Close(ctx)
	s.conn.Release()
	s.conn = nil

	delay := retryDelay
	for {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		conn, err := s.source.listen(ctx, s.channel)
		if err == nil {
			s.conn = conn
			s.logger.Info("listen re-established")
			select {
			case s.reconnects <- struct{}{}:
			default:
			}
			return true
		}
		s.logger.Warn("relisten failed", "error", err)
		if delay < 10*time.Second {
			delay *= 2
		}
	}
}

func (s *pgSubscription) unlisten() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := s.conn.Exec(ctx, "UNLISTEN "+pgx.Identifier{s.channel}.Sanitize()); err != nil {
		_ = s.conn.Conn().Close(ctx)
	}
	s.conn.Release()
}

// PostgresLoader reads full tables as JSON rows.
type PostgresLoader struct {
	pool *pgxpool.Pool
	// OrderBy optionally names the column rows are sorted by.
	OrderBy string
}

func NewPostgresLoader(pool *pgxpool.Pool) *PostgresLoader {
	return &PostgresLoader{pool: pool}
}

func (l *PostgresLoader) Load(ctx context.Context, table string, filter Filter) ([]Row, error) {
	query, args := l.query(table, filter)
	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", table, err)
	}

	out, err := pgx.CollectRows(rows, pgx.RowTo[map[string]any])
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan %s: %w", table, err)
	}
	return out, nil
}

func (l *PostgresLoader) query(table string, filter Filter) (string, []any) {
	var b strings.Builder
	b.WriteString("SELECT row_to_json(t) FROM ")
	b.WriteString(pgx.Identifier(strings.Split(table, ".")).Sanitize())
	b.WriteString(" t")

	var args []any
	if !filter.IsZero() {
		b.WriteString(" WHERE t.")
		b.WriteString(pgx.Identifier{filter.Column}.Sanitize())
		b.WriteString("::text = $1")
		args = append(args, filter.Value)
	}
	if l.OrderBy != "" {
		b.WriteString(" ORDER BY t.")
		b.WriteString(pgx.Identifier{l.OrderBy}.Sanitize())
	}
	return b.String(), args
}
