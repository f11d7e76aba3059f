package repo

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"tg-broadcast-bot/internal/domain"
	"tg-broadcast-bot/internal/infra/metrics"
)

//go:embed schema.sql
var schemaSQL string

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.ThemeRepo    = (*Postgres)(nil)
	_ domain.UserRepo     = (*Postgres)(nil)
	_ domain.TaskRepo     = (*Postgres)(nil)
	_ domain.DeliveryRepo = (*Postgres)(nil)
	_ domain.ConfigRepo   = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Migrate создаёт таблицы и индексы, если их ещё нет.
func (p *Postgres) Migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	start := time.Now()
	_, err := p.pool.Exec(ctx, schemaSQL)
	metrics.ObserveNetworkRequest("postgres", "migrate", "schema", start, err)
	if err != nil {
		return fmt.Errorf("применение схемы: %w", err)
	}
	return nil
}

// Ping проверяет соединение с БД.
func (p *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	return p.pool.Ping(ctx)
}

func (p *Postgres) connCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

// inTx выполняет fn в транзакции.
func (p *Postgres) inTx(ctx context.Context, table string, fn func(tx pgx.Tx) error) error {
	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", table, start, err)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	start = time.Now()
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "commit", table, start, err)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}

// where собирает условие WHERE с позиционными параметрами.
// Знак ? в условии заменяется на очередной $n.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, args ...any) {
	var b strings.Builder
	i := 0
	for _, r := range cond {
		if r == '?' && i < len(args) {
			w.args = append(w.args, args[i])
			i++
			b.WriteString("$" + strconv.Itoa(len(w.args)))
			continue
		}
		b.WriteRune(r)
	}
	w.conds = append(w.conds, b.String())
}

func (w *where) arg(v any) string {
	w.args = append(w.args, v)
	return "$" + strconv.Itoa(len(w.args))
}

func (w *where) sql() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func (w *where) page(limit, offset int) string {
	var b strings.Builder
	if limit > 0 {
		b.WriteString(" LIMIT " + w.arg(limit))
	}
	if offset > 0 {
		b.WriteString(" OFFSET " + w.arg(offset))
	}
	return b.String()
}

func likePattern(q string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(strings.TrimSpace(q)) + "%"
}
