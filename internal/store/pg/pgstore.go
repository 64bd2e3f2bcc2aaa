package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/jackc/pgx/v5/stdlib"

	"x402.org/facilitator/internal/ledger"
)

// ErrOwnerMismatch is returned by Init when the database belongs to another owner.
var ErrOwnerMismatch = errors.New("pg: ledger owned by a different address")

// Option configures Store.
type Option func(*Store)

// WithClock overrides the time source used as the execution timestamp.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithAccept installs a transfer hook consulted on every settlement.
func WithAccept(fn ledger.AcceptFunc) Option {
	return func(s *Store) { s.accept = fn }
}

// WithMaxRetries bounds how often a conflicting transaction is retried.
func WithMaxRetries(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// Store is a PostgreSQL-backed ledger.Service. Every mutation runs
// ledger.Apply inside one serializable transaction.
type Store struct {
	db         *sql.DB
	owner      ledger.Address
	now        func() time.Time
	accept     ledger.AcceptFunc
	maxRetries int
}

var _ ledger.Service = (*Store)(nil)

// Open connects with the pgx stdlib driver.
func Open(dsn string, owner ledger.Address, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db, owner, opts...), nil
}

// New wraps an existing handle.
func New(db *sql.DB, owner ledger.Address, opts ...Option) *Store {
	s := &Store{db: db, owner: owner, now: time.Now, maxRetries: 5}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Init creates the singleton meta row on first start and refuses to run
// against a ledger owned by someone else.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		insert into ledger_meta(id, owner) values (1, $1)
		on conflict (id) do nothing
	`, s.owner.Hex()); err != nil {
		return fmt.Errorf("init ledger meta: %w", err)
	}
	var owner string
	if err := s.db.QueryRowContext(ctx, `select owner from ledger_meta where id = 1`).Scan(&owner); err != nil {
		return fmt.Errorf("read ledger owner: %w", err)
	}
	if common.HexToAddress(owner) != s.owner {
		return fmt.Errorf("%w: %s", ErrOwnerMismatch, owner)
	}
	return nil
}

func (s *Store) IsAuthorized(ctx context.Context, agent ledger.Address) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `select exists(select 1 from agents where address = $1)`, agent.Hex()).Scan(&ok)
	return ok, err
}

func (s *Store) GetPaymentRequest(ctx context.Context, id ledger.RequestID) (ledger.PaymentRequest, error) {
	p, err := scanRequest(s.db.QueryRowContext(ctx, selectRequest+` where id = $1`, id.Hex()))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.PaymentRequest{}, ledger.ErrRequestNotFound
	}
	return p, err
}

func (s *Store) Balance(ctx context.Context, holder, token ledger.Address) (*big.Int, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `
		select amount::text from balances where holder = $1 and token = $2
	`, holder.Hex(), token.Hex()).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, err
	}
	return parseNumeric(raw)
}

func (s *Store) ListEvents(ctx context.Context, limit int, afterSeq uint64) ([]ledger.Event, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select sequence, id, kind, agent, coalesce(request_id, ''), coalesce(recipient, ''),
		       coalesce(token, ''), coalesce(amount::text, ''), deadline, at
		from events
		where sequence > $1
		order by sequence asc
		limit $2
	`, afterSeq, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var res []ledger.Event
	last := afterSeq
	for rows.Next() {
		var (
			ev                                 ledger.Event
			kind, agent, reqID, recipient, tok string
			amount                             string
			deadline                           sql.NullTime
		)
		if err := rows.Scan(&ev.Sequence, &ev.ID, &kind, &agent, &reqID, &recipient, &tok, &amount, &deadline, &ev.At); err != nil {
			return nil, 0, err
		}
		ev.Kind = ledger.EventKind(kind)
		ev.Agent = common.HexToAddress(agent)
		ev.At = ev.At.UTC()
		if ev.IsPayment() {
			ev.RequestID = common.HexToHash(reqID)
			ev.Recipient = common.HexToAddress(recipient)
			ev.Token = common.HexToAddress(tok)
			if ev.Amount, err = parseNumeric(amount); err != nil {
				return nil, 0, err
			}
			ev.Deadline = deadline.Time.UTC()
		}
		res = append(res, ev)
		last = ev.Sequence
	}
	return res, last, rows.Err()
}

func (s *Store) Stats(ctx context.Context) (ledger.Stats, error) {
	var st ledger.Stats
	err := s.db.QueryRowContext(ctx, `
		select
			(select count(*) from agents),
			(select count(*) from payment_requests),
			(select count(*) from payment_requests where executed),
			coalesce((select version from ledger_meta where id = 1), 0)
	`).Scan(&st.Agents, &st.Requests, &st.Executed, &st.Version)
	return st, err
}

// Ping checks database connectivity for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const selectRequest = `
	select id, recipient, token, amount::text, deadline, agent, executed, created_at
	from payment_requests`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (ledger.PaymentRequest, error) {
	var (
		p                         ledger.PaymentRequest
		id, recipient, tok, agent string
		amount                    string
	)
	if err := row.Scan(&id, &recipient, &tok, &amount, &p.Deadline, &agent, &p.Executed, &p.CreatedAt); err != nil {
		return ledger.PaymentRequest{}, err
	}
	amt, err := parseNumeric(amount)
	if err != nil {
		return ledger.PaymentRequest{}, err
	}
	p.ID = common.HexToHash(id)
	p.Recipient = common.HexToAddress(recipient)
	p.Token = common.HexToAddress(tok)
	p.Agent = common.HexToAddress(agent)
	p.Amount = amt
	p.Deadline = p.Deadline.UTC()
	p.CreatedAt = p.CreatedAt.UTC()
	return p, nil
}

func parseNumeric(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("pg: malformed numeric %q", s)
	}
	return v, nil
}
