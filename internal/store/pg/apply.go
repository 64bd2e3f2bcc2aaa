package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgconn"

	"x402.org/facilitator/internal/ids"
	"x402.org/facilitator/internal/ledger"
)

const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
)

func (s *Store) AuthorizeAgent(ctx context.Context, caller, agent ledger.Address) (ledger.Receipt, error) {
	return s.mutate(ctx, caller, nil, ledger.AuthorizeAgent{Agent: agent})
}

func (s *Store) RevokeAgent(ctx context.Context, caller, agent ledger.Address) (ledger.Receipt, error) {
	return s.mutate(ctx, caller, nil, ledger.RevokeAgent{Agent: agent})
}

func (s *Store) CreatePaymentRequest(ctx context.Context, caller ledger.Address, p ledger.CreateParams) (ledger.Receipt, error) {
	return s.mutate(ctx, caller, nil, ledger.CreatePaymentRequest{
		Recipient: p.Recipient,
		Token:     p.Token,
		Amount:    p.Amount,
		Deadline:  p.Deadline,
	})
}

func (s *Store) ExecutePayment(ctx context.Context, caller ledger.Address, id ledger.RequestID, value *big.Int) (ledger.Receipt, error) {
	return s.mutate(ctx, caller, value, ledger.ExecutePayment{ID: id})
}

// mutate retries transactions that lost a serialization race or collided on a key.
func (s *Store) mutate(ctx context.Context, caller ledger.Address, value *big.Int, op ledger.Operation) (ledger.Receipt, error) {
	var lastErr error
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		rcpt, err := s.applyTx(ctx, caller, value, op)
		if err == nil || !retryable(err) {
			return rcpt, err
		}
		lastErr = err
	}
	return ledger.Receipt{}, fmt.Errorf("%s: giving up after %d attempts: %w", op.Name(), s.maxRetries, lastErr)
}

func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation || pgErr.Code == pgSerializationFailure
	}
	return false
}

func (s *Store) applyTx(ctx context.Context, caller ledger.Address, value *big.Int, op ledger.Operation) (ledger.Receipt, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return ledger.Receipt{}, err
	}
	defer func() { _ = tx.Rollback() }()

	// The meta row lock serialises writers; the state below is a partial view
	// holding only the rows op can touch.
	var owner string
	st := ledger.NewState(s.owner)
	if err := tx.QueryRowContext(ctx, `
		select owner, nonce, version from ledger_meta where id = 1 for update
	`).Scan(&owner, &st.Nonce, &st.Version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Receipt{}, errors.New("pg: ledger not initialised")
		}
		return ledger.Receipt{}, err
	}
	st.Owner = common.HexToAddress(owner)

	if err := s.load(ctx, tx, st, caller, op); err != nil {
		return ledger.Receipt{}, err
	}

	now := s.now().UTC()
	rcpt, err := ledger.Apply(st, ledger.Env{Caller: caller, Now: now, Value: value, Accept: s.accept}, op)
	if err != nil {
		return ledger.Receipt{}, err
	}

	if err := s.persist(ctx, tx, st, rcpt, op, now); err != nil {
		return ledger.Receipt{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		update ledger_meta set nonce = $1, version = $2 where id = 1
	`, st.Nonce, st.Version); err != nil {
		return ledger.Receipt{}, err
	}
	for i := range rcpt.Events {
		ev := &rcpt.Events[i]
		ev.ID = ids.At(now)
		if err := insertEvent(ctx, tx, ev); err != nil {
			return ledger.Receipt{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return ledger.Receipt{}, err
	}
	return rcpt, nil
}

// load seeds st with the persisted rows op reads.
func (s *Store) load(ctx context.Context, tx *sql.Tx, st *ledger.State, caller ledger.Address, op ledger.Operation) error {
	switch o := op.(type) {
	case ledger.AuthorizeAgent, ledger.RevokeAgent:
		return nil
	case ledger.CreatePaymentRequest:
		ok, err := agentExists(ctx, tx, caller)
		if err != nil || !ok {
			return err
		}
		st.LoadAgent(caller)
		if o.Amount == nil || o.Amount.Sign() <= 0 {
			return nil
		}
		// Preload ids the derivation could land on so Apply can skip occupied ones.
		deadline := o.Deadline.UTC().Truncate(time.Second)
		for nonce := st.Nonce; ; nonce++ {
			id := ledger.DeriveRequestID(caller, o.Recipient, o.Token, o.Amount, deadline, nonce)
			p, err := scanRequest(tx.QueryRowContext(ctx, selectRequest+` where id = $1`, id.Hex()))
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			if err != nil {
				return err
			}
			st.LoadRequest(p)
		}
	case ledger.ExecutePayment:
		p, err := scanRequest(tx.QueryRowContext(ctx, selectRequest+` where id = $1 for update`, o.ID.Hex()))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		st.LoadRequest(p)
		var raw string
		err = tx.QueryRowContext(ctx, `
			select amount::text from balances where holder = $1 and token = $2 for update
		`, p.Recipient.Hex(), p.Token.Hex()).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		bal, err := parseNumeric(raw)
		if err != nil {
			return err
		}
		st.LoadBalance(p.Recipient, p.Token, bal)
		return nil
	default:
		return nil
	}
}

// persist writes the rows Apply changed.
func (s *Store) persist(ctx context.Context, tx *sql.Tx, st *ledger.State, rcpt ledger.Receipt, op ledger.Operation, now time.Time) error {
	switch o := op.(type) {
	case ledger.AuthorizeAgent:
		_, err := tx.ExecContext(ctx, `
			insert into agents(address, authorized_at) values ($1, $2)
			on conflict (address) do nothing
		`, o.Agent.Hex(), now)
		return err
	case ledger.RevokeAgent:
		_, err := tx.ExecContext(ctx, `delete from agents where address = $1`, o.Agent.Hex())
		return err
	case ledger.CreatePaymentRequest:
		p, ok := st.Request(rcpt.RequestID)
		if !ok {
			return fmt.Errorf("pg: created request %s missing from state", rcpt.RequestID.Hex())
		}
		_, err := tx.ExecContext(ctx, `
			insert into payment_requests(id, recipient, token, amount, deadline, agent, executed, created_at)
			values ($1, $2, $3, $4, $5, $6, false, $7)
		`, p.ID.Hex(), p.Recipient.Hex(), p.Token.Hex(), p.Amount.String(), p.Deadline, p.Agent.Hex(), p.CreatedAt)
		return err
	case ledger.ExecutePayment:
		p, ok := st.Request(o.ID)
		if !ok {
			return fmt.Errorf("pg: executed request %s missing from state", o.ID.Hex())
		}
		res, err := tx.ExecContext(ctx, `
			update payment_requests set executed = true, executed_at = $2
			where id = $1 and not executed
		`, p.ID.Hex(), now)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n != 1 {
			return ledger.ErrAlreadyExecuted
		}
		_, err = tx.ExecContext(ctx, `
			insert into balances(holder, token, amount) values ($1, $2, $3)
			on conflict (holder, token) do update set amount = excluded.amount
		`, p.Recipient.Hex(), p.Token.Hex(), st.Balance(p.Recipient, p.Token).String())
		return err
	default:
		return fmt.Errorf("pg: unsupported operation %T", op)
	}
}

func agentExists(ctx context.Context, tx *sql.Tx, a ledger.Address) (bool, error) {
	var ok bool
	err := tx.QueryRowContext(ctx, `select exists(select 1 from agents where address = $1)`, a.Hex()).Scan(&ok)
	return ok, err
}

func insertEvent(ctx context.Context, tx *sql.Tx, ev *ledger.Event) error {
	var (
		reqID, recipient, token, amount sql.NullString
		deadline                        sql.NullTime
	)
	if ev.IsPayment() {
		reqID = sql.NullString{String: ev.RequestID.Hex(), Valid: true}
		recipient = sql.NullString{String: ev.Recipient.Hex(), Valid: true}
		token = sql.NullString{String: ev.Token.Hex(), Valid: true}
		amount = sql.NullString{String: ev.Amount.String(), Valid: true}
		deadline = sql.NullTime{Time: ev.Deadline, Valid: true}
	}
	return tx.QueryRowContext(ctx, `
		insert into events(id, kind, agent, request_id, recipient, token, amount, deadline, at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		returning sequence
	`, ev.ID, string(ev.Kind), ev.Agent.Hex(), reqID, recipient, token, amount, deadline, ev.At).Scan(&ev.Sequence)
}
