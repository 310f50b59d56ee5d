// Package approval implements the approval queue of spec §4.5 (C5): every
// side-effecting CommandIntent is persisted as a Pending ApprovalRequest and
// only executes once a principal decides Approve, never inline with parsing.
package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"halcyon/internal/clock"
	"halcyon/internal/command"
	"halcyon/internal/domain"
	halerrors "halcyon/internal/errors"
	"halcyon/internal/logging"
)

// State is Pending or one of the four terminal states of spec §3.
type State string

const (
	StatePending   State = "pending"
	StateApproved  State = "approved"
	StateDenied    State = "denied"
	StateCancelled State = "cancelled"
	StateExpired   State = "expired"
)

func (s State) terminal() bool { return s != StatePending }

// Decision is the principal's verdict on a Pending request.
type Decision string

const (
	Approve Decision = "approve"
	Deny    Decision = "deny"
	Cancel  Decision = "cancel"
)

// Request is the ApprovalRequest entity of spec §3.
type Request struct {
	ID         domain.ID
	Principal  domain.UserID
	Intent     command.Intent
	Utterance  string
	Confidence float64
	State      State
	CreatedAt  time.Time
	DecidedAt  *time.Time
	ExpiresAt  time.Time
	Attempts   int
	Result     string // JSON-encoded executor outcome, set on Approve
}

// Executor runs the side effect named by a side-effecting Intent. Its
// outcome is serialized into Request.Result. Implementations live in the
// app layer, wired to the concrete mail/calendar/reminder ports.
type Executor interface {
	Execute(ctx context.Context, principal domain.UserID, intent command.Intent) (any, error)
}

// Store is the C5 persistence contract.
type Store interface {
	Insert(ctx context.Context, r Request) error
	Get(ctx context.Context, id domain.ID) (Request, error)
	List(ctx context.Context, principal domain.UserID, state *State) ([]Request, error)
	UpdateDecision(ctx context.Context, r Request) error
	ExpirePast(ctx context.Context, now time.Time) (int64, error)
}

// Queue is the C5 implementation: persistence plus the executor invocation
// that happens synchronously inside Decide on Approve.
type Queue struct {
	store      Store
	executor   Executor
	clock      clock.Clock
	logger     logging.Logger
	approvalTTL   time.Duration
	sweepSchedule string

	cron *cron.Cron
}

// Config configures a Queue.
type Config struct {
	ApprovalTTL   time.Duration
	SweepSchedule string // cron expression; defaults to every minute
}

// DefaultConfig mirrors spec §6's approval defaults.
func DefaultConfig() Config {
	return Config{ApprovalTTL: 15 * time.Minute, SweepSchedule: "@every 1m"}
}

// NewQueue builds a Queue. Call Start to arm the expiry sweeper.
func NewQueue(store Store, executor Executor, c clock.Clock, logger logging.Logger, cfg Config) *Queue {
	if cfg.ApprovalTTL <= 0 {
		cfg.ApprovalTTL = DefaultConfig().ApprovalTTL
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = DefaultConfig().SweepSchedule
	}
	return &Queue{
		store:         store,
		executor:      executor,
		clock:         c,
		logger:        logging.OrNop(logger),
		approvalTTL:   cfg.ApprovalTTL,
		sweepSchedule: cfg.SweepSchedule,
		cron:          cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger))),
	}
}

// Enqueue persists a new Pending request for a side-effecting intent.
func (q *Queue) Enqueue(ctx context.Context, principal domain.UserID, intent command.Intent) (domain.ID, error) {
	if !intent.IsSideEffecting() {
		return domain.ZeroID, halerrors.New(halerrors.Validation, "intent is not side-effecting", nil)
	}
	now := q.clock.Now()
	r := Request{
		ID:         domain.NewID(),
		Principal:  principal,
		Intent:     intent,
		Utterance:  intent.Utterance,
		Confidence: intent.Confidence,
		State:      StatePending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(q.approvalTTL),
	}
	if err := q.store.Insert(ctx, r); err != nil {
		return domain.ZeroID, fmt.Errorf("enqueue approval: %w", err)
	}
	return r.ID, nil
}

// List returns every approval owned by principal, optionally filtered by state.
func (q *Queue) List(ctx context.Context, principal domain.UserID, state *State) ([]Request, error) {
	return q.store.List(ctx, principal, state)
}

// Decide applies a principal's verdict to a Pending request. On Approve, the
// executor runs synchronously and its outcome is recorded as the request's
// result (spec §4.5). No decision may ever re-fire on an already-terminal
// request (P3): this is enforced both by the state check here and by the
// caller reloading before deciding.
func (q *Queue) Decide(ctx context.Context, id domain.ID, principal domain.UserID, decision Decision) (Request, error) {
	r, err := q.store.Get(ctx, id)
	if err != nil {
		return Request{}, err
	}
	if r.Principal != principal {
		return Request{}, halerrors.New(halerrors.Forbidden, "not your approval", nil)
	}
	now := q.clock.Now()
	if r.State.terminal() {
		return Request{}, halerrors.New(halerrors.Conflict, "approval already decided", nil)
	}
	if now.After(r.ExpiresAt) {
		r.State = StateExpired
		decidedAt := now
		r.DecidedAt = &decidedAt
		if err := q.store.UpdateDecision(ctx, r); err != nil {
			return Request{}, err
		}
		return Request{}, halerrors.New(halerrors.Conflict, "approval expired", nil)
	}

	decidedAt := now
	r.DecidedAt = &decidedAt
	r.Attempts++

	switch decision {
	case Approve:
		r.State = StateApproved
		outcome, execErr := q.executor.Execute(ctx, principal, r.Intent)
		if execErr != nil {
			r.Result = fmt.Sprintf(`{"error":%q}`, execErr.Error())
		} else if b, err := json.Marshal(outcome); err == nil {
			r.Result = string(b)
		}
		if execErr != nil {
			q.logger.Warn("approval %s: executor failed: %v", r.ID, execErr)
		}
	case Deny:
		r.State = StateDenied
	case Cancel:
		r.State = StateCancelled
	default:
		return Request{}, halerrors.New(halerrors.Validation, "unknown decision", nil)
	}

	if err := q.store.UpdateDecision(ctx, r); err != nil {
		return Request{}, fmt.Errorf("record decision: %w", err)
	}
	return r, nil
}

// Start arms the periodic sweeper that transitions Pending requests past
// their expires_at to Expired (spec §4.5).
func (q *Queue) Start(ctx context.Context) error {
	if _, err := q.cron.AddFunc(q.sweepSchedule, func() { q.sweep(ctx) }); err != nil {
		return fmt.Errorf("schedule approval sweeper: %w", err)
	}
	q.cron.Start()
	return nil
}

// Stop halts the sweeper, waiting for any in-flight sweep to finish.
func (q *Queue) Stop() {
	<-q.cron.Stop().Done()
}

func (q *Queue) sweep(ctx context.Context) {
	n, err := q.store.ExpirePast(ctx, q.clock.Now())
	if err != nil {
		q.logger.Warn("approval sweep failed: %v", err)
		return
	}
	if n > 0 {
		q.logger.Info("approval sweep expired %d pending requests", n)
	}
}

var _ Store = (*sqliteStore)(nil)

// sqliteStore is the Store implementation over the shared relational store.
type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore builds a Store backed by db.
func NewSQLiteStore(db *sql.DB) Store {
	return &sqliteStore{db: db}
}

func (s *sqliteStore) Insert(ctx context.Context, r Request) error {
	intentJSON, err := json.Marshal(r.Intent)
	if err != nil {
		return fmt.Errorf("marshal intent: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO approvals (id, principal, intent_kind, intent_json, utterance, confidence, state, created_at, expires_at, attempts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(), r.Principal.String(), string(r.Intent.Kind), string(intentJSON), r.Utterance, r.Confidence,
		string(r.State), r.CreatedAt.UnixMilli(), r.ExpiresAt.UnixMilli(), r.Attempts)
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

func (s *sqliteStore) Get(ctx context.Context, id domain.ID) (Request, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, principal, intent_json, utterance, confidence, state, created_at, decided_at, expires_at, attempts, result_json
		 FROM approvals WHERE id = ?`, id.String())
	return scanRequest(row)
}

func (s *sqliteStore) List(ctx context.Context, principal domain.UserID, state *State) ([]Request, error) {
	query := `SELECT id, principal, intent_json, utterance, confidence, state, created_at, decided_at, expires_at, attempts, result_json
	          FROM approvals WHERE principal = ?`
	args := []any{principal.String()}
	if state != nil {
		query += ` AND state = ?`
		args = append(args, string(*state))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateDecision(ctx context.Context, r Request) error {
	var decidedAt any
	if r.DecidedAt != nil {
		decidedAt = r.DecidedAt.UnixMilli()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET state = ?, decided_at = ?, attempts = ?, result_json = ? WHERE id = ?`,
		string(r.State), decidedAt, r.Attempts, nullableString(r.Result), r.ID.String())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return halerrors.New(halerrors.NotFound, "approval not found", nil)
	}
	return nil
}

func (s *sqliteStore) ExpirePast(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET state = ?, decided_at = ? WHERE state = ? AND expires_at < ?`,
		string(StateExpired), now.UnixMilli(), string(StatePending), now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("expire approvals: %w", err)
	}
	return res.RowsAffected()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// rowScanner abstracts *sql.Row and *sql.Rows, both of which expose Scan.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (Request, error) {
	var idStr, principalStr, intentJSON, utterance, state string
	var confidence float64
	var createdAt, expiresAt int64
	var decidedAt, attempts sql.NullInt64
	var resultJSON sql.NullString

	if err := row.Scan(&idStr, &principalStr, &intentJSON, &utterance, &confidence, &state,
		&createdAt, &decidedAt, &expiresAt, &attempts, &resultJSON); err != nil {
		if err == sql.ErrNoRows {
			return Request{}, halerrors.New(halerrors.NotFound, "approval not found", nil)
		}
		return Request{}, err
	}

	id, _ := domain.ParseID(idStr)
	principal, _ := domain.ParseID(principalStr)
	var intent command.Intent
	if err := json.Unmarshal([]byte(intentJSON), &intent); err != nil {
		return Request{}, fmt.Errorf("unmarshal stored intent: %w", err)
	}

	r := Request{
		ID: id, Principal: principal, Intent: intent, Utterance: utterance, Confidence: confidence,
		State: State(state), CreatedAt: time.UnixMilli(createdAt).UTC(), ExpiresAt: time.UnixMilli(expiresAt).UTC(),
		Attempts: int(attempts.Int64),
	}
	if decidedAt.Valid {
		t := time.UnixMilli(decidedAt.Int64).UTC()
		r.DecidedAt = &t
	}
	if resultJSON.Valid {
		r.Result = resultJSON.String
	}
	return r, nil
}
