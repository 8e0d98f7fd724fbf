package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"pledge-intake/internal/admission"
	"pledge-intake/internal/pledge"
	"pledge-intake/internal/queue"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrRoundNotFound indicates an unknown auction ref.
	ErrRoundNotFound = errors.New("storage: round not found")
)

const (
	enqueuePledgeSQL = `INSERT INTO pledge_queue (
        id,
        owner_ref,
        auction_ref,
        amount,
        enqueued_at
    ) VALUES ($1,$2,$3,$4,$5);`

	requeuePledgeSQL = `INSERT INTO pledge_queue (
        id,
        owner_ref,
        auction_ref,
        amount,
        enqueued_at,
        seq
    ) VALUES ($1,$2,$3,$4,$5,$6);`

	snapshotSQL = `SELECT
        id,
        owner_ref,
        auction_ref,
        amount,
        enqueued_at,
        seq
    FROM pledge_queue
    WHERE auction_ref = $1
    ORDER BY enqueued_at, seq;`

	popMinSelectSQL = `SELECT
        id,
        owner_ref,
        auction_ref,
        amount,
        enqueued_at,
        seq
    FROM pledge_queue
    WHERE auction_ref = $1
    ORDER BY enqueued_at, seq
    LIMIT 1
    FOR UPDATE SKIP LOCKED;`

	popMinDeleteSQL = `DELETE FROM pledge_queue WHERE id = $1 AND seq = $2;`

	positionTargetSQL = `SELECT enqueued_at, seq
    FROM pledge_queue
    WHERE auction_ref = $1 AND id = $2;`

	positionCountSQL = `SELECT COUNT(*)
    FROM pledge_queue
    WHERE auction_ref = $1
      AND (enqueued_at, seq) < ($2, $3);`

	loadRoundSQL = `SELECT
        ref,
        ceiling_value,
        raised_total,
        min_amount,
        max_amount,
        active,
        terminal
    FROM rounds
    WHERE ref = $1;`

	activeRoundsSQL = `SELECT
        ref,
        ceiling_value,
        raised_total,
        min_amount,
        max_amount,
        active,
        terminal
    FROM rounds
    WHERE active AND NOT terminal
    ORDER BY ref;`

	insertDecisionSQL = `INSERT INTO decisions (
        pledge_id,
        owner_ref,
        auction_ref,
        amount,
        price,
        accepted,
        decided_at
    ) VALUES ($1,$2,$3,$4,$5,$6,$7);`

	incrementRaisedSQL = `UPDATE rounds
    SET raised_total = raised_total + $2
    WHERE ref = $1;`

	listRecentDecisionsSQL = `SELECT
        id,
        pledge_id,
        owner_ref,
        auction_ref,
        amount,
        price,
        accepted,
        decided_at,
        created_at
    FROM decisions
    ORDER BY decided_at DESC
    LIMIT $1;`

	listDecisionsBetweenSQL = `SELECT
        id,
        pledge_id,
        owner_ref,
        auction_ref,
        amount,
        price,
        accepted,
        decided_at,
        created_at
    FROM decisions
    WHERE decided_at >= $1
      AND decided_at < $2
    ORDER BY decided_at;`

	insertDeadLetterSQL = `INSERT INTO dead_letters (
        pledge_id,
        owner_ref,
        auction_ref,
        amount,
        enqueued_at,
        reason
    ) VALUES ($1,$2,$3,$4,$5,$6);`

	insertPriceSampleSQL = `INSERT INTO price_samples (
        value,
        sampled_at
    ) VALUES ($1,$2);`

	listPriceSamplesBetweenSQL = `SELECT
        id,
        value,
        sampled_at
    FROM price_samples
    WHERE sampled_at >= $1
      AND sampled_at < $2
    ORDER BY sampled_at;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// RoundLister exposes the set of rounds the drain worker should visit.
type RoundLister interface {
	ActiveRounds(ctx context.Context) ([]pledge.Round, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates Postgres access: the durable pledge queue, round state,
// decisions, dead letters, and price-sample auditing.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// Enqueue inserts a pledge. A non-zero Seq (requeue after a failed commit)
// is written back verbatim so the pledge keeps its FCFS slot.
func (s *Store) Enqueue(ctx context.Context, p pledge.PendingPledge) error {
	pool, err := s.getPool()
	if err != nil {
		return fmt.Errorf("%w: %v", queue.ErrUnavailable, err)
	}

	amount := p.Amount.String()
	if p.Seq > 0 {
		_, err = pool.Exec(ctx, requeuePledgeSQL, p.ID, p.OwnerRef, p.AuctionRef, amount, p.EnqueuedAt, p.Seq)
	} else {
		_, err = pool.Exec(ctx, enqueuePledgeSQL, p.ID, p.OwnerRef, p.AuctionRef, amount, p.EnqueuedAt)
	}
	if err != nil {
		return fmt.Errorf("%w: enqueue pledge: %v", queue.ErrUnavailable, err)
	}
	return nil
}

// Snapshot lists a round's pending pledges ascending by enqueue time.
func (s *Store) Snapshot(ctx context.Context, auctionRef string) ([]pledge.PendingPledge, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", queue.ErrUnavailable, err)
	}

	rows, queryErr := pool.Query(ctx, snapshotSQL, auctionRef)
	if queryErr != nil {
		return nil, fmt.Errorf("%w: snapshot: %v", queue.ErrUnavailable, queryErr)
	}
	defer rows.Close()

	pledges := make([]pledge.PendingPledge, 0)
	for rows.Next() {
		p, scanErr := scanPledge(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		pledges = append(pledges, p)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("%w: snapshot: %v", queue.ErrUnavailable, rows.Err())
	}
	return pledges, nil
}

// Position computes the 1-based FCFS index of a pledge without scanning
// the whole queue client-side.
func (s *Store) Position(ctx context.Context, auctionRef, id string) (int, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", queue.ErrUnavailable, err)
	}

	var enqueuedAt time.Time
	var seq uint64
	scanErr := pool.QueryRow(ctx, positionTargetSQL, auctionRef, id).Scan(&enqueuedAt, &seq)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if scanErr != nil {
		return 0, false, fmt.Errorf("%w: position target: %v", queue.ErrUnavailable, scanErr)
	}

	var ahead int
	if err := pool.QueryRow(ctx, positionCountSQL, auctionRef, enqueuedAt, seq).Scan(&ahead); err != nil {
		return 0, false, fmt.Errorf("%w: position count: %v", queue.ErrUnavailable, err)
	}
	return ahead + 1, true, nil
}

// PopMin atomically removes and returns the earliest pledge. Row locking
// with SKIP LOCKED guarantees no two concurrent callers receive the same
// entry.
func (s *Store) PopMin(ctx context.Context, auctionRef string) (pledge.PendingPledge, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return pledge.PendingPledge{}, false, fmt.Errorf("%w: %v", queue.ErrUnavailable, err)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return pledge.PendingPledge{}, false, fmt.Errorf("%w: begin pop: %v", queue.ErrUnavailable, err)
	}
	defer tx.Rollback(ctx)

	rows, queryErr := tx.Query(ctx, popMinSelectSQL, auctionRef)
	if queryErr != nil {
		return pledge.PendingPledge{}, false, fmt.Errorf("%w: pop select: %v", queue.ErrUnavailable, queryErr)
	}

	var p pledge.PendingPledge
	found := false
	for rows.Next() {
		var scanErr error
		p, scanErr = scanPledge(rows)
		if scanErr != nil {
			rows.Close()
			return pledge.PendingPledge{}, false, scanErr
		}
		found = true
	}
	rows.Close()
	if rows.Err() != nil {
		return pledge.PendingPledge{}, false, fmt.Errorf("%w: pop select: %v", queue.ErrUnavailable, rows.Err())
	}
	if !found {
		return pledge.PendingPledge{}, false, nil
	}

	if _, err := tx.Exec(ctx, popMinDeleteSQL, p.ID, p.Seq); err != nil {
		return pledge.PendingPledge{}, false, fmt.Errorf("%w: pop delete: %v", queue.ErrUnavailable, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return pledge.PendingPledge{}, false, fmt.Errorf("%w: pop commit: %v", queue.ErrUnavailable, err)
	}
	return p, true, nil
}

// LoadRound reads current round state.
func (s *Store) LoadRound(ctx context.Context, auctionRef string) (pledge.Round, error) {
	pool, err := s.getPool()
	if err != nil {
		return pledge.Round{}, err
	}

	round, scanErr := scanRound(pool.QueryRow(ctx, loadRoundSQL, auctionRef))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return pledge.Round{}, fmt.Errorf("%w: %s", ErrRoundNotFound, auctionRef)
	}
	if scanErr != nil {
		return pledge.Round{}, fmt.Errorf("load round: %w", scanErr)
	}
	return round, nil
}

// ActiveRounds lists rounds the drain worker should process.
func (s *Store) ActiveRounds(ctx context.Context) ([]pledge.Round, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, activeRoundsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list active rounds: %w", queryErr)
	}
	defer rows.Close()

	rounds := make([]pledge.Round, 0)
	for rows.Next() {
		round, scanErr := scanRound(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		rounds = append(rounds, round)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return rounds, nil
}

// CommitAdmission durably records one decision. The decision insert and
// the raised-total increment happen in a single transaction so a crash can
// never lose one side.
func (s *Store) CommitAdmission(ctx context.Context, d pledge.Decision) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, insertDecisionSQL,
		d.PledgeID,
		d.OwnerRef,
		d.AuctionRef,
		d.Amount.String(),
		d.Price.String(),
		d.Accepted,
		d.DecidedAt,
	)
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}

	if d.Accepted {
		tag, execErr := tx.Exec(ctx, incrementRaisedSQL, d.AuctionRef, d.Amount.String())
		if execErr != nil {
			return fmt.Errorf("increment raised total: %w", execErr)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", ErrRoundNotFound, d.AuctionRef)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit admission: %w", err)
	}
	return nil
}

// DeadLetter records a pledge that could not be committed or requeued.
func (s *Store) DeadLetter(ctx context.Context, p pledge.PendingPledge, reason string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, insertDeadLetterSQL,
		p.ID,
		p.OwnerRef,
		p.AuctionRef,
		p.Amount.String(),
		p.EnqueuedAt,
		reason,
	)
	if execErr != nil {
		return fmt.Errorf("insert dead letter: %w", execErr)
	}
	return nil
}

// ListRecentDecisions lists the most recent decisions, newest first.
func (s *Store) ListRecentDecisions(ctx context.Context, limit int) ([]DecisionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentDecisionsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent decisions: %w", queryErr)
	}
	defer rows.Close()

	return collectDecisions(rows, limit)
}

// ListDecisionsBetween lists decisions within a time window, oldest first.
func (s *Store) ListDecisionsBetween(ctx context.Context, from, to time.Time) ([]DecisionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listDecisionsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list decisions between: %w", queryErr)
	}
	defer rows.Close()

	return collectDecisions(rows, 0)
}

// RecordPriceSample audits one aggregated oracle sample.
func (s *Store) RecordPriceSample(ctx context.Context, value decimal.Decimal, at time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, insertPriceSampleSQL, value.String(), at); execErr != nil {
		return fmt.Errorf("insert price sample: %w", execErr)
	}
	return nil
}

// ListPriceSamplesBetween lists audited samples within a time window.
func (s *Store) ListPriceSamplesBetween(ctx context.Context, from, to time.Time) ([]PriceSampleRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listPriceSamplesBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list price samples: %w", queryErr)
	}
	defer rows.Close()

	samples := make([]PriceSampleRecord, 0)
	for rows.Next() {
		var rec PriceSampleRecord
		var valueStr string
		if err := rows.Scan(&rec.ID, &valueStr, &rec.SampledAt); err != nil {
			return nil, err
		}
		value, convErr := decimal.NewFromString(valueStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse price sample: %w", convErr)
		}
		rec.Value = value
		samples = append(samples, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns
// a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// unlock best effort; log omitted in storage package
		}
		conn.Release()
	}
	return unlock, true, nil
}

func collectDecisions(rows pgx.Rows, capacity int) ([]DecisionRecord, error) {
	records := make([]DecisionRecord, 0, capacity)
	for rows.Next() {
		var rec DecisionRecord
		var amountStr, priceStr string
		if err := rows.Scan(
			&rec.ID,
			&rec.PledgeID,
			&rec.OwnerRef,
			&rec.AuctionRef,
			&amountStr,
			&priceStr,
			&rec.Accepted,
			&rec.DecidedAt,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}

		var convErr error
		rec.Amount, convErr = decimal.NewFromString(amountStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse decision amount: %w", convErr)
		}
		rec.Price, convErr = decimal.NewFromString(priceStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse decision price: %w", convErr)
		}

		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

type pledgeRow interface {
	Scan(dest ...interface{}) error
}

func scanPledge(row pledgeRow) (pledge.PendingPledge, error) {
	var p pledge.PendingPledge
	var amountStr string
	if err := row.Scan(&p.ID, &p.OwnerRef, &p.AuctionRef, &amountStr, &p.EnqueuedAt, &p.Seq); err != nil {
		return pledge.PendingPledge{}, err
	}
	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return pledge.PendingPledge{}, fmt.Errorf("parse pledge amount: %w", err)
	}
	p.Amount = amount
	return p, nil
}

func scanRound(row pledgeRow) (pledge.Round, error) {
	var r pledge.Round
	var ceilingStr, raisedStr, minStr, maxStr string
	if err := row.Scan(&r.Ref, &ceilingStr, &raisedStr, &minStr, &maxStr, &r.Active, &r.Terminal); err != nil {
		return pledge.Round{}, err
	}

	var convErr error
	if r.CeilingValue, convErr = decimal.NewFromString(ceilingStr); convErr != nil {
		return pledge.Round{}, fmt.Errorf("parse ceiling: %w", convErr)
	}
	if r.RaisedTotal, convErr = decimal.NewFromString(raisedStr); convErr != nil {
		return pledge.Round{}, fmt.Errorf("parse raised total: %w", convErr)
	}
	if r.MinAmount, convErr = decimal.NewFromString(minStr); convErr != nil {
		return pledge.Round{}, fmt.Errorf("parse min amount: %w", convErr)
	}
	if r.MaxAmount, convErr = decimal.NewFromString(maxStr); convErr != nil {
		return pledge.Round{}, fmt.Errorf("parse max amount: %w", convErr)
	}
	return r, nil
}

var _ queue.PledgeQueue = (*Store)(nil)
var _ admission.Persister = (*Store)(nil)
var _ admission.DeadLetterer = (*Store)(nil)
