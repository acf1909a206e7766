package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"blinkpos-broker/internal/intent"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lightningnetwork/lnd/clock"
)

const intentColumns = `payment_hash, user_api_key_hash, user_wallet_id,
	total_amount_sats, base_amount_sats, tip_amount_sats, tip_percent,
	display_currency, base_amount_display, tip_amount_display, memo,
	destination, tip_recipients, metadata, environment, status,
	created_at, processed_at, expires_at`

// IntentRepository implements intent.Store on Postgres. All status
// transitions run as single conditional updates so correctness of
// at-most-one-claim rests on the database, not on application locks.
type IntentRepository struct {
	db    *pgxpool.Pool
	clock clock.Clock

	// processingGrace keeps recently claimed processing rows out of the
	// expiry sweep. Zero disables the window.
	processingGrace time.Duration
}

// NewIntentRepository creates an intent repository backed by the pool.
func NewIntentRepository(db *DB, clk clock.Clock, processingGrace time.Duration) *IntentRepository {
	return &IntentRepository{
		db:              db.pool,
		clock:           clk,
		processingGrace: processingGrace,
	}
}

var _ intent.Store = (*IntentRepository)(nil)

// Insert persists a new intent. Returns intent.ErrDuplicate when the
// payment hash is already known.
func (r *IntentRepository) Insert(ctx context.Context, it *intent.PaymentIntent) error {
	destJSON, err := json.Marshal(it.Destination)
	if err != nil {
		return fmt.Errorf("failed to marshal destination: %w", err)
	}
	tipsJSON, err := json.Marshal(it.TipRecipients)
	if err != nil {
		return fmt.Errorf("failed to marshal tip recipients: %w", err)
	}
	metaJSON, err := marshalMetadata(it.Metadata)
	if err != nil {
		return err
	}

	query := `INSERT INTO payment_intents (
		payment_hash,
		user_api_key_hash,
		user_wallet_id,
		total_amount_sats,
		base_amount_sats,
		tip_amount_sats,
		tip_percent,
		display_currency,
		base_amount_display,
		tip_amount_display,
		memo,
		destination,
		tip_recipients,
		metadata,
		environment,
		status,
		created_at,
		processed_at,
		expires_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`

	_, err = r.db.Exec(
		ctx,
		query,
		it.PaymentHash,
		it.UserAPIKeyHash,
		it.UserWalletID,
		it.TotalAmountSats,
		it.BaseAmountSats,
		it.TipAmountSats,
		it.TipPercent,
		it.DisplayCurrency,
		it.BaseAmountDisplay,
		it.TipAmountDisplay,
		it.Memo,
		destJSON,
		tipsJSON,
		metaJSON,
		it.Environment.String(),
		it.Status.String(),
		it.CreatedAt,
		it.ProcessedAt,
		it.ExpiresAt,
	)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == "23505" { // unique_violation
				return intent.ErrDuplicate
			}
		}
		return fmt.Errorf("%w: failed to insert intent: %v", intent.ErrStoreUnavailable, err)
	}

	return nil
}

// Get returns a snapshot of the intent or intent.ErrNotFound.
func (r *IntentRepository) Get(ctx context.Context, paymentHash string) (*intent.PaymentIntent, error) {
	query := `SELECT ` + intentColumns + ` FROM payment_intents WHERE payment_hash = $1`

	it, err := scanIntent(r.db.QueryRow(ctx, query, paymentHash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, intent.ErrNotFound
		}
		return nil, fmt.Errorf("%w: failed to get intent %s: %v", intent.ErrStoreUnavailable, paymentHash, err)
	}

	return it, nil
}

// TryClaim transitions pending → processing with a single conditional
// update. Exactly one of any number of concurrent callers gets the row back;
// the rest classify the miss with a follow-up read that mutates nothing.
func (r *IntentRepository) TryClaim(ctx context.Context, paymentHash string, claimMeta map[string]string) (intent.ClaimResult, error) {
	metaJSON, err := marshalMetadata(claimMeta)
	if err != nil {
		return intent.ClaimResult{}, err
	}

	query := `UPDATE payment_intents
		SET status = 'processing',
			processed_at = $2,
			metadata = COALESCE(metadata, '{}'::jsonb) || $3::jsonb
		WHERE payment_hash = $1 AND status = 'pending'
		RETURNING ` + intentColumns

	it, err := scanIntent(r.db.QueryRow(ctx, query, paymentHash, r.clock.Now().UTC(), metaJSON))
	if err == nil {
		return intent.ClaimResult{Outcome: intent.ClaimGranted, Intent: it, Status: it.Status}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return intent.ClaimResult{}, fmt.Errorf("%w: failed to claim intent %s: %v", intent.ErrStoreUnavailable, paymentHash, err)
	}

	// Zero rows updated: the row is missing, already claimed, or terminal.
	current, err := r.Get(ctx, paymentHash)
	if err != nil {
		if errors.Is(err, intent.ErrNotFound) {
			return intent.ClaimResult{Outcome: intent.ClaimNotFound}, nil
		}
		return intent.ClaimResult{}, err
	}

	if current.Status.IsTerminal() {
		return intent.ClaimResult{Outcome: intent.ClaimAlreadyTerminal, Status: current.Status}, nil
	}
	// A row observed pending here lost the claim and was released before the
	// read; the surviving entrypoint retries, so treat it like contention.
	return intent.ClaimResult{Outcome: intent.ClaimAlreadyProcessing, Status: current.Status}, nil
}

// Release moves processing → pending and records the failure in metadata.
// Zero rows updated returns (false, nil): the claim was already resolved.
func (r *IntentRepository) Release(ctx context.Context, paymentHash string, errMsg string) (bool, error) {
	meta := map[string]string{
		intent.MetaLastError:    errMsg,
		intent.MetaLastFailedAt: r.clock.Now().UTC().Format(time.RFC3339),
	}
	metaJSON, err := marshalMetadata(meta)
	if err != nil {
		return false, err
	}

	query := `UPDATE payment_intents
		SET status = 'pending',
			processed_at = NULL,
			metadata = COALESCE(metadata, '{}'::jsonb) || $2::jsonb
		WHERE payment_hash = $1 AND status = 'processing'`

	tag, err := r.db.Exec(ctx, query, paymentHash, metaJSON)
	if err != nil {
		return false, fmt.Errorf("%w: failed to release intent %s: %v", intent.ErrStoreUnavailable, paymentHash, err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkStatus unconditionally sets the status, merging the metadata patch.
// processed_at is stamped when moving into completed or failed.
func (r *IntentRepository) MarkStatus(ctx context.Context, paymentHash string, status intent.Status, metaPatch map[string]string) error {
	metaJSON, err := marshalMetadata(metaPatch)
	if err != nil {
		return err
	}

	var processedAt *time.Time
	if status == intent.Completed || status == intent.Failed {
		now := r.clock.Now().UTC()
		processedAt = &now
	}

	query := `UPDATE payment_intents
		SET status = $2,
			processed_at = COALESCE($3, processed_at),
			metadata = COALESCE(metadata, '{}'::jsonb) || $4::jsonb
		WHERE payment_hash = $1`

	tag, err := r.db.Exec(ctx, query, paymentHash, status.String(), processedAt, metaJSON)
	if err != nil {
		return fmt.Errorf("%w: failed to mark intent %s as %s: %v", intent.ErrStoreUnavailable, paymentHash, status, err)
	}
	if tag.RowsAffected() == 0 {
		return intent.ErrNotFound
	}
	return nil
}

// ExpireBefore atomically expires every stale pending or processing row and
// returns the affected hashes. Processing rows claimed within the grace
// window are left alone so webhook retries can finish.
func (r *IntentRepository) ExpireBefore(ctx context.Context, ts time.Time) ([]string, error) {
	graceCutoff := ts.Add(-r.processingGrace)

	query := `UPDATE payment_intents
		SET status = 'expired'
		WHERE status IN ('pending', 'processing')
		AND expires_at < $1
		AND (status = 'pending' OR processed_at IS NULL OR processed_at <= $2)
		RETURNING payment_hash`

	rows, err := r.db.Query(ctx, query, ts, graceCutoff)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to expire intents: %v", intent.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, fmt.Errorf("failed to scan expired hash: %w", err)
		}
		hashes = append(hashes, hash)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return hashes, nil
}

// Stats returns aggregate counts by status plus amount sums over the
// trailing window. Monitoring only, never consulted by the forwarding path.
func (r *IntentRepository) Stats(ctx context.Context, window time.Duration) (intent.Stats, error) {
	since := r.clock.Now().UTC().Add(-window)

	query := `SELECT status, COUNT(*),
			COALESCE(SUM(total_amount_sats), 0),
			COALESCE(SUM(tip_amount_sats), 0)
		FROM payment_intents
		WHERE created_at >= $1
		GROUP BY status`

	rows, err := r.db.Query(ctx, query, since)
	if err != nil {
		return intent.Stats{}, fmt.Errorf("%w: failed to query stats: %v", intent.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	stats := intent.Stats{CountsByStatus: make(map[string]int64)}
	for rows.Next() {
		var status string
		var count, total, tip int64
		if err := rows.Scan(&status, &count, &total, &tip); err != nil {
			return intent.Stats{}, fmt.Errorf("failed to scan stats row: %w", err)
		}
		stats.CountsByStatus[status] = count
		stats.TotalAmountSat += total
		stats.TipAmountSat += tip
	}
	if err = rows.Err(); err != nil {
		return intent.Stats{}, fmt.Errorf("error during row iteration: %w", err)
	}

	return stats, nil
}

func marshalMetadata(meta map[string]string) ([]byte, error) {
	if meta == nil {
		meta = map[string]string{}
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return data, nil
}

// scanIntent reads one full intent row.
func scanIntent(row pgx.Row) (*intent.PaymentIntent, error) {
	var (
		it          intent.PaymentIntent
		destJSON    []byte
		tipsJSON    []byte
		metaJSON    []byte
		environment string
		status      string
	)

	err := row.Scan(
		&it.PaymentHash,
		&it.UserAPIKeyHash,
		&it.UserWalletID,
		&it.TotalAmountSats,
		&it.BaseAmountSats,
		&it.TipAmountSats,
		&it.TipPercent,
		&it.DisplayCurrency,
		&it.BaseAmountDisplay,
		&it.TipAmountDisplay,
		&it.Memo,
		&destJSON,
		&tipsJSON,
		&metaJSON,
		&environment,
		&status,
		&it.CreatedAt,
		&it.ProcessedAt,
		&it.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(destJSON, &it.Destination); err != nil {
		return nil, fmt.Errorf("failed to unmarshal destination: %w", err)
	}
	if len(tipsJSON) > 0 {
		if err := json.Unmarshal(tipsJSON, &it.TipRecipients); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tip recipients: %w", err)
		}
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &it.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	it.Environment, _ = intent.ParseEnvironment(environment)
	it.Status = intent.ParseStatus(status)

	return &it, nil
}
