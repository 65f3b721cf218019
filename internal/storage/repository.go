package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vyper-protocol/vyper-core-sub000/internal/errcode"
	"github.com/vyper-protocol/vyper-core-sub000/internal/fixedpoint"
	"github.com/vyper-protocol/vyper-core-sub000/internal/tranche"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	upsertTrancheSQL = `INSERT INTO tranches (
        id,
        name,
        owner,
        rate_source,
        payoff_module,
        version,
        supply_senior,
        supply_junior,
        data,
        created_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    )
    ON CONFLICT (id) DO UPDATE
    SET
        name          = EXCLUDED.name,
        owner         = EXCLUDED.owner,
        rate_source   = EXCLUDED.rate_source,
        payoff_module = EXCLUDED.payoff_module,
        version       = EXCLUDED.version,
        supply_senior = EXCLUDED.supply_senior,
        supply_junior = EXCLUDED.supply_junior,
        data          = EXCLUDED.data,
        updated_at    = now();`

	selectTrancheColumns = `SELECT
        id,
        name,
        owner,
        rate_source,
        payoff_module,
        version,
        supply_senior::text,
        supply_junior::text,
        data,
        created_at
    FROM tranches`

	getTrancheSQL    = selectTrancheColumns + ` WHERE id = $1;`
	listTranchesSQL  = selectTrancheColumns + ` ORDER BY created_at, id;`
	deleteTrancheSQL = `DELETE FROM tranches WHERE id = $1;`

	upsertSamplingBufferSQL = `INSERT INTO sampling_buffers (source_id, data)
    VALUES ($1, $2)
    ON CONFLICT (source_id) DO UPDATE
    SET data = EXCLUDED.data, updated_at = now();`

	getSamplingBufferSQL = `SELECT data FROM sampling_buffers WHERE source_id = $1;`

	insertRefreshSQL = `INSERT INTO refresh_history (
        tranche_id,
        tick,
        outcome,
        error,
        deposited_senior,
        deposited_junior,
        fee,
        reserve_fair_value,
        fair_value_senior,
        fair_value_junior
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    )
    RETURNING id, created_at;`

	selectRefreshColumns = `SELECT
        id,
        tranche_id,
        tick::text,
        outcome,
        error,
        deposited_senior::text,
        deposited_junior::text,
        fee::text,
        reserve_fair_value,
        fair_value_senior::text,
        fair_value_junior::text,
        created_at
    FROM refresh_history`

	listRefreshBetweenSQL = selectRefreshColumns + `
    WHERE tranche_id = $1
      AND created_at >= $2
      AND created_at < $3
    ORDER BY created_at;`

	listRecentRefreshSQL = selectRefreshColumns + `
    WHERE tranche_id = $1
    ORDER BY created_at DESC
    LIMIT $2;`

	deleteRefreshBeforeSQL = `DELETE FROM refresh_history WHERE created_at < $1;`

	insertAlertSQL = `INSERT INTO alerts (
        tranche_id,
        code,
        message,
        channels
    ) VALUES (
        $1,$2,$3,$4
    )
    RETURNING id, tranche_id, code, message, channels, created_at;`

	listRecentAlertsSQL = `SELECT
        id,
        tranche_id,
        code,
        message,
        channels,
        created_at
    FROM alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	deleteAlertsBeforeSQL = `DELETE FROM alerts WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// RefreshHistoryStore defines operations for refresh auditing.
type RefreshHistoryStore interface {
	InsertRefreshRecord(ctx context.Context, rec RefreshRecord) (RefreshRecord, error)
	ListRefreshRecordsBetween(ctx context.Context, trancheID uuid.UUID, from, to time.Time) ([]RefreshRecord, error)
	ListRecentRefreshRecords(ctx context.Context, trancheID uuid.UUID, limit int) ([]RefreshRecord, error)
	DeleteRefreshRecordsBefore(ctx context.Context, olderThan time.Time) error
}

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to tranches, sampling buffers, refresh history and alerts.
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

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
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
		// 解锁失败时连接归还后锁随会话释放
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// SaveTranche upserts a tranche with its 256-byte accounting state.
func (s *Store) SaveTranche(ctx context.Context, cfg *tranche.Config) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	data, err := cfg.Data.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode tranche data: %w", err)
	}

	_, execErr := pool.Exec(ctx, upsertTrancheSQL,
		cfg.ID,
		cfg.Name,
		cfg.Owner.Hex(),
		cfg.RateSource,
		cfg.PayoffModule,
		cfg.VersionString(),
		formatUint(cfg.Supply[0]),
		formatUint(cfg.Supply[1]),
		data,
		cfg.CreatedAt,
	)
	if execErr != nil {
		return fmt.Errorf("upsert tranche: %w", execErr)
	}
	return nil
}

// GetTranche loads one tranche.
func (s *Store) GetTranche(ctx context.Context, id uuid.UUID) (*tranche.Config, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	cfg, scanErr := scanTranche(pool.QueryRow(ctx, getTrancheSQL, id))
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, fmt.Errorf("tranche %s: %w", id, errcode.ErrNotFound)
		}
		return nil, fmt.Errorf("get tranche: %w", scanErr)
	}
	return cfg, nil
}

// ListTranches lists every tranche ordered by creation.
func (s *Store) ListTranches(ctx context.Context) ([]*tranche.Config, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listTranchesSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list tranches: %w", queryErr)
	}
	defer rows.Close()

	out := make([]*tranche.Config, 0)
	for rows.Next() {
		cfg, scanErr := scanTranche(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, cfg)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// DeleteTranche removes a tranche.
func (s *Store) DeleteTranche(ctx context.Context, id uuid.UUID) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, deleteTrancheSQL, id)
	if execErr != nil {
		return fmt.Errorf("delete tranche: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("tranche %s: %w", id, errcode.ErrNotFound)
	}
	return nil
}

// SaveSamplingBuffer stores the encoded buffer of a TWAP source.
func (s *Store) SaveSamplingBuffer(ctx context.Context, sourceID string, data []byte) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, upsertSamplingBufferSQL, sourceID, data); execErr != nil {
		return fmt.Errorf("upsert sampling buffer: %w", execErr)
	}
	return nil
}

// LoadSamplingBuffer loads the encoded buffer of a TWAP source.
func (s *Store) LoadSamplingBuffer(ctx context.Context, sourceID string) ([]byte, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	var data []byte
	if scanErr := pool.QueryRow(ctx, getSamplingBufferSQL, sourceID).Scan(&data); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, fmt.Errorf("sampling buffer %s: %w", sourceID, errcode.ErrNotFound)
		}
		return nil, fmt.Errorf("load sampling buffer: %w", scanErr)
	}
	return data, nil
}

// InsertRefreshRecord appends a refresh attempt.
func (s *Store) InsertRefreshRecord(ctx context.Context, rec RefreshRecord) (RefreshRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return RefreshRecord{}, err
	}

	reserve, err := rec.ReserveFairValue.MarshalBinary()
	if err != nil {
		return RefreshRecord{}, fmt.Errorf("encode reserve fair value: %w", err)
	}

	var errMsg interface{}
	if rec.Error != nil {
		errMsg = *rec.Error
	}

	row := pool.QueryRow(ctx, insertRefreshSQL,
		rec.TrancheID,
		formatUint(rec.Tick),
		rec.Outcome,
		errMsg,
		formatUint(rec.DepositedQuantity[0]),
		formatUint(rec.DepositedQuantity[1]),
		formatUint(rec.Fee),
		reserve,
		rec.TrancheFairValue[0].String(),
		rec.TrancheFairValue[1].String(),
	)
	if scanErr := row.Scan(&rec.ID, &rec.CreatedAt); scanErr != nil {
		return RefreshRecord{}, fmt.Errorf("insert refresh record: %w", scanErr)
	}
	return rec, nil
}

// ListRefreshRecordsBetween lists the attempts of a tranche within a time window.
func (s *Store) ListRefreshRecordsBetween(ctx context.Context, trancheID uuid.UUID, from, to time.Time) ([]RefreshRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRefreshBetweenSQL, trancheID, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list refresh records between: %w", queryErr)
	}
	defer rows.Close()
	return collectRefreshRecords(rows, 0)
}

// ListRecentRefreshRecords lists the latest attempts of a tranche, newest first.
func (s *Store) ListRecentRefreshRecords(ctx context.Context, trancheID uuid.UUID, limit int) ([]RefreshRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentRefreshSQL, trancheID, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent refresh records: %w", queryErr)
	}
	defer rows.Close()
	return collectRefreshRecords(rows, limit)
}

// DeleteRefreshRecordsBefore prunes history.
func (s *Store) DeleteRefreshRecordsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteRefreshBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete refresh records before: %w", execErr)
	}
	return nil
}

// InsertAlert persists an alert emission.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	channels := alert.Channels
	if channels == nil {
		channels = []string{}
	}

	var rec AlertRecord
	if scanErr := pool.QueryRow(ctx, insertAlertSQL,
		alert.TrancheID,
		alert.Code,
		alert.Message,
		channels,
	).Scan(
		&rec.ID,
		&rec.TrancheID,
		&rec.Code,
		&rec.Message,
		&rec.Channels,
		&rec.CreatedAt,
	); scanErr != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", scanErr)
	}
	return rec, nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		var rec AlertRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.TrancheID,
			&rec.Code,
			&rec.Message,
			&rec.Channels,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// DeleteAlertsBefore deletes historical alerts.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete alerts before: %w", execErr)
	}
	return nil
}

func scanTranche(row pgx.Row) (*tranche.Config, error) {
	var (
		id           uuid.UUID
		name         string
		owner        string
		rateSource   string
		payoffModule string
		version      string
		supplySenior string
		supplyJunior string
		data         []byte
		createdAt    time.Time
	)
	if err := row.Scan(
		&id,
		&name,
		&owner,
		&rateSource,
		&payoffModule,
		&version,
		&supplySenior,
		&supplyJunior,
		&data,
		&createdAt,
	); err != nil {
		return nil, err
	}

	cfg := &tranche.Config{
		ID:           id,
		Name:         name,
		Owner:        common.HexToAddress(owner),
		RateSource:   rateSource,
		PayoffModule: payoffModule,
		CreatedAt:    createdAt,
	}

	var err error
	if cfg.Version, err = tranche.ParseVersion(version); err != nil {
		return nil, err
	}
	if cfg.Supply[0], err = parseUint(supplySenior); err != nil {
		return nil, fmt.Errorf("parse senior supply: %w", err)
	}
	if cfg.Supply[1], err = parseUint(supplyJunior); err != nil {
		return nil, fmt.Errorf("parse junior supply: %w", err)
	}
	if err := cfg.Data.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("decode tranche data %s: %w", id, err)
	}
	return cfg, nil
}

func collectRefreshRecords(rows pgx.Rows, capacity int) ([]RefreshRecord, error) {
	records := make([]RefreshRecord, 0, capacity)
	for rows.Next() {
		rec, err := scanRefreshRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func scanRefreshRecord(rows pgx.Rows) (RefreshRecord, error) {
	var (
		rec             RefreshRecord
		tick            string
		errMsg          sql.NullString
		depositedSenior string
		depositedJunior string
		fee             string
		reserve         []byte
		fvSenior        string
		fvJunior        string
	)
	if err := rows.Scan(
		&rec.ID,
		&rec.TrancheID,
		&tick,
		&rec.Outcome,
		&errMsg,
		&depositedSenior,
		&depositedJunior,
		&fee,
		&reserve,
		&fvSenior,
		&fvJunior,
		&rec.CreatedAt,
	); err != nil {
		return RefreshRecord{}, err
	}

	var err error
	if rec.Tick, err = parseUint(tick); err != nil {
		return RefreshRecord{}, fmt.Errorf("parse tick: %w", err)
	}
	if rec.DepositedQuantity[0], err = parseUint(depositedSenior); err != nil {
		return RefreshRecord{}, fmt.Errorf("parse senior quantity: %w", err)
	}
	if rec.DepositedQuantity[1], err = parseUint(depositedJunior); err != nil {
		return RefreshRecord{}, fmt.Errorf("parse junior quantity: %w", err)
	}
	if rec.Fee, err = parseUint(fee); err != nil {
		return RefreshRecord{}, fmt.Errorf("parse fee: %w", err)
	}
	if err := rec.ReserveFairValue.UnmarshalBinary(reserve); err != nil {
		return RefreshRecord{}, fmt.Errorf("decode reserve fair value: %w", err)
	}
	if rec.TrancheFairValue[0], err = fixedpoint.NewFromString(fvSenior); err != nil {
		return RefreshRecord{}, fmt.Errorf("parse senior fair value: %w", err)
	}
	if rec.TrancheFairValue[1], err = fixedpoint.NewFromString(fvJunior); err != nil {
		return RefreshRecord{}, fmt.Errorf("parse junior fair value: %w", err)
	}
	if errMsg.Valid {
		msg := errMsg.String
		rec.Error = &msg
	}
	return rec, nil
}

func formatUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func parseUint(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}

var (
	_ tranche.Repository  = (*Store)(nil)
	_ RefreshHistoryStore = (*Store)(nil)
	_ AlertStore          = (*Store)(nil)
	_ AdvisoryLocker      = (*Store)(nil)
)
