package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"opus-trader/models"
)

// CandleRepository persists OHLCV bars.
type CandleRepository struct {
	db *gorm.DB
}

// NewCandleRepository creates the candle repository.
func NewCandleRepository(d *Database) *CandleRepository {
	return &CandleRepository{db: d.db}
}

// Upsert writes one candle; last write wins on conflict of (ts, instrument, timeframe).
func (r *CandleRepository) Upsert(ctx context.Context, c models.Candle) error {
	row := candleToRow(c)
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "ts"}, {Name: "instrument"}, {Name: "timeframe"}},
		DoUpdates: clause.AssignmentColumns([]string{"open", "high", "low", "close", "volume"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert candle: %w", err)
	}
	return nil
}

// BulkInsert writes a backfill batch, ignoring conflicts.
func (r *CandleRepository) BulkInsert(ctx context.Context, candles []models.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	rows := make([]CandleRow, len(candles))
	for i, c := range candles {
		rows[i] = candleToRow(c)
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(rows, 500).Error
	if err != nil {
		return fmt.Errorf("bulk insert candles: %w", err)
	}
	return nil
}

// GetRecent returns the newest bars, oldest first.
func (r *CandleRepository) GetRecent(ctx context.Context, instrument, timeframe string, limit int) ([]models.Candle, error) {
	var rows []CandleRow
	err := r.db.WithContext(ctx).
		Where("instrument = ? AND timeframe = ?", instrument, timeframe).
		Order("ts DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("get recent candles: %w", err)
	}

	candles := make([]models.Candle, len(rows))
	for i := range rows {
		candles[len(rows)-1-i] = rowToCandle(rows[i])
	}
	return candles, nil
}

// TradeRepository is the journal store.
type TradeRepository struct {
	db *gorm.DB
}

// NewTradeRepository creates the trade repository.
func NewTradeRepository(d *Database) *TradeRepository {
	return &TradeRepository{db: d.db}
}

// Create journals a new trade and returns its id.
func (r *TradeRepository) Create(ctx context.Context, t models.TradeRecord) (string, error) {
	row, err := tradeToRow(t)
	if err != nil {
		return "", err
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", fmt.Errorf("create trade: %w", err)
	}
	return row.TradeID, nil
}

// Update applies a partial update to one trade.
func (r *TradeRepository) Update(ctx context.Context, tradeID string, fields map[string]interface{}) error {
	err := r.db.WithContext(ctx).Model(&TradeRow{}).
		Where("trade_id = ?", tradeID).
		Updates(fields).Error
	if err != nil {
		return fmt.Errorf("update trade %s: %w", tradeID, err)
	}
	return nil
}

// GetByDecisionID finds the trade journaled for one decision, or nil.
func (r *TradeRepository) GetByDecisionID(ctx context.Context, decisionID string) (*models.TradeRecord, error) {
	var row TradeRow
	err := r.db.WithContext(ctx).Where("decision_id = ?", decisionID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get trade by decision: %w", err)
	}
	t := rowToTrade(row)
	return &t, nil
}

// GetOpen returns all open trades.
func (r *TradeRepository) GetOpen(ctx context.Context) ([]models.TradeRecord, error) {
	return r.query(ctx, r.db.Where("status = ?", string(models.TradeOpen)).Order("opened_at ASC"))
}

// GetRecentClosed returns the newest closed trades.
func (r *TradeRepository) GetRecentClosed(ctx context.Context, limit int) ([]models.TradeRecord, error) {
	return r.query(ctx, r.db.
		Where("status = ?", string(models.TradeClosed)).
		Order("closed_at DESC").
		Limit(limit))
}

// GetTradesSince returns trades closed at or after the given time.
func (r *TradeRepository) GetTradesSince(ctx context.Context, since time.Time) ([]models.TradeRecord, error) {
	return r.query(ctx, r.db.
		Where("status = ? AND closed_at >= ?", string(models.TradeClosed), since).
		Order("closed_at ASC"))
}

func (r *TradeRepository) query(ctx context.Context, q *gorm.DB) ([]models.TradeRecord, error) {
	var rows []TradeRow
	if err := q.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	trades := make([]models.TradeRecord, len(rows))
	for i, row := range rows {
		trades[i] = rowToTrade(row)
	}
	return trades, nil
}

// PlaybookRepository stores append-only playbook versions.
type PlaybookRepository struct {
	db *gorm.DB
}

// NewPlaybookRepository creates the playbook repository.
func NewPlaybookRepository(d *Database) *PlaybookRepository {
	return &PlaybookRepository{db: d.db}
}

// GetLatest returns the highest version, or nil when none exists yet.
func (r *PlaybookRepository) GetLatest(ctx context.Context) (*models.Playbook, error) {
	var row PlaybookRow
	err := r.db.WithContext(ctx).Order("version DESC").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest playbook: %w", err)
	}
	return decodePlaybook(row)
}

// SaveVersion appends a new immutable version and returns its number.
// Versions are strictly monotonic: the insert computes max(version)+1 inside
// a transaction.
func (r *PlaybookRepository) SaveVersion(ctx context.Context, pb models.Playbook) (int, error) {
	var version int
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxVersion int
		if err := tx.Model(&PlaybookRow{}).
			Select("COALESCE(MAX(version), 0)").
			Scan(&maxVersion).Error; err != nil {
			return err
		}
		version = maxVersion + 1
		pb.Version = version
		pb.UpdatedAt = time.Now().UTC()

		data, err := json.Marshal(pb)
		if err != nil {
			return fmt.Errorf("marshal playbook: %w", err)
		}
		return tx.Create(&PlaybookRow{
			Version:   version,
			Data:      data,
			CreatedAt: pb.UpdatedAt,
		}).Error
	})
	if err != nil {
		return 0, fmt.Errorf("save playbook version: %w", err)
	}
	return version, nil
}

// GetHistory returns the newest versions, newest first.
func (r *PlaybookRepository) GetHistory(ctx context.Context, limit int) ([]models.Playbook, error) {
	var rows []PlaybookRow
	err := r.db.WithContext(ctx).Order("version DESC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("get playbook history: %w", err)
	}
	out := make([]models.Playbook, 0, len(rows))
	for _, row := range rows {
		pb, err := decodePlaybook(row)
		if err != nil {
			return nil, err
		}
		out = append(out, *pb)
	}
	return out, nil
}

func decodePlaybook(row PlaybookRow) (*models.Playbook, error) {
	var pb models.Playbook
	if err := json.Unmarshal(row.Data, &pb); err != nil {
		return nil, fmt.Errorf("decode playbook v%d: %w", row.Version, err)
	}
	pb.Version = row.Version
	return &pb, nil
}

// ReflectionRepository stores deep-reflection runs.
type ReflectionRepository struct {
	db *gorm.DB
}

// NewReflectionRepository creates the reflection repository.
func NewReflectionRepository(d *Database) *ReflectionRepository {
	return &ReflectionRepository{db: d.db}
}

// Save records one reflection run.
func (r *ReflectionRepository) Save(ctx context.Context, tradesReviewed int, data interface{}) (uint, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("marshal reflection: %w", err)
	}
	row := ReflectionRow{
		CreatedAt:      time.Now().UTC(),
		TradesReviewed: tradesReviewed,
		Data:           payload,
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, fmt.Errorf("save reflection: %w", err)
	}
	return row.ID, nil
}

// GetLastTime returns when the last deep reflection ran, or nil.
func (r *ReflectionRepository) GetLastTime(ctx context.Context) (*time.Time, error) {
	var row ReflectionRow
	err := r.db.WithContext(ctx).Order("created_at DESC").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get last reflection time: %w", err)
	}
	return &row.CreatedAt, nil
}

// ScreenerLogRepository records screener verdicts.
type ScreenerLogRepository struct {
	db *gorm.DB
}

// NewScreenerLogRepository creates the screener log repository.
func NewScreenerLogRepository(d *Database) *ScreenerLogRepository {
	return &ScreenerLogRepository{db: d.db}
}

// Log records one screen outcome and returns the row id.
func (r *ScreenerLogRepository) Log(ctx context.Context, instrument string, signal bool, reason string) (uint, error) {
	row := ScreenerLogRow{
		CreatedAt:  time.Now().UTC(),
		Instrument: instrument,
		Signal:     signal,
		Reason:     reason,
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, fmt.Errorf("log screen: %w", err)
	}
	return row.ID, nil
}

// UpdateOpusAgreement back-fills whether the analyzer agreed with the screen.
func (r *ScreenerLogRepository) UpdateOpusAgreement(ctx context.Context, id uint, action string, agreed bool) error {
	err := r.db.WithContext(ctx).Model(&ScreenerLogRow{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"opus_action": action, "opus_agreed": agreed}).Error
	if err != nil {
		return fmt.Errorf("update screener agreement: %w", err)
	}
	return nil
}

// ResearchCacheRepository caches research responses by exact query string.
type ResearchCacheRepository struct {
	db *gorm.DB
}

// NewResearchCacheRepository creates the research cache repository.
func NewResearchCacheRepository(d *Database) *ResearchCacheRepository {
	return &ResearchCacheRepository{db: d.db}
}

// GetCached returns the newest response for the exact query inside the TTL,
// or empty string on a miss.
func (r *ResearchCacheRepository) GetCached(ctx context.Context, query string, ttl time.Duration) (string, error) {
	var row ResearchCacheRow
	cutoff := time.Now().UTC().Add(-ttl)
	err := r.db.WithContext(ctx).
		Where("query = ? AND created_at > ?", query, cutoff).
		Order("created_at DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get cached research: %w", err)
	}
	return row.Response, nil
}

// Save stores one research response.
func (r *ResearchCacheRepository) Save(ctx context.Context, query, response string) (uint, error) {
	row := ResearchCacheRow{
		CreatedAt: time.Now().UTC(),
		Query:     query,
		Response:  response,
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, fmt.Errorf("save research: %w", err)
	}
	return row.ID, nil
}

// RiskRejectionRepository audits rejected decisions.
type RiskRejectionRepository struct {
	db *gorm.DB
}

// NewRiskRejectionRepository creates the rejection audit repository.
func NewRiskRejectionRepository(d *Database) *RiskRejectionRepository {
	return &RiskRejectionRepository{db: d.db}
}

// Log records one rejection with the rules that failed and the account view
// at rejection time.
func (r *RiskRejectionRepository) Log(ctx context.Context, decision models.OpusDecision, failedRules []string, account models.AccountState) (uint, error) {
	rules, err := json.Marshal(failedRules)
	if err != nil {
		return 0, fmt.Errorf("marshal failed rules: %w", err)
	}
	acct, err := json.Marshal(account)
	if err != nil {
		return 0, fmt.Errorf("marshal account: %w", err)
	}
	row := RiskRejectionRow{
		CreatedAt:   time.Now().UTC(),
		DecisionID:  decision.DecisionID,
		Instrument:  decision.Instrument,
		FailedRules: rules,
		Account:     acct,
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, fmt.Errorf("log risk rejection: %w", err)
	}
	return row.ID, nil
}

// PerformanceSnapshotRepository stores periodic equity/PnL snapshots.
type PerformanceSnapshotRepository struct {
	db *gorm.DB
}

// NewPerformanceSnapshotRepository creates the snapshot repository.
func NewPerformanceSnapshotRepository(d *Database) *PerformanceSnapshotRepository {
	return &PerformanceSnapshotRepository{db: d.db}
}

// Save records one snapshot of the given type.
func (r *PerformanceSnapshotRepository) Save(ctx context.Context, snapshotType string, metrics interface{}) (uint, error) {
	payload, err := json.Marshal(metrics)
	if err != nil {
		return 0, fmt.Errorf("marshal metrics: %w", err)
	}
	row := PerformanceSnapshotRow{
		CreatedAt:    time.Now().UTC(),
		SnapshotType: snapshotType,
		Metrics:      payload,
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, fmt.Errorf("save performance snapshot: %w", err)
	}
	return row.ID, nil
}
