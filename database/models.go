package database

import (
	"encoding/json"
	"fmt"
	"time"

	"opus-trader/models"
)

// CandleRow is one OHLCV bar. (ts, instrument, timeframe) is the unique key;
// the table is a TimescaleDB hypertable when the extension is present.
type CandleRow struct {
	TS         time.Time `gorm:"column:ts;primaryKey"`
	Instrument string    `gorm:"primaryKey;size:32"`
	Timeframe  string    `gorm:"primaryKey;size:8"`
	Open       string    `gorm:"type:numeric(24,8)"`
	High       string    `gorm:"type:numeric(24,8)"`
	Low        string    `gorm:"type:numeric(24,8)"`
	Close      string    `gorm:"type:numeric(24,8)"`
	Volume     string    `gorm:"type:numeric(24,8)"`
}

// TableName keeps the hypertable name stable.
func (CandleRow) TableName() string { return "candles" }

func candleToRow(c models.Candle) CandleRow {
	return CandleRow{
		TS:         c.Timestamp,
		Instrument: c.Instrument,
		Timeframe:  c.Timeframe,
		Open:       c.Open,
		High:       c.High,
		Low:        c.Low,
		Close:      c.Close,
		Volume:     c.Volume,
	}
}

func rowToCandle(r CandleRow) models.Candle {
	return models.Candle{
		Timestamp:  r.TS,
		Instrument: r.Instrument,
		Timeframe:  r.Timeframe,
		Open:       r.Open,
		High:       r.High,
		Low:        r.Low,
		Close:      r.Close,
		Volume:     r.Volume,
	}
}

// TradeRow is the durable journal entry for one open-to-close lifecycle.
// Indicator snapshots and research context live in jsonb columns.
type TradeRow struct {
	TradeID           string     `gorm:"primaryKey;size:36"`
	DecisionID        string     `gorm:"index;size:36"`
	Instrument        string     `gorm:"index;size:32"`
	Direction         string     `gorm:"size:8"`
	OpenedAt          time.Time  `gorm:"index"`
	ClosedAt          *time.Time `gorm:"index"`
	EntryPrice        string     `gorm:"type:numeric(24,8)"`
	ExitPrice         string     `gorm:"type:numeric(24,8);default:null"`
	StopLoss          string     `gorm:"type:numeric(24,8);default:null"`
	TakeProfit        string     `gorm:"type:numeric(24,8);default:null"`
	Size              string     `gorm:"type:numeric(24,8)"`
	SizePct           float64
	Leverage          string `gorm:"type:numeric(8,2)"`
	PnL               float64
	Fees              float64
	StrategyUsed      string `gorm:"size:64;index"`
	ConfidenceAtEntry float64
	MarketRegime      string `gorm:"size:16"`
	Reasoning         string `gorm:"type:text"`
	EntryIndicators   []byte `gorm:"type:jsonb"`
	ExitIndicators    []byte `gorm:"type:jsonb"`
	ResearchContext   string `gorm:"type:text"`
	SelfReview        string `gorm:"type:text"`
	ExitReason        string `gorm:"size:64"`
	Status            string `gorm:"size:16;index"`
	OrderID           string `gorm:"size:36"`
	AlgoID            string `gorm:"size:36"`
}

// TableName matches the journal table.
func (TradeRow) TableName() string { return "trades" }

func tradeToRow(t models.TradeRecord) (TradeRow, error) {
	entryInd, err := json.Marshal(t.EntryIndicators)
	if err != nil {
		return TradeRow{}, fmt.Errorf("marshal entry indicators: %w", err)
	}
	exitInd, err := json.Marshal(t.ExitIndicators)
	if err != nil {
		return TradeRow{}, fmt.Errorf("marshal exit indicators: %w", err)
	}

	return TradeRow{
		TradeID:           t.TradeID,
		DecisionID:        t.DecisionID,
		Instrument:        t.Instrument,
		Direction:         t.Direction,
		OpenedAt:          t.OpenedAt,
		ClosedAt:          t.ClosedAt,
		EntryPrice:        t.EntryPrice,
		ExitPrice:         t.ExitPrice,
		StopLoss:          t.StopLoss,
		TakeProfit:        t.TakeProfit,
		Size:              t.Size,
		SizePct:           t.SizePct,
		Leverage:          t.Leverage,
		PnL:               t.PnL,
		Fees:              t.Fees,
		StrategyUsed:      t.StrategyUsed,
		ConfidenceAtEntry: t.ConfidenceAtEntry,
		MarketRegime:      string(t.MarketRegime),
		Reasoning:         t.Reasoning,
		EntryIndicators:   entryInd,
		ExitIndicators:    exitInd,
		ResearchContext:   t.ResearchContext,
		SelfReview:        t.SelfReview,
		ExitReason:        t.ExitReason,
		Status:            string(t.Status),
		OrderID:           t.OrderID,
		AlgoID:            t.AlgoID,
	}, nil
}

func rowToTrade(r TradeRow) models.TradeRecord {
	t := models.TradeRecord{
		TradeID:           r.TradeID,
		DecisionID:        r.DecisionID,
		Instrument:        r.Instrument,
		Direction:         r.Direction,
		OpenedAt:          r.OpenedAt,
		ClosedAt:          r.ClosedAt,
		EntryPrice:        r.EntryPrice,
		ExitPrice:         r.ExitPrice,
		StopLoss:          r.StopLoss,
		TakeProfit:        r.TakeProfit,
		Size:              r.Size,
		SizePct:           r.SizePct,
		Leverage:          r.Leverage,
		PnL:               r.PnL,
		Fees:              r.Fees,
		StrategyUsed:      r.StrategyUsed,
		ConfidenceAtEntry: r.ConfidenceAtEntry,
		MarketRegime:      models.Regime(r.MarketRegime),
		Reasoning:         r.Reasoning,
		ResearchContext:   r.ResearchContext,
		SelfReview:        r.SelfReview,
		ExitReason:        r.ExitReason,
		Status:            models.TradeStatus(r.Status),
		OrderID:           r.OrderID,
		AlgoID:            r.AlgoID,
	}
	if len(r.EntryIndicators) > 0 {
		_ = json.Unmarshal(r.EntryIndicators, &t.EntryIndicators)
	}
	if len(r.ExitIndicators) > 0 {
		_ = json.Unmarshal(r.ExitIndicators, &t.ExitIndicators)
	}
	return t
}

// PlaybookRow is one immutable playbook version.
type PlaybookRow struct {
	Version   int       `gorm:"primaryKey;autoIncrement:false"`
	Data      []byte    `gorm:"type:jsonb"`
	CreatedAt time.Time `gorm:"index"`
}

// TableName matches the playbook version table.
func (PlaybookRow) TableName() string { return "playbook_versions" }

// ReflectionRow stores one deep-reflection run.
type ReflectionRow struct {
	ID             uint      `gorm:"primaryKey"`
	CreatedAt      time.Time `gorm:"index"`
	TradesReviewed int
	Data           []byte `gorm:"type:jsonb"`
}

// TableName matches the reflection log table.
func (ReflectionRow) TableName() string { return "reflections" }

// ScreenerLogRow records every screener verdict so Opus agreement can be
// back-filled after analysis.
type ScreenerLogRow struct {
	ID         uint      `gorm:"primaryKey"`
	CreatedAt  time.Time `gorm:"index"`
	Instrument string    `gorm:"size:32;index"`
	Signal     bool
	Reason     string `gorm:"type:text"`
	OpusAction string `gorm:"size:16"`
	OpusAgreed *bool
}

// TableName matches the screener log table.
func (ScreenerLogRow) TableName() string { return "screener_logs" }

// ResearchCacheRow caches research responses keyed by the exact query string.
type ResearchCacheRow struct {
	ID        uint      `gorm:"primaryKey"`
	CreatedAt time.Time `gorm:"index"`
	Query     string    `gorm:"type:text;index:idx_research_query,length:256"`
	Response  string    `gorm:"type:text"`
}

// TableName matches the research cache table.
func (ResearchCacheRow) TableName() string { return "research_cache" }

// RiskRejectionRow is an audit row for every decision the risk gate rejected.
type RiskRejectionRow struct {
	ID          uint      `gorm:"primaryKey"`
	CreatedAt   time.Time `gorm:"index"`
	DecisionID  string    `gorm:"size:36;index"`
	Instrument  string    `gorm:"size:32"`
	FailedRules []byte    `gorm:"type:jsonb"`
	Account     []byte    `gorm:"type:jsonb"`
}

// TableName matches the rejection audit table.
func (RiskRejectionRow) TableName() string { return "risk_rejections" }

// PerformanceSnapshotRow is a periodic equity/PnL snapshot.
type PerformanceSnapshotRow struct {
	ID           uint      `gorm:"primaryKey"`
	CreatedAt    time.Time `gorm:"index"`
	SnapshotType string    `gorm:"size:16;index"` // hourly | daily | weekly
	Metrics      []byte    `gorm:"type:jsonb"`
}

// TableName matches the performance snapshot table.
func (PerformanceSnapshotRow) TableName() string { return "performance_snapshots" }
