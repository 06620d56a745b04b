package orchestrator

import (
	"context"
	"time"

	"opus-trader/models"
)

// Store interfaces consumed by the orchestrator. The database package
// implements all of them; tests substitute in-memory fakes.

// TradeStore is the journal surface.
type TradeStore interface {
	Create(ctx context.Context, t models.TradeRecord) (string, error)
	Update(ctx context.Context, tradeID string, fields map[string]interface{}) error
	GetByDecisionID(ctx context.Context, decisionID string) (*models.TradeRecord, error)
	GetOpen(ctx context.Context) ([]models.TradeRecord, error)
	GetRecentClosed(ctx context.Context, limit int) ([]models.TradeRecord, error)
	GetTradesSince(ctx context.Context, since time.Time) ([]models.TradeRecord, error)
}

// PlaybookStore is the versioned policy surface.
type PlaybookStore interface {
	GetLatest(ctx context.Context) (*models.Playbook, error)
	SaveVersion(ctx context.Context, pb models.Playbook) (int, error)
	GetHistory(ctx context.Context, limit int) ([]models.Playbook, error)
}

// ReflectionStore records deep-reflection runs.
type ReflectionStore interface {
	Save(ctx context.Context, tradesReviewed int, data interface{}) (uint, error)
	GetLastTime(ctx context.Context) (*time.Time, error)
}

// ScreenerLogStore records screener verdicts and analyzer agreement.
type ScreenerLogStore interface {
	Log(ctx context.Context, instrument string, signal bool, reason string) (uint, error)
	UpdateOpusAgreement(ctx context.Context, id uint, action string, agreed bool) error
}

// ResearchStore caches research responses by exact query.
type ResearchStore interface {
	GetCached(ctx context.Context, query string, ttl time.Duration) (string, error)
	Save(ctx context.Context, query, response string) (uint, error)
}

// RejectionStore audits risk-gate rejections.
type RejectionStore interface {
	Log(ctx context.Context, decision models.OpusDecision, failedRules []string, account models.AccountState) (uint, error)
}

// SnapshotStore records periodic performance snapshots.
type SnapshotStore interface {
	Save(ctx context.Context, snapshotType string, metrics interface{}) (uint, error)
}

// Completer is the LLM call shape used by the screener, analyzer, reflector
// and researcher.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}
