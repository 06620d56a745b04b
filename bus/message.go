package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"opus-trader/models"
)

// Stream names. Every event crossing service boundaries travels on one of these.
const (
	StreamMarketSnapshots = "market:snapshots"
	StreamMarketAlerts    = "market:alerts"
	StreamTradeOrders     = "trade:orders"
	StreamTradeFills      = "trade:fills"
	StreamTradePositions  = "trade:positions"
	StreamOpusDecisions   = "opus:decisions"
	StreamSystemAlerts    = "system:alerts"
)

// Message types carried in the envelope.
const (
	TypeMarketSnapshot = "market_snapshot"
	TypeMarketAlert    = "market_alert"
	TypeTradeOrder     = "trade_order"
	TypeTradeFill      = "trade_fill"
	TypePositionUpdate = "position_update"
	TypeOpusDecision   = "opus_decision"
	TypeSystemAlert    = "system_alert"
)

// Known message sources, one per service.
const (
	SourceIndicator    = "indicator_server"
	SourceTradeServer  = "trade_server"
	SourceOrchestrator = "orchestrator"
	SourceUI           = "ui"
)

// Message is the envelope for every stream entry. The wire format is a single
// Redis field "data" holding the UTF-8 JSON encoding of this struct. MsgID is
// assigned on construction and is independent of the Redis entry id; consumers
// that need exactly-once effects dedup on it.
type Message struct {
	MsgID     string                 `json:"msg_id"`
	Timestamp time.Time              `json:"timestamp"`
	Source    string                 `json:"source"`
	Type      string                 `json:"type"`
	Payload   map[string]interface{} `json:"payload"`
	Metadata  map[string]interface{} `json:"metadata"`
}

// NewMessage builds an envelope around a payload value. The payload is
// round-tripped through JSON so that typed structs and plain maps serialize
// identically on the wire.
func NewMessage(source, msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("payload is not an object: %w", err)
	}

	return &Message{
		MsgID:     uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Source:    source,
		Type:      msgType,
		Payload:   m,
		Metadata:  map[string]interface{}{},
	}, nil
}

// DecodePayload unmarshals the opaque payload map into a typed struct.
func (m *Message) DecodePayload(v interface{}) error {
	data, err := json.Marshal(m.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// Encode serializes the envelope to its wire form.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses the wire form back into an envelope.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode stream message: %w", err)
	}
	return &m, nil
}

// SystemAlert is the payload of a system_alert message.
type SystemAlert struct {
	Severity string  `json:"severity"` // INFO | WARNING | CRITICAL
	Title    string  `json:"title"`
	Detail   string  `json:"detail"`
	Score    float64 `json:"score,omitempty"`
}

// MarketAlert is the payload of a market_alert message.
type MarketAlert struct {
	Instrument string  `json:"instrument"`
	Trigger    string  `json:"trigger"` // price_move | funding_extreme
	Value      float64 `json:"value"`
	Threshold  float64 `json:"threshold"`
	Detail     string  `json:"detail"`
}

// PositionEvent is the payload of a position_update message. Closed is set
// when the exchange reports size zero; PnLUSD and ExitPrice carry the
// realized result and last traded price of the close when the exchange
// provides them.
type PositionEvent struct {
	Instrument string           `json:"instrument"`
	PosSide    string           `json:"pos_side"`
	Closed     bool             `json:"closed"`
	PnLUSD     float64          `json:"pnl_usd,omitempty"`
	ExitPrice  string           `json:"exit_price,omitempty"`
	Position   *models.Position `json:"position,omitempty"`
}

// FillEvent is the payload of a trade_fill message. It is published for every
// processed intent, failed ones included, so the orchestrator can reconcile.
type FillEvent struct {
	DecisionID   string `json:"decision_id"`
	Instrument   string `json:"instrument"`
	Action       string `json:"action"`
	Success      bool   `json:"success"`
	OrderID      string `json:"order_id,omitempty"`
	AlgoID       string `json:"algo_id,omitempty"`
	FillPrice    string `json:"fill_price,omitempty"`
	FillSize     string `json:"fill_size,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}
