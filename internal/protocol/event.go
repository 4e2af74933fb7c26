package protocol

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// EventType identifies what kind of state change an event describes.
type EventType string

const (
	EventTransfer EventType = "transfer"
	EventDeposit  EventType = "deposit"
	EventWithdraw EventType = "withdraw"
	EventBalance  EventType = "balance"
	EventBatch    EventType = "batch"
)

// EventStatus reflects the outcome of the operation an event reports.
type EventStatus string

const (
	StatusPending    EventStatus = "pending"
	StatusProcessing EventStatus = "processing"
	StatusCompleted  EventStatus = "completed"
	StatusFailed     EventStatus = "failed"
)

// EventData carries the payload of a balance/operation event. Optional
// fields are nil/empty when they do not apply to the event type.
type EventData struct {
	From         *common.Address `json:"from,omitempty"`
	To           *common.Address `json:"to,omitempty"`
	Amount       *big.Int        `json:"amount,omitempty"`
	SettlementID string          `json:"settlement_id,omitempty"`
	Balance      *big.Int        `json:"balance,omitempty"`
	Status       EventStatus     `json:"status"`
	Error        string          `json:"error,omitempty"`
	Timestamp    int64           `json:"timestamp"`
}

// Event is the record delivered to subscribers when balances or operation
// status change.
type Event struct {
	Type     EventType `json:"type"`
	Resource string    `json:"resource"`
	Data     EventData `json:"data"`
}

// ResourceKey returns the subscription key matching every event for a
// resource.
func ResourceKey(resource string) string {
	return "resource:" + resource
}

// AddressKey returns the subscription key matching events that touch an
// address.
func AddressKey(addr common.Address) string {
	return "address:" + strings.ToLower(addr.Hex())
}

// Keys returns every subscription key the event matches: the resource-wide
// key plus one key per touched address. A transfer matches both its from
// and to keys.
func (e *Event) Keys() []string {
	keys := []string{ResourceKey(e.Resource)}
	if e.Data.From != nil {
		keys = append(keys, AddressKey(*e.Data.From))
	}
	if e.Data.To != nil && (e.Data.From == nil || *e.Data.To != *e.Data.From) {
		keys = append(keys, AddressKey(*e.Data.To))
	}
	return keys
}
