package audit

import (
	"encoding/json"
	"time"
)

type Result string

const (
	ResultSuccess Result = "success"
	ResultDenied  Result = "denied"
	ResultError   Result = "error"
)

type Event struct {
	AuditID      string
	OccurredAt   time.Time
	RecordedAt   time.Time
	TenantID     string
	ActorID      string
	ActorType    string
	ObjectType   string
	ObjectID     string
	Action       string
	Before       []byte
	After        []byte
	Result       Result
	Reason       string
	PartitionDay string
	HashPrev     string
	HashCurr     string
}

// Snapshot serializes a state snapshot for the Before/After fields.
// Marshal failures degrade to an empty object rather than breaking the chain.
func Snapshot(v any) []byte {
	if v == nil {
		return []byte(`{}`)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`{}`)
	}
	return b
}
