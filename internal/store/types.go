package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/bpelrt/pkg/schema"
)

// Deployment is the stored source of a deployed process.
type Deployment struct {
	Process    string    `json:"process"`
	Source     []byte    `json:"-"`
	Checksum   string    `json:"checksum"`
	DeployedAt time.Time `json:"deployed_at"`
}

// Instance is the persisted header of a process instance.
type Instance struct {
	ID          int64                 `json:"id"`
	Process     string                `json:"process"`
	Status      schema.InstanceStatus `json:"status"`
	Fault       json.RawMessage       `json:"fault,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	StartedAt   *time.Time            `json:"started_at,omitempty"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// InstanceUpdate specifies the mutable fields of an instance. Nil fields
// are left unchanged.
type InstanceUpdate struct {
	Status      *schema.InstanceStatus
	Fault       json.RawMessage
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// InstanceFilter specifies criteria for listing instances.
type InstanceFilter struct {
	Process string
	Status  *schema.InstanceStatus
	Since   *time.Time
	Limit   int
	Offset  int
}

// ScopeInstance records one created scope instance.
type ScopeInstance struct {
	InstanceID int64  `json:"instance_id"`
	ID         int64  `json:"scope_instance_id"`
	ParentID   int64  `json:"parent_scope_instance_id,omitempty"`
	ScopeID    int    `json:"scope_id"`
	ScopeName  string `json:"scope_name,omitempty"`
}

// VariableRecord is the current value of one variable of one scope instance.
type VariableRecord struct {
	InstanceID    int64           `json:"instance_id"`
	ScopeInstance int64           `json:"scope_instance_id"`
	Name          string          `json:"name"`
	Value         json.RawMessage `json:"value,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// CorrelationRecord is the value of an initiated correlation set. Key is the
// canonical form of the correlation key used for lookups.
type CorrelationRecord struct {
	InstanceID    int64    `json:"instance_id"`
	ScopeInstance int64    `json:"scope_instance_id"`
	Name          string   `json:"name"`
	Process       string   `json:"process"`
	Key           string   `json:"key"`
	Values        []string `json:"values"`
}

// PartnerLinkRecord holds the endpoint references of one partner link
// instance.
type PartnerLinkRecord struct {
	InstanceID       int64                     `json:"instance_id"`
	ScopeInstance    int64                     `json:"scope_instance_id"`
	Name             string                    `json:"name"`
	MyEPR            *schema.EndpointReference `json:"my_epr,omitempty"`
	PartnerEPR       *schema.EndpointReference `json:"partner_epr,omitempty"`
	MySessionID      string                    `json:"my_session_id,omitempty"`
	PartnerSessionID string                    `json:"partner_session_id,omitempty"`
}

// Message exchange directions and states.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"

	ExchangePending = "pending"
	ExchangeReplied = "replied"
	ExchangeFaulted = "faulted"
	ExchangeFailed  = "failed"
)

// MessageExchange is one inbound request or outbound partner call.
type MessageExchange struct {
	ID          string          `json:"id"`
	InstanceID  int64           `json:"instance_id"`
	PartnerLink string          `json:"partner_link"`
	Operation   string          `json:"operation"`
	Direction   string          `json:"direction"`
	Status      string          `json:"status"`
	Request     json.RawMessage `json:"request,omitempty"`
	Response    json.RawMessage `json:"response,omitempty"`
	Fault       string          `json:"fault,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// ActivityFailure is an activity waiting for an operator recovery action.
type ActivityFailure struct {
	InstanceID int64           `json:"instance_id"`
	ActivityID int64           `json:"activity_id"`
	Reason     string          `json:"reason"`
	Data       json.RawMessage `json:"data,omitempty"`
	Actions    []string        `json:"actions"`
	Retries    int             `json:"retries"`
	FailedAt   time.Time       `json:"failed_at"`
}

// Timer is a pending timer of an instance.
type Timer struct {
	InstanceID int64     `json:"instance_id"`
	ID         string    `json:"timer_id"`
	Kind       string    `json:"kind"`
	FireAt     time.Time `json:"fire_at"`
}

// Checkpoint is the state written after one stimulus. Timers and Failures
// replace the stored sets of the instance; the other slices are upserted.
type Checkpoint struct {
	InstanceID   int64
	Instance     *InstanceUpdate
	Scopes       []*ScopeInstance
	Variables    []*VariableRecord
	Correlations []*CorrelationRecord
	PartnerLinks []*PartnerLinkRecord
	Exchanges    []*MessageExchange
	Failures     []*ActivityFailure
	Timers       []*Timer
	Events       []*Event
}

// Event is an immutable entry in the event sourcing log.
type Event struct {
	ID            int64           `json:"id"`
	InstanceID    int64           `json:"instance_id"`
	ActivityID    int64           `json:"activity_id,omitempty"`
	ScopeInstance int64           `json:"scope_instance_id,omitempty"`
	Type          string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Sequence      int64           `json:"sequence"`
}

// EventFilter specifies criteria for querying events by type.
type EventFilter struct {
	InstanceID int64
	ActivityID int64
	Since      *time.Time
	Limit      int
}

// CronJob starts a process instance on a cron schedule by delivering
// Message to an instance-creating operation.
type CronJob struct {
	ID             string          `json:"id"`
	Process        string          `json:"process"`
	PartnerLink    string          `json:"partner_link"`
	Operation      string          `json:"operation"`
	CronExpression string          `json:"cron_expression"`
	Message        json.RawMessage `json:"message,omitempty"`
	Enabled        bool            `json:"enabled"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus  string          `json:"last_run_status,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// CronJobUpdate specifies mutable fields of a cron job.
type CronJobUpdate struct {
	Enabled       *bool
	LastRunAt     *time.Time
	NextRunAt     *time.Time
	LastRunStatus string
}

// CronJobFilter specifies criteria for listing cron jobs.
type CronJobFilter struct {
	Enabled *bool
	Process string
	Limit   int
}
