package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Deployments
	SaveDeployment(ctx context.Context, d *Deployment) error
	ListDeployments(ctx context.Context) ([]*Deployment, error)

	// Process instances
	CreateInstance(ctx context.Context, inst *Instance) error
	GetInstance(ctx context.Context, id int64) (*Instance, error)
	UpdateInstance(ctx context.Context, id int64, update InstanceUpdate) error
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*Instance, error)
	DeleteInstance(ctx context.Context, id int64) error

	// Checkpoint writes the state changed by one stimulus in a single transaction.
	Checkpoint(ctx context.Context, cp *Checkpoint) error

	// Instance state (read side of checkpoints)
	ListScopeInstances(ctx context.Context, instanceID int64) ([]*ScopeInstance, error)
	ListVariables(ctx context.Context, instanceID int64) ([]*VariableRecord, error)
	ListCorrelationSets(ctx context.Context, instanceID int64) ([]*CorrelationRecord, error)
	FindByCorrelation(ctx context.Context, process, key string) ([]int64, error)
	ListPartnerLinks(ctx context.Context, instanceID int64) ([]*PartnerLinkRecord, error)
	ListMessageExchanges(ctx context.Context, instanceID int64) ([]*MessageExchange, error)
	ListActivityFailures(ctx context.Context, instanceID int64) ([]*ActivityFailure, error)
	ListTimers(ctx context.Context, instanceID int64) ([]*Timer, error)

	// Event Sourcing (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, instanceID int64, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)

	// Cron-triggered instance starts
	CreateCronJob(ctx context.Context, job *CronJob) error
	GetCronJob(ctx context.Context, id string) (*CronJob, error)
	UpdateCronJob(ctx context.Context, id string, update CronJobUpdate) error
	ListCronJobs(ctx context.Context, filter CronJobFilter) ([]*CronJob, error)
	DeleteCronJob(ctx context.Context, id string) error

	// External variables
	ReadExternalVariable(ctx context.Context, engine, ref string) (value []byte, ok bool, err error)
	WriteExternalVariable(ctx context.Context, engine, ref string, value []byte) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
