package state

import (
	"context"
	"errors"
	"time"

	"geofencing/internal/domain"
)

var (
	// ErrNotFound indicates absent key/record.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a rename target that already exists.
	ErrConflict = errors.New("conflict")
)

// CounterStore keeps throttle counters and timestamps.
// Params: string keys built by the throttle key builder.
// Returns: durable integer and timestamp cells; absent keys read as zero.
type CounterStore interface {
	GetInt(ctx context.Context, key string) (int, error)
	SetInt(ctx context.Context, key string, value int) error
	GetTimestamp(ctx context.Context, key string) (time.Time, bool, error)
	SetTimestamp(ctx context.Context, key string, at time.Time) error
	DeletePrefix(ctx context.Context, prefix string) error
}

// StatusPersistence keeps finished and suspended campaign id sets.
// Params: full sets on save.
// Returns: previously saved sets on load (empty when never saved).
type StatusPersistence interface {
	LoadStatus(ctx context.Context) (finished []string, suspended []string, err error)
	SaveStatus(ctx context.Context, finished []string, suspended []string) error
}

// PendingQueue keeps event reports awaiting delivery in enqueue order.
type PendingQueue interface {
	AppendReport(ctx context.Context, report domain.EventReport) error
	ListReports(ctx context.Context) ([]domain.EventReport, error)
	RemoveReports(ctx context.Context, localIDs []string) error
}

// CampaignStore keeps active campaigns keyed by signaling message id.
type CampaignStore interface {
	PutCampaign(ctx context.Context, campaign domain.Campaign) error
	DeleteCampaign(ctx context.Context, signalingMessageID string) error
	ListCampaigns(ctx context.Context) ([]domain.Campaign, error)
}

// RecordStore keeps materialized delivery records.
// Params: record id is local until RenameRecord swaps it for the server id.
// Returns: record persistence behavior.
type RecordStore interface {
	PutRecord(ctx context.Context, record domain.DeliveryRecord) error
	GetRecord(ctx context.Context, id string) (domain.DeliveryRecord, error)
	RenameRecord(ctx context.Context, oldID, newID string) error
	DeleteRecord(ctx context.Context, id string) error
	DeleteRecordsByMessage(ctx context.Context, signalingMessageID string) error
	ListRecords(ctx context.Context) ([]domain.DeliveryRecord, error)
}

// Store bundles every persistence concern of the engine.
// Params: backend-specific implementation (memory, sqlite, NATS KV).
// Returns: backend persistence behavior.
type Store interface {
	CounterStore
	StatusPersistence
	PendingQueue
	CampaignStore
	RecordStore
	Close() error
}

// renamedRecord applies id swap and marks record as reported.
func renamedRecord(record domain.DeliveryRecord, newID string) domain.DeliveryRecord {
	record.ID = newID
	record.Reported = true
	return record
}
