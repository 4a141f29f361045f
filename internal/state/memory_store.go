package state

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"geofencing/internal/domain"
)

// MemoryStore keeps engine state in process memory for single-instance mode.
// Params: in-memory maps guarded by one RW mutex.
// Returns: store implementation without external dependencies.
type MemoryStore struct {
	mu         sync.RWMutex
	ints       map[string]int
	timestamps map[string]time.Time
	finished   []string
	suspended  []string
	pending    []domain.EventReport
	campaigns  map[string]domain.Campaign
	records    map[string]domain.DeliveryRecord
}

// NewMemoryStore creates in-memory state store.
// Params: none.
// Returns: initialized in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ints:       make(map[string]int),
		timestamps: make(map[string]time.Time),
		campaigns:  make(map[string]domain.Campaign),
		records:    make(map[string]domain.DeliveryRecord),
	}
}

// GetInt returns counter value or zero when absent.
func (s *MemoryStore) GetInt(_ context.Context, key string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ints[key], nil
}

// SetInt stores counter value.
func (s *MemoryStore) SetInt(_ context.Context, key string, value int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ints[key] = value
	return nil
}

// GetTimestamp returns timestamp and presence flag.
func (s *MemoryStore) GetTimestamp(_ context.Context, key string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	at, ok := s.timestamps[key]
	return at, ok, nil
}

// SetTimestamp stores timestamp value.
func (s *MemoryStore) SetTimestamp(_ context.Context, key string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timestamps[key] = at.UTC()
	return nil
}

// DeletePrefix removes every counter and timestamp under prefix.
// Params: key prefix.
// Returns: nil (in-memory delete).
func (s *MemoryStore) DeletePrefix(_ context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.ints {
		if strings.HasPrefix(key, prefix) {
			delete(s.ints, key)
		}
	}
	for key := range s.timestamps {
		if strings.HasPrefix(key, prefix) {
			delete(s.timestamps, key)
		}
	}
	return nil
}

// LoadStatus returns copies of saved status sets.
func (s *MemoryStore) LoadStatus(_ context.Context) ([]string, []string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.finished...), append([]string(nil), s.suspended...), nil
}

// SaveStatus replaces saved status sets.
func (s *MemoryStore) SaveStatus(_ context.Context, finished []string, suspended []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = append([]string(nil), finished...)
	s.suspended = append([]string(nil), suspended...)
	return nil
}

// AppendReport appends report to pending queue tail.
func (s *MemoryStore) AppendReport(_ context.Context, report domain.EventReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, report)
	return nil
}

// ListReports returns pending reports in enqueue order.
func (s *MemoryStore) ListReports(_ context.Context) ([]domain.EventReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.EventReport(nil), s.pending...), nil
}

// RemoveReports deletes pending reports by local id.
// Params: local ids to remove; unknown ids are ignored.
// Returns: nil (in-memory delete).
func (s *MemoryStore) RemoveReports(_ context.Context, localIDs []string) error {
	if len(localIDs) == 0 {
		return nil
	}
	drop := make(map[string]struct{}, len(localIDs))
	for _, id := range localIDs {
		drop[id] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.pending[:0]
	for _, report := range s.pending {
		if _, ok := drop[report.LocalID]; !ok {
			kept = append(kept, report)
		}
	}
	s.pending = kept
	return nil
}

// PutCampaign stores campaign by signaling message id.
func (s *MemoryStore) PutCampaign(_ context.Context, campaign domain.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.campaigns[campaign.SignalingMessageID] = campaign
	return nil
}

// DeleteCampaign removes campaign by signaling message id.
func (s *MemoryStore) DeleteCampaign(_ context.Context, signalingMessageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.campaigns, signalingMessageID)
	return nil
}

// ListCampaigns returns campaigns ordered by receive time then message id.
func (s *MemoryStore) ListCampaigns(_ context.Context) ([]domain.Campaign, error) {
	s.mu.RLock()
	out := make([]domain.Campaign, 0, len(s.campaigns))
	for _, campaign := range s.campaigns {
		out = append(out, campaign)
	}
	s.mu.RUnlock()
	sortCampaigns(out)
	return out, nil
}

// PutRecord stores delivery record by id.
func (s *MemoryStore) PutRecord(_ context.Context, record domain.DeliveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.ID] = record
	return nil
}

// GetRecord returns record or ErrNotFound.
func (s *MemoryStore) GetRecord(_ context.Context, id string) (domain.DeliveryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[id]
	if !ok {
		return domain.DeliveryRecord{}, ErrNotFound
	}
	return record, nil
}

// RenameRecord moves record from local id to server id.
// Params: old and new ids.
// Returns: ErrNotFound for missing source, ErrConflict for occupied target.
func (s *MemoryStore) RenameRecord(_ context.Context, oldID, newID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[oldID]
	if !ok {
		return ErrNotFound
	}
	if oldID != newID {
		if _, taken := s.records[newID]; taken {
			return ErrConflict
		}
		delete(s.records, oldID)
	}
	s.records[newID] = renamedRecord(record, newID)
	return nil
}

// DeleteRecord removes one record; absent ids are ignored.
func (s *MemoryStore) DeleteRecord(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

// DeleteRecordsByMessage removes records of one signaling message.
func (s *MemoryStore) DeleteRecordsByMessage(_ context.Context, signalingMessageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, record := range s.records {
		if record.SignalingMessageID == signalingMessageID {
			delete(s.records, id)
		}
	}
	return nil
}

// ListRecords returns records ordered by occurrence time then id.
func (s *MemoryStore) ListRecords(_ context.Context) ([]domain.DeliveryRecord, error) {
	s.mu.RLock()
	out := make([]domain.DeliveryRecord, 0, len(s.records))
	for _, record := range s.records {
		out = append(out, record)
	}
	s.mu.RUnlock()
	sortRecords(out)
	return out, nil
}

// Close releases memory store resources.
// Params: none.
// Returns: nil.
func (s *MemoryStore) Close() error {
	return nil
}

func sortCampaigns(campaigns []domain.Campaign) {
	sort.SliceStable(campaigns, func(i, j int) bool {
		if !campaigns[i].ReceivedAt.Equal(campaigns[j].ReceivedAt) {
			return campaigns[i].ReceivedAt.Before(campaigns[j].ReceivedAt)
		}
		return campaigns[i].SignalingMessageID < campaigns[j].SignalingMessageID
	})
}

func sortRecords(records []domain.DeliveryRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].OccurredAt.Equal(records[j].OccurredAt) {
			return records[i].OccurredAt.Before(records[j].OccurredAt)
		}
		return records[i].ID < records[j].ID
	})
}
