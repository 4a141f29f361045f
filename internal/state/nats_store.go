package state

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"geofencing/internal/config"
	"geofencing/internal/domain"

	"github.com/nats-io/nats.go"
)

const (
	statusKeyFinished  = "finished"
	statusKeySuspended = "suspended"
)

// NATSStore persists engine state in JetStream KV buckets.
// Params: NATS connection, JetStream context, and one bucket per concern.
// Returns: KV-backed store shared by every service instance.
type NATSStore struct {
	nc         *nats.Conn
	js         nats.JetStreamContext
	counterKV  nats.KeyValue
	statusKV   nats.KeyValue
	pendingKV  nats.KeyValue
	campaignKV nats.KeyValue
	recordKV   nats.KeyValue
}

// NewNATSStore opens (or creates) KV buckets and returns NATS state backend.
// Params: NATS/JetStream settings from config.
// Returns: initialized NATS store or setup error.
func NewNATSStore(settings config.NATSStateConfig) (*NATSStore, error) {
	nc, err := nats.Connect(strings.Join(settings.URL, ","))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	store := &NATSStore{nc: nc, js: js}
	buckets := []struct {
		name   string
		target *nats.KeyValue
	}{
		{settings.CounterBucket, &store.counterKV},
		{settings.StatusBucket, &store.statusKV},
		{settings.PendingBucket, &store.pendingKV},
		{settings.CampaignBucket, &store.campaignKV},
		{settings.RecordBucket, &store.recordKV},
	}
	for _, bucket := range buckets {
		kv, err := openBucket(js, bucket.name, settings.AllowCreateBuckets)
		if err != nil {
			nc.Close()
			return nil, err
		}
		*bucket.target = kv
	}
	return store, nil
}

// openBucket binds existing KV bucket or creates it when allowed.
// Params: JetStream context, bucket name, and create permission.
// Returns: bucket handle or open/create error.
func openBucket(js nats.JetStreamContext, bucket string, allowCreate bool) (nats.KeyValue, error) {
	kv, err := js.KeyValue(bucket)
	if err == nil {
		return kv, nil
	}
	if !allowCreate {
		return nil, fmt.Errorf("open bucket %q: %w", bucket, err)
	}
	kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: bucket})
	if err != nil {
		return nil, fmt.Errorf("create bucket %q: %w", bucket, err)
	}
	return kv, nil
}

// encodeKey maps arbitrary ids onto the KV key alphabet.
func encodeKey(id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(id))
}

// listKeys returns bucket keys treating an empty bucket as no keys.
func listKeys(kv nats.KeyValue) ([]string, error) {
	keys, err := kv.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}
	return keys, nil
}

// GetInt returns counter value or zero when absent.
func (s *NATSStore) GetInt(_ context.Context, key string) (int, error) {
	entry, err := s.counterKV.Get(key)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("get counter: %w", err)
	}
	value, err := strconv.Atoi(string(entry.Value()))
	if err != nil {
		return 0, fmt.Errorf("decode counter: %w", err)
	}
	return value, nil
}

// SetInt stores counter value.
func (s *NATSStore) SetInt(_ context.Context, key string, value int) error {
	if _, err := s.counterKV.Put(key, strconv.AppendInt(nil, int64(value), 10)); err != nil {
		return fmt.Errorf("put counter: %w", err)
	}
	return nil
}

// GetTimestamp returns timestamp and presence flag.
func (s *NATSStore) GetTimestamp(_ context.Context, key string) (time.Time, bool, error) {
	entry, err := s.counterKV.Get(key)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("get timestamp: %w", err)
	}
	at, err := time.Parse(time.RFC3339Nano, string(entry.Value()))
	if err != nil {
		return time.Time{}, false, fmt.Errorf("decode timestamp: %w", err)
	}
	return at, true, nil
}

// SetTimestamp stores timestamp value.
func (s *NATSStore) SetTimestamp(_ context.Context, key string, at time.Time) error {
	if _, err := s.counterKV.PutString(key, at.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("put timestamp: %w", err)
	}
	return nil
}

// DeletePrefix removes every counter key under prefix.
func (s *NATSStore) DeletePrefix(_ context.Context, prefix string) error {
	keys, err := listKeys(s.counterKV)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if err := s.counterKV.Delete(key); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
			return fmt.Errorf("delete counter %q: %w", key, err)
		}
	}
	return nil
}

// LoadStatus returns saved status sets.
func (s *NATSStore) LoadStatus(_ context.Context) ([]string, []string, error) {
	finished, err := s.loadIDSet(statusKeyFinished)
	if err != nil {
		return nil, nil, err
	}
	suspended, err := s.loadIDSet(statusKeySuspended)
	if err != nil {
		return nil, nil, err
	}
	return finished, suspended, nil
}

func (s *NATSStore) loadIDSet(key string) ([]string, error) {
	entry, err := s.statusKV.Get(key)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get %s status: %w", key, err)
	}
	var ids []string
	if err := json.Unmarshal(entry.Value(), &ids); err != nil {
		return nil, fmt.Errorf("decode %s status: %w", key, err)
	}
	return ids, nil
}

// SaveStatus replaces saved status sets.
func (s *NATSStore) SaveStatus(_ context.Context, finished []string, suspended []string) error {
	for key, ids := range map[string][]string{statusKeyFinished: finished, statusKeySuspended: suspended} {
		body, err := json.Marshal(ids)
		if err != nil {
			return fmt.Errorf("encode %s status: %w", key, err)
		}
		if _, err := s.statusKV.Put(key, body); err != nil {
			return fmt.Errorf("put %s status: %w", key, err)
		}
	}
	return nil
}

// AppendReport appends report to pending queue.
func (s *NATSStore) AppendReport(_ context.Context, report domain.EventReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if _, err := s.pendingKV.Put(encodeKey(report.LocalID), body); err != nil {
		return fmt.Errorf("put report: %w", err)
	}
	return nil
}

// ListReports returns pending reports ordered by KV revision (enqueue order).
func (s *NATSStore) ListReports(_ context.Context) ([]domain.EventReport, error) {
	keys, err := listKeys(s.pendingKV)
	if err != nil {
		return nil, err
	}
	type revisioned struct {
		revision uint64
		report   domain.EventReport
	}
	rows := make([]revisioned, 0, len(keys))
	for _, key := range keys {
		entry, err := s.pendingKV.Get(key)
		if err != nil {
			if errors.Is(err, nats.ErrKeyNotFound) {
				continue
			}
			return nil, fmt.Errorf("get report: %w", err)
		}
		var report domain.EventReport
		if err := json.Unmarshal(entry.Value(), &report); err != nil {
			return nil, fmt.Errorf("decode report: %w", err)
		}
		rows = append(rows, revisioned{revision: entry.Revision(), report: report})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].revision < rows[j].revision })

	out := make([]domain.EventReport, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.report)
	}
	return out, nil
}

// RemoveReports deletes pending reports by local id.
func (s *NATSStore) RemoveReports(_ context.Context, localIDs []string) error {
	for _, id := range localIDs {
		if err := s.pendingKV.Delete(encodeKey(id)); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
			return fmt.Errorf("delete report %q: %w", id, err)
		}
	}
	return nil
}

// PutCampaign stores campaign by signaling message id.
func (s *NATSStore) PutCampaign(_ context.Context, campaign domain.Campaign) error {
	body, err := json.Marshal(campaign)
	if err != nil {
		return fmt.Errorf("encode campaign: %w", err)
	}
	if _, err := s.campaignKV.Put(encodeKey(campaign.SignalingMessageID), body); err != nil {
		return fmt.Errorf("put campaign: %w", err)
	}
	return nil
}

// DeleteCampaign removes campaign by signaling message id.
func (s *NATSStore) DeleteCampaign(_ context.Context, signalingMessageID string) error {
	if err := s.campaignKV.Delete(encodeKey(signalingMessageID)); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("delete campaign: %w", err)
	}
	return nil
}

// ListCampaigns returns campaigns ordered by receive time then message id.
func (s *NATSStore) ListCampaigns(_ context.Context) ([]domain.Campaign, error) {
	keys, err := listKeys(s.campaignKV)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Campaign, 0, len(keys))
	for _, key := range keys {
		entry, err := s.campaignKV.Get(key)
		if err != nil {
			if errors.Is(err, nats.ErrKeyNotFound) {
				continue
			}
			return nil, fmt.Errorf("get campaign: %w", err)
		}
		var campaign domain.Campaign
		if err := json.Unmarshal(entry.Value(), &campaign); err != nil {
			return nil, fmt.Errorf("decode campaign: %w", err)
		}
		out = append(out, campaign)
	}
	sortCampaigns(out)
	return out, nil
}

// PutRecord stores delivery record by id.
func (s *NATSStore) PutRecord(_ context.Context, record domain.DeliveryRecord) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if _, err := s.recordKV.Put(encodeKey(record.ID), body); err != nil {
		return fmt.Errorf("put record: %w", err)
	}
	return nil
}

// GetRecord returns record or ErrNotFound.
func (s *NATSStore) GetRecord(_ context.Context, id string) (domain.DeliveryRecord, error) {
	entry, err := s.recordKV.Get(encodeKey(id))
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return domain.DeliveryRecord{}, ErrNotFound
		}
		return domain.DeliveryRecord{}, fmt.Errorf("get record: %w", err)
	}
	var record domain.DeliveryRecord
	if err := json.Unmarshal(entry.Value(), &record); err != nil {
		return domain.DeliveryRecord{}, fmt.Errorf("decode record: %w", err)
	}
	return record, nil
}

// RenameRecord moves record from local id to server id.
// Params: old and new ids.
// Returns: ErrNotFound for missing source, ErrConflict for occupied target.
func (s *NATSStore) RenameRecord(ctx context.Context, oldID, newID string) error {
	record, err := s.GetRecord(ctx, oldID)
	if err != nil {
		return err
	}
	body, err := json.Marshal(renamedRecord(record, newID))
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if oldID == newID {
		if _, err := s.recordKV.Put(encodeKey(newID), body); err != nil {
			return fmt.Errorf("put record: %w", err)
		}
		return nil
	}
	if _, err := s.recordKV.Create(encodeKey(newID), body); err != nil {
		if errors.Is(err, nats.ErrKeyExists) {
			return ErrConflict
		}
		return fmt.Errorf("create renamed record: %w", err)
	}
	if err := s.recordKV.Delete(encodeKey(oldID)); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("delete renamed record: %w", err)
	}
	return nil
}

// DeleteRecord removes one record; absent ids are ignored.
func (s *NATSStore) DeleteRecord(_ context.Context, id string) error {
	if err := s.recordKV.Delete(encodeKey(id)); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("delete record %q: %w", id, err)
	}
	return nil
}

// DeleteRecordsByMessage removes records of one signaling message.
func (s *NATSStore) DeleteRecordsByMessage(ctx context.Context, signalingMessageID string) error {
	records, err := s.ListRecords(ctx)
	if err != nil {
		return err
	}
	for _, record := range records {
		if record.SignalingMessageID != signalingMessageID {
			continue
		}
		if err := s.recordKV.Delete(encodeKey(record.ID)); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
			return fmt.Errorf("delete record %q: %w", record.ID, err)
		}
	}
	return nil
}

// ListRecords returns records ordered by occurrence time then id.
func (s *NATSStore) ListRecords(_ context.Context) ([]domain.DeliveryRecord, error) {
	keys, err := listKeys(s.recordKV)
	if err != nil {
		return nil, err
	}
	out := make([]domain.DeliveryRecord, 0, len(keys))
	for _, key := range keys {
		entry, err := s.recordKV.Get(key)
		if err != nil {
			if errors.Is(err, nats.ErrKeyNotFound) {
				continue
			}
			return nil, fmt.Errorf("get record: %w", err)
		}
		var record domain.DeliveryRecord
		if err := json.Unmarshal(entry.Value(), &record); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		out = append(out, record)
	}
	sortRecords(out)
	return out, nil
}

// Close closes underlying NATS connection.
// Params: none.
// Returns: nil after connection close.
func (s *NATSStore) Close() error {
	s.nc.Close()
	return nil
}
