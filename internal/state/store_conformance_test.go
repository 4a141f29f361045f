package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"geofencing/internal/domain"
)

// exerciseStore runs the behavior every backend must share.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	at := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	// counters
	if got, err := store.GetInt(ctx, "throttle/m1/a1/entry/times"); err != nil || got != 0 {
		t.Fatalf("absent counter: got=%d err=%v", got, err)
	}
	if err := store.SetInt(ctx, "throttle/m1/a1/entry/times", 2); err != nil {
		t.Fatalf("set int: %v", err)
	}
	if err := store.SetTimestamp(ctx, "throttle/m1/a1/entry/last", at); err != nil {
		t.Fatalf("set timestamp: %v", err)
	}
	if err := store.SetInt(ctx, "throttle/m2/a1/entry/times", 5); err != nil {
		t.Fatalf("set int: %v", err)
	}
	if got, _ := store.GetInt(ctx, "throttle/m1/a1/entry/times"); got != 2 {
		t.Fatalf("expected counter 2, got %d", got)
	}
	last, ok, err := store.GetTimestamp(ctx, "throttle/m1/a1/entry/last")
	if err != nil || !ok || !last.Equal(at) {
		t.Fatalf("unexpected timestamp %v ok=%v err=%v", last, ok, err)
	}
	if err := store.DeletePrefix(ctx, "throttle/m1/"); err != nil {
		t.Fatalf("delete prefix: %v", err)
	}
	if got, _ := store.GetInt(ctx, "throttle/m1/a1/entry/times"); got != 0 {
		t.Fatalf("expected counter cleared, got %d", got)
	}
	if _, ok, _ := store.GetTimestamp(ctx, "throttle/m1/a1/entry/last"); ok {
		t.Fatalf("expected timestamp cleared")
	}
	if got, _ := store.GetInt(ctx, "throttle/m2/a1/entry/times"); got != 5 {
		t.Fatalf("foreign prefix must survive, got %d", got)
	}

	// status
	if err := store.SaveStatus(ctx, []string{"c1"}, []string{"c2", "c3"}); err != nil {
		t.Fatalf("save status: %v", err)
	}
	finished, suspended, err := store.LoadStatus(ctx)
	if err != nil {
		t.Fatalf("load status: %v", err)
	}
	if len(finished) != 1 || finished[0] != "c1" || len(suspended) != 2 {
		t.Fatalf("unexpected status finished=%v suspended=%v", finished, suspended)
	}

	// pending queue
	for _, id := range []string{"l1", "l2", "l3"} {
		report := domain.EventReport{LocalID: id, CampaignID: "c1", SignalingMessageID: "m1", Event: domain.EventEntry, Area: domain.NewArea("a1", "A", 1, 1, 10), OccurredAt: at}
		if err := store.AppendReport(ctx, report); err != nil {
			t.Fatalf("append report: %v", err)
		}
	}
	if err := store.RemoveReports(ctx, []string{"l2", "missing"}); err != nil {
		t.Fatalf("remove reports: %v", err)
	}
	reports, err := store.ListReports(ctx)
	if err != nil {
		t.Fatalf("list reports: %v", err)
	}
	if len(reports) != 2 || reports[0].LocalID != "l1" || reports[1].LocalID != "l3" {
		t.Fatalf("unexpected pending queue %+v", reports)
	}
	if !reports[0].Area.Valid() {
		t.Fatalf("area must survive persistence: %+v", reports[0].Area)
	}

	// campaigns
	first := domain.Campaign{ID: "c1", SignalingMessageID: "m1", ReceivedAt: at}
	second := domain.Campaign{ID: "c2", SignalingMessageID: "m/2", ReceivedAt: at.Add(time.Second)}
	for _, campaign := range []domain.Campaign{second, first} {
		if err := store.PutCampaign(ctx, campaign); err != nil {
			t.Fatalf("put campaign: %v", err)
		}
	}
	campaigns, err := store.ListCampaigns(ctx)
	if err != nil {
		t.Fatalf("list campaigns: %v", err)
	}
	if len(campaigns) != 2 || campaigns[0].ID != "c1" || campaigns[1].ID != "c2" {
		t.Fatalf("unexpected campaigns %+v", campaigns)
	}
	if err := store.DeleteCampaign(ctx, "m/2"); err != nil {
		t.Fatalf("delete campaign: %v", err)
	}
	if campaigns, _ = store.ListCampaigns(ctx); len(campaigns) != 1 {
		t.Fatalf("expected one campaign after delete, got %d", len(campaigns))
	}

	// records
	record := domain.DeliveryRecord{ID: "l1", CampaignID: "c1", SignalingMessageID: "m1", Event: domain.EventEntry, AreaID: "a1", OccurredAt: at}
	if err := store.PutRecord(ctx, record); err != nil {
		t.Fatalf("put record: %v", err)
	}
	if err := store.PutRecord(ctx, domain.DeliveryRecord{ID: "taken", SignalingMessageID: "m9", OccurredAt: at}); err != nil {
		t.Fatalf("put record: %v", err)
	}
	if err := store.RenameRecord(ctx, "l1", "taken"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := store.RenameRecord(ctx, "l1", "srv-1"); err != nil {
		t.Fatalf("rename record: %v", err)
	}
	if _, err := store.GetRecord(ctx, "l1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected old id gone, got %v", err)
	}
	renamed, err := store.GetRecord(ctx, "srv-1")
	if err != nil {
		t.Fatalf("get renamed: %v", err)
	}
	if renamed.ID != "srv-1" || !renamed.Reported || renamed.AreaID != "a1" {
		t.Fatalf("unexpected renamed record %+v", renamed)
	}
	if err := store.RenameRecord(ctx, "nope", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.PutRecord(ctx, domain.DeliveryRecord{ID: "l2", SignalingMessageID: "m1", OccurredAt: at}); err != nil {
		t.Fatalf("put record: %v", err)
	}
	if err := store.DeleteRecord(ctx, "l2"); err != nil {
		t.Fatalf("delete record: %v", err)
	}
	if _, err := store.GetRecord(ctx, "l2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected deleted record gone, got %v", err)
	}
	if err := store.DeleteRecord(ctx, "l2"); err != nil {
		t.Fatalf("delete absent record: %v", err)
	}
	if err := store.DeleteRecordsByMessage(ctx, "m1"); err != nil {
		t.Fatalf("delete records: %v", err)
	}
	records, err := store.ListRecords(ctx)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 1 || records[0].ID != "taken" {
		t.Fatalf("unexpected records after delete %+v", records)
	}
}
