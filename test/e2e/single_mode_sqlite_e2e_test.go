package e2e

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"geofencing/internal/domain"
	"geofencing/test/testutil"
)

func sqliteConfig(port int, dbPath, logPath, reportURL string, reportEnabled bool) string {
	return fmt.Sprintf(`[service]
mode = "single"

[log.file]
enabled = true
path = %q

[storage]
driver = "sqlite"
path = %q

[http]
enabled = true
listen = "127.0.0.1:%d"

[report]
enabled = %t
url = %q
batch_delay_ms = 50
`, logPath, dbPath, port, reportEnabled, reportURL)
}

func TestPendingReportsSurviveRestart(t *testing.T) {
	if testing.Short() {
		t.Skip("e2e")
	}
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "state.db")
	logPath := filepath.Join(dir, "service.log")
	backend := testutil.NewReportBackend(t)
	backend.Respond(func(request domain.ReportRequest) domain.ReportResponse {
		response := testutil.RemapAll(request)
		response.SuspendedCampaignIDs = []string{"C1"}
		return response
	})

	port := freePort(t)
	first := newServiceFromConfig(t, writeConfig(t, sqliteConfig(port, dbPath, logPath, backend.URL(), false)))
	cancel, done := runService(t, first)
	waitReady(t, port)
	postJSON(t, port, "/signaling", signalingMessage)
	postJSON(t, port, "/transitions", transitionJSON("entry", time.Now(), "A1", "A2"))
	cancel()
	waitServiceStop(t, done)
	if len(backend.Batches()) != 0 {
		t.Fatalf("reporting was disabled, backend must not be called")
	}

	port = freePort(t)
	second := newServiceFromConfig(t, writeConfig(t, sqliteConfig(port, dbPath, logPath, backend.URL(), true)))
	snapshot, err := second.Engine().Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snapshot.Campaigns) != 1 || len(snapshot.Pending) != 1 {
		t.Fatalf("expected campaign and pending report restored, got %d/%d", len(snapshot.Campaigns), len(snapshot.Pending))
	}
	localID, messageID := snapshot.Pending[0].LocalID, snapshot.Pending[0].SignalingMessageID

	cancel, done = runService(t, second)
	waitReady(t, port)
	postJSON(t, port, "/transitions", transitionJSON("exit", time.Now(), "A2"))

	testutil.Eventually(t, 8*time.Second, func() bool {
		snapshot, err := second.Engine().Snapshot(context.Background())
		return err == nil && len(snapshot.Pending) == 0 && len(snapshot.Suspended) == 1
	}, "restored report was not delivered")

	batches := backend.Batches()
	if len(batches[0].Reports) != 1 || batches[0].Reports[0].GeneratedID != localID {
		t.Fatalf("first batch must carry restored local id %q, got %+v", localID, batches[0].Reports)
	}
	if len(batches[0].Messages) != 1 || batches[0].Messages[0].ID != messageID {
		t.Fatalf("first batch must reference the signaling message, got %+v", batches[0].Messages)
	}
	snapshot, err = second.Engine().Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snapshot.Plan.Regions) != 0 {
		t.Fatalf("suspended campaign must be disarmed, got %+v", snapshot.Plan.Regions)
	}
	cancel()
	waitServiceStop(t, done)
}
