package e2e

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"geofencing/internal/app"
	"geofencing/internal/clock"
	"geofencing/internal/config"
	"geofencing/test/testutil"
)

const signalingMessage = `{
	"messageId": "M1",
	"campaignId": "C1",
	"title": "Coffee",
	"body": "Welcome to {{ .AreaTitle }}",
	"geo": {
		"areas": [
			{"id": "A1", "title": "Mall", "latitude": 45.80, "longitude": 15.97, "radiusInMeters": 700},
			{"id": "A2", "title": "Cafe", "latitude": 45.80, "longitude": 15.97, "radiusInMeters": 250}
		],
		"event": [{"type": "entry", "limit": 1}, {"type": "exit", "limit": 1}]
	}
}`

// writeConfig writes TOML config into a temp dir.
// Params: test handle and config body.
// Returns: absolute config path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// newServiceFromConfig creates Service from file config path for e2e scenarios.
// Params: test handle and absolute config path.
// Returns: initialized service instance.
func newServiceFromConfig(t *testing.T, path string) *app.Service {
	t.Helper()

	source, err := config.FromCLI(path, "")
	if err != nil {
		t.Fatalf("config source: %v", err)
	}
	service, err := app.NewService(context.Background(), source, clock.RealClock{})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return service
}

// runService starts service in background with cancellable context.
// Params: test handle and initialized service.
// Returns: cancel callback and done channel with Run result.
func runService(t *testing.T, service *app.Service) (context.CancelFunc, <-chan error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- service.Run(ctx)
	}()
	return cancel, done
}

// waitReady waits for /readyz endpoint to return 200.
func waitReady(t *testing.T, port int) {
	t.Helper()
	baseURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	testutil.Eventually(t, 8*time.Second, func() bool {
		response, err := http.Get(baseURL + "/readyz")
		if err != nil {
			return false
		}
		defer response.Body.Close()
		return response.StatusCode == http.StatusOK
	}, "service did not become ready")
}

// waitServiceStop asserts service Run exits without error after cancellation.
func waitServiceStop(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case runErr := <-done:
		if runErr != nil {
			t.Fatalf("service run error: %v", runErr)
		}
	case <-time.After(8 * time.Second):
		t.Fatalf("service did not stop after cancel")
	}
}

// postJSON posts body and asserts 202.
func postJSON(t *testing.T, port int, path, body string) {
	t.Helper()
	response, err := http.Post(fmt.Sprintf("http://127.0.0.1:%d%s", port, path), "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", path, err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusAccepted {
		t.Fatalf("post %s: status %d", path, response.StatusCode)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	port, err := testutil.FreePort()
	if err != nil {
		t.Fatalf("free port: %v", err)
	}
	return port
}

func transitionJSON(event string, at time.Time, regionIDs ...string) string {
	quoted := make([]string, 0, len(regionIDs))
	for _, id := range regionIDs {
		quoted = append(quoted, fmt.Sprintf("%q", id))
	}
	return fmt.Sprintf(`{"event":%q,"region_ids":[%s],"location":{"lat":45.8,"lon":15.97},"occurred_at":%q}`,
		event, strings.Join(quoted, ","), at.UTC().Format(time.RFC3339Nano))
}
