package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dean-Rough/transferjuice/internal/broadcast"
	"github.com/Dean-Rough/transferjuice/internal/ingestion"
	"github.com/Dean-Rough/transferjuice/internal/models"
)

const testRoster = `accounts:
  - handle: "@FabrizioRomano"
    name: Fabrizio Romano
    user_id: "330262748"
    tier: 1
    reliability: 0.95
    topics: [transfers]
  - handle: Honigstein
    tier: 2
`

func writeRoster(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "accounts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testRoster), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestRosterCommandPrintsTable(t *testing.T) {
	out, err := run(t, "roster", "--file", writeRoster(t))
	require.NoError(t, err)

	assert.Contains(t, out, "@FabrizioRomano")
	assert.Contains(t, out, "@Honigstein")
	assert.Contains(t, out, "2 accounts")
}

func TestRosterCommandJSON(t *testing.T) {
	out, err := run(t, "roster", "--file", writeRoster(t), "--json")
	require.NoError(t, err)

	var accounts []models.TrackedAccount
	require.NoError(t, json.Unmarshal([]byte(out), &accounts))
	require.Len(t, accounts, 2)
	assert.Equal(t, "330262748", accounts[0].UserID)
}

func TestRosterCommandRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("accounts: []\n"), 0o600))

	_, err := run(t, "roster", "--file", path)
	assert.Error(t, err)
}

func TestSweepDryRunAppliesFirstFetchWindow(t *testing.T) {
	startTimes := make(chan string, 4)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTimes <- r.URL.Query().Get("start_time")
		fmt.Fprint(w, `{"meta":{"result_count":0}}`)
	}))
	defer upstream.Close()

	path := filepath.Join(t.TempDir(), "accounts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("accounts:\n  - handle: FabrizioRomano\n    user_id: \"330262748\"\n"), 0o600))

	t.Setenv("ROSTER_PATH", path)
	t.Setenv("TWITTER_BEARER_TOKEN", "test-token")
	t.Setenv("TWITTER_API_BASE_URL", upstream.URL)
	t.Setenv("TWITTER_FIRST_FETCH_WINDOW_HOURS", "6")
	t.Setenv("SCRAPER_RENDER_URL", "")
	t.Setenv("LOG_LEVEL", "error")

	before := time.Now()
	_, err := run(t, "sweep", "--dry-run")
	require.NoError(t, err)

	require.Len(t, startTimes, 1)
	startTime, err := time.Parse(time.RFC3339, <-startTimes)
	require.NoError(t, err)
	assert.WithinDuration(t, before.Add(-6*time.Hour), startTime, time.Minute)
}

func TestSweepDryRun(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/2/users/330262748/tweets":
			fmt.Fprint(w, `{"data":[
				{"id":"1810000000000000002","text":"Here we go! Deal agreed.","created_at":"2025-07-01T12:05:00.000Z"},
				{"id":"1810000000000000001","text":"Talks ongoing.","created_at":"2025-07-01T12:00:00.000Z"}
			],"meta":{"result_count":2}}`)
		default:
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"title":"Unauthorized"}`)
		}
	}))
	defer upstream.Close()

	t.Setenv("ROSTER_PATH", writeRoster(t))
	t.Setenv("TWITTER_BEARER_TOKEN", "test-token")
	t.Setenv("TWITTER_API_BASE_URL", upstream.URL)
	t.Setenv("SCRAPER_RENDER_URL", "")
	t.Setenv("LOG_LEVEL", "error")

	out, err := run(t, "sweep", "--dry-run", "--items")
	require.NoError(t, err)

	dec := json.NewDecoder(strings.NewReader(out))
	var types []broadcast.EventType
	for range 2 {
		var msg broadcast.Message
		require.NoError(t, dec.Decode(&msg))
		types = append(types, msg.Type)
	}
	assert.Equal(t, []broadcast.EventType{broadcast.EventFeedUpdate, broadcast.EventBreakingNews}, types)

	var report ingestion.SweepReport
	require.NoError(t, dec.Decode(&report))
	assert.Equal(t, 2, report.Accounts)
	assert.Equal(t, 2, report.Published)
	assert.Equal(t, 1, report.Breaking)
	require.Len(t, report.Degraded, 1)
	assert.Equal(t, "Honigstein", report.Degraded[0].Handle)
	assert.Equal(t, string(models.ErrorTypeRequestRejected), report.Degraded[0].Reason)
}
