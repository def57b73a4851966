package web

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mhmdreda99/VMI-SecurityDemo/database"
	"github.com/mhmdreda99/VMI-SecurityDemo/guest"
	"github.com/mhmdreda99/VMI-SecurityDemo/sigma"
	"github.com/mhmdreda99/VMI-SecurityDemo/vmi"
)

const testRuleYAML = `title: Suspicious Process Name
id: 4f6a7b1c-8e2d-4c5a-9b3f-1d2e3f4a5b6c
status: experimental
description: Flags a process name used by common attack tooling
level: high
logsource:
    category: process_creation
    product: windows
detection:
    selection:
        Image|endswith: 'mimikatz.exe'
    condition: selection
`

func newTestServer(t *testing.T) (*httptest.Server, *database.DB) {
	t.Helper()

	db, err := database.NewDB(t.TempDir())
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	detector, err := sigma.NewDetector(t.TempDir(), db.Db)
	require.NoError(t, err)
	t.Cleanup(detector.StopPolling)

	srv := NewServer(db.Db, detector, "127.0.0.1:0")
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)

	return ts, db
}

func seedSnapshot(t *testing.T, db *database.DB, names ...string) int64 {
	t.Helper()

	id, err := db.InsertSnapshot(&database.SnapshotMeta{
		Timestamp: time.Now(),
		Domain:    "win7-test",
		Visited:   len(names),
		Decoded:   len(names),
	})
	require.NoError(t, err)

	records := make([]guest.ProcessRecord, 0, len(names))
	for i, name := range names {
		records = append(records, guest.ProcessRecord{
			PID:  uint32(4 + i*4),
			Name: name,
			Addr: vmi.Address(0xfffffa8000000000 + uint64(i)*0x1000),
		})
	}
	require.NoError(t, db.InsertGuestProcesses(id, records))
	return id
}

func getJSON(t *testing.T, url string, out interface{}) {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestSnapshotsEndpoint(t *testing.T) {
	ts, db := newTestServer(t)
	seedSnapshot(t, db, "System", "lsass.exe")

	var snaps []SnapshotRow
	getJSON(t, ts.URL+"/api/snapshots", &snaps)
	require.Len(t, snaps, 1)
	assert.Equal(t, "win7-test", snaps[0].Domain)
	assert.Equal(t, 2, snaps[0].Visited)
	assert.Equal(t, 2, snaps[0].Decoded)
	assert.False(t, snaps[0].Partial)
}

func TestProcessesEndpoint(t *testing.T) {
	ts, db := newTestServer(t)
	snapID := seedSnapshot(t, db, "System", "lsass.exe")

	var procs []ProcessRow
	getJSON(t, ts.URL+"/api/processes?snapshot="+strconv.FormatInt(snapID, 10), &procs)
	require.Len(t, procs, 2)
	assert.Equal(t, "System", procs[0].Name)
	assert.Equal(t, uint32(4), procs[0].PID)
	assert.Equal(t, 0, procs[0].Seq)
	assert.Equal(t, "win7-test", procs[0].Domain)

	// Without a snapshot parameter the latest pass is used.
	var latest []ProcessRow
	getJSON(t, ts.URL+"/api/processes", &latest)
	assert.Len(t, latest, 2)
}

func TestProcessesEmptyDatabase(t *testing.T) {
	ts, _ := newTestServer(t)

	var procs []ProcessRow
	getJSON(t, ts.URL+"/api/processes", &procs)
	assert.Len(t, procs, 0)
}

func TestProcessesInvalidSnapshotParam(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/processes?snapshot=bogus")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestProcessHistoryEndpoint(t *testing.T) {
	ts, db := newTestServer(t)
	seedSnapshot(t, db, "System")
	seedSnapshot(t, db, "System")

	var procs []ProcessRow
	getJSON(t, ts.URL+"/api/processes?pid=4", &procs)
	assert.Len(t, procs, 2)
}

func TestRuleUploadAndToggle(t *testing.T) {
	ts, _ := newTestServer(t)

	payload := map[string]interface{}{
		"content":  testRuleYAML,
		"filename": "test_rule.yml",
		"enabled":  true,
	}
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/api/sigma/rules/upload", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rules []sigma.RuleInfo
	getJSON(t, ts.URL+"/api/sigma/rules", &rules)
	require.Len(t, rules, 1)
	assert.True(t, rules[0].Enabled)
	assert.Equal(t, "Suspicious Process Name", rules[0].Title)

	resp, err = http.Post(ts.URL+"/api/sigma/rules/toggle/test_rule.yml", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	getJSON(t, ts.URL+"/api/sigma/rules", &rules)
	require.Len(t, rules, 1)
	assert.False(t, rules[0].Enabled)
}

func TestRuleUploadRejectsBadFilename(t *testing.T) {
	ts, _ := newTestServer(t)

	payload := map[string]interface{}{
		"content":  testRuleYAML,
		"filename": "../escape.yml",
		"enabled":  true,
	}
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/api/sigma/rules/upload", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestIndexServed(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	page, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(page), "VMI Process Monitor")
}
