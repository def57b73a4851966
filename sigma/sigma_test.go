package sigma

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mhmdreda99/VMI-SecurityDemo/database"
	"github.com/mhmdreda99/VMI-SecurityDemo/guest"
	"github.com/mhmdreda99/VMI-SecurityDemo/vmi"
)

const credentialToolRule = `title: Credential Dumping Tool
id: a0cb7110-edf0-47a4-9177-541a4083128a
status: experimental
description: Detects well known credential dumping tool image names
level: critical
logsource:
    category: process_creation
    product: windows
detection:
    selection:
        Image|endswith:
            - 'mimikatz.exe'
            - 'procdump.exe'
    condition: selection
`

func newTestDetector(t *testing.T) (*Detector, *database.DB) {
	t.Helper()

	db, err := database.NewDB(t.TempDir())
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	rulesDir := t.TempDir()
	enabledDir := filepath.Join(rulesDir, "enabled_rules")
	require.NoError(t, os.MkdirAll(enabledDir, 0755))
	rulePath := filepath.Join(enabledDir, "credential_tool.yml")
	require.NoError(t, os.WriteFile(rulePath, []byte(credentialToolRule), 0644))

	detector, err := NewDetector(rulesDir, db.Db)
	require.NoError(t, err)
	t.Cleanup(detector.StopPolling)

	return detector, db
}

func insertProcesses(t *testing.T, db *database.DB, names ...string) {
	t.Helper()

	snapshotID, err := db.InsertSnapshot(&database.SnapshotMeta{
		Timestamp: time.Now(),
		Domain:    "win7-test",
		Visited:   len(names),
		Decoded:   len(names),
	})
	require.NoError(t, err)

	records := make([]guest.ProcessRecord, 0, len(names))
	for i, name := range names {
		records = append(records, guest.ProcessRecord{
			PID:  uint32(100 + i*4),
			Name: name,
			Addr: vmi.Address(0xfffffa8001000000 + uint64(i)*0x500),
		})
	}
	require.NoError(t, db.InsertGuestProcesses(snapshotID, records))
}

func TestDetectorLoadsRules(t *testing.T) {
	detector, _ := newTestDetector(t)
	assert.Equal(t, 1, detector.RuleCount())
}

func TestProcessNewEventsStoresMatches(t *testing.T) {
	detector, db := newTestDetector(t)
	insertProcesses(t, db, "System", "mimikatz.exe", "explorer.exe")

	matches, err := detector.ProcessNewEvents(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, matches)

	stored, err := detector.GetMatches(10, 0, nil)
	require.NoError(t, err)
	require.Len(t, stored, 1)

	match := stored[0]
	assert.Equal(t, "a0cb7110-edf0-47a4-9177-541a4083128a", match.RuleID)
	assert.Equal(t, "Credential Dumping Tool", match.RuleName)
	assert.Equal(t, "mimikatz.exe", match.ProcessName)
	assert.Equal(t, int64(104), match.ProcessID)
	assert.Equal(t, "win7-test", match.Domain)
	assert.Equal(t, "critical", match.Severity)
	assert.Equal(t, "new", match.Status)
	assert.NotEmpty(t, match.EProcess)
	assert.NotEmpty(t, match.MatchDetails)
}

func TestProcessNewEventsAdvancesCursor(t *testing.T) {
	detector, db := newTestDetector(t)
	insertProcesses(t, db, "mimikatz.exe")

	matches, err := detector.ProcessNewEvents(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, matches)

	// A second sweep must not re-match rows it already processed.
	matches, err = detector.ProcessNewEvents(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, matches)

	// Rows recorded after the cursor are picked up.
	insertProcesses(t, db, "procdump.exe")
	matches, err = detector.ProcessNewEvents(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, matches)
}

func TestGetMatchesFilters(t *testing.T) {
	detector, db := newTestDetector(t)
	insertProcesses(t, db, "mimikatz.exe")

	_, err := detector.ProcessNewEvents(context.Background())
	require.NoError(t, err)

	matches, err := detector.GetMatches(10, 0, map[string]string{"severity": "critical"})
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	matches, err = detector.GetMatches(10, 0, map[string]string{"severity": "low"})
	require.NoError(t, err)
	assert.Len(t, matches, 0)
}

func TestUpdateMatchStatus(t *testing.T) {
	detector, db := newTestDetector(t)
	insertProcesses(t, db, "mimikatz.exe")

	_, err := detector.ProcessNewEvents(context.Background())
	require.NoError(t, err)

	stored, err := detector.GetMatches(1, 0, nil)
	require.NoError(t, err)
	require.Len(t, stored, 1)

	require.NoError(t, detector.UpdateMatchStatus(stored[0].ID, "resolved"))

	stored, err = detector.GetMatches(1, 0, nil)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "resolved", stored[0].Status)

	assert.Error(t, detector.UpdateMatchStatus(stored[0].ID, "bogus"))
}

func TestListRulesAndToggle(t *testing.T) {
	detector, _ := newTestDetector(t)

	rules, err := detector.ListRules()
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.True(t, rules[0].Enabled)
	assert.Equal(t, "Credential Dumping Tool", rules[0].Title)
	assert.Equal(t, "credential_tool.yml", rules[0].Filename)

	require.NoError(t, detector.SetRuleEnabled("credential_tool.yml", false))

	rules, err = detector.ListRules()
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.False(t, rules[0].Enabled)

	// The move queues an async reload; apply one directly for the assertion.
	require.NoError(t, detector.LoadRules())
	assert.Equal(t, 0, detector.RuleCount())

	assert.Error(t, detector.SetRuleEnabled("../escape.yml", true))
}

func TestGetMatchStats(t *testing.T) {
	detector, db := newTestDetector(t)
	insertProcesses(t, db, "mimikatz.exe", "procdump.exe")

	_, err := detector.ProcessNewEvents(context.Background())
	require.NoError(t, err)

	stats, err := detector.GetMatchStats()
	require.NoError(t, err)

	assert.Equal(t, 1, stats["totalRules"])
	assert.Equal(t, 1, stats["activeRules"])

	sevCounts, ok := stats["severityCounts"].(map[string]int)
	require.True(t, ok)
	assert.Equal(t, 2, sevCounts["critical"])
}
