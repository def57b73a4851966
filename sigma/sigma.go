package sigma

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bradleyjkemp/sigma-go"
	"github.com/bradleyjkemp/sigma-go/evaluator"
	"github.com/fsnotify/fsnotify"
)

// Detector manages Sigma rules and detection over introspected guest state
type Detector struct {
	RulesDir   string
	db         *sql.DB
	evaluators map[string]*evaluator.RuleEvaluator
	running    bool
	eventTypes []string
	reloadChan chan bool         // Channel to signal rule reloading
	watcher    *fsnotify.Watcher // File system watcher
}

// SigmaMatch represents a guest process that matched a Sigma rule
type SigmaMatch struct {
	ID           int64     `json:"id"`
	EventID      int64     `json:"event_id"`
	EventType    string    `json:"event_type"`
	RuleID       string    `json:"rule_id"`
	RuleName     string    `json:"rule_name"`
	ProcessID    int64     `json:"process_id"`
	ProcessName  string    `json:"process_name"`
	EProcess     string    `json:"eprocess"`
	Domain       string    `json:"domain"`
	Timestamp    time.Time `json:"timestamp"`
	Severity     string    `json:"severity"`
	Status       string    `json:"status"`
	MatchDetails []string  `json:"match_details"`
	EventData    string    `json:"event_data"`
	CreatedAt    time.Time `json:"created_at"`
}

// MatchResult represents the result of a rule evaluation
type MatchResult struct {
	Match        bool
	Rule         sigma.Rule
	MatchDetails []string
}

// RuleInfo summarizes one rule file on disk for the management UI
type RuleInfo struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Level       string `json:"level"`
	Description string `json:"description"`
	Filename    string `json:"filename"`
	Enabled     bool   `json:"enabled"`
}

// createFieldConfig maps the rule vocabulary onto the fields an introspected
// process event actually carries. Guest process names come from the kernel's
// own bookkeeping, so Image and ProcessName land on the same value.
func createFieldConfig() sigma.Config {
	return sigma.Config{
		Title: "VMI Introspection Config",
		FieldMappings: map[string]sigma.FieldMapping{
			"Image":       {TargetNames: []string{"Image"}},
			"ProcessName": {TargetNames: []string{"Image"}},
			"ProcessId":   {TargetNames: []string{"ProcessId"}},
			"EProcess":    {TargetNames: []string{"EProcess"}},
			"Domain":      {TargetNames: []string{"Domain"}},
		},
	}
}

// NewDetector creates a new Sigma detector over the introspection database
func NewDetector(rulesDir string, db *sql.DB) (*Detector, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %v", err)
	}

	detector := &Detector{
		RulesDir:   rulesDir,
		db:         db,
		evaluators: make(map[string]*evaluator.RuleEvaluator),
		running:    false,
		eventTypes: []string{"guest_process"},
		reloadChan: make(chan bool, 1), // Buffer of 1 to prevent blocking
		watcher:    watcher,
	}

	// Create enabled_rules and disabled_rules directories if they don't exist
	enabledDir := filepath.Join(rulesDir, "enabled_rules")
	disabledDir := filepath.Join(rulesDir, "disabled_rules")

	for _, dir := range []string{enabledDir, disabledDir} {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			if err := os.MkdirAll(dir, 0755); err != nil {
				watcher.Close()
				return nil, fmt.Errorf("failed to create directory %s: %v", dir, err)
			}
		}
	}

	if err := detector.setupWatcher(); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to set up file watcher: %v", err)
	}

	if err := detector.LoadRules(); err != nil {
		return nil, fmt.Errorf("failed to load rules: %v", err)
	}

	return detector, nil
}

func (sd *Detector) setupWatcher() error {
	// watch the enabled directory (changes dont matter in disabled_rules dir)
	enabledDir := filepath.Join(sd.RulesDir, "enabled_rules")

	if err := sd.watcher.Add(enabledDir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %v", enabledDir, err)
	}
	fmt.Printf("Watching directory for changes: %s\n", enabledDir)

	go sd.watchFileChanges()

	return nil
}

func (sd *Detector) watchFileChanges() {
	for {
		select {
		case event, ok := <-sd.watcher.Events:
			if !ok {
				return // Channel closed
			}

			// We only care about rule files
			if !strings.HasSuffix(event.Name, ".yml") && !strings.HasSuffix(event.Name, ".yaml") {
				continue
			}

			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				fmt.Printf("Detected rule change: %s (%s)\n", event.Name, event.Op.String())
				sd.ReloadRules()
			}

		case err, ok := <-sd.watcher.Errors:
			if !ok {
				return // Channel closed
			}
			fmt.Printf("File watcher error: %v\n", err)
		}
	}
}

// LoadRules loads all Sigma rules from the enabled_rules directory
func (sd *Detector) LoadRules() error {
	// Clear existing evaluators
	sd.evaluators = make(map[string]*evaluator.RuleEvaluator)

	enabledDir := filepath.Join(sd.RulesDir, "enabled_rules")

	if _, err := os.Stat(enabledDir); os.IsNotExist(err) {
		if err := os.MkdirAll(enabledDir, 0755); err != nil {
			return fmt.Errorf("failed to create enabled_rules directory: %v", err)
		}
	}

	entries, err := os.ReadDir(enabledDir)
	if err != nil {
		return err
	}

	count := 0
	for _, entry := range entries {
		if entry.IsDir() || (filepath.Ext(entry.Name()) != ".yml" && filepath.Ext(entry.Name()) != ".yaml") {
			continue
		}
		filePath := filepath.Join(enabledDir, entry.Name())
		if err := sd.LoadRuleFile(filePath); err != nil {
			fmt.Printf("Warning: Failed to load rule file %s: %v\n", filePath, err)
			continue
		}
		count++
	}

	fmt.Printf("Loaded %d Sigma rules from %s\n", count, enabledDir)
	return nil
}

// ReloadRules signals the polling loop to reload rule files
func (sd *Detector) ReloadRules() {
	select {
	case sd.reloadChan <- true:
		// Signal sent successfully
	default:
		// Channel already has a reload signal pending
	}
}

// LoadRuleFile loads a single rule file
func (sd *Detector) LoadRuleFile(filePath string) error {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}

	// Check if this is actually a rule file
	fileType := sigma.InferFileType(content)
	if fileType != sigma.RuleFile {
		return fmt.Errorf("file is not a Sigma rule: %s", filePath)
	}

	rule, err := sigma.ParseRule(content)
	if err != nil {
		return err
	}

	options := []evaluator.Option{
		evaluator.WithConfig(createFieldConfig()),
		evaluator.WithPlaceholderExpander(func(ctx context.Context, placeholderName string) ([]string, error) {
			return nil, nil
		}),
		evaluator.CountImplementation(func(ctx context.Context, key evaluator.GroupedByValues) (float64, error) {
			return 0, nil
		}),
		evaluator.SumImplementation(func(ctx context.Context, key evaluator.GroupedByValues, value float64) (float64, error) {
			return 0, nil
		}),
		evaluator.AverageImplementation(func(ctx context.Context, key evaluator.GroupedByValues, value float64) (float64, error) {
			return 0, nil
		}),
	}

	ruleEvaluator := evaluator.ForRule(rule, options...)

	sd.evaluators[rule.ID] = ruleEvaluator
	log.Printf("Loaded rule: %s (%s)", rule.Title, rule.ID)
	return nil
}

// RuleCount reports how many rules are currently loaded
func (sd *Detector) RuleCount() int {
	return len(sd.evaluators)
}

// ListRules summarizes the rule files in both the enabled and disabled
// directories
func (sd *Detector) ListRules() ([]RuleInfo, error) {
	var rules []RuleInfo

	dirs := []struct {
		path    string
		enabled bool
	}{
		{filepath.Join(sd.RulesDir, "enabled_rules"), true},
		{filepath.Join(sd.RulesDir, "disabled_rules"), false},
	}

	for _, dir := range dirs {
		entries, err := os.ReadDir(dir.path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, entry := range entries {
			if entry.IsDir() || (filepath.Ext(entry.Name()) != ".yml" && filepath.Ext(entry.Name()) != ".yaml") {
				continue
			}
			content, err := os.ReadFile(filepath.Join(dir.path, entry.Name()))
			if err != nil {
				continue
			}
			rule, err := sigma.ParseRule(content)
			if err != nil {
				continue
			}
			rules = append(rules, RuleInfo{
				ID:          rule.ID,
				Title:       rule.Title,
				Level:       rule.Level,
				Description: rule.Description,
				Filename:    entry.Name(),
				Enabled:     dir.enabled,
			})
		}
	}

	return rules, nil
}

// SetRuleEnabled moves a rule file between the disabled and enabled
// directories and queues a reload
func (sd *Detector) SetRuleEnabled(filename string, enabled bool) error {
	if filepath.Base(filename) != filename {
		return fmt.Errorf("invalid rule filename: %s", filename)
	}

	from := filepath.Join(sd.RulesDir, "disabled_rules", filename)
	to := filepath.Join(sd.RulesDir, "enabled_rules", filename)
	if !enabled {
		from, to = to, from
	}

	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("failed to move rule file: %v", err)
	}

	sd.ReloadRules()
	return nil
}

// GetLastProcessedID gets the last processed ID for an event type
func (sd *Detector) GetLastProcessedID(eventType string) (int64, error) {
	query := `SELECT last_id FROM detector_state WHERE event_type = ? LIMIT 1`

	var lastID int64
	err := sd.db.QueryRow(query, eventType).Scan(&lastID)
	if err != nil {
		if err == sql.ErrNoRows {
			// Initialize this event type
			initQuery := `
			INSERT INTO detector_state
				(event_type, last_id, last_processed_time, updated_at)
			VALUES
				(?, 0, datetime('now'), datetime('now'))`

			_, err = sd.db.Exec(initQuery, eventType)
			if err != nil {
				return 0, fmt.Errorf("failed to initialize state for event type %s: %v", eventType, err)
			}
			return 0, nil
		}
		return 0, err
	}

	return lastID, nil
}

// UpdateDetectorState updates the state for an event type
func (sd *Detector) UpdateDetectorState(eventType string, lastID int64, matchCount int) error {
	query := `
	UPDATE detector_state SET
		last_id = ?,
		last_processed_time = datetime('now'),
		match_count = match_count + ?,
		updated_at = datetime('now')
	WHERE event_type = ?`

	_, err := sd.db.Exec(query, lastID, matchCount, eventType)
	return err
}

// CheckEvent checks if an event matches any Sigma rules and returns detailed
// match results
func (sd *Detector) CheckEvent(ctx context.Context, event map[string]interface{}, eventType string) []MatchResult {
	var results []MatchResult

	for _, ruleEvaluator := range sd.evaluators {
		result, err := ruleEvaluator.Matches(ctx, event)
		if err != nil {
			log.Printf("Error evaluating event of type [%s], err %v", eventType, err)
			continue
		}

		if result.Match {
			var matchConditions []string
			for k, v := range result.SearchResults {
				if v {
					matchConditions = append(matchConditions, k)
				}
			}

			matchResult := MatchResult{
				Match: true,
				Rule:  ruleEvaluator.Rule,
				MatchDetails: []string{
					fmt.Sprintf("Matched conditions: %s", strings.Join(matchConditions, ", ")),
				},
			}

			results = append(results, matchResult)
			log.Printf("Event matched rule %s with conditions %s", ruleEvaluator.Rule.ID, strings.Join(matchConditions, ", "))
		}
	}

	return results
}

// StoreMatch stores a rule match in the database
func (sd *Detector) StoreMatch(match MatchResult, event map[string]interface{}, eventType string) error {
	eventDataJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %v", err)
	}

	// Extract event ID
	eventID, ok := event["id"].(int64)
	if !ok {
		if id, ok := event["id"].(int); ok {
			eventID = int64(id)
		} else {
			return fmt.Errorf("event has no valid ID")
		}
	}

	// Extract guest process fields with type assertion
	var processID int64
	var processName, eprocess, domain string

	if id, ok := event["ProcessId"].(int64); ok {
		processID = id
	} else if id, ok := event["ProcessId"].(int); ok {
		processID = int64(id)
	}

	if name, ok := event["Image"].(string); ok {
		processName = name
	}

	if addr, ok := event["EProcess"].(string); ok {
		eprocess = addr
	}

	if dom, ok := event["Domain"].(string); ok {
		domain = dom
	}

	matchDetailsJSON, _ := json.Marshal(match.MatchDetails)

	severity := match.Rule.Level
	if severity == "" {
		severity = "medium"
	}

	query := `
	INSERT INTO sigma_matches (
		event_id,
		event_type,
		rule_id,
		rule_name,
		process_id,
		process_name,
		eprocess,
		domain,
		timestamp,
		severity,
		status,
		match_details,
		event_data,
		created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, datetime('now'), ?, 'new', ?, ?, datetime('now'))`

	_, err = sd.db.Exec(
		query,
		eventID,
		eventType,
		match.Rule.ID,
		match.Rule.Title,
		processID,
		processName,
		eprocess,
		domain,
		severity,
		string(matchDetailsJSON),
		string(eventDataJSON),
	)

	if err != nil {
		return fmt.Errorf("failed to insert match: %v", err)
	}

	log.Printf("Stored match for rule %s: %s", match.Rule.ID, match.Rule.Title)
	return nil
}

// ProcessNewEvents runs one detection sweep over events recorded since the
// last sweep, stores the matches, and advances the cursor. It returns the
// number of matches stored. Both the one-shot report and the polling loop
// go through here.
func (sd *Detector) ProcessNewEvents(ctx context.Context) (int, error) {
	total := 0

	for _, eventType := range sd.eventTypes {
		lastID, err := sd.GetLastProcessedID(eventType)
		if err != nil {
			return total, fmt.Errorf("failed to get last processed ID for %s: %v", eventType, err)
		}

		events, err := sd.FetchNewEvents(eventType, lastID)
		if err != nil {
			return total, fmt.Errorf("failed to fetch %s events: %v", eventType, err)
		}
		if len(events) == 0 {
			continue
		}

		var newLastID int64
		matchCount := 0

		for _, event := range events {
			if ctx.Err() != nil {
				return total, ctx.Err()
			}

			id := event["id"].(int64)
			if id > newLastID {
				newLastID = id
			}

			for _, match := range sd.CheckEvent(ctx, event, eventType) {
				if err := sd.StoreMatch(match, event, eventType); err != nil {
					log.Printf("Error storing match: %v", err)
					continue
				}
				matchCount++
			}
		}

		if newLastID > lastID {
			if err := sd.UpdateDetectorState(eventType, newLastID, matchCount); err != nil {
				log.Printf("Error updating state for %s: %v", eventType, err)
			}
		}
		total += matchCount
	}

	return total, nil
}

// StartPolling sweeps for new events on an interval until the context is
// cancelled, reloading rules whenever the watcher signals a change
func (sd *Detector) StartPolling(ctx context.Context, interval time.Duration) error {
	if sd.running {
		return fmt.Errorf("detector is already running")
	}

	sd.running = true

	var wg sync.WaitGroup

	// Rule reloader goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sd.reloadChan:
				fmt.Println("Reloading Sigma rules...")
				if err := sd.LoadRules(); err != nil {
					fmt.Printf("Error reloading rules: %v\n", err)
				}
			}
		}
	}()

	// Event sweeper goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				log.Println("Stopping guest event polling...")
				return
			case <-ticker.C:
				matches, err := sd.ProcessNewEvents(ctx)
				if err != nil {
					if ctx.Err() == nil {
						log.Printf("Error processing events: %v", err)
					}
					continue
				}
				if matches > 0 {
					log.Printf("Stored %d new rule matches", matches)
				}
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		log.Println("Sigma detection stopping...")
		select {
		case <-done:
			log.Println("Sigma detection stopped gracefully")
		case <-time.After(5 * time.Second):
			log.Println("Warning: Some Sigma detection goroutines didn't stop in time")
		}
	case <-done:
		log.Println("Sigma detection stopped")
	}

	sd.running = false
	return nil
}

// StopPolling stops the polling and releases the file watcher
func (sd *Detector) StopPolling() {
	sd.running = false
	if sd.watcher != nil {
		sd.watcher.Close()
	}

	log.Println("Sigma detection polling stopped")
}

// FetchNewEvents fetches new events of a specific type
func (sd *Detector) FetchNewEvents(eventType string, lastID int64) ([]map[string]interface{}, error) {
	var query string

	switch eventType {
	case "guest_process":
		query = `
		SELECT
			p.id,
			p.pid as ProcessId,
			p.name as Image,
			p.eprocess as EProcess,
			p.seq as Sequence,
			s.domain as Domain
		FROM guest_processes p
		JOIN snapshots s ON p.snapshot_id = s.id
		WHERE p.id > ?
		ORDER BY p.id ASC
		LIMIT 1000`
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}

	rows, err := sd.db.Query(query, lastID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []map[string]interface{}

	// Convert each row to a map for Sigma evaluation
	for rows.Next() {
		var (
			id        int64
			processId sql.NullInt64
			image     sql.NullString
			eprocess  sql.NullString
			sequence  sql.NullInt64
			domain    sql.NullString
		)

		err := rows.Scan(
			&id,
			&processId,
			&image,
			&eprocess,
			&sequence,
			&domain,
		)
		if err != nil {
			return nil, err
		}

		event := map[string]interface{}{
			"id": id,
		}

		if processId.Valid {
			event["ProcessId"] = processId.Int64
		}

		if image.Valid {
			event["Image"] = image.String
		}

		if eprocess.Valid {
			event["EProcess"] = eprocess.String
		}

		if sequence.Valid {
			event["Sequence"] = sequence.Int64
		}

		if domain.Valid {
			event["Domain"] = domain.String
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return events, nil
}

// GetMatches retrieves sigma matches from the database with filters
func (sd *Detector) GetMatches(limit int, offset int, filters map[string]string) ([]SigmaMatch, error) {
	query := `
    SELECT
        id, event_id, event_type, rule_id, rule_name,
        process_id, process_name, eprocess, domain,
        timestamp, severity, status, match_details, event_data, created_at
    FROM sigma_matches`

	whereClause := []string{}
	args := []interface{}{}

	if status, ok := filters["status"]; ok && status != "" && status != "all" {
		whereClause = append(whereClause, "status = ?")
		args = append(args, status)
	}

	if severity, ok := filters["severity"]; ok && severity != "" && severity != "all" {
		whereClause = append(whereClause, "severity = ?")
		args = append(args, severity)
	}

	if ruleID, ok := filters["rule"]; ok && ruleID != "" && ruleID != "all" {
		whereClause = append(whereClause, "rule_id = ?")
		args = append(args, ruleID)
	}

	if len(whereClause) > 0 {
		query += " WHERE " + strings.Join(whereClause, " AND ")
	}

	query += ` ORDER BY timestamp DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := sd.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []SigmaMatch

	for rows.Next() {
		var match SigmaMatch
		var matchDetailsJSON, eventDataJSON string

		err := rows.Scan(
			&match.ID, &match.EventID, &match.EventType, &match.RuleID, &match.RuleName,
			&match.ProcessID, &match.ProcessName, &match.EProcess, &match.Domain,
			&match.Timestamp, &match.Severity, &match.Status, &matchDetailsJSON, &eventDataJSON, &match.CreatedAt,
		)
		if err != nil {
			return nil, err
		}

		json.Unmarshal([]byte(matchDetailsJSON), &match.MatchDetails)
		match.EventData = eventDataJSON

		matches = append(matches, match)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return matches, nil
}

// GetMatchStats retrieves statistics about sigma matches
func (sd *Detector) GetMatchStats() (map[string]interface{}, error) {
	var totalRules int
	err := sd.db.QueryRow("SELECT COUNT(*) FROM (SELECT DISTINCT rule_id FROM sigma_matches)").Scan(&totalRules)
	if err != nil {
		return nil, err
	}

	sevCounts := make(map[string]int)
	rows, err := sd.db.Query("SELECT severity, COUNT(*) FROM sigma_matches GROUP BY severity")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var severity string
		var count int
		if err := rows.Scan(&severity, &count); err != nil {
			return nil, err
		}
		sevCounts[severity] = count
	}

	statusCounts := make(map[string]int)
	rows, err = sd.db.Query("SELECT status, COUNT(*) FROM sigma_matches GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		statusCounts[status] = count
	}

	var last24h int
	yesterday := time.Now().Add(-24 * time.Hour).Format(time.RFC3339)
	err = sd.db.QueryRow("SELECT COUNT(*) FROM sigma_matches WHERE timestamp > ?", yesterday).Scan(&last24h)
	if err != nil {
		return nil, err
	}

	var last7d int
	lastWeek := time.Now().Add(-7 * 24 * time.Hour).Format(time.RFC3339)
	err = sd.db.QueryRow("SELECT COUNT(*) FROM sigma_matches WHERE timestamp > ?", lastWeek).Scan(&last7d)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"totalRules":     totalRules,
		"activeRules":    len(sd.evaluators),
		"alertsLast24h":  last24h,
		"alertsLast7d":   last7d,
		"severityCounts": sevCounts,
		"statusCounts":   statusCounts,
	}, nil
}

// UpdateMatchStatus updates the status of a match
func (sd *Detector) UpdateMatchStatus(matchID int64, newStatus string) error {
	validStatuses := map[string]bool{
		"new":            true,
		"in_progress":    true,
		"resolved":       true,
		"false_positive": true,
	}

	if !validStatuses[newStatus] {
		return fmt.Errorf("invalid status: %s", newStatus)
	}

	_, err := sd.db.Exec(
		"UPDATE sigma_matches SET status = ? WHERE id = ?",
		newStatus, matchID,
	)

	return err
}
