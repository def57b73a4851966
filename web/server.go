package web

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"html/template"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	sigmago "github.com/bradleyjkemp/sigma-go"

	"github.com/mhmdreda99/VMI-SecurityDemo/sigma"
)

type Server struct {
	db            *sql.DB
	sigmaDetector *sigma.Detector
	listenAddr    string
}

func NewServer(db *sql.DB, sigmaDetector *sigma.Detector, listenAddr string) *Server {
	return &Server{
		db:            db,
		sigmaDetector: sigmaDetector,
		listenAddr:    listenAddr,
	}
}

// routes builds the request mux. Kept separate from Start so tests can
// exercise the handlers without binding a port.
func (s *Server) routes() *http.ServeMux {
	// Debug handler that wraps other handlers and logs request details
	debugHandler := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			fmt.Printf("[%s] %s %s\n", time.Now().Format("15:04:05"), r.Method, r.URL.Path)
			h(w, r)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", debugHandler(s.handleIndex))
	mux.HandleFunc("/api/snapshots", debugHandler(s.handleSnapshots))
	mux.HandleFunc("/api/processes", debugHandler(s.handleProcesses))
	mux.HandleFunc("/api/scans", debugHandler(s.handleScans))

	// Add Sigma routes if detector is available
	if s.sigmaDetector != nil {
		mux.HandleFunc("/api/sigma/rules", debugHandler(s.handleSigmaRules))
		mux.HandleFunc("/api/sigma/rules/toggle/", debugHandler(s.handleSigmaRuleToggle))
		mux.HandleFunc("/api/sigma/rules/upload", debugHandler(s.handleSigmaRuleUpload))
		mux.HandleFunc("/api/sigma/matches", debugHandler(s.handleSigmaMatchesList))
		mux.HandleFunc("/api/sigma/matches/", debugHandler(s.handleSigmaMatchOperation))
	}

	return mux
}

func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.listenAddr,
		Handler: s.routes(),
	}

	fmt.Printf("Starting web server on %s\n", s.listenAddr)

	// Graceful shutdown goroutine
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	}()

	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Stop() error {
	// Nothing to do yet, but interface allows for future cleanup
	return nil
}

// handleIndex serves the main HTML page
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")

	tmpl := template.Must(template.New("index").Parse(indexTemplate))
	if err := tmpl.Execute(w, nil); err != nil {
		fmt.Printf("Error executing template: %v\n", err)
	}
}

// handleSnapshots returns recent introspection passes
func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.Query(`
        SELECT
            id, timestamp, domain, visited, decoded,
            skipped, partial, corrupted
        FROM snapshots
        ORDER BY timestamp DESC
        LIMIT 100
    `)
	if err != nil {
		fmt.Printf("Database query error: %v\n", err)
		http.Error(w, err.Error(), 500)
		return
	}
	defer rows.Close()

	var snapshots []SnapshotRow
	for rows.Next() {
		var snap SnapshotRow
		err := rows.Scan(
			&snap.ID, &snap.Timestamp, &snap.Domain, &snap.Visited,
			&snap.Decoded, &snap.Skipped, &snap.Partial, &snap.Corrupted,
		)
		if err != nil {
			fmt.Printf("Error scanning row: %v\n", err)
			http.Error(w, err.Error(), 500)
			return
		}
		snapshots = append(snapshots, snap)
	}

	fmt.Printf("Returning %d snapshots\n", len(snapshots))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snapshots)
}

// handleProcesses returns guest processes for a snapshot, or the history of
// one PID across snapshots
func (s *Server) handleProcesses(w http.ResponseWriter, r *http.Request) {
	fmt.Printf("Fetching guest process data from database\n")

	pidParam := r.URL.Query().Get("pid")
	if pidParam != "" {
		s.handleProcessHistory(w, r, pidParam)
		return
	}

	snapshotID, done := s.resolveSnapshotID(w, r)
	if done {
		return
	}

	processes, err := s.fetchProcesses(`
        SELECT
            p.id, p.snapshot_id, p.seq, p.pid, p.name, p.eprocess,
            s.timestamp, s.domain
        FROM guest_processes p
        JOIN snapshots s ON p.snapshot_id = s.id
        WHERE p.snapshot_id = ?
        ORDER BY p.seq ASC
    `, snapshotID)
	if err != nil {
		fmt.Printf("Database query error: %v\n", err)
		http.Error(w, err.Error(), 500)
		return
	}

	fmt.Printf("Returning %d processes\n", len(processes))
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(processes)
}

// handleProcessHistory returns every observation of one guest PID, most
// recent pass first
func (s *Server) handleProcessHistory(w http.ResponseWriter, r *http.Request, pidParam string) {
	pid, err := strconv.Atoi(pidParam)
	if err != nil {
		http.Error(w, "Invalid PID", 400)
		return
	}

	processes, err := s.fetchProcesses(`
        SELECT
            p.id, p.snapshot_id, p.seq, p.pid, p.name, p.eprocess,
            s.timestamp, s.domain
        FROM guest_processes p
        JOIN snapshots s ON p.snapshot_id = s.id
        WHERE p.pid = ?
        ORDER BY s.timestamp DESC
        LIMIT 100
    `, pid)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(processes)
}

// handleScans returns thread pointer scan results for a snapshot
func (s *Server) handleScans(w http.ResponseWriter, r *http.Request) {
	snapshotID, done := s.resolveSnapshotID(w, r)
	if done {
		return
	}

	rows, err := s.db.Query(`
        SELECT
            id, snapshot_id, pid, name, eprocess, matches, samples
        FROM pointer_scans
        WHERE snapshot_id = ?
        ORDER BY matches DESC
    `, snapshotID)
	if err != nil {
		fmt.Printf("Database query error: %v\n", err)
		http.Error(w, err.Error(), 500)
		return
	}
	defer rows.Close()

	var scans []ScanRow
	for rows.Next() {
		var scan ScanRow
		var samples sql.NullString
		err := rows.Scan(
			&scan.ID, &scan.SnapshotID, &scan.PID, &scan.Name,
			&scan.EProcess, &scan.Matches, &samples,
		)
		if err != nil {
			fmt.Printf("Error scanning row: %v\n", err)
			http.Error(w, err.Error(), 500)
			return
		}
		if samples.Valid {
			scan.Samples = json.RawMessage(samples.String)
		}
		scans = append(scans, scan)
	}

	fmt.Printf("Returning %d scan results\n", len(scans))
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(scans)
}

// resolveSnapshotID picks the snapshot a request refers to: an explicit
// snapshot parameter, or the most recent pass. It writes the response
// itself when there is nothing to resolve and reports that via done.
func (s *Server) resolveSnapshotID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	snapParam := r.URL.Query().Get("snapshot")

	if snapParam != "" {
		id, err := strconv.ParseInt(snapParam, 10, 64)
		if err != nil {
			http.Error(w, "Invalid snapshot ID", 400)
			return 0, true
		}
		return id, false
	}

	var id int64
	err := s.db.QueryRow("SELECT id FROM snapshots ORDER BY timestamp DESC LIMIT 1").Scan(&id)
	if err == sql.ErrNoRows {
		// No passes recorded yet
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte("[]"))
		return 0, true
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return 0, true
	}
	return id, false
}

func (s *Server) fetchProcesses(query string, args ...interface{}) ([]ProcessRow, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var processes []ProcessRow
	for rows.Next() {
		var p ProcessRow
		err := rows.Scan(
			&p.ID, &p.SnapshotID, &p.Seq, &p.PID, &p.Name,
			&p.EProcess, &p.Timestamp, &p.Domain,
		)
		if err != nil {
			return nil, err
		}
		processes = append(processes, p)
	}

	return processes, rows.Err()
}

// handleSigmaRules returns an http.HandlerFunc for Sigma rule listing
func (s *Server) handleSigmaRules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rules, err := s.sigmaDetector.ListRules()
	if err != nil {
		http.Error(w, fmt.Sprintf("Error reading rules: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rules)
}

// handleSigmaRuleToggle flips a rule between enabled and disabled
func (s *Server) handleSigmaRuleToggle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	filename := strings.TrimPrefix(r.URL.Path, "/api/sigma/rules/toggle/")
	if filename == "" {
		http.Error(w, "Rule filename required", http.StatusBadRequest)
		return
	}

	fmt.Printf("Toggling rule: %s\n", filename)

	rules, err := s.sigmaDetector.ListRules()
	if err != nil {
		http.Error(w, fmt.Sprintf("Error reading rules: %v", err), http.StatusInternalServerError)
		return
	}

	var current *sigma.RuleInfo
	for i := range rules {
		if rules[i].Filename == filename {
			current = &rules[i]
			break
		}
	}
	if current == nil {
		http.Error(w, "Rule not found", http.StatusNotFound)
		return
	}

	if err := s.sigmaDetector.SetRuleEnabled(filename, !current.Enabled); err != nil {
		http.Error(w, fmt.Sprintf("Error toggling rule: %v", err), http.StatusInternalServerError)
		return
	}

	current.Enabled = !current.Enabled

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(current)
}

// handleSigmaRuleUpload returns an http.HandlerFunc for uploading Sigma rules
func (s *Server) handleSigmaRuleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Parse request body
	var request struct {
		Content  string `json:"content"`
		Filename string `json:"filename"`
		Enabled  bool   `json:"enabled"`
	}

	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	// Validate data
	if request.Content == "" || request.Filename == "" {
		http.Error(w, "Content and filename are required", http.StatusBadRequest)
		return
	}

	if filepath.Base(request.Filename) != request.Filename {
		http.Error(w, "Invalid filename", http.StatusBadRequest)
		return
	}

	// Make sure filename has valid extension
	if !strings.HasSuffix(request.Filename, ".yml") && !strings.HasSuffix(request.Filename, ".yaml") {
		http.Error(w, "Filename must have .yml or .yaml extension", http.StatusBadRequest)
		return
	}

	// Try to parse the rule to validate it
	rule, err := sigmago.ParseRule([]byte(request.Content))
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid rule format: %v", err), http.StatusBadRequest)
		return
	}

	// Determine target directory
	var targetDir string
	if request.Enabled {
		targetDir = filepath.Join(s.sigmaDetector.RulesDir, "enabled_rules")
	} else {
		targetDir = filepath.Join(s.sigmaDetector.RulesDir, "disabled_rules")
	}

	// Ensure the directory exists
	if _, err := os.Stat(targetDir); os.IsNotExist(err) {
		if err := os.MkdirAll(targetDir, 0755); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create directory: %v", err), http.StatusInternalServerError)
			return
		}
	}

	// Write the file. The watcher on enabled_rules notices the change and
	// triggers a reload, so no explicit reload is needed.
	filePath := filepath.Join(targetDir, request.Filename)
	if err := os.WriteFile(filePath, []byte(request.Content), 0644); err != nil {
		http.Error(w, fmt.Sprintf("Failed to write file: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sigma.RuleInfo{
		ID:          rule.ID,
		Title:       rule.Title,
		Level:       rule.Level,
		Description: rule.Description,
		Filename:    request.Filename,
		Enabled:     request.Enabled,
	})
}

// handleSigmaMatchesList returns an http.HandlerFunc for listing Sigma matches
func (s *Server) handleSigmaMatchesList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Get query parameters
	filters := map[string]string{
		"status":   r.URL.Query().Get("status"),
		"severity": r.URL.Query().Get("severity"),
		"rule":     r.URL.Query().Get("rule"),
	}

	fmt.Printf("Fetching matches with filters: %v\n", filters)

	matches, err := s.sigmaDetector.GetMatches(100, 0, filters)
	if err != nil {
		http.Error(w, fmt.Sprintf("Error fetching matches: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(matches)
}

// handleSigmaMatchOperation returns an http.HandlerFunc for operations on individual matches
func (s *Server) handleSigmaMatchOperation(w http.ResponseWriter, r *http.Request) {
	// Extract match ID from URL path - /api/sigma/matches/{id}
	pathParts := strings.Split(r.URL.Path, "/")
	if len(pathParts) < 5 {
		http.Error(w, "Invalid match ID", http.StatusBadRequest)
		return
	}

	matchID, err := strconv.ParseInt(pathParts[4], 10, 64)
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid match ID: %v", err), http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodPost:
		// Update match status
		var request struct {
			Status string `json:"status"`
		}

		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
			return
		}

		fmt.Printf("Updating match %d status to: %s\n", matchID, request.Status)

		if err := s.sigmaDetector.UpdateMatchStatus(matchID, request.Status); err != nil {
			http.Error(w, fmt.Sprintf("Error updating match status: %v", err), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":     matchID,
			"status": request.Status,
		})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// Template for the index page
const indexTemplate = `<!DOCTYPE html>
<html>
<head>
    <title>VMI Process Monitor</title>
    <meta charset="utf-8">
    <meta name="viewport" content="width=device-width, initial-scale=1">
    <script src="https://cdn.tailwindcss.com"></script>
</head>
<body class="bg-gray-100">
    <div class="max-w-6xl mx-auto p-6">
        <h1 class="text-2xl font-bold mb-1">VMI Process Monitor</h1>
        <p class="text-sm text-gray-600 mb-4">Guest processes reconstructed from hypervisor memory</p>

        <div class="flex items-center gap-2 mb-4">
            <label for="snapshot" class="text-sm font-medium">Snapshot:</label>
            <select id="snapshot" class="border rounded p-1 text-sm"></select>
        </div>

        <h2 class="text-lg font-semibold mb-2">Guest Processes</h2>
        <table class="w-full bg-white rounded shadow text-sm mb-6">
            <thead><tr class="text-left border-b">
                <th class="p-2">#</th>
                <th class="p-2">PID</th>
                <th class="p-2">Name</th>
                <th class="p-2">EPROCESS</th>
            </tr></thead>
            <tbody id="processes"></tbody>
        </table>

        <h2 class="text-lg font-semibold mb-2">Rule Matches</h2>
        <table class="w-full bg-white rounded shadow text-sm">
            <thead><tr class="text-left border-b">
                <th class="p-2">Rule</th>
                <th class="p-2">Severity</th>
                <th class="p-2">Process</th>
                <th class="p-2">PID</th>
                <th class="p-2">Status</th>
            </tr></thead>
            <tbody id="matches"></tbody>
        </table>
    </div>

    <script>
    function td(text) {
        var cell = document.createElement('td');
        cell.className = 'p-2';
        cell.textContent = text;
        return cell;
    }

    function fetchJSON(url) {
        return fetch(url).then(function(resp) {
            if (!resp.ok) throw new Error(url + ': ' + resp.status);
            return resp.json();
        });
    }

    function loadProcesses(snapshotId) {
        fetchJSON('/api/processes?snapshot=' + snapshotId).then(function(procs) {
            var body = document.getElementById('processes');
            body.innerHTML = '';
            (procs || []).forEach(function(p) {
                var row = document.createElement('tr');
                row.className = 'border-b';
                row.appendChild(td(p.seq));
                row.appendChild(td(p.pid));
                row.appendChild(td(p.name));
                row.appendChild(td(p.eprocess));
                body.appendChild(row);
            });
        }).catch(function(err) { console.log(err); });
    }

    function loadSnapshots() {
        fetchJSON('/api/snapshots').then(function(snaps) {
            var sel = document.getElementById('snapshot');
            var previous = sel.value;
            sel.innerHTML = '';
            (snaps || []).forEach(function(s) {
                var opt = document.createElement('option');
                opt.value = s.id;
                opt.textContent = '#' + s.id + ' ' + s.domain +
                    ' (' + s.decoded + '/' + s.visited + ' decoded)' +
                    (s.partial ? ' [partial]' : '') +
                    (s.corrupted ? ' [corrupted]' : '');
                sel.appendChild(opt);
            });
            if (previous && sel.querySelector('option[value="' + previous + '"]')) {
                sel.value = previous;
            }
            if (sel.value) {
                loadProcesses(sel.value);
            }
        }).catch(function(err) { console.log(err); });
    }

    function loadMatches() {
        fetchJSON('/api/sigma/matches').then(function(matches) {
            var body = document.getElementById('matches');
            body.innerHTML = '';
            (matches || []).forEach(function(m) {
                var row = document.createElement('tr');
                row.className = 'border-b';
                row.appendChild(td(m.rule_name));
                row.appendChild(td(m.severity));
                row.appendChild(td(m.process_name));
                row.appendChild(td(m.process_id));
                row.appendChild(td(m.status));
                body.appendChild(row);
            });
        }).catch(function(err) { console.log(err); });
    }

    document.getElementById('snapshot').addEventListener('change', function(e) {
        loadProcesses(e.target.value);
    });

    loadSnapshots();
    loadMatches();
    setInterval(function() { loadSnapshots(); loadMatches(); }, 10000);
    </script>
</body>
</html>`
