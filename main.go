package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mhmdreda99/VMI-SecurityDemo/database"
	"github.com/mhmdreda99/VMI-SecurityDemo/guest"
	"github.com/mhmdreda99/VMI-SecurityDemo/profile"
	"github.com/mhmdreda99/VMI-SecurityDemo/sigma"
	"github.com/mhmdreda99/VMI-SecurityDemo/vmi"
	"github.com/mhmdreda99/VMI-SecurityDemo/web"
)

func main() {
	// run owns all the deferred cleanup, so every exit path releases the
	// session and the database.
	os.Exit(run())
}

func run() int {
	var (
		profilePath  = flag.String("profile", "", "kernel profile (.yaml, .json, or .json.xz); default profiles/<domain>.yaml")
		snapshotPath = flag.String("snapshot", "", "analyze a raw memory snapshot instead of a live VM")
		dataDir      = flag.String("data", "data", "directory for the introspection database")
		rulesDir     = flag.String("rules", "rules", "directory holding enabled_rules and disabled_rules")
		serve        = flag.Bool("serve", false, "keep running: periodic passes plus the web interface")
		listenAddr   = flag.String("listen", ":8080", "web interface listen address")
		interval     = flag.Duration("interval", 30*time.Second, "time between passes in serve mode")
		cachePages   = flag.Int("cache-pages", 0, "page cache capacity in pages (0 for default)")
		dtbOverride  = flag.String("dtb", "", "override the profile's directory table base (hex)")
		baseOverride = flag.String("kernel-base", "", "override the profile's kernel base (hex)")
		writeProfile = flag.String("write-profile", "", "write the loaded profile back out as YAML and exit")
	)
	flag.Parse()

	domain := "win7-vmi"
	if flag.NArg() > 0 {
		domain = flag.Arg(0)
	}
	if *profilePath == "" {
		*profilePath = filepath.Join("profiles", domain+".yaml")
	}

	prof, err := profile.Load(*profilePath)
	if err != nil {
		fmt.Printf("Failed to load profile: %v\n", err)
		return 1
	}

	// ISF profiles carry offsets and symbol RVAs but not the runtime values,
	// so those come in on the command line.
	if *dtbOverride != "" {
		if prof.DTB, err = parseHex(*dtbOverride); err != nil {
			fmt.Printf("Invalid -dtb value: %v\n", err)
			return 1
		}
	}
	if *baseOverride != "" {
		if prof.KernelBase, err = parseHex(*baseOverride); err != nil {
			fmt.Printf("Invalid -kernel-base value: %v\n", err)
			return 1
		}
	}

	if *writeProfile != "" {
		if err := prof.Save(*writeProfile); err != nil {
			fmt.Printf("Failed to write profile: %v\n", err)
			return 1
		}
		fmt.Printf("Profile %s written to %s\n", prof.Name, *writeProfile)
		return 0
	}

	printBanner(domain, prof)

	session, err := vmi.Open(vmi.Config{
		Domain:       domain,
		Profile:      prof,
		SnapshotPath: *snapshotPath,
		CachePages:   *cachePages,
	})
	if err != nil {
		fmt.Printf("Initialization failed: %v\n\n", err)
		fmt.Println("Ensure:")
		fmt.Printf("1. The VM '%s' is running (virsh list)\n", domain)
		fmt.Println("2. You have root privileges (sudo)")
		fmt.Println("3. The profile matches the guest kernel build")
		return 1
	}
	defer session.Close()

	// Guest memory is already mapped, so the rest of the run doesn't need
	// root. Files created from here on belong to the invoking user.
	if err := dropPrivileges(); err != nil {
		fmt.Printf("Warning: failed to drop privileges: %v\n", err)
	}

	db, err := database.NewDB(*dataDir)
	if err != nil {
		fmt.Printf("Failed to initialize database: %v\n", err)
		return 1
	}
	defer db.Close()

	detector, err := sigma.NewDetector(*rulesDir, db.Db)
	if err != nil {
		fmt.Printf("Failed to initialize Sigma detector: %v\n", err)
		return 1
	}
	defer detector.StopPolling()

	if !*serve {
		if err := runPass(session, db, true); err != nil {
			fmt.Printf("Introspection failed: %v\n", err)
			return 1
		}

		matches, err := detector.ProcessNewEvents(context.Background())
		if err != nil {
			fmt.Printf("Warning: Sigma sweep failed: %v\n", err)
		} else if matches > 0 {
			fmt.Printf("\nSigma detection: %d rule match(es) stored\n", matches)
		}
		return 0
	}

	runServe(session, db, detector, *listenAddr, *interval)
	return 0
}

// runServe keeps taking passes on an interval while the web interface and
// the Sigma poller run in the background.
func runServe(session *vmi.Session, db *database.DB, detector *sigma.Detector, listenAddr string, interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := web.NewServer(db.Db, detector, listenAddr)
	go func() {
		if err := server.Start(ctx); err != nil {
			fmt.Printf("Web server error: %v\n", err)
		}
	}()
	fmt.Printf("Web interface available at http://localhost%s\n", listenAddr)

	go func() {
		if err := detector.StartPolling(ctx, interval); err != nil {
			fmt.Printf("Sigma detector error: %v\n", err)
		}
	}()

	fmt.Printf("Introspecting every %s... Press Ctrl+C to stop\n", interval)

	if err := runPass(session, db, false); err != nil {
		fmt.Printf("Pass failed: %v\n", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-sig:
			fmt.Println("\nShutting down...")
			return
		case <-ticker.C:
			// The guest has moved on since the last pass; cached pages
			// would show stale kernel state.
			session.Flush()
			if err := runPass(session, db, false); err != nil {
				fmt.Printf("Pass failed: %v\n", err)
			}
		}
	}
}

// runPass takes one full look at the guest: enumerate the process list,
// check address space accessibility, scan for thread pointers, and persist
// everything as a snapshot. With verbose set, each stage prints the full
// console report.
func runPass(session *vmi.Session, db *database.DB, verbose bool) error {
	started := time.Now()
	rule := strings.Repeat("-", 80)

	if verbose {
		fmt.Println("\n[1] PROCESS ENUMERATION (EPROCESS list traversal)")
		fmt.Println(rule)
	}

	report, err := guest.EnumerateProcesses(session)
	if err != nil {
		return fmt.Errorf("failed to enumerate processes: %v", err)
	}

	if verbose {
		for _, rec := range report.Records {
			fmt.Println(guest.FormatRecord(rec))
		}
		fmt.Printf("\nTotal processes found: %d\n", report.Decoded())
		if report.Skipped > 0 {
			fmt.Printf("Unreadable list nodes skipped: %d\n", report.Skipped)
		}
	}
	if report.Partial {
		fmt.Println("Warning: traversal stopped at an unreadable link; the list is incomplete")
	}
	if report.Corrupted {
		fmt.Println("Warning: node ceiling reached without closing the list; guest state looks corrupted")
	}

	access, err := guest.AnalyzeMemoryAccess(session, guest.DefaultAccessConfig())
	if err != nil {
		return fmt.Errorf("failed to analyze memory access: %v", err)
	}

	if verbose {
		fmt.Println("\n[2] MEMORY SPACE ANALYSIS (per-process address space checks)")
		fmt.Println(rule)
		if len(access.Results) == 0 {
			fmt.Println("No user processes matched the analysis filter")
		}
		for _, res := range access.Results {
			fmt.Println(guest.FormatAccessResult(res))
		}
	}

	scans, err := guest.ScanThreadPointers(session, guest.DefaultScanConfig())
	if err != nil {
		return fmt.Errorf("failed to scan for thread pointers: %v", err)
	}

	if verbose {
		fmt.Println("\n[3] KERNEL OBJECT SCAN (thread pointer heuristics)")
		fmt.Println(rule)
		for _, res := range scans.Results {
			fmt.Println(guest.FormatScanResult(res))
		}
	}

	snapshotID, err := db.InsertSnapshot(&database.SnapshotMeta{
		Timestamp: started,
		Domain:    session.Domain(),
		Visited:   report.Visited,
		Decoded:   report.Decoded(),
		Skipped:   report.Skipped,
		Partial:   report.Partial,
		Corrupted: report.Corrupted,
	})
	if err != nil {
		return fmt.Errorf("failed to record snapshot: %v", err)
	}
	if err := db.InsertGuestProcesses(snapshotID, report.Records); err != nil {
		return fmt.Errorf("failed to record processes: %v", err)
	}
	if err := db.InsertPointerScans(snapshotID, scans.Results); err != nil {
		return fmt.Errorf("failed to record scan results: %v", err)
	}

	fmt.Printf("\nPass %d complete in %s: %s\n",
		snapshotID, time.Since(started).Round(time.Millisecond), report.Summary())
	return nil
}

func printBanner(domain string, prof *profile.Profile) {
	line := strings.Repeat("=", 80)
	fmt.Println(line)
	fmt.Println("                       VIRTUAL MACHINE INTROSPECTION")
	fmt.Println("         Reconstructing guest kernel state from hypervisor memory")
	fmt.Println(line)
	fmt.Printf("Target VM: %s\n", domain)
	fmt.Printf("Profile:   %s (%s)\n", prof.Name, prof.OSType)
	fmt.Printf("Started:   %s\n", time.Now().Format(time.RFC1123))
	fmt.Println()
	fmt.Println("Capabilities demonstrated:")
	fmt.Println("  * Guest physical memory access without an in-guest agent")
	fmt.Println("  * Virtual address translation through guest page tables")
	fmt.Println("  * Kernel process list reconstruction from EPROCESS structures")
	fmt.Println("  * Detection rules evaluated against reconstructed state")
	fmt.Println(line)
}

func parseHex(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
}
