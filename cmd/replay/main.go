package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"blockwalker.ai/internal/persistence/indexdb"
	persistlog "blockwalker.ai/internal/persistence/log"
	"blockwalker.ai/internal/persistence/snapshot"
	"blockwalker.ai/internal/sim/catalogs"
	"blockwalker.ai/internal/sim/world"
)

func main() {
	var (
		snapPath  = flag.String("snapshot", "", "path to .snap.zst to check (optional)")
		configDir = flag.String("configs", "./configs", "config directory")
		dataDir   = flag.String("data", "", "walker data dir containing runs/runs-*.jsonl.zst (optional)")
		reindex   = flag.String("reindex", "", "rebuild a sqlite run index at this path from the journal (optional)")
	)
	flag.Parse()

	if *snapPath == "" && *dataDir == "" {
		fmt.Fprintln(os.Stderr, "missing -snapshot or -data")
		os.Exit(2)
	}

	if *snapPath != "" {
		if err := checkSnapshot(*snapPath, *configDir); err != nil {
			fmt.Fprintln(os.Stderr, "snapshot:", err)
			os.Exit(1)
		}
	}
	if *dataDir == "" {
		return
	}

	files, err := persistlog.JournalFiles(*dataDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list journal:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no journal files found in", *dataDir)
		os.Exit(1)
	}

	var entries []persistlog.JournalEntry
	for _, path := range files {
		es, err := persistlog.ReadJournal(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read journal:", err)
			os.Exit(1)
		}
		entries = append(entries, es...)
	}

	sum, err := verifyRuns(entries)
	if err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
	fmt.Printf("replay ok: files=%d runs=%d outcomes=%d open=%d\n", len(files), sum.Runs, sum.Outcomes, sum.Open)

	if p := strings.TrimSpace(*reindex); p != "" {
		n, err := rebuildIndex(p, entries)
		if err != nil {
			fmt.Fprintln(os.Stderr, "reindex:", err)
			os.Exit(1)
		}
		fmt.Printf("reindexed %d entries into %s\n", n, p)
	}
}

func checkSnapshot(path, configDir string) error {
	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		return err
	}
	fmt.Printf("snapshot v%d world=%s saved=%s bounds=%v..%v chunks=%d agents=%d\n",
		snap.Header.Version, snap.Header.WorldID, time.Unix(snap.Header.SavedAt, 0).UTC().Format(time.RFC3339),
		snap.BoundsMin, snap.BoundsMax, len(snap.Chunks), len(snap.Agents))

	cats, err := catalogs.Load(configDir)
	if err != nil {
		return fmt.Errorf("load catalogs: %w", err)
	}
	w, err := world.FromSnapshot(snap, cats)
	if err != nil {
		return err
	}
	again := w.ExportSnapshot()
	if snap.PaletteDigest != cats.Blocks.PaletteDigest {
		// Ids were remapped on load, so stored digests no longer apply.
		fmt.Println("palette changed since the snapshot was written; skipping chunk digests")
		return nil
	}
	if len(again.Chunks) != len(snap.Chunks) {
		return fmt.Errorf("chunk count changed on reload: %d -> %d", len(snap.Chunks), len(again.Chunks))
	}
	for i := range snap.Chunks {
		if snap.Chunks[i].Digest != again.Chunks[i].Digest {
			c := snap.Chunks[i]
			return fmt.Errorf("chunk (%d,%d,%d) digest mismatch", c.CX, c.CY, c.CZ)
		}
	}
	return nil
}

func rebuildIndex(path string, entries []persistlog.JournalEntry) (int, error) {
	idx, err := indexdb.OpenSQLite(path)
	if err != nil {
		return 0, err
	}
	defer idx.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	n := 0
	for _, e := range entries {
		switch {
		case e.Outcome != nil:
			idx.RecordOutcome(*e.Outcome)
		case e.Report != nil:
			idx.RecordReport(*e.Report)
		default:
			continue
		}
		n++
		// Keep the writer queue well below capacity.
		if n%10000 == 0 {
			if err := idx.Sync(ctx); err != nil {
				return n, err
			}
		}
	}
	if err := idx.Sync(ctx); err != nil {
		return n, err
	}
	if st := idx.Stats(); st.DropOutcomeTotal+st.DropReportTotal > 0 {
		return n, fmt.Errorf("index queue dropped %d outcomes and %d reports", st.DropOutcomeTotal, st.DropReportTotal)
	}
	return n, nil
}
