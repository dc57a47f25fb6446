package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"blockwalker.ai/internal/persistence/indexdb"
	"blockwalker.ai/internal/persistence/snapshot"
	"blockwalker.ai/internal/sim/catalogs"
	"blockwalker.ai/internal/sim/world"
	"blockwalker.ai/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configDir  = flag.String("configs", "./configs", "config directory")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		snapPath   = flag.String("snapshot", "", "path to snapshot to load (default: latest in data dir, else the demo world)")
		loadLatest = flag.Bool("load_latest_snapshot", true, "load latest snapshot from data dir if present (when -snapshot is empty)")
		writeDemo  = flag.String("write_demo", "", "write the demo world snapshot to this path and exit")
		saveOnExit = flag.Bool("save_on_exit", true, "write a snapshot on shutdown")
		disableDB  = flag.Bool("disable_db", false, "disable snapshot indexing")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[worldserver] ", log.LstdFlags|log.Lmicroseconds)

	cats, err := catalogs.Load(*configDir)
	if err != nil {
		logger.Fatalf("load catalogs: %v", err)
	}

	if p := strings.TrimSpace(*writeDemo); p != "" {
		w, err := world.GenerateDemo(cats)
		if err != nil {
			logger.Fatalf("demo world: %v", err)
		}
		if err := snapshot.WriteSnapshot(p, w.ExportSnapshot()); err != nil {
			logger.Fatalf("write snapshot: %v", err)
		}
		logger.Printf("wrote demo snapshot %s", p)
		return
	}

	snapDir := filepath.Join(*dataDir, "snapshots")
	snapshotToLoad := strings.TrimSpace(*snapPath)
	if snapshotToLoad == "" && *loadLatest {
		snapshotToLoad = latestSnapshot(snapDir)
	}

	var w *world.World
	if snapshotToLoad != "" {
		snap, err := snapshot.ReadSnapshot(snapshotToLoad)
		if err != nil {
			logger.Fatalf("read snapshot: %v", err)
		}
		w, err = world.FromSnapshot(snap, cats)
		if err != nil {
			logger.Fatalf("import snapshot: %v", err)
		}
		logger.Printf("resumed from snapshot=%s agents=%d", filepath.Base(snapshotToLoad), len(snap.Agents))
	} else {
		w, err = world.GenerateDemo(cats)
		if err != nil {
			logger.Fatalf("demo world: %v", err)
		}
		logger.Printf("fresh demo world %s bounds=%v", w.ID(), w.Bounds())
	}

	var idx *indexdb.SQLiteIndex
	if !*disableDB {
		idx, err = indexdb.OpenSQLite(filepath.Join(*dataDir, "index", "world.sqlite"))
		if err != nil {
			logger.Fatalf("open index: %v", err)
		}
		defer idx.Close()
	}

	ctx, cancel := signalContext()
	defer cancel()

	// The world outlives ctx so the exit snapshot can still be taken after the listener stops.
	worldCtx, stopWorld := context.WithCancel(context.Background())
	defer stopWorld()
	worldDone := make(chan struct{})
	go func() {
		defer close(worldDone)
		if err := w.Run(worldCtx); err != nil && err != context.Canceled {
			logger.Printf("world stopped: %v", err)
		}
	}()

	saver := &snapshotSaver{world: w, dir: snapDir, idx: idx, log: logger}
	wsSrv := ws.NewServer(w, logger)

	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "blockwalker_world_connections",
		Help: "Open agent websocket connections.",
	}, func() float64 { return float64(wsSrv.Connections()) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "blockwalker_world_requests_total",
		Help: "Agent requests served over websocket.",
	}, func() float64 { return float64(wsSrv.Requests()) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "blockwalker_world_moves_total",
		Help: "Accepted agent moves.",
	}, func() float64 { return float64(w.Moves()) })

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/admin/v1/snapshot", func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		ctx2, cancel2 := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel2()
		path, err := saver.Save(ctx2)
		rw.Header().Set("Content-Type", "application/json")
		if err != nil {
			rw.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "error": err.Error()})
			return
		}
		_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "path": path})
	})
	mux.HandleFunc("/v1/ws", wsSrv.Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}

	if *saveOnExit {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := saver.Save(ctx2); err != nil {
			logger.Printf("save on exit: %v", err)
		}
		cancel2()
	}
	stopWorld()
	<-worldDone
	if idx != nil {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		if err := idx.Sync(ctx2); err != nil {
			logger.Printf("index sync: %v", err)
		}
		cancel2()
	}
}

type snapshotSaver struct {
	world *world.World
	dir   string
	idx   *indexdb.SQLiteIndex
	log   *log.Logger
}

func (s *snapshotSaver) Save(ctx context.Context) (string, error) {
	snap, err := s.world.RequestSnapshot(ctx)
	if err != nil {
		return "", err
	}
	path := filepath.Join(s.dir, fmt.Sprintf("%d.snap.zst", snap.Header.SavedAt))
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		return "", err
	}
	s.idx.RecordSnapshot(path, snap)
	s.log.Printf("snapshot %s chunks=%d agents=%d", filepath.Base(path), len(snap.Chunks), len(snap.Agents))
	return path, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func latestSnapshot(dir string) string {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var names []string
	for _, e := range ents {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".snap.zst") {
			continue
		}
		names = append(names, e.Name())
	}
	if len(names) == 0 {
		return ""
	}
	// Names are unix seconds; compare numerically by length first.
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) < len(names[j])
		}
		return names[i] < names[j]
	})
	return filepath.Join(dir, names[len(names)-1])
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
