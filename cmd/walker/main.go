package main

import (
	"bufio"
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"blockwalker.ai/internal/metrics"
	"blockwalker.ai/internal/persistence/indexdb"
	persistlog "blockwalker.ai/internal/persistence/log"
	"blockwalker.ai/internal/transport/observer"
	"blockwalker.ai/internal/walker/runtime"
	"blockwalker.ai/internal/walker/tuning"
)

func main() {
	var (
		configPath = flag.String("config", "./configs/walker.yaml", "walker config (yaml)")
		configDir  = flag.String("configs", "./configs", "config directory (blocks.json, used by in-process worlds)")
		worldURL   = flag.String("world_url", "", "world ws url, e.g. ws://127.0.0.1:8080/v1/ws (empty: in-process world)")
		snapPath   = flag.String("snapshot", "", "in-process world from this snapshot (default: demo world)")
		name       = flag.String("name", "walker", "agent name sent in HELLO")
		agentID    = flag.String("agent_id", "", "re-attach to an existing agent id")
		dataDir    = flag.String("data", "./data", "runtime data directory (run journal, index)")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite run index")
		httpAddr   = flag.String("http", "127.0.0.1:9090", "metrics/observer listen address (empty to disable)")
		runOnce    = flag.Bool("run", false, "start a run immediately and exit when it finishes")
		history    = flag.Int("history", 0, "print the N most recent runs from the index and exit")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[walker] ", log.LstdFlags|log.Lmicroseconds)

	tune, err := tuning.Load(*configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load config: %v", err)
		}
		logger.Printf("config not found (%s); using defaults", *configPath)
		tune = tuning.Defaults()
	}

	var idx *indexdb.SQLiteIndex
	if !*disableDB {
		idx, err = indexdb.OpenSQLite(filepath.Join(*dataDir, "index", "walker.sqlite"))
		if err != nil {
			logger.Fatalf("open index: %v", err)
		}
		defer idx.Close()
	}
	if *history > 0 {
		if idx == nil {
			logger.Fatalf("-history needs the index (drop -disable_db)")
		}
		printHistory(context.Background(), os.Stdout, idx, *history)
		return
	}

	ctx, cancel := signalContext()
	defer cancel()

	env, closeEnv, err := openEnv(ctx, envOptions{
		WorldURL:  *worldURL,
		Snapshot:  *snapPath,
		ConfigDir: *configDir,
		Name:      *name,
		AgentID:   *agentID,
	}, logger)
	if err != nil {
		logger.Fatalf("connect world: %v", err)
	}
	defer closeEnv()

	journal := persistlog.NewRunJournal(*dataDir, logger)
	defer journal.Close()

	reg := prometheus.NewRegistry()
	prom := metrics.NewPrometheusRecorder(reg)
	obs := observer.NewServer(*name, logger)

	recorders := []runtime.Recorder{journal, prom, obs}
	if idx != nil {
		recorders = append(recorders, idx)
		prom.WatchGauge("blockwalker_index_queue_depth", "Pending writes in the run index queue.", func() float64 {
			return float64(idx.Stats().QueueDepth)
		})
		prom.WatchGauge("blockwalker_index_dropped_total", "Run index writes dropped because the queue was full.", func() float64 {
			st := idx.Stats()
			return float64(st.DropOutcomeTotal + st.DropReportTotal + st.DropSnapshotTotal)
		})
	}
	prom.WatchGauge("blockwalker_observer_sessions", "Connected observer sessions.", func() float64 {
		return float64(obs.Sessions())
	})

	notifier := runtime.MultiNotifier{runtime.LogNotifier{L: logger}, obs}
	c := runtime.NewController(runtime.ConfigFromTuning(tune), env, notifier, logger, recorders...)
	obs.Attach(c)

	if strings.TrimSpace(*httpAddr) != "" {
		srv := serveHTTP(ctx, *httpAddr, reg, obs, logger)
		defer srv.Close()
	}

	if *runOnce {
		c.Start(ctx)
		if err := c.Wait(ctx); err != nil {
			logger.Printf("wait: %v", err)
		}
		shutdown(c, idx, logger)
		return
	}

	logger.Printf("ready; type %s to start and %s to stop", tune.StartToken, tune.StopToken)
	lines := readLines(os.Stdin)
	for {
		select {
		case <-ctx.Done():
			shutdown(c, idx, logger)
			return
		case line, ok := <-lines:
			if !ok {
				// stdin closed: let an active run finish, then exit.
				_ = c.Wait(ctx)
				shutdown(c, idx, logger)
				return
			}
			if !c.HandleCommand(ctx, line) && strings.TrimSpace(line) != "" {
				logger.Printf("unknown command %q", strings.TrimSpace(line))
			}
		}
	}
}

func serveHTTP(ctx context.Context, addr string, reg *prometheus.Registry, obs *observer.Server, logger *log.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/v1/observer/bootstrap", obs.BootstrapHandler())
	mux.HandleFunc("/v1/observer/ws", obs.WSHandler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()
	go func() {
		logger.Printf("http listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("http: %v", err)
		}
	}()
	return srv
}

func readLines(f *os.File) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			out <- sc.Text()
		}
	}()
	return out
}

// shutdown stops the active run, waits for its report to reach the recorders and flushes
// the index queue.
func shutdown(c *runtime.Controller, idx *indexdb.SQLiteIndex, logger *log.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.Stop()
	if err := c.Wait(ctx); err != nil {
		logger.Printf("run did not stop: %v", err)
	}
	if idx == nil {
		return
	}
	if err := idx.Sync(ctx); err != nil {
		logger.Printf("index sync: %v", err)
	}
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
