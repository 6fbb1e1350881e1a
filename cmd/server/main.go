package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	persistlog "blockstage.ai/internal/persistence/log"
	"blockstage.ai/internal/sim/stage"
	"blockstage.ai/internal/sim/tuning"
	"blockstage.ai/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		stageID    = flag.String("stage", "stage_1", "stage id (used by the http index backend)")
		configDir  = flag.String("configs", "./configs", "config directory")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		disableDB  = flag.Bool("disable_db", false, "disable the read-model index")
		dev        = flag.Bool("dev", false, "human-readable development logging")

		snapshotPath  = flag.String("snapshot", "", "load this snapshot at startup instead of the latest")
		loadLatest    = flag.Bool("load_latest_snapshot", true, "restore the latest snapshot in <data>/stages/<stage>/snapshots")
		snapshotEvery = flag.Duration("snapshot_every", time.Minute, "save a snapshot this often when the project changed (0 disables)")
	)
	flag.Parse()

	logger, err := newLogger(*dev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatal("load tuning", zap.String("path", tp), zap.Error(err))
		}
		logger.Info("tuning not found; using defaults", zap.String("path", tp))
		tune = tuning.Defaults()
	}

	stageDir := filepath.Join(*dataDir, "stages", *stageID)
	_ = os.MkdirAll(stageDir, 0o755)

	// Optional read-model index (the JSONL event log stays authoritative).
	idx, err := openRuntimeIndex(stageDir, *stageID, *disableDB, logger)
	if err != nil {
		logger.Fatal("open index backend", zap.Error(err))
	}
	if idx != nil {
		defer idx.Close()
		if err := idx.UpsertTuning(tune); err != nil {
			logger.Warn("index backend: upsert tuning", zap.Error(err))
		}
	}

	eventLog := persistlog.NewEventLogger(stageDir)
	defer eventLog.Close()
	auditLog := persistlog.NewAuditLogger(stageDir)
	defer auditLog.Close()

	sinks := multiEventSink{eventLog}
	if idx != nil {
		sinks = append(sinks, idx)
	}
	st := stage.New(tune, stage.WithLogger(logger.Named("stage")), stage.WithEventSink(sinks))

	snaps := newSnapshotter(st, *stageID, filepath.Join(stageDir, "snapshots"), logger.Named("snapshot"))
	if *snapshotPath != "" || *loadLatest {
		path, err := snaps.load(*snapshotPath)
		if err != nil {
			logger.Fatal("load snapshot", zap.String("path", path), zap.Error(err))
		}
		if path != "" {
			logger.Info("snapshot loaded", zap.String("path", path))
		}
	}

	ctx, cancel := signalContext()
	defer cancel()
	go snaps.run(ctx, *snapshotEvery)

	go func() {
		if err := st.Run(ctx); err != nil && err != context.Canceled {
			logger.Warn("stage stopped", zap.Error(err))
		}
	}()

	wsSrv := ws.NewServer(st, tune, logger.Named("ws"), ws.WithAudit(auditLog))
	mux := newMux(st, wsSrv, idx)
	if envBool("BS_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		logger.Info("pprof endpoints disabled (BS_ENABLE_PPROF_HTTP=false)")
	}

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

	logger.Info("listening", zap.String("addr", *addr), zap.String("data", stageDir))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("ListenAndServe", zap.Error(err))
	}

	st.Stop()
	if path, err := snaps.save(); err != nil {
		logger.Warn("final snapshot failed", zap.Error(err))
	} else if path != "" {
		logger.Info("final snapshot saved", zap.String("path", path))
	}
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func newMux(st *stage.Stage, wsSrv *ws.Server, idx runtimeIndex) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/v1/state", func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(ws.StateFromView(st.View()))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetrics(rw, st.Metrics(), wsSrv, idx)
	})
	mux.HandleFunc("/v1/ws", wsSrv.Handler())
	return mux
}

func writeMetrics(rw http.ResponseWriter, m stage.Metrics, wsSrv *ws.Server, idx runtimeIndex) {
	playing := 0
	if m.Playing {
		playing = 1
	}

	// Minimal Prometheus exposition format.
	fmt.Fprintf(rw, "# HELP blockstage_sprites Current number of sprites on the stage.\n")
	fmt.Fprintf(rw, "# TYPE blockstage_sprites gauge\n")
	fmt.Fprintf(rw, "blockstage_sprites %d\n", m.Sprites)

	fmt.Fprintf(rw, "# HELP blockstage_playing 1 while the stage is running scripts.\n")
	fmt.Fprintf(rw, "# TYPE blockstage_playing gauge\n")
	fmt.Fprintf(rw, "blockstage_playing %d\n", playing)

	fmt.Fprintf(rw, "# HELP blockstage_session Current play session number.\n")
	fmt.Fprintf(rw, "# TYPE blockstage_session gauge\n")
	fmt.Fprintf(rw, "blockstage_session %d\n", m.Session)

	fmt.Fprintf(rw, "# HELP blockstage_running_tasks Interpreter tasks currently running.\n")
	fmt.Fprintf(rw, "# TYPE blockstage_running_tasks gauge\n")
	fmt.Fprintf(rw, "blockstage_running_tasks %d\n", m.RunningTasks)

	fmt.Fprintf(rw, "# HELP blockstage_consumed_pairs Sprite pairs that already collided this session.\n")
	fmt.Fprintf(rw, "# TYPE blockstage_consumed_pairs gauge\n")
	fmt.Fprintf(rw, "blockstage_consumed_pairs %d\n", m.ConsumedPairs)

	fmt.Fprintf(rw, "# HELP blockstage_events_total Stage lifecycle counters.\n")
	fmt.Fprintf(rw, "# TYPE blockstage_events_total counter\n")
	fmt.Fprintf(rw, "blockstage_events_total{kind=%q} %d\n", "task_started", m.TasksStarted)
	fmt.Fprintf(rw, "blockstage_events_total{kind=%q} %d\n", "task_failed", m.TasksFailed)
	fmt.Fprintf(rw, "blockstage_events_total{kind=%q} %d\n", "collision", m.Collisions)
	fmt.Fprintf(rw, "blockstage_events_total{kind=%q} %d\n", "reset", m.Resets)
	fmt.Fprintf(rw, "blockstage_events_total{kind=%q} %d\n", "dropped_rearm", m.DroppedRearms)
	fmt.Fprintf(rw, "blockstage_events_total{kind=%q} %d\n", "sink_error", m.SinkErrors)

	if wsSrv != nil {
		total, rejected := wsSrv.Commands()
		fmt.Fprintf(rw, "# HELP blockstage_ws_clients Current number of connected clients.\n")
		fmt.Fprintf(rw, "# TYPE blockstage_ws_clients gauge\n")
		fmt.Fprintf(rw, "blockstage_ws_clients %d\n", wsSrv.Connections())

		fmt.Fprintf(rw, "# HELP blockstage_ws_commands_total Commands received from clients.\n")
		fmt.Fprintf(rw, "# TYPE blockstage_ws_commands_total counter\n")
		fmt.Fprintf(rw, "blockstage_ws_commands_total{result=%q} %d\n", "accepted", total-rejected)
		fmt.Fprintf(rw, "blockstage_ws_commands_total{result=%q} %d\n", "rejected", rejected)
	}

	if idx != nil {
		s := idx.Stats()
		fmt.Fprintf(rw, "# HELP blockstage_index_queue_depth Current index writer backlog.\n")
		fmt.Fprintf(rw, "# TYPE blockstage_index_queue_depth gauge\n")
		fmt.Fprintf(rw, "blockstage_index_queue_depth %d\n", s.Queued)

		fmt.Fprintf(rw, "# HELP blockstage_index_events_total Events handled by the index backend.\n")
		fmt.Fprintf(rw, "# TYPE blockstage_index_events_total counter\n")
		fmt.Fprintf(rw, "blockstage_index_events_total{result=%q} %d\n", "written", s.Written)
		fmt.Fprintf(rw, "blockstage_index_events_total{result=%q} %d\n", "dropped", s.Dropped)
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

// multiEventSink fans one event out to every sink. The first error is
// reported after all sinks ran.
type multiEventSink []stage.EventSink

func (m multiEventSink) WriteEvent(e stage.Event) error {
	var first error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.WriteEvent(e); err != nil && first == nil {
			first = err
		}
	}
	return first
}
