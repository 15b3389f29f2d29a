package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"undercity.gg/internal/engine"
	"undercity.gg/internal/persistence/archive"
	"undercity.gg/internal/persistence/indexdb"
	persistlog "undercity.gg/internal/persistence/log"
	"undercity.gg/internal/persistence/r2s3"
	"undercity.gg/internal/persistence/snapshot"
	"undercity.gg/internal/protocol"
	"undercity.gg/internal/transport/observer"
	"undercity.gg/internal/transport/ws"
	"undercity.gg/internal/tuning"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "./configs/tuning.yaml", "path to tuning.yaml")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite history index")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		logger.Fatalf("load tuning: %v", err)
	}

	_ = os.MkdirAll(*dataDir, 0o755)

	var idx *indexdb.SQLiteIndex
	if !*disableDB {
		idx, err = indexdb.OpenSQLite(filepath.Join(*dataDir, "index.db"))
		if err != nil {
			logger.Fatalf("open history index: %v", err)
		}
		defer idx.Close()
	}

	eventLog := persistlog.NewEventLogger(*dataDir)
	trafficLog := persistlog.NewTrafficLogger(*dataDir)
	defer eventLog.Close()
	defer trafficLog.Close()

	mirror := newMirrorFromEnv(*dataDir, logger)
	if mirror != nil {
		defer mirror.Close()
		eventLog.SetOnClose(mirror.Enqueue)
		trafficLog.SetOnClose(mirror.Enqueue)
	}

	eng := engine.New(engine.Config{
		Tuning:  tune,
		DataDir: *dataDir,
		Log:     logger,
	})
	eng.SetEventSink(eventLog)
	eng.AddTrafficSink(trafficLog)
	if idx != nil {
		eng.AddTrafficSink(idx)
		eng.SetOutcomeSink(indexOutcomeSink{idx: idx})
	}

	ctx, cancel := signalContext()
	defer cancel()

	// Snapshot writer.
	archiveKeep := envInt("UC_ARCHIVE_KEEP", 8)
	snapCh := make(chan snapshot.StateV1, 4)
	eng.SetSnapshotSink(snapCh)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case snap := <-snapCh:
				path := snapshot.Path(*dataDir, snap.Header.PlayerID)
				if err := snapshot.Write(path, snap); err != nil {
					logger.Printf("snapshot write player=%s: %v", snap.Header.PlayerID, err)
					continue
				}
				archived, err := archive.ArchiveSnapshot(*dataDir, path, snap, archiveKeep)
				if err != nil {
					logger.Printf("snapshot archive player=%s: %v", snap.Header.PlayerID, err)
				}
				if mirror != nil {
					mirror.Enqueue(path)
					if archived != "" {
						mirror.Enqueue(archived)
					}
				}
				if idx != nil {
					idx.RecordSnapshot(indexdb.SnapshotRow{
						PlayerID:      snap.Header.PlayerID,
						SavedMs:       snap.Header.SavedMs,
						Path:          path,
						Messages:      len(snap.Mailbox.Messages),
						Relationships: len(snap.Relationships),
						Chains:        len(snap.Chains.Chains),
					})
				}
			}
		}
	}()

	go func() {
		if err := eng.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("engine stopped: %v", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

		m := eng.Metrics()

		// Minimal Prometheus exposition format.
		fmt.Fprintf(rw, "# HELP undercity_players Known players in the engine.\n")
		fmt.Fprintf(rw, "# TYPE undercity_players gauge\n")
		fmt.Fprintf(rw, "undercity_players %d\n", m.Players)

		fmt.Fprintf(rw, "# HELP undercity_sessions Connected sessions.\n")
		fmt.Fprintf(rw, "# TYPE undercity_sessions gauge\n")
		fmt.Fprintf(rw, "undercity_sessions %d\n", m.Sessions)

		fmt.Fprintf(rw, "# HELP undercity_queued_messages Messages queued for offline players.\n")
		fmt.Fprintf(rw, "# TYPE undercity_queued_messages gauge\n")
		fmt.Fprintf(rw, "undercity_queued_messages %d\n", m.QueuedMessages)

		fmt.Fprintf(rw, "# HELP undercity_active_opportunities Pending or accepted opportunities.\n")
		fmt.Fprintf(rw, "# TYPE undercity_active_opportunities gauge\n")
		fmt.Fprintf(rw, "undercity_active_opportunities %d\n", m.ActiveOpportunities)

		fmt.Fprintf(rw, "# HELP undercity_active_chains Running consequence chains.\n")
		fmt.Fprintf(rw, "# TYPE undercity_active_chains gauge\n")
		fmt.Fprintf(rw, "undercity_active_chains %d\n", m.ActiveChains)

		fmt.Fprintf(rw, "# HELP undercity_queue_depth Channel backlog depth.\n")
		fmt.Fprintf(rw, "# TYPE undercity_queue_depth gauge\n")
		fmt.Fprintf(rw, "undercity_queue_depth{queue=%q} %d\n", "inbox", m.QueueDepths.Inbox)
		fmt.Fprintf(rw, "undercity_queue_depth{queue=%q} %d\n", "join", m.QueueDepths.Join)
		fmt.Fprintf(rw, "undercity_queue_depth{queue=%q} %d\n", "leave", m.QueueDepths.Leave)
		fmt.Fprintf(rw, "undercity_queue_depth{queue=%q} %d\n", "api", m.QueueDepths.API)

		fmt.Fprintf(rw, "# HELP undercity_sweep_ms Last sweep duration in milliseconds.\n")
		fmt.Fprintf(rw, "# TYPE undercity_sweep_ms gauge\n")
		fmt.Fprintf(rw, "undercity_sweep_ms %.3f\n", m.SweepMS)

		if mirror != nil {
			ms := mirror.Stats()
			fmt.Fprintf(rw, "# HELP undercity_mirror_queue_depth Files waiting for upload.\n")
			fmt.Fprintf(rw, "# TYPE undercity_mirror_queue_depth gauge\n")
			fmt.Fprintf(rw, "undercity_mirror_queue_depth %d\n", ms.QueueDepth)
			fmt.Fprintf(rw, "# HELP undercity_mirror_enqueued_total Files handed to the mirror.\n")
			fmt.Fprintf(rw, "# TYPE undercity_mirror_enqueued_total counter\n")
			fmt.Fprintf(rw, "undercity_mirror_enqueued_total %d\n", ms.EnqueuedTotal)
			fmt.Fprintf(rw, "# HELP undercity_mirror_dropped_total Files dropped on a saturated queue.\n")
			fmt.Fprintf(rw, "# TYPE undercity_mirror_dropped_total counter\n")
			fmt.Fprintf(rw, "undercity_mirror_dropped_total %d\n", ms.DroppedTotal)
			fmt.Fprintf(rw, "# HELP undercity_mirror_upload_success_total Successful uploads.\n")
			fmt.Fprintf(rw, "# TYPE undercity_mirror_upload_success_total counter\n")
			fmt.Fprintf(rw, "undercity_mirror_upload_success_total %d\n", ms.UploadSuccessTotal)
			fmt.Fprintf(rw, "# HELP undercity_mirror_upload_fail_total Uploads that exhausted retries.\n")
			fmt.Fprintf(rw, "# TYPE undercity_mirror_upload_fail_total counter\n")
			fmt.Fprintf(rw, "undercity_mirror_upload_fail_total %d\n", ms.UploadFailTotal)
			fmt.Fprintf(rw, "# HELP undercity_mirror_last_success_unix Unix time of the last successful upload.\n")
			fmt.Fprintf(rw, "# TYPE undercity_mirror_last_success_unix gauge\n")
			fmt.Fprintf(rw, "undercity_mirror_last_success_unix %d\n", ms.LastSuccessUnix)
			fmt.Fprintf(rw, "# HELP undercity_mirror_last_error_unix Unix time of the last failed upload.\n")
			fmt.Fprintf(rw, "# TYPE undercity_mirror_last_error_unix gauge\n")
			fmt.Fprintf(rw, "undercity_mirror_last_error_unix %d\n", ms.LastErrorUnix)
		}
	})

	mux.HandleFunc("/v1/ws", ws.NewServer(eng, tune.Transport, logger).Handler())

	// Degraded-mode poll for clients whose socket is down.
	mux.HandleFunc("/v1/poll", func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var body struct {
			PlayerID string `json:"player_id"`
			protocol.PollReqPayload
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.PlayerID == "" {
			http.Error(rw, "player_id required", http.StatusBadRequest)
			return
		}
		resp := make(chan protocol.PollBatchPayload, 1)
		select {
		case eng.API() <- engine.PollQuery{PlayerID: body.PlayerID, Req: body.PollReqPayload, Resp: resp}:
		case <-time.After(2 * time.Second):
			http.Error(rw, "engine busy", http.StatusServiceUnavailable)
			return
		}
		select {
		case batch := <-resp:
			rw.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(rw).Encode(batch)
		case <-r.Context().Done():
		}
	})

	enableAdminHTTP := envBool("UC_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP())
	enablePprofHTTP := envBool("UC_ENABLE_PPROF_HTTP", false)
	if enableAdminHTTP {
		registerAdminHandlers(mux, eng, idx)
		obsSrv := observer.NewServer(eng, logger)
		mux.HandleFunc("/admin/v1/observer/bootstrap", obsSrv.BootstrapHandler())
		mux.HandleFunc("/admin/v1/observer/ws", obsSrv.WSHandler())
	} else {
		logger.Printf("admin endpoints disabled (UC_ENABLE_ADMIN_HTTP=false)")
	}
	if enablePprofHTTP {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		logger.Printf("pprof endpoints disabled (UC_ENABLE_PPROF_HTTP=false)")
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

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
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

func envBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func envInt(key string, def int) int {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// newMirrorFromEnv builds the offsite mirror when UC_MIRROR_* is configured.
// Missing config means no mirror, which is the common dev setup.
func newMirrorFromEnv(dataDir string, logger *log.Logger) *r2s3.Mirror {
	endpoint := strings.TrimSpace(os.Getenv("UC_MIRROR_ENDPOINT"))
	bucket := strings.TrimSpace(os.Getenv("UC_MIRROR_BUCKET"))
	accessKey := strings.TrimSpace(os.Getenv("UC_MIRROR_ACCESS_KEY"))
	secretKey := strings.TrimSpace(os.Getenv("UC_MIRROR_SECRET_KEY"))
	if endpoint == "" && bucket == "" {
		return nil
	}
	client, err := r2s3.New(endpoint, bucket, accessKey, secretKey)
	if err != nil {
		logger.Printf("mirror disabled: %v", err)
		return nil
	}
	m := r2s3.NewMirror(client, dataDir,
		os.Getenv("UC_MIRROR_PREFIX"),
		envInt("UC_MIRROR_WORKERS", 2),
		envInt("UC_MIRROR_QUEUE", 1024),
		logger)
	logger.Printf("mirror enabled endpoint=%s bucket=%s", endpoint, bucket)
	return m
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

// indexOutcomeSink adapts the sqlite index to the engine's outcome surface.
type indexOutcomeSink struct {
	idx *indexdb.SQLiteIndex
}

func (s indexOutcomeSink) RecordOpportunity(playerID, id, typ, counterpartyID, state string, resolvedMs int64) {
	_ = s.idx.WriteOpportunity(indexdb.OpportunityRow{
		ID:             id,
		PlayerID:       playerID,
		Type:           typ,
		CounterpartyID: counterpartyID,
		State:          state,
		ResolvedMs:     resolvedMs,
	})
}

func (s indexOutcomeSink) RecordNegotiation(playerID, id, kind, counterpartyID, state string, closedMs int64) {
	_ = s.idx.WriteNegotiation(indexdb.NegotiationRow{
		ID:             id,
		PlayerID:       playerID,
		Kind:           kind,
		CounterpartyID: counterpartyID,
		State:          state,
		ClosedMs:       closedMs,
	})
}

func (s indexOutcomeSink) RecordInteraction(playerID, counterpartyID, interactionType string, delta float64, atMs int64) {
	_ = s.idx.WriteInteraction(indexdb.InteractionRow{
		PlayerID:       playerID,
		CounterpartyID: counterpartyID,
		Type:           interactionType,
		Delta:          delta,
		AtMs:           atMs,
	})
}
