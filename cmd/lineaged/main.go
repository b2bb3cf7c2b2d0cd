package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"

	"github.com/swarmguard/lineage/internal/cache"
	"github.com/swarmguard/lineage/internal/codec"
	"github.com/swarmguard/lineage/internal/config"
	"github.com/swarmguard/lineage/internal/gcs"
	"github.com/swarmguard/lineage/internal/lineage"
	"github.com/swarmguard/lineage/internal/ops"
	"github.com/swarmguard/lineage/internal/resilience"
	"github.com/swarmguard/lineage/internal/store"
	"github.com/swarmguard/lineage/internal/telemetry/logging"
	"github.com/swarmguard/lineage/internal/telemetry/otelinit"
	"github.com/swarmguard/lineage/internal/transport"
)

// node bundles the wired-up components one lineaged process owns and is
// the only thing allowed to call into cache.LineageCache: every HTTP
// handler, NATS callback and cron tick hands its work to node.eventLoop
// instead of touching the cache directly from its own goroutine.
type node struct {
	cfg       config.Config
	cache     *cache.LineageCache
	bolt      *store.BoltTable
	pubsub    *gcs.NatsPubSub
	reg       *codec.Registry
	forwarder *transport.Forwarder
	inspector *ops.Inspector
	shutdown  *ops.ShutdownCoordinator
	scheduler *ops.Scheduler

	// inboundLimit bounds the rate of incoming forward_task_request
	// calls this node accepts, independent of whatever rate any one
	// peer's own outbound Forwarder applies on its side.
	inboundLimit *resilience.RateLimiter
}

func main() {
	service := "lineaged"
	logging.Init(service)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config failed", "error", err)
		return
	}

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, _, _ := otelinit.InitMetrics(ctx, service)
	meter := otel.GetMeterProvider().Meter("lineage-node")

	nc, err := nats.Connect(cfg.NATSURL, nats.Name(cfg.NodeID))
	if err != nil {
		slog.Error("connect nats failed", "url", cfg.NATSURL, "error", err)
		return
	}
	defer nc.Close()

	pubsub := gcs.New(nc, cfg.NatsEventBuffer)
	defer pubsub.Close()

	reg := codec.NewRegistry()

	bolt, err := store.NewBoltTable(cfg.DBPath, cfg.JobID, meter, store.WithAnnouncer(pubsub))
	if err != nil {
		slog.Error("open store failed", "path", cfg.DBPath, "error", err)
		return
	}
	defer bolt.Close()

	lc := cache.New(cfg.NodeID, cfg.JobID, bolt, pubsub, reg, meter)

	n := &node{
		cfg:          cfg,
		cache:        lc,
		bolt:         bolt,
		pubsub:       pubsub,
		reg:          reg,
		forwarder:    transport.NewForwarder(nil, reg),
		inspector:    ops.NewInspector(meter),
		shutdown:     ops.NewShutdownCoordinator(meter),
		inboundLimit: resilience.NewRateLimiter(200, 100, time.Second, 500),
	}
	defer n.forwarder.Close()

	n.scheduler = ops.NewScheduler(lc, bolt, cfg.CommitLogRetention, meter)
	if err := n.scheduler.Schedule(cfg.FlushCronExpr, cfg.CompactCronExpr); err != nil {
		slog.Error("schedule cron jobs failed", "error", err)
		return
	}

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: n.routes()}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
			cancel()
		}
	}()

	slog.Info("lineaged started", "node_id", cfg.NodeID, "job_id", cfg.JobID, "http_addr", cfg.HTTPAddr)

	n.eventLoop(ctx)

	slog.Info("shutdown initiated")
	ctxSd, c2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer c2()
	_ = srv.Shutdown(ctxSd)

	stopCtx, cancelStop := context.WithTimeout(ctxSd, cfg.ShutdownGrace)
	_ = n.scheduler.Stop(stopCtx)
	cancelStop()

	n.shutdown.Shutdown(ctxSd, cfg.ShutdownGrace)
	otelinit.Flush(ctxSd, shutdownTrace)
	_ = shutdownMetrics(ctxSd)
	slog.Info("shutdown complete")
}

// eventLoop is the single goroutine permitted to call into node.cache.
// It serializes three input sources that would otherwise race against
// each other from their own goroutines: NATS commit notifications,
// bbolt write acknowledgements, and ctx's cancellation.
func (n *node) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-n.pubsub.Events():
			n.cache.HandleEntryCommitted(context.Background(), ev.Key)
		case ack := <-n.bolt.Acks():
			ack.OnAck(ack.Key, ack.Value)
		}
	}
}

func (n *node) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", n.handleHealthz)
	mux.HandleFunc("/v1/tasks/waiting", n.handleAddWaiting)
	mux.HandleFunc("/v1/tasks/ready", n.handleAddReady)
	mux.HandleFunc("/v1/tasks/remove", n.handleRemoveWaiting)
	mux.HandleFunc("/v1/tasks/lineage", n.handleUncommittedLineage)
	mux.HandleFunc("/v1/tasks/forward", n.handleTriggerForward)
	mux.HandleFunc("/v1/forward", n.handleForward)
	mux.HandleFunc("/v1/debug/dag", n.handleDebugDAG)

	return mux
}

func (n *node) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"node_id":         n.cfg.NodeID,
		"in_flight_async": n.shutdown.Active(),
		"entries":         n.cache.Lineage().Len(),
	})
}

type addWaitingRequest struct {
	TaskID       string         `json:"task_id"`
	Dependencies []string       `json:"dependencies"`
	DriverID     string         `json:"driver_id,omitempty"`
	Meta         map[string]any `json:"meta,omitempty"`
	// Uncommitted carries the forwarding node's uncommitted lineage
	// closure, if this task arrived via forward_task_request rather
	// than local submission. Callers submitting local work leave this
	// empty.
	Uncommitted []transport.WireEntry `json:"uncommitted,omitempty"`
}

func (n *node) handleAddWaiting(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req addWaitingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	payload, err := decodeTaskPayload(req.TaskID, req.DriverID, req.Dependencies, req.Meta)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var uncommitted *lineage.Lineage
	if len(req.Uncommitted) > 0 {
		_, _, l, err := transport.Ingest(n.reg, transport.ForwardRequest{TaskID: req.TaskID, Entries: req.Uncommitted})
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		uncommitted = l
	}

	n.cache.AddWaitingTask(r.Context(), payload, uncommitted)
	w.WriteHeader(http.StatusAccepted)
}

type readyRequest struct {
	TaskID       string         `json:"task_id"`
	Dependencies []string       `json:"dependencies"`
	DriverID     string         `json:"driver_id,omitempty"`
	Meta         map[string]any `json:"meta,omitempty"`
}

func (n *node) handleAddReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req readyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	payload, err := decodeTaskPayload(req.TaskID, req.DriverID, req.Dependencies, req.Meta)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	n.cache.AddReadyTask(r.Context(), payload)
	w.WriteHeader(http.StatusAccepted)
}

func (n *node) handleRemoveWaiting(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	taskID, ok := parseEntryIDParam(w, r)
	if !ok {
		return
	}
	n.cache.RemoveWaitingTask(r.Context(), taskID)
	w.WriteHeader(http.StatusAccepted)
}

func (n *node) handleUncommittedLineage(w http.ResponseWriter, r *http.Request) {
	taskID, ok := parseEntryIDParam(w, r)
	if !ok {
		return
	}
	l := n.cache.UncommittedLineage(taskID)

	resp := transport.ForwardRequest{TaskID: taskID.String()}
	for _, entry := range l.Entries() {
		kind, data, err := n.reg.EncodeTagged(entry.Payload())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		resp.Entries = append(resp.Entries, transport.WireEntry{ID: entry.ID().String(), Kind: kind, Data: data})
	}
	writeJSON(w, http.StatusOK, resp)
}

type forwardTriggerRequest struct {
	TaskID   string `json:"task_id"`
	PeerAddr string `json:"peer_addr"`
}

// handleTriggerForward drives this node's own outbound
// forward_task_request call: the scheduler handing a task to a peer
// worker hits this endpoint with where the task is going, and the node
// computes and ships the uncommitted closure itself.
func (n *node) handleTriggerForward(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req forwardTriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	taskID, err := lineage.ParseEntryID(req.TaskID)
	if err != nil {
		http.Error(w, "bad task_id", http.StatusBadRequest)
		return
	}

	opCtx, done := n.shutdown.Track(r.Context(), "forward:"+req.PeerAddr+":"+req.TaskID)
	defer done()

	uncommitted := n.cache.UncommittedLineage(taskID)
	if err := n.forwarder.Forward(opCtx, req.PeerAddr, taskID, uncommitted); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleForward serves the forward_task_request wire call other nodes'
// transport.Forwarder issues against this one.
func (n *node) handleForward(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !n.inboundLimit.Allow() {
		http.Error(w, "too many forward requests", http.StatusTooManyRequests)
		return
	}

	opCtx, done := n.shutdown.Track(r.Context(), "forward:"+r.RemoteAddr)
	defer done()

	var req transport.ForwardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	_, target, uncommitted, err := transport.Ingest(n.reg, req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	n.cache.AddWaitingTask(opCtx, target, uncommitted)
	w.WriteHeader(http.StatusAccepted)
}

func (n *node) handleDebugDAG(w http.ResponseWriter, r *http.Request) {
	report := n.inspector.Inspect(r.Context(), n.cache.Lineage())
	writeJSON(w, http.StatusOK, report)
}

func decodeTaskPayload(taskIDHex, driverID string, depsHex []string, meta map[string]any) (*lineage.TaskPayload, error) {
	taskID, err := lineage.ParseEntryID(taskIDHex)
	if err != nil {
		return nil, err
	}
	deps := make([]lineage.EntryID, len(depsHex))
	for i, s := range depsHex {
		id, err := lineage.ParseEntryID(s)
		if err != nil {
			return nil, err
		}
		deps[i] = id
	}
	return &lineage.TaskPayload{TaskID: taskID, DriverID: driverID, Dependencies: deps, Meta: meta}, nil
}

func parseEntryIDParam(w http.ResponseWriter, r *http.Request) (lineage.EntryID, bool) {
	raw := r.URL.Query().Get("task_id")
	id, err := lineage.ParseEntryID(raw)
	if err != nil {
		http.Error(w, "bad or missing task_id", http.StatusBadRequest)
		return lineage.EntryID{}, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
