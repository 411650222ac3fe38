package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cwbudde/sizif/internal/metrics"
	"github.com/cwbudde/sizif/internal/naming"
	"github.com/cwbudde/sizif/internal/store"
)

// State is the phase of a retention cycle.
type State int

const (
	StateIdle State = iota
	StateEvaluating
	StateWriting
	StateMirroring
	StateRotating
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateEvaluating:
		return "evaluating"
	case StateWriting:
		return "writing"
	case StateMirroring:
		return "mirroring"
	case StateRotating:
		return "rotating"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Option configures an Engine.
type Option func(*Engine)

// WithRemote mirrors every written snapshot to b. Wrap b in remote.Resilient
// to get retries.
func WithRemote(b store.Backend) Option {
	return func(e *Engine) { e.remote = b }
}

// WithJournal records divergence between the backends in j.
func WithJournal(j *store.Journal) Option {
	return func(e *Engine) { e.journal = j }
}

// WithTransitionHook calls fn on every state change.
func WithTransitionHook(fn func(from, to State)) Option {
	return func(e *Engine) { e.hook = fn }
}

// Engine runs one retention cycle per finished training iteration:
// evaluate the metrics, write the snapshot locally, mirror it to the remote
// store and rotate out the snapshots beyond the keep count.
//
// An Engine owns its in-memory catalog of live snapshots. Calls are
// serialised internally, but only one process may write to a given
// (folder, version) pair; the engine does not lock folders across processes.
type Engine struct {
	mu      sync.Mutex
	policy  Policy
	scheme  *naming.Scheme
	rank    *ranker
	local   store.Backend
	remote  store.Backend
	model   Model
	journal *store.Journal
	hook    func(from, to State)

	// view is the catalog as of the last publish. Readers use it so they
	// never wait on a cycle that is blocked on network I/O.
	viewMu  sync.RWMutex
	view    catalogView
	current atomic.Int32

	state       State
	reconciled  bool
	best        *float64
	refs        map[string]*Ref
	remoteStale bool
	degraded    bool
}

type catalogView struct {
	refs       []Ref
	best       *float64
	divergence Divergence
}

// NewEngine validates policy and returns an engine writing to local. model
// may be nil for maintenance use (Rotate, Snapshots); writing then fails.
func NewEngine(policy Policy, local store.Backend, model Model, opts ...Option) (*Engine, error) {
	if local == nil {
		return nil, fmt.Errorf("retention: local store is required")
	}
	scheme, rank, err := policy.compile()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		policy: policy,
		scheme: scheme,
		rank:   rank,
		local:  local,
		model:  model,
		refs:   make(map[string]*Ref),
	}
	for _, opt := range opts {
		opt(e)
	}

	if !rank.byMetric {
		slog.Info("Monitored metric is not part of the snapshot name, ranking by recency",
			"monitor", policy.Monitor, "template", scheme.Template())
	}
	slog.Debug("Retention engine ready",
		"prefix", scheme.Prefix(),
		"slots", scheme.Slots(),
		"monitor", rank.cmp.Monitor(),
		"mode", string(rank.cmp.Mode()),
		"keep_count", policy.KeepCount,
		"unbounded", policy.Unbounded())
	return e, nil
}

// Scheme returns the naming scheme of the engine.
func (e *Engine) Scheme() *naming.Scheme { return e.scheme }

// Register attaches the engine to a training loop.
func (e *Engine) Register(loop Loop) { loop.Register(e) }

// BeginIteration implements Listener. The first call reconciles the catalog
// with the backends.
func (e *Engine) BeginIteration(ctx context.Context, iteration int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.reconciled {
		return nil
	}
	return e.reconcile(ctx)
}

// EndIteration implements Listener and runs one full retention cycle. It
// returns a *CycleError when the iteration must abort.
func (e *Engine) EndIteration(ctx context.Context, ev IterationEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	written, err := e.cycle(ctx, ev)
	e.transition(StateIdle)
	e.publish()

	outcome := "skipped"
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		slog.Info("Retention cycle cancelled before writing", "iteration", ev.Iteration)
	case err != nil:
		outcome = "failed"
		slog.Error("Retention cycle failed", "iteration", ev.Iteration, "error", err)
	case written:
		outcome = "written"
	}
	metrics.ObserveCycle(outcome, time.Since(start))
	return err
}

func (e *Engine) cycle(ctx context.Context, ev IterationEvent) (bool, error) {
	if !e.reconciled {
		if err := e.reconcile(ctx); err != nil {
			return false, err
		}
	}

	e.transition(StateEvaluating)
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if ev.Iteration%e.policy.period() != 0 {
		slog.Debug("Iteration outside period, skipping", "iteration", ev.Iteration, "period", e.policy.period())
		return false, nil
	}
	value, better, err := e.rank.cmp.Evaluate(ev.Metrics, e.best)
	if err != nil {
		return false, &CycleError{Stage: StageEvaluate, Iteration: ev.Iteration, Err: err}
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		slog.Warn("Monitored metric is not finite, skipping", "iteration", ev.Iteration, "monitor", e.policy.Monitor, "value", value)
		return false, nil
	}
	if e.policy.SaveBestOnly && !better {
		slog.Debug("Metric did not improve, skipping",
			"iteration", ev.Iteration, "monitor", e.policy.Monitor, "value", value, "best", *e.best)
		return false, nil
	}

	// Once writing starts the cycle runs to completion or fatal failure.
	ctx = context.WithoutCancel(ctx)
	e.transition(StateWriting)
	id, blob, err := e.write(ctx, ev)
	if err != nil {
		return false, err
	}
	if better {
		v := value
		e.best = &v
		metrics.BestMetric.WithLabelValues(e.policy.Monitor).Set(v)
	}
	e.publish()

	e.transition(StateMirroring)
	if err := e.mirror(ctx, ev.Iteration, id, blob); err != nil {
		return true, err
	}

	e.transition(StateRotating)
	if err := e.rotate(ctx, ev.Iteration); err != nil {
		return true, err
	}
	return true, nil
}

func (e *Engine) transition(to State) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	e.current.Store(int32(to))
	slog.Debug("Retention state changed", "from", from.String(), "to", to.String())
	if e.hook != nil {
		e.hook(from, to)
	}
}

func (e *Engine) write(ctx context.Context, ev IterationEvent) (string, []byte, error) {
	id, err := e.scheme.Render(ev.Iteration, ev.Metrics)
	if err != nil {
		return "", nil, &CycleError{Stage: StageWrite, Iteration: ev.Iteration, Err: err}
	}
	if !e.scheme.Matches(id) {
		return "", nil, &CycleError{Stage: StageWrite, Iteration: ev.Iteration, ID: id, Err: fmt.Errorf("identifier does not parse back under its template")}
	}
	if e.model == nil {
		return "", nil, &CycleError{Stage: StageWrite, Iteration: ev.Iteration, ID: id, Err: fmt.Errorf("no model attached")}
	}
	blob, err := e.model.Serialize(e.policy.SaveWeightsOnly)
	if err != nil {
		return "", nil, &CycleError{Stage: StageWrite, Iteration: ev.Iteration, ID: id, Err: fmt.Errorf("serialize model: %w", err)}
	}
	if err := e.local.Put(ctx, id, blob); err != nil {
		return "", nil, &CycleError{Stage: StageWrite, Iteration: ev.Iteration, ID: id, Err: err}
	}

	m := make(map[string]float64, len(ev.Metrics))
	for k, v := range ev.Metrics {
		m[k] = v
	}
	ref, ok := e.refs[id]
	if !ok {
		ref = &Ref{ID: id}
		e.refs[id] = ref
	}
	ref.Iteration = ev.Iteration
	ref.Metrics = m
	ref.OnLocal = true

	metrics.SnapshotsWritten.Inc()
	slog.Info("Snapshot saved", "snapshot_id", id, "iteration", ev.Iteration, "bytes", len(blob))
	return id, blob, nil
}

// mirror uploads the snapshot just written, then retries earlier uploads
// that failed.
func (e *Engine) mirror(ctx context.Context, iteration int, id string, blob []byte) error {
	if e.remote == nil {
		return nil
	}
	ref := e.refs[id]

	if e.remoteStale {
		if err := e.syncRemote(ctx, StageMirror, iteration, id); err != nil {
			return err
		}
		if e.remoteStale {
			e.markPending(ref, fmt.Errorf("remote store unavailable"))
			return nil
		}
	}

	if err := e.remote.Put(ctx, id, blob); err != nil {
		e.markPending(ref, err)
		return e.remoteFailure(StageMirror, iteration, id, err)
	}
	e.markMirrored(ref)

	retained, _ := e.split()
	for _, r := range retained {
		if !r.PendingMirror || r.ID == id {
			continue
		}
		if err := e.retryMirror(ctx, iteration, r); err != nil {
			return err
		}
		if r.PendingMirror {
			// Still failing; leave the rest for the next cycle.
			break
		}
	}
	e.publish()
	return nil
}

func (e *Engine) retryMirror(ctx context.Context, iteration int, r *Ref) error {
	if !r.OnLocal {
		r.PendingMirror = false
		return nil
	}
	blob, err := e.local.Get(ctx, r.ID)
	if store.IsNotFound(err) {
		slog.Warn("Pending snapshot vanished from local folder", "snapshot_id", r.ID)
		r.OnLocal = false
		r.PendingMirror = false
		if !r.OnRemote {
			delete(e.refs, r.ID)
		}
		return nil
	}
	if err != nil {
		return &CycleError{Stage: StageMirror, Iteration: iteration, ID: r.ID, Err: err}
	}

	if err := e.remote.Put(ctx, r.ID, blob); err != nil {
		return e.remoteFailure(StageMirror, iteration, r.ID, err)
	}
	e.markMirrored(r)
	return nil
}

func (e *Engine) markPending(r *Ref, cause error) {
	if r == nil || r.PendingMirror {
		return
	}
	r.PendingMirror = true
	slog.Warn("Snapshot kept local-only, pending mirror", "snapshot_id", r.ID, "error", cause)
	e.record(store.EventPendingMirror, r.ID, cause)
	e.publish()
}

func (e *Engine) markMirrored(r *Ref) {
	r.OnRemote = true
	if e.degraded {
		slog.Info("Remote store reachable again", "backend", store.NameOf(e.remote))
		e.degraded = false
	}
	if r.PendingMirror {
		r.PendingMirror = false
		e.record(store.EventMirrored, r.ID, nil)
	}
	slog.Debug("Snapshot mirrored", "snapshot_id", r.ID, "backend", store.NameOf(e.remote))
}

// rotate deletes every snapshot outside the retained set from both
// backends. A failure on one backend does not stop deletion on the other;
// failed deletes stay in the catalog and are retried on the next rotation.
func (e *Engine) rotate(ctx context.Context, iteration int) error {
	_, evicted := e.split()

	var localErr, remoteErr error
	var localID, remoteID string
	for _, r := range evicted {
		if r.OnLocal {
			if err := e.local.Delete(ctx, r.ID); err != nil {
				e.deleteFailed(r.ID, store.NameOf(e.local), err)
				if localErr == nil {
					localErr, localID = err, r.ID
				}
			} else {
				r.OnLocal = false
				r.PendingMirror = false
				metrics.SnapshotsDeleted.WithLabelValues(store.NameOf(e.local), "ok").Inc()
			}
		}
		if r.OnRemote && e.remote != nil {
			if err := e.remote.Delete(ctx, r.ID); err != nil {
				e.deleteFailed(r.ID, store.NameOf(e.remote), err)
				if remoteErr == nil {
					remoteErr, remoteID = err, r.ID
				}
			} else {
				r.OnRemote = false
				metrics.SnapshotsDeleted.WithLabelValues(store.NameOf(e.remote), "ok").Inc()
			}
		}
		if !r.OnLocal && !r.OnRemote {
			delete(e.refs, r.ID)
			slog.Info("Snapshot rotated out", "snapshot_id", r.ID, "iteration", r.Iteration)
		}
	}
	e.publish()

	if localErr != nil {
		return &CycleError{Stage: StageRotate, Iteration: iteration, ID: localID, Err: localErr}
	}
	if remoteErr != nil {
		return e.remoteFailure(StageRotate, iteration, remoteID, remoteErr)
	}
	return nil
}

func (e *Engine) deleteFailed(id, backend string, err error) {
	slog.Warn("Failed to delete snapshot", "snapshot_id", id, "backend", backend, "error", err)
	metrics.SnapshotsDeleted.WithLabelValues(backend, "failed").Inc()
	e.journalEntry(store.JournalEntry{Event: store.EventDeleteFailed, ID: id, Backend: backend, Error: err.Error()})
}

// split ranks the catalog and cuts it at the keep count.
func (e *Engine) split() (retained, evicted []*Ref) {
	refs := make([]*Ref, 0, len(e.refs))
	for _, r := range e.refs {
		refs = append(refs, r)
	}
	return e.rank.split(refs, e.policy.KeepCount)
}

// remoteFailure handles a remote error that survived retries: escalate it
// or degrade to local-only operation.
func (e *Engine) remoteFailure(stage Stage, iteration int, id string, err error) error {
	e.remoteStale = true
	if e.policy.DieOnRemoteErrors {
		return &CycleError{Stage: stage, Iteration: iteration, ID: id, Err: err}
	}
	if !e.degraded {
		e.degraded = true
		slog.Warn("Remote store failing, continuing local-only",
			"backend", store.NameOf(e.remote), "stage", string(stage), "snapshot_id", id, "error", err)
	} else {
		slog.Debug("Remote store still failing", "stage", string(stage), "snapshot_id", id, "error", err)
	}
	return nil
}

// Reconcile rebuilds the catalog from the backend listings. It runs
// automatically before the first cycle.
func (e *Engine) Reconcile(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reconcile(ctx)
}

func (e *Engine) reconcile(ctx context.Context) error {
	ids, err := e.local.List(ctx)
	if err != nil {
		return &CycleError{Stage: StageReconcile, Err: err}
	}

	parsed, skipped := e.scheme.ParseAll(ids)
	if len(skipped) > 0 {
		slog.Debug("Ignoring files not matching the naming scheme", "count", len(skipped), "version", e.scheme.Version())
	}

	refs := make(map[string]*Ref, len(parsed))
	for id, p := range parsed {
		ref := &Ref{ID: id, Iteration: p.Iteration, Metrics: p.Metrics, OnLocal: true}
		if old, ok := e.refs[id]; ok {
			ref.PendingMirror = old.PendingMirror
			ref.OnRemote = old.OnRemote
			for k, v := range old.Metrics {
				if _, ok := ref.Metrics[k]; !ok {
					ref.Metrics[k] = v
				}
			}
		}
		refs[id] = ref
	}
	e.refs = refs
	e.reconciled = true

	if e.remote != nil {
		if err := e.syncRemote(ctx, StageReconcile, 0, ""); err != nil {
			return err
		}
	}

	e.best = nil
	for _, r := range e.refs {
		if v, ok := e.rank.value(r); ok && e.rank.cmp.Improves(v, e.best) {
			e.best = &v
		}
	}
	if e.best != nil {
		metrics.BestMetric.WithLabelValues(e.policy.Monitor).Set(*e.best)
	}
	e.publish()

	slog.Info("Snapshot catalog reconciled",
		"version", e.scheme.Version(),
		"snapshots", len(e.refs),
		"remote_stale", e.remoteStale)
	return nil
}

// syncRemote refreshes the remote flags of the catalog from a listing and
// queues retained local-only snapshots for mirroring. skipID is excluded
// from queueing because the caller is about to upload it.
func (e *Engine) syncRemote(ctx context.Context, stage Stage, iteration int, skipID string) error {
	ids, err := e.remote.List(ctx)
	if err != nil {
		return e.remoteFailure(stage, iteration, "", err)
	}
	e.remoteStale = false

	parsed, _ := e.scheme.ParseAll(ids)
	for _, r := range e.refs {
		r.OnRemote = false
	}
	var discovered []string
	for id, p := range parsed {
		if r, ok := e.refs[id]; ok {
			r.OnRemote = true
			continue
		}
		e.refs[id] = &Ref{ID: id, Iteration: p.Iteration, Metrics: p.Metrics, OnRemote: true}
		discovered = append(discovered, id)
	}
	for id, r := range e.refs {
		if !r.OnLocal && !r.OnRemote {
			delete(e.refs, id)
		}
	}

	retained, _ := e.split()
	inRetained := make(map[string]bool, len(retained))
	for _, r := range retained {
		inRetained[r.ID] = true
		if r.ID == skipID {
			continue
		}
		if r.OnLocal && !r.OnRemote {
			e.markPending(r, fmt.Errorf("missing on remote"))
		}
		if r.OnRemote && r.PendingMirror {
			e.markMirrored(r)
		}
	}
	sort.Strings(discovered)
	for _, id := range discovered {
		if inRetained[id] {
			e.journalEntry(store.JournalEntry{Event: store.EventRemoteOrphan, ID: id, Backend: store.NameOf(e.remote)})
		}
	}

	e.record(store.EventReconciled, "", nil)
	return nil
}

func (e *Engine) record(event, id string, cause error) {
	entry := store.JournalEntry{Event: event, ID: id}
	if e.remote != nil {
		entry.Backend = store.NameOf(e.remote)
	}
	if cause != nil {
		entry.Error = cause.Error()
	}
	e.journalEntry(entry)
}

func (e *Engine) journalEntry(entry store.JournalEntry) {
	if e.journal == nil {
		return
	}
	entry.Version = e.scheme.Version()
	if err := e.journal.Record(entry); err != nil {
		slog.Warn("Failed to write divergence journal", "event", entry.Event, "error", err)
	}
}

func (e *Engine) publish() {
	var local, remote, pending int
	for _, r := range e.refs {
		if r.OnLocal {
			local++
		}
		if r.OnRemote {
			remote++
		}
		if r.PendingMirror {
			pending++
		}
	}
	metrics.LiveSnapshots.WithLabelValues(store.NameOf(e.local)).Set(float64(local))
	if e.remote != nil {
		metrics.LiveSnapshots.WithLabelValues(store.NameOf(e.remote)).Set(float64(remote))
	}
	metrics.PendingMirrors.Set(float64(pending))

	keep, drop := e.split()
	view := catalogView{
		refs:       append(copyRefs(keep), copyRefs(drop)...),
		divergence: e.divergence(),
	}
	if e.best != nil {
		v := *e.best
		view.best = &v
	}
	e.viewMu.Lock()
	e.view = view
	e.viewMu.Unlock()
}

// Rotate reconciles the catalog when needed and applies the keep count
// without writing anything.
func (e *Engine) Rotate(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.reconciled {
		if err := e.reconcile(ctx); err != nil {
			return err
		}
	}
	e.transition(StateRotating)
	defer e.transition(StateIdle)
	return e.rotate(context.WithoutCancel(ctx), 0)
}

// Plan returns the snapshots the next rotation keeps and deletes, best first.
func (e *Engine) Plan() (retained, evicted []Ref) {
	e.mu.Lock()
	defer e.mu.Unlock()

	keep, drop := e.split()
	return copyRefs(keep), copyRefs(drop)
}

// State returns the phase of the running cycle, or StateIdle.
func (e *Engine) State() State { return State(e.current.Load()) }

// Snapshots returns the catalog ranked best first. Like Best and
// Divergence it reads the last published catalog and does not wait for a
// running cycle.
func (e *Engine) Snapshots() []Ref {
	e.viewMu.RLock()
	defer e.viewMu.RUnlock()
	return copyRefs(refPtrs(e.view.refs))
}

// Best returns the best monitored value recorded so far.
func (e *Engine) Best() (float64, bool) {
	e.viewMu.RLock()
	defer e.viewMu.RUnlock()

	if e.view.best == nil {
		return 0, false
	}
	return *e.view.best, true
}

// Divergence summarises how the backends differ.
type Divergence struct {
	// PendingMirror lists local snapshots not yet on the remote store.
	PendingMirror []string
	// RemoteOnly lists snapshots present only on the remote store.
	RemoteOnly []string
	// RemoteStale is set while the remote listing could not be refreshed.
	RemoteStale bool
}

// Divergence reports the difference between the backends.
func (e *Engine) Divergence() Divergence {
	e.viewMu.RLock()
	defer e.viewMu.RUnlock()

	d := e.view.divergence
	d.PendingMirror = append([]string(nil), d.PendingMirror...)
	d.RemoteOnly = append([]string(nil), d.RemoteOnly...)
	return d
}

func (e *Engine) divergence() Divergence {
	var d Divergence
	if e.remote == nil {
		return d
	}
	d.RemoteStale = e.remoteStale
	for _, r := range e.refs {
		if r.PendingMirror {
			d.PendingMirror = append(d.PendingMirror, r.ID)
		}
		if r.OnRemote && !r.OnLocal {
			d.RemoteOnly = append(d.RemoteOnly, r.ID)
		}
	}
	sort.Strings(d.PendingMirror)
	sort.Strings(d.RemoteOnly)
	return d
}

func refPtrs(refs []Ref) []*Ref {
	out := make([]*Ref, len(refs))
	for i := range refs {
		out[i] = &refs[i]
	}
	return out
}

func copyRefs(refs []*Ref) []Ref {
	out := make([]Ref, len(refs))
	for i, r := range refs {
		out[i] = *r
		m := make(map[string]float64, len(r.Metrics))
		for k, v := range r.Metrics {
			m[k] = v
		}
		out[i].Metrics = m
	}
	return out
}
