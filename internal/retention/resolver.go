package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cwbudde/sizif/internal/naming"
	"github.com/cwbudde/sizif/internal/store"
)

// Resolver selects the snapshot to resume training from: the best valid
// local snapshot, or failing that the best remote one, downloaded into the
// local folder first.
type Resolver struct {
	policy Policy
	scheme *naming.Scheme
	rank   *ranker
	local  store.Backend
	remote store.Backend
}

// NewResolver returns a resolver for policy. remote may be nil.
func NewResolver(policy Policy, local, remote store.Backend) (*Resolver, error) {
	if local == nil {
		return nil, fmt.Errorf("retention: local store is required")
	}
	scheme, rank, err := policy.compile()
	if err != nil {
		return nil, err
	}
	return &Resolver{policy: policy, scheme: scheme, rank: rank, local: local, remote: remote}, nil
}

// Resolve returns the snapshot to resume from, or nil when no snapshot of
// the policy's version exists on either backend. Snapshots of other
// versions are never selected.
func (r *Resolver) Resolve(ctx context.Context) (*store.Snapshot, error) {
	snap, err := r.fromLocal(ctx)
	if err != nil || snap != nil {
		return snap, err
	}
	if r.remote == nil {
		slog.Info("No snapshot to restore", "version", r.scheme.Version())
		return nil, nil
	}
	return r.fromRemote(ctx)
}

// Restore resolves a snapshot and loads it into model. It returns nil when
// there is nothing to restore.
func (r *Resolver) Restore(ctx context.Context, model Model) (*store.Snapshot, error) {
	snap, err := r.Resolve(ctx)
	if err != nil || snap == nil {
		return nil, err
	}
	if err := model.Deserialize(snap.Blob); err != nil {
		return nil, fmt.Errorf("failed to load snapshot %s: %w", snap.ID, err)
	}
	slog.Info("Restored snapshot", "snapshot_id", snap.ID, "iteration", snap.Iteration)
	return snap, nil
}

func (r *Resolver) candidates(ids []string, backend string) []*Ref {
	parsed, skipped := r.scheme.ParseAll(ids)
	if len(skipped) > 0 {
		slog.Debug("Skipping snapshots of other versions or templates", "backend", backend, "count", len(skipped))
	}
	refs := make([]*Ref, 0, len(parsed))
	for id, p := range parsed {
		refs = append(refs, &Ref{ID: id, Iteration: p.Iteration, Metrics: p.Metrics})
	}
	r.rank.sort(refs)
	return refs
}

func (r *Resolver) fromLocal(ctx context.Context) (*store.Snapshot, error) {
	ids, err := r.local.List(ctx)
	if err != nil {
		return nil, err
	}

	for _, ref := range r.candidates(ids, store.NameOf(r.local)) {
		blob, err := r.local.Get(ctx, ref.ID)
		if store.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		snap := r.snapshot(ref, blob, r.modTime(ref.ID))
		if err := snap.Validate(); err != nil {
			slog.Warn("Skipping unusable local snapshot", "snapshot_id", ref.ID, "error", err)
			continue
		}
		slog.Debug("Selected local snapshot", "snapshot_id", ref.ID)
		return snap, nil
	}
	return nil, nil
}

func (r *Resolver) fromRemote(ctx context.Context) (*store.Snapshot, error) {
	backend := store.NameOf(r.remote)
	ids, err := r.remote.List(ctx)
	if err != nil {
		if r.policy.DieOnRemoteErrors {
			return nil, fmt.Errorf("failed to list remote snapshots: %w", err)
		}
		slog.Warn("Cannot list remote snapshots, starting without restore", "backend", backend, "error", err)
		return nil, nil
	}

	for _, ref := range r.candidates(ids, backend) {
		blob, err := r.remote.Get(ctx, ref.ID)
		if err != nil {
			if !store.IsNotFound(err) && r.policy.DieOnRemoteErrors {
				return nil, fmt.Errorf("failed to download %s: %w", ref.ID, err)
			}
			slog.Warn("Failed to download remote snapshot, trying next", "snapshot_id", ref.ID, "backend", backend, "error", err)
			continue
		}
		snap := r.snapshot(ref, blob, time.Now().UTC())
		if err := snap.Validate(); err != nil {
			slog.Warn("Skipping unusable remote snapshot", "snapshot_id", ref.ID, "backend", backend, "error", err)
			continue
		}
		if err := r.local.Put(ctx, ref.ID, blob); err != nil {
			return nil, err
		}
		slog.Info("Downloaded snapshot from remote store", "snapshot_id", ref.ID, "backend", backend, "bytes", len(blob))
		return snap, nil
	}

	slog.Info("No snapshot to restore", "version", r.scheme.Version())
	return nil, nil
}

func (r *Resolver) snapshot(ref *Ref, blob []byte, created time.Time) *store.Snapshot {
	return &store.Snapshot{
		ID:        ref.ID,
		Iteration: ref.Iteration,
		Metrics:   ref.Metrics,
		Blob:      blob,
		CreatedAt: created,
	}
}

func (r *Resolver) modTime(id string) time.Time {
	type statter interface {
		Stat(id string) (store.Info, error)
	}
	if s, ok := r.local.(statter); ok {
		if info, err := s.Stat(id); err == nil {
			return info.ModTime
		}
	}
	return time.Now().UTC()
}
