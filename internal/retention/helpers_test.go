package retention

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cwbudde/sizif/internal/metric"
	"github.com/cwbudde/sizif/internal/naming"
	"github.com/cwbudde/sizif/internal/store"
)

// faultyStore is a MemStore whose operations can be switched to fail.
type faultyStore struct {
	*store.MemStore
	mu         sync.Mutex
	failPut    error
	failGet    error
	failDelete error
	failList   error
	puts       int
}

func newFaultyStore(name string) *faultyStore {
	return &faultyStore{MemStore: store.NewMemStore(name)}
}

func (f *faultyStore) setFailures(put, get, del, list error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failPut, f.failGet, f.failDelete, f.failList = put, get, del, list
}

// down makes every operation fail with err; nil brings the store back.
func (f *faultyStore) down(err error) { f.setFailures(err, err, err, err) }

func (f *faultyStore) Put(ctx context.Context, id string, blob []byte) error {
	f.mu.Lock()
	err := f.failPut
	f.puts++
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.MemStore.Put(ctx, id, blob)
}

func (f *faultyStore) Get(ctx context.Context, id string) ([]byte, error) {
	f.mu.Lock()
	err := f.failGet
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.MemStore.Get(ctx, id)
}

func (f *faultyStore) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	err := f.failDelete
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.MemStore.Delete(ctx, id)
}

func (f *faultyStore) List(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	err := f.failList
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.MemStore.List(ctx)
}

func unreachable() error {
	return &store.RemoteTransientError{Backend: "remote", Op: "put", Err: errors.New("connection refused")}
}

// fakeModel serializes a counter so every blob is distinct.
type fakeModel struct {
	mu          sync.Mutex
	serialized  int
	weightsOnly bool
	loaded      []byte
}

func (m *fakeModel) Serialize(weightsOnly bool) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.serialized++
	m.weightsOnly = weightsOnly
	return []byte{byte(m.serialized)}, nil
}

func (m *fakeModel) Deserialize(blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loaded = append([]byte(nil), blob...)
	return nil
}

const lossTemplate = "weights_{epoch:04d}-{val_loss:.4f}"

func lossPolicy(keep int) Policy {
	return Policy{
		Version:   "1",
		Template:  lossTemplate,
		KeepCount: keep,
		Monitor:   "val_loss",
		Mode:      metric.ModeMin,
		Period:    1,
	}
}

func loss(v float64) map[string]float64 {
	return map[string]float64{"val_loss": v, "loss": v + 0.1}
}

// runLosses feeds one iteration per value, starting at iteration first.
func runLosses(t *testing.T, e *Engine, first int, values ...float64) {
	t.Helper()
	ctx := context.Background()
	for i, v := range values {
		it := first + i
		require.NoError(t, e.BeginIteration(ctx, it))
		require.NoError(t, e.EndIteration(ctx, IterationEvent{Iteration: it, Metrics: loss(v)}), "iteration %d", it)
	}
}

// iterations lists b and returns the iterations of the snapshots matching
// scheme, sorted.
func iterations(t *testing.T, b store.Backend, scheme *naming.Scheme) []int {
	t.Helper()
	ids, err := b.List(context.Background())
	require.NoError(t, err)
	parsed, _ := scheme.ParseAll(ids)
	out := make([]int, 0, len(parsed))
	for _, p := range parsed {
		out = append(out, p.Iteration)
	}
	sort.Ints(out)
	return out
}

func mustRender(t *testing.T, version, template string, iteration int, metrics map[string]float64) string {
	t.Helper()
	s, err := naming.New(version, template)
	require.NoError(t, err)
	id, err := s.Render(iteration, metrics)
	require.NoError(t, err)
	return id
}
