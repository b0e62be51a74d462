package transfer

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gridxfer/pkg/catalogue"
	"gridxfer/pkg/metrics"
	"gridxfer/pkg/qos"
	"gridxfer/pkg/ticket"
	"gridxfer/pkg/transport"
	"gridxfer/pkg/types"
	"gridxfer/pkg/workpool"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var testSecret = []byte("transfer-test-secret-0123456789")

// faultTransport wraps a real transport and injects per-element failures and
// stalls.
type faultTransport struct {
	inner transport.Client

	mu       sync.Mutex
	putFail  map[types.ElementName]error
	getFail  map[types.ElementName]error
	block    map[types.ElementName]chan struct{}
	puts     map[types.ElementName]int
	gets     map[types.ElementName]int
	inFlight int
	maxPuts  int
}

func newFaultTransport(inner transport.Client) *faultTransport {
	return &faultTransport{
		inner:   inner,
		putFail: make(map[types.ElementName]error),
		getFail: make(map[types.ElementName]error),
		block:   make(map[types.ElementName]chan struct{}),
		puts:    make(map[types.ElementName]int),
		gets:    make(map[types.ElementName]int),
	}
}

func (f *faultTransport) failPut(name types.ElementName) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putFail[name] = types.Errorf(types.CodeTransportFailure, "put", "%s unreachable", name)
}

func (f *faultTransport) failGet(name types.ElementName) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getFail[name] = types.Errorf(types.CodeTransportFailure, "get", "%s unreachable", name)
}

func (f *faultTransport) denyPut(name types.ElementName) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putFail[name] = types.Errorf(types.CodePermissionDenied, "put", "%s refused the ticket", name)
}

// stall makes puts to name wait until the returned func is called.
func (f *faultTransport) stall(name types.ElementName) func() {
	ch := make(chan struct{})
	f.mu.Lock()
	f.block[name] = ch
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (f *faultTransport) putCount(name types.ElementName) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.puts[name]
}

func (f *faultTransport) totalPuts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.puts {
		n += c
	}
	return n
}

func (f *faultTransport) Put(ctx context.Context, r *types.PhysicalReplica, local string) (string, error) {
	f.mu.Lock()
	f.puts[r.Element.Name]++
	f.inFlight++
	if f.inFlight > f.maxPuts {
		f.maxPuts = f.inFlight
	}
	err := f.putFail[r.Element.Name]
	block := f.block[r.Element.Name]
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	return f.inner.Put(ctx, r, local)
}

func (f *faultTransport) Get(ctx context.Context, r *types.PhysicalReplica, dest string) (string, error) {
	f.mu.Lock()
	f.gets[r.Element.Name]++
	err := f.getFail[r.Element.Name]
	f.mu.Unlock()
	if err != nil {
		return "", err
	}
	return f.inner.Get(ctx, r, dest)
}

func (f *faultTransport) Delete(ctx context.Context, r *types.PhysicalReplica) (bool, error) {
	return f.inner.Delete(ctx, r)
}

type harness struct {
	t         *testing.T
	cat       *catalogue.Catalogue
	authority *ticket.Authority
	transport *faultTransport
	roots     map[types.ElementName]string
	metrics   *metrics.TransferMetrics
	registry  *prometheus.Registry
}

// newHarness builds a catalogue over four file-backed elements: SE-A, SE-B
// and SE-C offer disk in increasing cost order, SE-T offers tape.
func newHarness(t *testing.T) *harness {
	t.Helper()

	authority, err := ticket.NewAuthority(testSecret, "gridxfer-test", time.Minute)
	require.NoError(t, err)

	roots := make(map[types.ElementName]string)
	element := func(name string, id int, class string, cost float64) types.StorageElement {
		root := t.TempDir()
		roots[types.ElementName(name)] = root
		return types.StorageElement{
			Name:      types.ElementName(name),
			ID:        id,
			QoS:       []string{class},
			ReadCost:  cost,
			WriteCost: cost,
			Protocols: []string{transport.ProtocolFile},
			Endpoints: map[string]string{transport.ProtocolFile: root},
		}
	}

	registry := prometheus.NewRegistry()
	m := metrics.NewTransferMetrics(registry)

	cat, err := catalogue.New(catalogue.Options{
		Namespace: catalogue.NewTreeNamespace(),
		Authority: authority,
		Elements: []types.StorageElement{
			element("SE-A", 1, "disk", 1),
			element("SE-B", 2, "disk", 2),
			element("SE-C", 3, "disk", 3),
			element("SE-T", 4, "tape", 5),
		},
		Owner:   "tester",
		Logger:  zaptest.NewLogger(t),
		Metrics: m,
	})
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	mux := transport.NewDefaultMux(transport.Options{Timeout: 10 * time.Second}, zaptest.NewLogger(t))
	t.Cleanup(func() { mux.Close() })

	return &harness{
		t:         t,
		cat:       cat,
		authority: authority,
		transport: newFaultTransport(mux),
		roots:     roots,
		metrics:   m,
		registry:  registry,
	}
}

func (h *harness) client(poolSize int) *Client {
	return h.clientFor(h.cat, poolSize)
}

func (h *harness) clientFor(cat Catalogue, poolSize int) *Client {
	h.t.Helper()
	pool := workpool.New(poolSize, time.Second, zaptest.NewLogger(h.t))
	c := NewClient(Options{
		Catalogue:         cat,
		Transport:         h.transport,
		Pool:              pool,
		DefaultQoS:        qos.MustParse("disk:2"),
		PollInterval:      5 * time.Millisecond,
		HeartbeatInterval: 10 * time.Millisecond,
		MirrorAttempts:    2,
		Logger:            zaptest.NewLogger(h.t),
		Metrics:           h.metrics,
	})
	h.t.Cleanup(func() {
		c.Close()
		pool.Close()
	})
	return c
}

// writeFile creates a local file with content and returns its path.
func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	return p
}

// put uploads content to lfn and requires full success.
func (h *harness) put(c *Client, lfn, content, spec string) *Outcome {
	h.t.Helper()
	out, err := c.Put(context.Background(), writeFile(h.t, filepath.Base(lfn), content), lfn, PutOptions{QoS: spec, WaitForAll: true})
	require.NoError(h.t, err)
	require.Equal(h.t, types.CodeOK, out.Code, out.Message())
	return out
}

func (h *harness) replicaElements(lfn string) []string {
	h.t.Helper()
	replicas, err := h.cat.ListReplicasForRead(context.Background(), lfn, nil, nil)
	if types.IsCode(err, types.CodeNameNotFound) {
		return nil
	}
	require.NoError(h.t, err)
	var names []string
	for _, r := range replicas {
		names = append(names, string(r.Element.Name))
	}
	return names
}

func elementNames(names []types.ElementName) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = string(n)
	}
	return out
}
