package mirror

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"modledger/internal/metrics"
	"modledger/internal/model"
	"modledger/internal/repository/memory"

	"github.com/jonboulle/clockwork"
)

// scriptedPublisher fails while fail is set.
type scriptedPublisher struct {
	network string

	mu    sync.Mutex
	fail  bool
	calls int
}

func (p *scriptedPublisher) Network() string { return p.network }

func (p *scriptedPublisher) Publish(_ context.Context, t *model.Transaction) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.fail {
		return "", errors.New("network down")
	}
	return p.network + ":" + t.ID, nil
}

func (p *scriptedPublisher) setFail(v bool) {
	p.mu.Lock()
	p.fail = v
	p.mu.Unlock()
}

type outboxFixture struct {
	repo   *memory.MirrorRepository
	clock  *clockwork.FakeClock
	outbox *Outbox
	txs    map[string]*model.Transaction
}

func newOutboxFixture(t *testing.T, cfg OutboxConfig, pubs ...Publisher) *outboxFixture {
	t.Helper()
	f := &outboxFixture{
		repo:  memory.NewMirrorRepository(),
		clock: clockwork.NewFakeClockAt(created),
		txs:   make(map[string]*model.Transaction),
	}
	f.outbox = NewOutbox(f.repo, cfg, pubs, WithOutboxClock(f.clock))
	t.Cleanup(f.outbox.Close)
	return f
}

func (f *outboxFixture) load(_ context.Context, id string) (*model.Transaction, error) {
	t, ok := f.txs[id]
	if !ok {
		return nil, errors.New("unknown transaction")
	}
	return t, nil
}

func (f *outboxFixture) mirror(t *testing.T, tx *model.Transaction) []*model.MirrorRecord {
	t.Helper()
	f.txs[tx.ID] = tx
	return f.outbox.Mirror(context.Background(), tx)
}

func (f *outboxFixture) record(t *testing.T, txID, network string) *model.MirrorRecord {
	t.Helper()
	recs, err := f.repo.ListByTransaction(context.Background(), txID)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range recs {
		if r.Network == network {
			return r
		}
	}
	t.Fatalf("no %s record for %s", network, txID)
	return nil
}

func TestMirrorQueuesOneRecordPerNetwork(t *testing.T) {
	kafka := &scriptedPublisher{network: "kafka"}
	archive := &scriptedPublisher{network: "archive"}
	f := newOutboxFixture(t, OutboxConfig{}, kafka, archive, &scriptedPublisher{network: "kafka"})

	if got := f.outbox.Networks(); len(got) != 2 || got[0] != "kafka" || got[1] != "archive" {
		t.Fatalf("Networks = %v", got)
	}

	recs := f.mirror(t, sampleTx())
	if len(recs) != 2 {
		t.Fatalf("queued %d records, want 2", len(recs))
	}
	for _, r := range recs {
		if r.Status != model.MirrorStatusPending || r.TransactionID != sampleTx().ID || r.ID == "" {
			t.Fatalf("record = %+v", r)
		}
	}

	select {
	case <-f.outbox.Notify():
	default:
		t.Fatal("Mirror did not signal Notify")
	}
	if kafka.calls != 0 || archive.calls != 0 {
		t.Fatal("Mirror published synchronously")
	}
}

func TestMirrorWithoutNetworks(t *testing.T) {
	f := newOutboxFixture(t, OutboxConfig{})
	if recs := f.mirror(t, sampleTx()); recs != nil {
		t.Fatalf("queued %v without networks", recs)
	}
}

func TestProcessDueConfirms(t *testing.T) {
	ctx := context.Background()
	kafka := &scriptedPublisher{network: "kafka"}
	archive := &scriptedPublisher{network: "archive"}
	f := newOutboxFixture(t, OutboxConfig{Workers: 2}, kafka, archive)
	tx := sampleTx()
	f.mirror(t, tx)

	res, err := f.outbox.ProcessDue(ctx, f.load)
	if err != nil {
		t.Fatalf("ProcessDue: %v", err)
	}
	if res != (ProcessResult{Attempted: 2, Confirmed: 2}) {
		t.Fatalf("result = %+v", res)
	}

	rec := f.record(t, tx.ID, "kafka")
	if rec.Status != model.MirrorStatusConfirmed || rec.ExternalRef != "kafka:"+tx.ID || rec.Attempts != 1 {
		t.Fatalf("kafka record = %+v", rec)
	}
	if rec.LastAttemptAt == nil || !rec.LastAttemptAt.Equal(created) || rec.NextAttemptAt != nil {
		t.Fatalf("kafka record timestamps = %+v", rec)
	}

	res, err = f.outbox.ProcessDue(ctx, f.load)
	if err != nil || res.Attempted != 0 {
		t.Fatalf("second pass = %+v, %v", res, err)
	}
}

func TestProcessDueRetriesWithBackoff(t *testing.T) {
	ctx := context.Background()
	pub := &scriptedPublisher{network: "kafka", fail: true}
	cfg := OutboxConfig{MaxAttempts: 3, BaseBackoff: time.Second, MaxBackoff: time.Minute, Workers: 1}
	f := newOutboxFixture(t, cfg, pub)
	tx := sampleTx()
	f.mirror(t, tx)

	res, err := f.outbox.ProcessDue(ctx, f.load)
	if err != nil {
		t.Fatal(err)
	}
	if res != (ProcessResult{Attempted: 1, Failed: 1}) {
		t.Fatalf("result = %+v", res)
	}
	rec := f.record(t, tx.ID, "kafka")
	if rec.Status != model.MirrorStatusFailed || rec.Attempts != 1 || rec.LastError == "" {
		t.Fatalf("record after failure = %+v", rec)
	}
	if rec.NextAttemptAt == nil || !rec.NextAttemptAt.Equal(created.Add(time.Second)) {
		t.Fatalf("NextAttemptAt = %v", rec.NextAttemptAt)
	}

	// not due before the backoff elapses
	if res, _ := f.outbox.ProcessDue(ctx, f.load); res.Attempted != 0 {
		t.Fatalf("retried before backoff: %+v", res)
	}

	f.clock.Advance(time.Second)
	if res, _ := f.outbox.ProcessDue(ctx, f.load); res.Failed != 1 {
		t.Fatalf("second attempt = %+v", res)
	}
	rec = f.record(t, tx.ID, "kafka")
	if rec.Attempts != 2 || !rec.NextAttemptAt.Equal(created.Add(3*time.Second)) {
		t.Fatalf("record after second failure = %+v", rec)
	}

	pub.setFail(false)
	f.clock.Advance(2 * time.Second)
	if res, _ := f.outbox.ProcessDue(ctx, f.load); res.Confirmed != 1 {
		t.Fatalf("third attempt = %+v", res)
	}
	rec = f.record(t, tx.ID, "kafka")
	if rec.Status != model.MirrorStatusConfirmed || rec.Attempts != 3 || rec.LastError != "" {
		t.Fatalf("record after recovery = %+v", rec)
	}
}

func TestProcessDueGivesUpAtMaxAttempts(t *testing.T) {
	ctx := context.Background()
	pub := &scriptedPublisher{network: "kafka", fail: true}
	f := newOutboxFixture(t, OutboxConfig{MaxAttempts: 2, BaseBackoff: time.Second, MaxBackoff: time.Second}, pub)
	tx := sampleTx()
	f.mirror(t, tx)

	for i := 0; i < 2; i++ {
		if _, err := f.outbox.ProcessDue(ctx, f.load); err != nil {
			t.Fatal(err)
		}
		f.clock.Advance(time.Hour)
	}
	rec := f.record(t, tx.ID, "kafka")
	if rec.Attempts != 2 || rec.Status != model.MirrorStatusFailed || rec.NextAttemptAt != nil {
		t.Fatalf("exhausted record = %+v", rec)
	}

	if res, _ := f.outbox.ProcessDue(ctx, f.load); res.Attempted != 0 {
		t.Fatalf("exhausted record retried: %+v", res)
	}
	if pub.calls != 2 {
		t.Fatalf("publisher called %d times, want 2", pub.calls)
	}
}

func TestProcessDueMissingTransaction(t *testing.T) {
	pub := &scriptedPublisher{network: "kafka"}
	f := newOutboxFixture(t, OutboxConfig{}, pub)
	f.outbox.Mirror(context.Background(), sampleTx()) // not registered with the loader

	res, err := f.outbox.ProcessDue(context.Background(), f.load)
	if err != nil {
		t.Fatal(err)
	}
	if res.Failed != 1 || pub.calls != 0 {
		t.Fatalf("result = %+v, publisher calls = %d", res, pub.calls)
	}
	rec := f.record(t, sampleTx().ID, "kafka")
	if rec.Status != model.MirrorStatusFailed {
		t.Fatalf("record = %+v", rec)
	}
}

func TestBackoff(t *testing.T) {
	cfg := OutboxConfig{BaseBackoff: 2 * time.Second, MaxBackoff: 30 * time.Second}.normalized()
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 2 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{60, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := cfg.Backoff(tt.attempts); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestOutboxConfigDefaults(t *testing.T) {
	cfg := OutboxConfig{MaxBackoff: time.Millisecond}.normalized()
	if cfg.BatchSize != 100 || cfg.MaxAttempts != 5 || cfg.Workers != 4 {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.MaxBackoff != cfg.BaseBackoff {
		t.Fatalf("MaxBackoff %v below BaseBackoff %v", cfg.MaxBackoff, cfg.BaseBackoff)
	}
}

// gate holds every publish until opened and records that one began.
type gate struct {
	started  chan struct{}
	release  chan struct{}
	begin    sync.Once
	openOnce sync.Once
}

func newGate() *gate {
	return &gate{started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) open() { g.openOnce.Do(func() { close(g.release) }) }

type gatedPublisher struct {
	network string
	gate    *gate
}

func (p *gatedPublisher) Network() string { return p.network }

func (p *gatedPublisher) Publish(_ context.Context, t *model.Transaction) (string, error) {
	p.gate.begin.Do(func() { close(p.gate.started) })
	<-p.gate.release
	return p.network + ":" + t.ID, nil
}

func TestProcessDueReportsBacklogGauges(t *testing.T) {
	metrics.Init()
	g := newGate()
	var pubs []Publisher
	for _, n := range []string{"kafka", "archive", "chain"} {
		pubs = append(pubs, &gatedPublisher{network: n, gate: g})
	}
	f := newOutboxFixture(t, OutboxConfig{Workers: 1}, pubs...)
	t.Cleanup(g.open)
	f.mirror(t, sampleTx())

	done := make(chan ProcessResult, 1)
	go func() {
		res, _ := f.outbox.ProcessDue(context.Background(), f.load)
		done <- res
	}()
	<-g.started

	scrape := func() string {
		w := httptest.NewRecorder()
		metrics.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		return w.Body.String()
	}
	// the single worker holds one task, so at least two stay queued
	deadline := time.Now().Add(5 * time.Second)
	for {
		body := scrape()
		backlog := strings.Contains(body, "\nmirror_queue_depth 2\n") || strings.Contains(body, "\nmirror_queue_depth 3\n")
		if strings.Contains(body, "\nmirror_due_records 3\n") && backlog {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("gauges never showed 3 due records with a queued backlog:\n%s", body)
		}
		time.Sleep(10 * time.Millisecond)
	}

	g.open()
	if res := <-done; res != (ProcessResult{Attempted: 3, Confirmed: 3}) {
		t.Fatalf("result = %+v", res)
	}
}
