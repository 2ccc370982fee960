package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ShayCichocki/workforce/pkg/models"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// eventSeq builds events with increasing Seq values.
type eventSeq struct {
	events []models.Event
}

func (s *eventSeq) add(at time.Duration, ev models.Event) {
	ev.Seq = uint64(len(s.events) + 1)
	ev.Timestamp = t0.Add(at)
	if ev.RootID == "" {
		ev.RootID = "r"
	}
	s.events = append(s.events, ev)
}

// sampleRun is a root with two subtasks; r.2 depends on r.1 and needs a retry.
func sampleRun() []models.Event {
	ms := time.Millisecond
	s := &eventSeq{}
	s.add(0, models.Event{TaskID: "r", Kind: models.EventCreated, Status: models.TaskStatusOpen, Content: "match patients"})
	s.add(1*ms, models.Event{TaskID: "r.1", ParentID: "r", Kind: models.EventCreated, Status: models.TaskStatusOpen, Content: "parse record"})
	s.add(2*ms, models.Event{TaskID: "r.2", ParentID: "r", Kind: models.EventCreated, Status: models.TaskStatusOpen, Content: "rank trials", DependsOn: []string{"r.1"}})
	s.add(3*ms, models.Event{TaskID: "r", Kind: models.EventBlocked, Status: models.TaskStatusBlocked, Detail: "awaiting 2 subtasks"})
	s.add(4*ms, models.Event{TaskID: "r.1", WorkerID: "w1", Kind: models.EventAssigned, Status: models.TaskStatusOpen})
	s.add(10*ms, models.Event{TaskID: "r.1", WorkerID: "w1", Kind: models.EventStarted, Status: models.TaskStatusRunning, Attempt: 1})
	s.add(110*ms, models.Event{TaskID: "r.1", WorkerID: "w1", Kind: models.EventSucceeded, Status: models.TaskStatusSucceeded, Attempt: 1, Detail: "record"})
	s.add(111*ms, models.Event{TaskID: "r.2", WorkerID: "w2", Kind: models.EventAssigned, Status: models.TaskStatusOpen})
	s.add(200*ms, models.Event{TaskID: "r.2", WorkerID: "w2", Kind: models.EventStarted, Status: models.TaskStatusRunning, Attempt: 1})
	s.add(400*ms, models.Event{TaskID: "r.2", WorkerID: "w2", Kind: models.EventRetried, Status: models.TaskStatusOpen, Attempt: 1, Detail: "worker w2: timeout"})
	s.add(401*ms, models.Event{TaskID: "r.2", WorkerID: "w2", Kind: models.EventAssigned, Status: models.TaskStatusOpen, Attempt: 1})
	s.add(500*ms, models.Event{TaskID: "r.2", WorkerID: "w2", Kind: models.EventStarted, Status: models.TaskStatusRunning, Attempt: 2})
	s.add(800*ms, models.Event{TaskID: "r.2", WorkerID: "w2", Kind: models.EventSucceeded, Status: models.TaskStatusSucceeded, Attempt: 2, Detail: "ranking"})
	s.add(801*ms, models.Event{TaskID: "r", Kind: models.EventSucceeded, Status: models.TaskStatusSucceeded, Detail: "record\n\nranking"})
	return s.events
}

func TestLog_AppendAssignsSequence(t *testing.T) {
	l := NewLog()
	for i := 0; i < 3; i++ {
		ev := l.Append(models.Event{RootID: "r", TaskID: "r", Kind: models.EventCreated})
		if ev.Seq != uint64(i+1) {
			t.Fatalf("append %d: seq = %d", i, ev.Seq)
		}
	}
	l.Append(models.Event{RootID: "other", TaskID: "other", Kind: models.EventCreated})

	if got := len(l.Events("r")); got != 3 {
		t.Errorf("Events(r) = %d events, want 3", got)
	}
	if got := len(l.Events("")); got != 4 {
		t.Errorf("Events() = %d events, want 4", got)
	}
	if l.Len() != 4 {
		t.Errorf("Len() = %d, want 4", l.Len())
	}
}

func TestLog_ConcurrentAppendsKeepSeqUnique(t *testing.T) {
	l := NewLog()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				l.Append(models.Event{RootID: "r", Kind: models.EventAssigned})
			}
		}()
	}
	wg.Wait()

	events := l.Events("")
	if len(events) != 800 {
		t.Fatalf("got %d events, want 800", len(events))
	}
	for i, ev := range events {
		if ev.Seq != uint64(i+1) {
			t.Fatalf("event %d has seq %d", i, ev.Seq)
		}
	}
}

func TestLog_SubscribeAndDrop(t *testing.T) {
	l := NewLog()
	ch, unsubscribe := l.Subscribe(1)

	l.Append(models.Event{RootID: "r", Kind: models.EventCreated})
	l.Append(models.Event{RootID: "r", Kind: models.EventBlocked})

	ev := <-ch
	if ev.Seq != 1 {
		t.Errorf("first delivered seq = %d, want 1", ev.Seq)
	}
	if l.DroppedCount() != 1 {
		t.Errorf("DroppedCount() = %d, want 1", l.DroppedCount())
	}
	if l.Len() != 2 {
		t.Errorf("log lost an event: Len() = %d", l.Len())
	}

	unsubscribe()
	unsubscribe()
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after unsubscribe")
	}

	l.Close()
	late, _ := l.Subscribe(0)
	if _, ok := <-late; ok {
		t.Error("subscribe after Close should return a closed channel")
	}
}

func TestReconstruct(t *testing.T) {
	snap := Reconstruct(sampleRun())

	if !reflect.DeepEqual(snap.Roots, []string{"r"}) {
		t.Errorf("Roots = %v", snap.Roots)
	}
	if !reflect.DeepEqual(snap.Order, []string{"r", "r.1", "r.2"}) {
		t.Errorf("Order = %v", snap.Order)
	}

	root := snap.Task("r")
	if !reflect.DeepEqual(root.Children, []string{"r.1", "r.2"}) {
		t.Errorf("root children = %v", root.Children)
	}
	if root.Status != models.TaskStatusSucceeded || root.Result != "record\n\nranking" {
		t.Errorf("root = %s %q", root.Status, root.Result)
	}

	r2 := snap.Task("r.2")
	if !reflect.DeepEqual(r2.DependsOn, []string{"r.1"}) {
		t.Errorf("r.2 deps = %v", r2.DependsOn)
	}
	if r2.Attempts != 2 || r2.Retries != 1 {
		t.Errorf("r.2 attempts=%d retries=%d, want 2 and 1", r2.Attempts, r2.Retries)
	}
	if len(r2.History) != 2 || r2.History[0].Outcome != models.EventRetried || r2.History[1].Duration != 300*time.Millisecond {
		t.Errorf("r.2 history = %+v", r2.History)
	}
	if r2.Worker != "w2" {
		t.Errorf("r.2 worker = %q", r2.Worker)
	}
}

func TestReconstruct_OrdersBySeq(t *testing.T) {
	events := sampleRun()
	shuffled := append([]models.Event(nil), events...)
	for i, j := 0, len(shuffled)-1; i < j; i, j = i+1, j-1 {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}
	a, b := Reconstruct(events), Reconstruct(shuffled)
	if !reflect.DeepEqual(a.Order, b.Order) || a.Task("r").Status != b.Task("r").Status {
		t.Error("reconstruction depends on input order")
	}
}

func TestKPIs(t *testing.T) {
	kpis := KPIs(sampleRun(), "r")

	want := map[string]float64{
		KPITotalTasks:            3,
		KPISucceeded:             3,
		KPIFailed:                0,
		KPICancelled:             0,
		KPIBlocked:               0,
		KPISuccessRate:           1,
		KPIRetryCount:            1,
		KPIRetryRate:             1.0 / 3.0,
		KPIMeanLatencyMS:         200,
		KPIP50LatencyMS:          200,
		KPIP95LatencyMS:          300,
		WorkerTasksKey("w1"):     1,
		WorkerLatencyKey("w1"):   100,
		WorkerTasksKey("w2"):     2,
		WorkerLatencyKey("w2"):   250,
	}
	for k, v := range want {
		got, ok := kpis[k]
		if !ok {
			t.Errorf("missing KPI %s", k)
			continue
		}
		if math.Abs(got-v) > 1e-9 {
			t.Errorf("%s = %v, want %v", k, got, v)
		}
	}
	if len(kpis) != len(want) {
		t.Errorf("got %d KPIs, want %d: %v", len(kpis), len(want), SortedKeys(kpis))
	}
}

func TestKPIs_EmptyRoot(t *testing.T) {
	kpis := KPIs(nil, "missing")
	if kpis[KPITotalTasks] != 0 || kpis[KPISuccessRate] != 0 {
		t.Errorf("empty KPIs = %v", kpis)
	}
}

func TestSortedKeys(t *testing.T) {
	keys := SortedKeys(KPIs(sampleRun(), "r"))
	if keys[0] != KPITotalTasks {
		t.Errorf("first key = %s", keys[0])
	}
	last := keys[len(keys)-1]
	if last != WorkerTasksKey("w2") {
		t.Errorf("last key = %s", last)
	}
}

func TestRender(t *testing.T) {
	events := sampleRun()
	// Fail r.2 instead of succeeding it.
	events[len(events)-2].Kind = models.EventFailed
	events[len(events)-2].Status = models.TaskStatusFailed
	events[len(events)-2].Detail = "worker w2: bad input"

	tree := Tree(Reconstruct(events), "r")
	if tree.Count() != 3 {
		t.Fatalf("Count() = %d, want 3", tree.Count())
	}

	var buf bytes.Buffer
	if err := Render(&buf, tree, RenderOptions{}); err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	want := "r [succeeded] match patients\n" +
		"├── r.1 [succeeded] parse record (w1)\n" +
		"└── r.2 [failed] rank trials (w2, 2 attempts): worker w2: bad input\n"
	if buf.String() != want {
		t.Errorf("Render() =\n%s\nwant\n%s", buf.String(), want)
	}
}

func TestRender_Unknown(t *testing.T) {
	var buf bytes.Buffer
	if err := Render(&buf, Tree(Reconstruct(nil), "x"), RenderOptions{}); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(buf.String()) != "(empty)" {
		t.Errorf("got %q", buf.String())
	}
}

func TestDumpLoadRoundTrip(t *testing.T) {
	events := sampleRun()
	path := filepath.Join(t.TempDir(), "logs", "run.jsonl")

	if err := DumpFile(path, events); err != nil {
		t.Fatalf("DumpFile() error = %v", err)
	}
	loaded, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if len(loaded) != len(events) {
		t.Fatalf("loaded %d events, want %d", len(loaded), len(events))
	}
	for i := range events {
		if !loaded[i].Timestamp.Equal(events[i].Timestamp) {
			t.Fatalf("event %d timestamp changed", i)
		}
		loaded[i].Timestamp = events[i].Timestamp
	}
	if !reflect.DeepEqual(loaded, events) {
		t.Error("loaded events differ from dumped events")
	}

	var a, b bytes.Buffer
	if err := Render(&a, Tree(Reconstruct(events), "r"), RenderOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := Render(&b, Tree(Reconstruct(loaded), "r"), RenderOptions{}); err != nil {
		t.Fatal(err)
	}
	if a.String() != b.String() {
		t.Errorf("tree from dump differs:\n%s\nvs\n%s", b.String(), a.String())
	}
	if !reflect.DeepEqual(KPIs(events, "r"), KPIs(loaded, "r")) {
		t.Error("KPIs from dump differ")
	}
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(strings.NewReader("{\"seq\":1}\n\nnot json\n"))
	if err == nil || !strings.Contains(err.Error(), "line 3") {
		t.Errorf("Load() error = %v, want line 3 error", err)
	}
}

func TestMetrics_Observe(t *testing.T) {
	m := NewMetrics()
	for _, ev := range sampleRun() {
		m.Observe(ev)
	}

	if got := testutil.ToFloat64(m.events.WithLabelValues(string(models.EventStarted))); got != 3 {
		t.Errorf("started counter = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.busy); got != 0 {
		t.Errorf("busy gauge = %v, want 0", got)
	}
	if n := testutil.CollectAndCount(m.attempts); n != 3 {
		t.Errorf("attempt series = %d, want 3", n)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	ch := make(chan models.Event, 4)
	ch <- models.Event{Kind: models.EventCreated, TaskID: "r"}
	close(ch)
	m.Consume(context.Background(), ch)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(body, []byte(`workforce_events_total{kind="CREATED"} 1`)) {
		t.Errorf("unexpected exposition:\n%s", body)
	}
}

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	err      error
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func TestNATSPublisher(t *testing.T) {
	fake := &fakePublisher{}
	p := NewNATSPublisher(fake, "")

	ch := make(chan models.Event, 2)
	ch <- models.Event{Seq: 1, RootID: "job.7", TaskID: "job.7", Kind: models.EventCreated}
	ch <- models.Event{Seq: 2, RootID: "job.7", TaskID: "job.7", Kind: models.EventSucceeded, Detail: "ok"}
	close(ch)
	p.Consume(context.Background(), ch)

	want := []string{"workforce.events.job_7.CREATED", "workforce.events.job_7.SUCCEEDED"}
	if !reflect.DeepEqual(fake.subjects, want) {
		t.Errorf("subjects = %v, want %v", fake.subjects, want)
	}
	var ev models.Event
	if err := json.Unmarshal(fake.payloads[1], &ev); err != nil || ev.Detail != "ok" {
		t.Errorf("payload = %s (%v)", fake.payloads[1], err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close() without owned connection = %v", err)
	}
}

func TestNATSPublisher_Error(t *testing.T) {
	fake := &fakePublisher{err: errors.New("no responders")}
	p := NewNATSPublisher(fake, "wf")
	err := p.Publish(models.Event{Seq: 9, RootID: "r", Kind: models.EventFailed})
	if err == nil || !strings.Contains(err.Error(), "no responders") {
		t.Errorf("Publish() error = %v", err)
	}
}
