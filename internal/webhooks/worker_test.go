package webhooks

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"fleetopt/internal/model"
	"fleetopt/internal/store"
)

type recordStore struct {
	*store.Memory
	mu    sync.Mutex
	marks []MarkRec
	fails []FailRec
}
type MarkRec struct {
	ID            string
	Success       bool
	Code, Latency int
	LastErr       string
}
type FailRec struct {
	ID            string
	Code, Latency int
	LastErr       string
}

func (r *recordStore) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	r.mu.Lock()
	r.marks = append(r.marks, MarkRec{ID: id, Success: success, Code: responseCode, Latency: latencyMs, LastErr: lastError})
	r.mu.Unlock()
	return r.Memory.MarkWebhookDelivery(ctx, id, success, nextAttemptAt, lastError, responseCode, latencyMs)
}
func (r *recordStore) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	r.mu.Lock()
	r.fails = append(r.fails, FailRec{ID: id, Code: responseCode, Latency: latencyMs, LastErr: lastError})
	r.mu.Unlock()
	return r.Memory.FailWebhookDelivery(ctx, id, lastError, responseCode, latencyMs)
}

func TestWorkerProcessOnce_SuccessAndSignature(t *testing.T) {
	var gotSig, gotType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(SignatureHeader)
		gotType = r.Header.Get(EventTypeHeader)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(200)
	}))
	defer srv.Close()

	rs := &recordStore{Memory: store.NewMemory()}
	w := NewWorker(rs, 3)
	w.HTTP = srv.Client()
	pub := NewPublisher(rs, Target{URL: srv.URL, Secret: "secret"})
	if err := pub.Publish(context.Background(), model.AssignmentEvent{ID: "evt1", Type: model.EventOrderAssigned, OrderID: "o1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	w.processOnce()

	if gotType != model.EventOrderAssigned {
		t.Fatalf("missing type header: %q", gotType)
	}
	if !VerifyHMAC("secret", gotBody, gotSig) {
		t.Fatalf("signature %q does not verify", gotSig)
	}
	if len(rs.marks) == 0 || !rs.marks[0].Success {
		t.Fatalf("expected mark success, got: %+v", rs.marks)
	}
}

func TestWorkerProcessOnce_Fail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(500) }))
	defer srv.Close()
	rs := &recordStore{Memory: store.NewMemory()}
	w := NewWorker(rs, 1)
	w.HTTP = srv.Client()
	id, _ := rs.Memory.EnqueueWebhook(context.Background(), model.EventSystemAlert, srv.URL, "", []byte(`{}`))
	w.processOnce()
	if len(rs.fails) == 0 {
		t.Fatalf("expected fail recorded")
	}
	if status, _ := rs.DeliveryStatus(id); status != store.DeliveryFailed {
		t.Fatalf("want failed, got %s", status)
	}
}

func TestWorkerProcessOnce_Retry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(503) }))
	defer srv.Close()
	rs := &recordStore{Memory: store.NewMemory()}
	w := NewWorker(rs, 5)
	w.HTTP = srv.Client()
	id, _ := rs.Memory.EnqueueWebhook(context.Background(), model.EventRouteChanged, srv.URL, "", []byte(`{}`))
	w.processOnce()
	if len(rs.marks) != 1 || rs.marks[0].Success || rs.marks[0].Code != 503 {
		t.Fatalf("expected one failed mark, got %+v", rs.marks)
	}
	// backoff keeps it out of the next batch
	w.processOnce()
	if status, attempts := rs.DeliveryStatus(id); status != store.DeliveryRetry || attempts != 1 {
		t.Fatalf("want retry/1, got %s/%d", status, attempts)
	}
}

func TestPublisherFiltersEvents(t *testing.T) {
	m := store.NewMemory()
	pub := NewPublisher(m, Target{URL: "http://a", Events: []string{model.EventSystemAlert}}, Target{URL: "http://b"})
	_ = pub.Publish(context.Background(), model.AssignmentEvent{Type: model.EventOrderAssigned})
	due, _ := m.FetchDueWebhookDeliveries(context.Background(), 10)
	if len(due) != 1 || due[0].URL != "http://b" {
		t.Fatalf("want only http://b, got %+v", due)
	}
}

func TestNextBackoff(t *testing.T) {
	if got := nextBackoff(0); got != time.Second {
		t.Fatalf("got %s", got)
	}
	if got := nextBackoff(3); got != 8*time.Second {
		t.Fatalf("got %s", got)
	}
	if got := nextBackoff(50); got != 1024*time.Second {
		t.Fatalf("got %s", got)
	}
}

func TestSignature(t *testing.T) {
	sig := SignHMAC("k", []byte("body"))
	if !VerifyHMAC("k", []byte("body"), sig) || VerifyHMAC("other", []byte("body"), sig) || VerifyHMAC("k", []byte("body"), "zz") {
		t.Fatal("signature round trip failed")
	}
}
