package fetch

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sym-hub/sym-hub/internal/config"
	"github.com/sym-hub/sym-hub/internal/metrics"
	"github.com/sym-hub/sym-hub/internal/symbol"
)

func TestAcquireFailsOverToSecondServer(t *testing.T) {
	env := newTransferEnv(t)
	payload := bytes.Repeat([]byte("x"), 1048576)

	var firstHits atomic.Int64
	first := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		firstHits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer first.Close()

	second := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chrome.dll.pdb/ABCD1234/chrome.dll.pdb" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.WriteHeader(http.StatusOK)
		w.Write(payload)
	}))
	defer second.Close()

	orch := newTestOrchestrator(env, first.URL, second.URL)
	entry := env.inFlightEntry(t, transferKey)
	orch.Acquire(entry)

	row, err := env.ledger.Find(transferKey.Identifier, transferKey.Filename)
	if err != nil {
		t.Fatalf("find entry: %v", err)
	}
	if !row.Found || row.InFlight {
		t.Fatalf("entry should end found and idle, got %+v", row)
	}

	// 503 为可重试状态，第一个候选应被尝试 MaxRetries 次
	if hits := firstHits.Load(); hits != 3 {
		t.Fatalf("expected 3 attempts against the failing server, got %d", hits)
	}

	if got := env.readDecompressed(t, transferKey); !bytes.Equal(got, payload) {
		t.Fatalf("artifact mismatch: %d vs %d bytes", len(got), len(payload))
	}
}

func TestAcquireExhaustsAllServers(t *testing.T) {
	env := newTransferEnv(t)

	notFound := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer notFound.Close()

	orch := newTestOrchestrator(env, notFound.URL, notFound.URL)
	entry := env.inFlightEntry(t, transferKey)
	orch.Acquire(entry)

	row, err := env.ledger.Find(transferKey.Identifier, transferKey.Filename)
	if err != nil {
		t.Fatalf("find entry: %v", err)
	}
	if row.Found || row.InFlight {
		t.Fatalf("entry should end not found and idle, got %+v", row)
	}
	if env.store.Exists(transferKey) {
		t.Fatal("no artifact must be published")
	}
}

func TestAcquireSkipsCandidateWithoutSizeHeader(t *testing.T) {
	env := newTransferEnv(t)
	payload := []byte("real payload")

	chunked := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Flush 强制 chunked 编码，响应不携带 Content-Length
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		w.Write([]byte("unsized body"))
	}))
	defer chunked.Close()

	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.WriteHeader(http.StatusOK)
		w.Write(payload)
	}))
	defer good.Close()

	orch := newTestOrchestrator(env, chunked.URL, good.URL)
	entry := env.inFlightEntry(t, transferKey)
	orch.Acquire(entry)

	row, err := env.ledger.Find(transferKey.Identifier, transferKey.Filename)
	if err != nil {
		t.Fatalf("find entry: %v", err)
	}
	if !row.Found || row.InFlight {
		t.Fatalf("failover should have succeeded, got %+v", row)
	}
	if got := env.readDecompressed(t, transferKey); !bytes.Equal(got, payload) {
		t.Fatal("artifact mismatch after failover")
	}
}

func TestAcquireRejectsInvalidKeyBeforeNetwork(t *testing.T) {
	env := newTransferEnv(t)

	var hits atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	badKey := symbol.Key{Name: "..", Identifier: "ABCD1234", Filename: "a.pdb"}
	entry, err := env.ledger.Create(badKey, false)
	if err != nil {
		t.Fatalf("create entry: %v", err)
	}
	entry.InFlight = true
	if err := env.ledger.Update(entry); err != nil {
		t.Fatalf("update entry: %v", err)
	}

	orch := newTestOrchestrator(env, upstream.URL)
	orch.Acquire(entry)

	if hits.Load() != 0 {
		t.Fatal("invalid key must not reach any upstream")
	}
	row, err := env.ledger.Find(badKey.Identifier, badKey.Filename)
	if err != nil {
		t.Fatalf("find entry: %v", err)
	}
	if row.Found || row.InFlight {
		t.Fatalf("entry should end not found and idle, got %+v", row)
	}
}

func TestClientRetriesUntilSuccess(t *testing.T) {
	var hits atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	client := newTestClient()
	resp, err := client.Get(upstream.URL + "/a/b/c")
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected eventual 200, got %d", resp.StatusCode)
	}
	if hits.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", hits.Load())
	}
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer upstream.Close()

	client := newTestClient()
	resp, err := client.Get(upstream.URL + "/a/b/c")
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	resp.Body.Close()

	if hits.Load() != 1 {
		t.Fatalf("404 must not be retried, got %d attempts", hits.Load())
	}
}

func newTestClient() *Client {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewClient(config.GlobalConfig{
		MaxRetries:      3,
		RetryBackoff:    config.Duration(time.Millisecond),
		UpstreamTimeout: config.Duration(5 * time.Second),
	}, logger)
}

func newTestOrchestrator(env *transferEnv, servers ...string) *Orchestrator {
	return NewOrchestrator(servers, newTestClient(), env.transfer, env.ledger, env.logger, metrics.Noop{})
}
