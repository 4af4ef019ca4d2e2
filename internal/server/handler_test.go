package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"

	"github.com/sym-hub/sym-hub/internal/coordinator"
	"github.com/sym-hub/sym-hub/internal/ledger"
	"github.com/sym-hub/sym-hub/internal/metrics"
	"github.com/sym-hub/sym-hub/internal/store"
	"github.com/sym-hub/sym-hub/internal/symbol"
)

var testKey = symbol.Key{Name: "chrome.dll.pdb", Identifier: "ABCD1234", Filename: "chrome.dll.pdb"}

// stubAcquirer stands in for the fetch orchestrator so tests stay offline.
type stubAcquirer struct {
	ledger ledger.Ledger
	calls  atomic.Int64
}

func (a *stubAcquirer) Acquire(entry *ledger.Entry) {
	a.calls.Add(1)
	entry.InFlight = false
	a.ledger.Update(entry)
}

type testEnv struct {
	app      *fiber.App
	store    *store.Store
	ledger   ledger.Ledger
	coord    *coordinator.Coordinator
	acquirer *stubAcquirer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	s, err := store.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	l, err := ledger.NewFileLedger(filepath.Join(t.TempDir(), "ledger.json"))
	if err != nil {
		t.Fatalf("create ledger: %v", err)
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	acquirer := &stubAcquirer{ledger: l}
	coord := coordinator.New(s, l, acquirer, logger, metrics.Noop{}, 2, 100*1024*1024)

	app, err := NewApp(AppOptions{
		Logger:  logger,
		Handler: NewHandler(coord, l, logger),
	})
	if err != nil {
		t.Fatalf("create app: %v", err)
	}

	return &testEnv{app: app, store: s, ledger: l, coord: coord, acquirer: acquirer}
}

func (e *testEnv) publish(t *testing.T, key symbol.Key, raw []byte) {
	t.Helper()
	f, err := e.store.CreateTemp(key)
	if err != nil {
		t.Fatalf("create temp: %v", err)
	}
	gz := gzip.NewWriter(f)
	if _, err := gz.Write(raw); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := e.store.Publish(key); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestGetSymbolServesCompressedHit(t *testing.T) {
	env := newTestEnv(t)
	raw := bytes.Repeat([]byte("pdb payload "), 2048)
	env.publish(t, testKey, raw)

	req := httptest.NewRequest("GET", "/chrome.dll.pdb/ABCD1234/chrome.dll.pdb", nil)
	req.Header.Set("Accept-Encoding", "gzip, deflate")

	resp, err := env.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if enc := resp.Header.Get("Content-Encoding"); enc != "gzip" {
		t.Fatalf("expected gzip encoding, got %q", enc)
	}
	if reqID := resp.Header.Get("X-Request-ID"); reqID == "" {
		t.Fatal("expected X-Request-ID header to be set")
	}

	body, _ := io.ReadAll(resp.Body)
	gz, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		t.Fatalf("body is not gzip: %v", err)
	}
	decoded, err := io.ReadAll(gz)
	if err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if !bytes.Equal(decoded, raw) {
		t.Fatal("payload mismatch")
	}
}

func TestGetSymbolServesDecompressedHit(t *testing.T) {
	env := newTestEnv(t)
	raw := bytes.Repeat([]byte("pdb payload "), 2048)
	env.publish(t, testKey, raw)

	req := httptest.NewRequest("GET", "/chrome.dll.pdb/ABCD1234/chrome.dll.pdb", nil)

	resp, err := env.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if enc := resp.Header.Get("Content-Encoding"); enc == "gzip" {
		t.Fatal("decompressed responses must not carry gzip encoding")
	}

	body, _ := io.ReadAll(resp.Body)
	if !bytes.Equal(body, raw) {
		t.Fatalf("payload mismatch: %d vs %d bytes", len(body), len(raw))
	}
}

func TestGetSymbolMissReturns404AndSchedules(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest("GET", "/chrome.dll.pdb/ABCD1234/chrome.dll.pdb", nil)
	resp, err := env.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte(`"symbol_not_found"`)) {
		t.Fatalf("expected symbol_not_found error, got %s", body)
	}

	env.coord.Wait()
	if env.acquirer.calls.Load() != 1 {
		t.Fatalf("expected one scheduled fetch, got %d", env.acquirer.calls.Load())
	}
	row, err := env.ledger.Find(testKey.Identifier, testKey.Filename)
	if err != nil {
		t.Fatalf("ledger row must exist: %v", err)
	}
	if row.InFlight {
		t.Fatal("stub acquirer should have finalized the row")
	}
}

func TestGetSymbolAliasRoute(t *testing.T) {
	env := newTestEnv(t)
	raw := []byte("alias payload")
	env.publish(t, testKey, raw)

	req := httptest.NewRequest("GET", "/download/symbols/chrome.dll.pdb/ABCD1234/chrome.dll.pdb", nil)
	resp, err := env.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200 on alias route, got %d", resp.StatusCode)
	}
}

func TestGetSymbolInvalidKeyReturns400(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest("GET", "/chrome%20dll/ABCD1234/chrome.dll.pdb", nil)
	resp, err := env.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte(`"invalid_symbol_key"`)) {
		t.Fatalf("expected invalid_symbol_key error, got %s", body)
	}
	if env.acquirer.calls.Load() != 0 {
		t.Fatal("invalid keys must not schedule fetches")
	}
}

func TestListSymbols(t *testing.T) {
	env := newTestEnv(t)
	keys := []symbol.Key{
		{Name: "a.pdb", Identifier: "AAAA", Filename: "a.pdb"},
		{Name: "b.pdb", Identifier: "BBBB", Filename: "b.pdb"},
		{Name: "c.pdb", Identifier: "CCCC", Filename: "c.pdb"},
	}
	for _, key := range keys {
		if _, err := env.ledger.Create(key, true); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	req := httptest.NewRequest("GET", "/symbols?skip=1&limit=1", nil)
	resp, err := env.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var rows []symbolRow
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		t.Fatalf("decode listing: %v", err)
	}
	if len(rows) != 1 || rows[0].Name != "b.pdb" || !rows[0].Found {
		t.Fatalf("unexpected listing: %+v", rows)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)

	resp, err := env.app.Test(httptest.NewRequest("GET", "/-/healthz", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
