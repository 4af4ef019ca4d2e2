package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sym-hub/sym-hub/internal/symbol"
)

// NewFileLedger 打开（或初始化）JSON 文件台账。文件不存在时从空台账开始。
func NewFileLedger(path string) (Ledger, error) {
	if path == "" {
		return nil, errors.New("ledger path required")
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve ledger path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}

	l := &fileLedger{
		path:    abs,
		entries: make(map[string]*Entry),
	}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

// fileLedger 以单个 JSON 文件持久化所有条目，互斥锁串行化读改写，
// 写盘沿用 temp + rename，崩溃后文件始终完整。
type fileLedger struct {
	path string

	mu      sync.Mutex
	entries map[string]*Entry
}

type ledgerFile struct {
	Entries []*Entry `json:"entries"`
}

func (l *fileLedger) Find(identifier, filename string) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[entryKey(identifier, filename)]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *entry
	return &clone, nil
}

func (l *fileLedger) Create(key symbol.Key, found bool) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.entries[entryKey(key.Identifier, key.Filename)]; ok {
		clone := *existing
		return &clone, nil
	}

	entry := &Entry{Key: key, Found: found}
	l.entries[entryKey(key.Identifier, key.Filename)] = entry
	if err := l.persist(); err != nil {
		delete(l.entries, entryKey(key.Identifier, key.Filename))
		return nil, err
	}
	clone := *entry
	return &clone, nil
}

func (l *fileLedger) Update(entry *Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := entryKey(entry.Key.Identifier, entry.Key.Filename)
	if _, ok := l.entries[key]; !ok {
		return ErrNotFound
	}
	clone := *entry
	l.entries[key] = &clone
	return l.persist()
}

func (l *fileLedger) MarkInFlight(identifier, filename string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[entryKey(identifier, filename)]
	if !ok {
		return false, ErrNotFound
	}
	if entry.InFlight {
		return false, nil
	}
	entry.InFlight = true
	if err := l.persist(); err != nil {
		entry.InFlight = false
		return false, err
	}
	return true, nil
}

func (l *fileLedger) ListInFlight() ([]*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var result []*Entry
	for _, entry := range l.sorted() {
		if entry.InFlight {
			clone := *entry
			result = append(result, &clone)
		}
	}
	return result, nil
}

func (l *fileLedger) List(skip, limit int) ([]*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	all := l.sorted()
	if skip < 0 {
		skip = 0
	}
	if skip >= len(all) {
		return nil, nil
	}
	all = all[skip:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}

	result := make([]*Entry, len(all))
	for i, entry := range all {
		clone := *entry
		result[i] = &clone
	}
	return result, nil
}

// sorted 返回按 name/identifier/filename 稳定排序的内部切片，调用方需持锁。
func (l *fileLedger) sorted() []*Entry {
	all := make([]*Entry, 0, len(l.entries))
	for _, entry := range l.entries {
		all = append(all, entry)
	}
	sort.Slice(all, func(i, j int) bool {
		a, b := all[i].Key, all[j].Key
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		if a.Identifier != b.Identifier {
			return a.Identifier < b.Identifier
		}
		return a.Filename < b.Filename
	})
	return all
}

func (l *fileLedger) load() error {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read ledger: %w", err)
	}
	if len(raw) == 0 {
		return nil
	}

	var file ledgerFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("decode ledger: %w", err)
	}
	for _, entry := range file.Entries {
		l.entries[entryKey(entry.Key.Identifier, entry.Key.Filename)] = entry
	}
	return nil
}

func (l *fileLedger) persist() error {
	file := ledgerFile{Entries: l.sorted()}
	raw, err := json.MarshalIndent(&file, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(l.path), ".ledger-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(raw)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, l.path); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func entryKey(identifier, filename string) string {
	return identifier + "::" + filename
}
