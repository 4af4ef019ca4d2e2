package store

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sym-hub/sym-hub/internal/symbol"
)

// CompressedSuffix 附加在已发布工件文件名之后，磁盘上的工件永远是压缩形态。
const CompressedSuffix = ".gzip"

// tempPrefix 标记尚未发布的传输中文件，启动恢复时会清理残留。
const tempPrefix = "tmp_"

// ErrNotFound 表示最终路径上不存在完整工件。
var ErrNotFound = errors.New("artifact not found")

// NewStore 以 basePath 为根目录构建符号工件存储，整个进程复用一份实例。
func NewStore(basePath string) (*Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &Store{
		basePath: abs,
		locks:    make(map[string]*dirLock),
	}, nil
}

// Store 维护 {name}/{identifier}/{filename}.gzip 布局。最终路径上的文件
// 一定是完整的：写入只发生在 tmp_ 前缀的临时文件上，成功后 rename 发布。
// dirLock 按目录串行化并发写者，作为台账 in-flight 之外的第二道防线。
type Store struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*dirLock
}

type dirLock struct {
	mu   sync.Mutex
	refs int
}

// Artifact 表示一次命中结果，Reader 指向压缩后的正文。
type Artifact struct {
	Path      string
	SizeBytes int64
	Reader    io.ReadSeekCloser
}

// ArtifactPath 返回 Key 对应的最终发布路径，并拒绝越出存储根的路径。
func (s *Store) ArtifactPath(key symbol.Key) (string, error) {
	return s.join(key, key.Filename+CompressedSuffix)
}

// TempPath 返回 Key 对应的传输中临时路径。
func (s *Store) TempPath(key symbol.Key) (string, error) {
	return s.join(key, tempPrefix+key.Filename+CompressedSuffix)
}

// Exists 报告最终路径上是否存在完整工件。
func (s *Store) Exists(key symbol.Key) bool {
	path, err := s.ArtifactPath(key)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Open 打开已发布的压缩工件用于流式读取。
func (s *Store) Open(key symbol.Key) (*Artifact, error) {
	path, err := s.ArtifactPath(key)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return &Artifact{
		Path:      path,
		SizeBytes: info.Size(),
		Reader:    f,
	}, nil
}

// CreateTemp 确保目录存在并打开临时文件，调用方负责通过 Publish 或
// DiscardTemp 收尾。
func (s *Store) CreateTemp(key symbol.Key) (*os.File, error) {
	path, err := s.TempPath(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.Create(path)
}

// Publish 将临时文件原子地改名为最终路径，这是唯一的发布点。
func (s *Store) Publish(key symbol.Key) error {
	tempPath, err := s.TempPath(key)
	if err != nil {
		return err
	}
	finalPath, err := s.ArtifactPath(key)
	if err != nil {
		return err
	}
	return os.Rename(tempPath, finalPath)
}

// DiscardTemp 尽力删除残留的临时文件，文件不存在不视为错误。
func (s *Store) DiscardTemp(key symbol.Key) error {
	path, err := s.TempPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Lock 获取 Key 所在目录的互斥锁，返回的函数用于解锁。
// 锁按目录惰性创建、引用计数归零后回收。
func (s *Store) Lock(key symbol.Key) func() {
	dir := filepath.Join(s.basePath, key.Name, key.Identifier)

	s.mu.Lock()
	lock := s.locks[dir]
	if lock == nil {
		lock = &dirLock{}
		s.locks[dir] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, dir)
		}
		s.mu.Unlock()
	}
}

func (s *Store) join(key symbol.Key, filename string) (string, error) {
	if key.Name == "" || key.Identifier == "" || filename == "" {
		return "", errors.New("incomplete symbol key")
	}

	path := filepath.Join(s.basePath, key.Name, key.Identifier, filename)
	if !strings.HasPrefix(path, s.basePath+string(filepath.Separator)) {
		return "", errors.New("invalid artifact path")
	}
	return path, nil
}
