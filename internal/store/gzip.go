package store

import (
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"

	"github.com/sym-hub/sym-hub/internal/symbol"
)

// OpenDecompressed 打开已发布的工件并透明解压，供不接受压缩编码的
// 客户端使用。maxBytes 是安全上限：累计解压字节超出后提前结束并
// 记录告警，正常情况下不会触发。
func (s *Store) OpenDecompressed(key symbol.Key, maxBytes int64, logger *logrus.Logger) (io.ReadCloser, error) {
	path, err := s.ArtifactPath(key)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &decompressedReader{
		key:      key,
		gz:       gz,
		file:     f,
		maxBytes: maxBytes,
		logger:   logger,
	}, nil
}

// decompressedReader 是一次性的有限解压流，不可重置。
type decompressedReader struct {
	key      symbol.Key
	gz       *gzip.Reader
	file     *os.File
	maxBytes int64
	emitted  int64
	capped   bool
	logger   *logrus.Logger
}

func (r *decompressedReader) Read(p []byte) (int, error) {
	if r.capped {
		return 0, io.EOF
	}
	if r.maxBytes > 0 && r.emitted >= r.maxBytes {
		r.capped = true
		if r.logger != nil {
			r.logger.WithFields(logrus.Fields{
				"action": "decompress_stream",
				"guid":   r.key.Identifier,
				"file":   r.key.Filename,
				"limit":  r.maxBytes,
			}).Warn("memory usage limit reached while streaming")
		}
		return 0, io.EOF
	}

	if r.maxBytes > 0 {
		if remaining := r.maxBytes - r.emitted; int64(len(p)) > remaining {
			p = p[:remaining]
		}
	}

	n, err := r.gz.Read(p)
	r.emitted += int64(n)
	return n, err
}

func (r *decompressedReader) Close() error {
	gzErr := r.gz.Close()
	fileErr := r.file.Close()
	if gzErr != nil {
		return gzErr
	}
	return fileErr
}
