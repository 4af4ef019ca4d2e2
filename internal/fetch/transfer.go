package fetch

import (
	"bufio"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"

	"github.com/sym-hub/sym-hub/internal/ledger"
	"github.com/sym-hub/sym-hub/internal/logging"
	"github.com/sym-hub/sym-hub/internal/store"
)

// sizeHeaders 按顺序检查的内容长度头，部分对象存储使用第二种写法。
var sizeHeaders = []string{"Content-Length", "x-goog-stored-content-length"}

// errMissingLength 表示上游 200 响应缺失长度头，该候选按失败处理。
var errMissingLength = errors.New("could not get content length from server")

// Transfer 负责把单个 200 响应的正文落盘：始终以压缩形态存储、
// 有界内存流式写入、成功后原子发布。
type Transfer struct {
	store     *store.Store
	ledger    ledger.Ledger
	logger    *logrus.Logger
	chunkSize int64
	maxMemory int64
}

// NewTransfer 构造传输引擎。chunkSize/maxMemory 为 0 时使用 2MiB/100MiB。
func NewTransfer(s *store.Store, l ledger.Ledger, logger *logrus.Logger, chunkSize, maxMemory int64) *Transfer {
	if chunkSize <= 0 {
		chunkSize = 2 * 1024 * 1024
	}
	if maxMemory <= 0 {
		maxMemory = 100 * 1024 * 1024
	}
	return &Transfer{
		store:     s,
		ledger:    l,
		logger:    logger,
		chunkSize: chunkSize,
		maxMemory: maxMemory,
	}
}

// flushWriter 抽象原样写入（bufio）与边写边压缩（gzip）两条路径。
type flushWriter interface {
	io.Writer
	Flush() error
}

// Stream 将 resp 正文写入 Key 对应的临时文件并发布。任何失败都会
// 清理临时文件、将条目置为非下载中并把错误返回给编排器继续 failover。
func (t *Transfer) Stream(entry *ledger.Entry, resp *http.Response) error {
	key := entry.Key

	unlock := t.store.Lock(key)
	defer unlock()

	fields := logging.SymbolFields(key.Name, key.Identifier, key.Filename)
	fields["action"] = "fetch_download"
	t.logger.WithFields(fields).Info("downloading")

	size, ok := contentLength(resp.Header)
	if !ok {
		t.logger.WithFields(logrus.Fields{
			"action": "fetch_download",
			"guid":   key.Identifier,
			"file":   key.Filename,
		}).Error(errMissingLength.Error())
		t.abort(entry)
		return errMissingLength
	}

	// 上游已压缩则原样落盘，否则边写边压缩，磁盘上的工件始终是 gzip。
	precompressed := strings.Contains(strings.ToLower(resp.Header.Get("Content-Encoding")), "gzip")

	file, err := t.store.CreateTemp(key)
	if err != nil {
		t.abort(entry)
		return err
	}

	var sink flushWriter
	var gz *gzip.Writer
	if precompressed {
		sink = bufio.NewWriterSize(file, int(t.chunkSize))
	} else {
		gz = gzip.NewWriter(file)
		sink = gz
	}

	if err := t.copyBody(resp.Body, sink, size, key.Identifier, key.Filename); err != nil {
		if gz != nil {
			gz.Close()
		}
		file.Close()
		t.abort(entry)
		return err
	}

	if gz != nil {
		err = gz.Close()
	} else {
		err = sink.Flush()
	}
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = t.store.Publish(key)
	}
	if err != nil {
		t.abort(entry)
		return err
	}

	success := logging.SymbolFields(key.Name, key.Identifier, key.Filename)
	success["action"] = "fetch_download"
	t.logger.WithFields(success).Info("successfully downloaded")
	return nil
}

// copyBody 以有界块读取正文直到收满声明的字节数，超过内存上限即冲刷，
// 并在每跨过一个 5% 边界时输出进度（单调，不重复）。
func (t *Transfer) copyBody(body io.Reader, sink flushWriter, size int64, identifier, filename string) error {
	buf := make([]byte, t.chunkSize)

	var downloaded int64
	var unflushed int64
	lastStep := -1

	for downloaded < size {
		limit := t.chunkSize
		if remaining := size - downloaded; remaining < limit {
			limit = remaining
		}

		n, err := io.ReadFull(body, buf[:limit])
		if n > 0 {
			if _, werr := sink.Write(buf[:n]); werr != nil {
				return werr
			}
			downloaded += int64(n)
			unflushed += int64(n)

			if unflushed > t.maxMemory {
				if ferr := sink.Flush(); ferr != nil {
					return ferr
				}
				unflushed = 0
			}

			percent := int(downloaded * 100 / size)
			if step := percent / 5; step > lastStep {
				lastStep = step
				t.logger.WithFields(logrus.Fields{
					"action":  "fetch_progress",
					"guid":    identifier,
					"file":    filename,
					"percent": percent,
				}).Info("downloading")
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				if downloaded < size {
					return io.ErrUnexpectedEOF
				}
				break
			}
			return err
		}
	}

	return nil
}

// abort 将条目置为非下载中并丢弃临时文件，供失败路径统一收尾。
func (t *Transfer) abort(entry *ledger.Entry) {
	entry.InFlight = false
	if err := t.ledger.Update(entry); err != nil {
		t.logger.WithFields(logrus.Fields{
			"action": "fetch_download",
			"guid":   entry.Key.Identifier,
			"file":   entry.Key.Filename,
		}).Error("failed to finalize ledger entry: " + err.Error())
	}
	if err := t.store.DiscardTemp(entry.Key); err != nil {
		t.logger.WithFields(logrus.Fields{
			"action": "fetch_download",
			"guid":   entry.Key.Identifier,
			"file":   entry.Key.Filename,
		}).Warn("failed to remove temp file: " + err.Error())
	}
}

func contentLength(header http.Header) (int64, bool) {
	for _, name := range sizeHeaders {
		if raw := header.Get(name); raw != "" {
			size, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || size < 0 {
				return 0, false
			}
			return size, true
		}
	}
	return 0, false
}
