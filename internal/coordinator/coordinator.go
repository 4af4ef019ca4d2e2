package coordinator

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/sym-hub/sym-hub/internal/ledger"
	"github.com/sym-hub/sym-hub/internal/metrics"
	"github.com/sym-hub/sym-hub/internal/store"
	"github.com/sym-hub/sym-hub/internal/symbol"
)

// Acquirer 执行一次完整回源；实现负责把条目最终置回非下载中。
type Acquirer interface {
	Acquire(entry *ledger.Entry)
}

// Hit 描述一次缓存命中。Compressed 为 true 时 Reader 输出 gzip 原文，
// SizeBytes 是压缩后的大小；否则 Reader 输出透明解压后的字节流。
type Hit struct {
	Reader     io.ReadCloser
	SizeBytes  int64
	Compressed bool
}

// Coordinator 决定命中/未命中、保证同一 Key 至多调度一次后台下载，
// 并在启动时恢复崩溃遗留的 in-flight 状态。
type Coordinator struct {
	store     *store.Store
	ledger    ledger.Ledger
	acquirer  Acquirer
	logger    *logrus.Logger
	recorder  metrics.Recorder
	sem       *semaphore.Weighted
	maxMemory int64

	wg sync.WaitGroup
}

// New 构造协调器。maxConcurrent 限制同时运行的后台下载数量。
func New(
	s *store.Store,
	l ledger.Ledger,
	acquirer Acquirer,
	logger *logrus.Logger,
	recorder metrics.Recorder,
	maxConcurrent int,
	maxMemory int64,
) *Coordinator {
	if recorder == nil {
		recorder = metrics.Noop{}
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Coordinator{
		store:     s,
		ledger:    l,
		acquirer:  acquirer,
		logger:    logger,
		recorder:  recorder,
		sem:       semaphore.NewWeighted(int64(maxConcurrent)),
		maxMemory: maxMemory,
	}
}

// Resolve 处理一次符号请求。返回值：命中时 hit 非空；未命中时 hit 为
// 空，scheduled 指示本次调用是否真正调度了后台下载（同 Key 已有下载
// 在跑时为 false）。触发请求从不等待下载结果。
func (c *Coordinator) Resolve(key symbol.Key, acceptsCompressed bool) (hit *Hit, scheduled bool, err error) {
	if err := key.Validate(); err != nil {
		return nil, false, err
	}

	if c.store.Exists(key) {
		return c.serveHit(key, acceptsCompressed)
	}

	c.recorder.Miss()

	entry, err := c.ledger.Find(key.Identifier, key.Filename)
	if errors.Is(err, ledger.ErrNotFound) {
		entry, err = c.ledger.Create(key, false)
	}
	if err != nil {
		return nil, false, err
	}

	if entry.InFlight {
		c.logger.WithFields(logrus.Fields{
			"action": "resolve",
			"guid":   key.Identifier,
			"file":   key.Filename,
		}).Warn("symbol still downloading")
		return nil, false, nil
	}

	claimed, err := c.ledger.MarkInFlight(key.Identifier, key.Filename)
	if err != nil {
		return nil, false, err
	}
	if !claimed {
		// 并发请求刚刚赢得同一条目，不重复调度
		return nil, false, nil
	}
	entry.InFlight = true

	c.dispatch(entry)
	c.recorder.FetchScheduled()
	return nil, true, nil
}

// serveHit 打开已发布工件。台账行缺失时就地补建（found=true），
// 允许数据库丢失后凭磁盘内容自愈。
func (c *Coordinator) serveHit(key symbol.Key, acceptsCompressed bool) (*Hit, bool, error) {
	if _, err := c.ledger.Find(key.Identifier, key.Filename); errors.Is(err, ledger.ErrNotFound) {
		if _, err := c.ledger.Create(key, true); err != nil {
			return nil, false, err
		}
	} else if err != nil {
		return nil, false, err
	}

	c.recorder.Hit()

	if acceptsCompressed {
		artifact, err := c.store.Open(key)
		if err != nil {
			return nil, false, err
		}
		return &Hit{
			Reader:     artifact.Reader,
			SizeBytes:  artifact.SizeBytes,
			Compressed: true,
		}, false, nil
	}

	reader, err := c.store.OpenDecompressed(key, c.maxMemory, c.logger)
	if err != nil {
		return nil, false, err
	}
	return &Hit{Reader: reader}, false, nil
}

// dispatch 以后台任务执行回源，不向调用方返回任何结果；失败完全在
// 任务内部处理。并发量由信号量约束。
func (c *Coordinator) dispatch(entry *ledger.Entry) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		if err := c.sem.Acquire(context.Background(), 1); err != nil {
			return
		}
		defer c.sem.Release(1)

		c.recorder.InFlight(1)
		defer c.recorder.InFlight(-1)

		c.acquirer.Acquire(entry)
	}()
}

// Wait 阻塞直到所有已调度的后台下载退出，供测试与优雅停机使用。
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Reconcile 在服务接收流量前运行一次：清理所有仍标记为下载中的条目
// 的临时文件并复位状态，恢复崩溃中断的下载。
func (c *Coordinator) Reconcile() error {
	entries, err := c.ledger.ListInFlight()
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if err := c.store.DiscardTemp(entry.Key); err != nil {
			c.logger.WithFields(logrus.Fields{
				"action": "reconcile",
				"guid":   entry.Key.Identifier,
				"file":   entry.Key.Filename,
			}).Error("failed to remove temp file: " + err.Error())
		}

		entry.InFlight = false
		if err := c.ledger.Update(entry); err != nil {
			return err
		}
	}

	if len(entries) > 0 {
		c.logger.WithFields(logrus.Fields{
			"action":  "reconcile",
			"entries": len(entries),
		}).Info("reset stale in-flight downloads")
	}
	return nil
}
