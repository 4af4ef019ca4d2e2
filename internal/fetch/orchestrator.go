package fetch

import (
	"net/http"
	"net/url"

	"github.com/sirupsen/logrus"

	"github.com/sym-hub/sym-hub/internal/ledger"
	"github.com/sym-hub/sym-hub/internal/logging"
	"github.com/sym-hub/sym-hub/internal/metrics"
)

// Orchestrator 按配置顺序遍历上游符号服务器，对每个候选应用连接级
// 重试，将第一个成功的 200 响应交给传输引擎落盘。
type Orchestrator struct {
	servers  []string
	client   *Client
	transfer *Transfer
	ledger   ledger.Ledger
	logger   *logrus.Logger
	recorder metrics.Recorder
}

// NewOrchestrator 构造回源编排器，servers 的顺序即 failover 次序。
func NewOrchestrator(
	servers []string,
	client *Client,
	transfer *Transfer,
	l ledger.Ledger,
	logger *logrus.Logger,
	recorder metrics.Recorder,
) *Orchestrator {
	if recorder == nil {
		recorder = metrics.Noop{}
	}
	return &Orchestrator{
		servers:  servers,
		client:   client,
		transfer: transfer,
		ledger:   l,
		logger:   logger,
		recorder: recorder,
	}
}

// Acquire 为一个已标记 in-flight 的条目执行完整回源。无论成功、所有
// 候选耗尽还是意外 panic，条目都会在此最终置回非下载中并持久化——
// 这是唯一的收尾点，后台任务没有调用方可以上报。
func (o *Orchestrator) Acquire(entry *ledger.Entry) {
	found := false

	defer func() {
		if r := recover(); r != nil {
			o.logger.WithFields(logrus.Fields{
				"action": "fetch_panic",
				"guid":   entry.Key.Identifier,
				"file":   entry.Key.Filename,
			}).Errorf("panic during fetch: %v", r)
		}

		entry.Found = found
		entry.InFlight = false
		if err := o.ledger.Update(entry); err != nil {
			o.logger.WithFields(logrus.Fields{
				"action": "fetch_finalize",
				"guid":   entry.Key.Identifier,
				"file":   entry.Key.Filename,
			}).Error(err.Error())
		}

		if found {
			o.recorder.FetchSucceeded()
		} else {
			o.recorder.FetchFailed()
		}
	}()

	if err := entry.Key.Validate(); err != nil {
		o.logger.WithFields(logrus.Fields{
			"action": "fetch_validate",
			"guid":   entry.Key.Identifier,
			"file":   entry.Key.Filename,
		}).Error(err.Error())
		return
	}

	for _, base := range o.servers {
		symbolURL := candidateURL(base, entry.Key.Name, entry.Key.Identifier, entry.Key.Filename)

		o.logger.WithFields(logrus.Fields{
			"action": "fetch_try",
			"url":    symbolURL,
		}).Debug("trying to download")

		resp, err := o.client.Get(symbolURL)
		if err != nil {
			o.recorder.CandidateError("transport")
			o.logger.WithFields(logrus.Fields{
				"action": "fetch_try",
				"url":    symbolURL,
			}).Warn("network error: " + err.Error())
			continue
		}

		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			o.recorder.CandidateError("status")
			o.logger.WithFields(logrus.Fields{
				"action": "fetch_try",
				"url":    symbolURL,
				"status": resp.StatusCode,
			}).Debug("could not find symbol")
			continue
		}

		err = o.transfer.Stream(entry, resp)
		resp.Body.Close()
		if err != nil {
			o.recorder.CandidateError("transfer")
			o.logger.WithFields(logrus.Fields{
				"action": "fetch_try",
				"url":    symbolURL,
			}).Warn("transfer failed: " + err.Error())
			continue
		}

		found = true
		break
	}

	if !found {
		fields := logging.SymbolFields(entry.Key.Name, entry.Key.Identifier, entry.Key.Filename)
		fields["action"] = "fetch_exhausted"
		o.logger.WithFields(fields).Error("failed to download symbol from all available servers")
	}
}

// candidateURL 构造 {base}/{name}/{identifier}/{filename}，各段均转义。
func candidateURL(base, name, identifier, filename string) string {
	return base + "/" + url.PathEscape(name) + "/" + url.PathEscape(identifier) + "/" + url.PathEscape(filename)
}
