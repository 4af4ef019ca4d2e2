package ledger

import (
	"errors"

	"github.com/sym-hub/sym-hub/internal/symbol"
)

// Entry 是台账中的一行：记录某个 Key 当前是否在下载、是否已找到。
// 同一 (identifier, filename) 至多存在一行。
type Entry struct {
	Key      symbol.Key `json:"key"`
	InFlight bool       `json:"in_flight"`
	Found    bool       `json:"found"`
}

// Ledger 是下载协调核心消费的窄接口。实现必须保证 MarkInFlight
// 的检查-置位对同一行是原子的，这是“同 Key 至多一个下载”的第一道防线。
type Ledger interface {
	// Find 按 (identifier, filename) 查找条目，不存在时返回 ErrNotFound。
	Find(identifier, filename string) (*Entry, error)

	// Create 新建条目；若已存在则返回现有条目，保持唯一键不变量。
	Create(key symbol.Key, found bool) (*Entry, error)

	// Update 持久化条目的 InFlight/Found 变更。
	Update(entry *Entry) error

	// MarkInFlight 将条目置为下载中，仅当当前不在下载中时成功。
	// 返回 false 表示已有下载在进行，调用方不应再次调度。
	MarkInFlight(identifier, filename string) (bool, error)

	// ListInFlight 返回所有仍标记为下载中的条目，供启动恢复使用。
	ListInFlight() ([]*Entry, error)

	// List 按稳定顺序分页返回全部条目。
	List(skip, limit int) ([]*Entry, error)
}

// ErrNotFound 表示台账中不存在对应条目。
var ErrNotFound = errors.New("ledger entry not found")
