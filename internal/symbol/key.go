package symbol

// Key 唯一标识一个符号缓存条目：模块名 + 构建 GUID + 文件名。
// 三元组同时用于台账查询、磁盘路径推导与进程内锁的键。
type Key struct {
	Name       string
	Identifier string
	Filename   string
}

// String 输出 name/identifier/filename 形式，仅用于日志。
func (k Key) String() string {
	return k.Name + "/" + k.Identifier + "/" + k.Filename
}
