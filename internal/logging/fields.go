package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// SymbolFields 提供 name/guid/file 字段，供下载与请求日志复用。
func SymbolFields(name, identifier, filename string) logrus.Fields {
	return logrus.Fields{
		"name": name,
		"guid": identifier,
		"file": filename,
	}
}
