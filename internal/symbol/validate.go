package symbol

import (
	"fmt"
	"regexp"
	"strings"
)

const maxComponentLength = 255

var componentPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// ValidationError 表示 Key 中的某个字段非法，应映射为客户端错误而非 404。
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Validate 在任何磁盘或网络操作之前检查三个字段，阻止路径穿越与注入。
func (k Key) Validate() error {
	if err := checkComponent("name", k.Name); err != nil {
		return err
	}
	if err := checkComponent("identifier", k.Identifier); err != nil {
		return err
	}
	return checkComponent("filename", k.Filename)
}

func checkComponent(field, value string) error {
	if value == "" {
		return ValidationError{Field: field, Reason: "must not be empty"}
	}
	if len(value) > maxComponentLength {
		return ValidationError{Field: field, Reason: "exceeds 255 characters"}
	}
	if strings.Contains(value, "..") || strings.ContainsAny(value, `/\`) {
		return ValidationError{Field: field, Reason: "path traversal or separator characters not allowed"}
	}
	if !componentPattern.MatchString(value) {
		return ValidationError{Field: field, Reason: "contains invalid characters"}
	}
	return nil
}
