// Package errors 提供统一错误辅助，不依赖 internal
package errors

import (
	"errors"
	"fmt"
)

// 常用哨兵错误：贯穿 ingest / ledger / worker 的错误分类
var (
	// ErrNotFound 资源不存在（状态查询 404）
	ErrNotFound = errors.New("not found")
	// ErrInvalidArg 输入不合法（Validation 类；worker 端视为永久失败，不重试）
	ErrInvalidArg = errors.New("invalid argument")
	// ErrForbidden 跨租户访问（403，同时是一条安全事件）
	ErrForbidden = errors.New("forbidden")
)

// Wrap 包装错误并附加消息
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf 带格式的 Wrap
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
