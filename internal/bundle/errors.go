package bundle

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/bundle-hub/internal/manifest"
)

var (
	// ErrContractViolation 是所有调用方契约错误的哨兵值，出现即意味着引用计数或生命周期用法有 bug。
	ErrContractViolation = errors.New("contract violation")
	// ErrUnknownBundle 表示名称不在 manifest 中。
	ErrUnknownBundle = manifest.ErrUnknownBundle
	// ErrDependencyFailed 表示依赖 bundle 加载失败，依赖方随之失败。
	ErrDependencyFailed = errors.New("dependency failed to load")
	// ErrNotScene 表示以 scene 方式租借的 bundle 不是 streamed scene。
	ErrNotScene = errors.New("bundle is not a streamed scene")
	// ErrDisposed 表示缓存在加载完成前被销毁。
	ErrDisposed = errors.New("bundle cache disposed")
)

// ContractViolation 描述一次违反调用契约的操作（重复归还、未加载即访问、销毁后使用等）。
type ContractViolation struct {
	Op     string
	Reason string
}

func (e *ContractViolation) Error() string {
	return fmt.Sprintf("contract violation in %s: %s", e.Op, e.Reason)
}

// Is 使 errors.Is(err, ErrContractViolation) 成立。
func (e *ContractViolation) Is(target error) bool {
	return target == ErrContractViolation
}

// LoadError 描述某个 bundle 的读取/提取失败或被取消，只返回给等待该加载的调用方。
type LoadError struct {
	Name string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load bundle %s: %v", e.Name, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// violation 记录 error 级日志并返回 ContractViolation，调用方需把它原样返回。
func violation(logger logrus.FieldLogger, op, format string, args ...any) error {
	err := &ContractViolation{Op: op, Reason: fmt.Sprintf(format, args...)}
	logger.WithFields(logrus.Fields{
		"action": "contract_violation",
		"op":     op,
	}).Error(err.Reason)
	return err
}

// ReportViolation 供上层门面以相同方式记录并返回契约错误。
func ReportViolation(logger logrus.FieldLogger, op, format string, args ...any) error {
	return violation(logger, op, format, args...)
}
