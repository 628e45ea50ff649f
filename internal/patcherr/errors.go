// Package patcherr 定义补丁流水线共享的错误分类
package patcherr

import "errors"

var (
	// ErrMalformed 格式错误：chunk 截断、长度不一致、节点流损坏
	ErrMalformed = errors.New("malformed format")

	// ErrMissing 结构缺失：期望的 chunk/属性/资源不存在
	ErrMissing = errors.New("missing structure")

	// ErrNotReady 依赖步骤尚未完成
	ErrNotReady = errors.New("dependency not completed")

	// ErrTransfer 网络或磁盘传输错误
	ErrTransfer = errors.New("transfer failed")

	// ErrArchiveIntegrity 归档目录可能不一致
	ErrArchiveIntegrity = errors.New("archive integrity")

	// ErrCanceled 运行被取消
	ErrCanceled = errors.New("run canceled")
)
