package models

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSample 采样格式错误或数值不合理
	ErrInvalidSample = errors.New("invalid sample")
	// ErrUnknownSession 会话未注册或已结束
	ErrUnknownSession = errors.New("unknown session")
	// ErrNotFound 报警不存在
	ErrNotFound = errors.New("not found")
	// ErrStorageUnavailable 持久化依赖暂不可用（可重试）
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrConflict 存储拒绝写入（例如同一会话第二条未解除报警），不可重试
	ErrConflict = errors.New("storage conflict")
)

// IngestKind 采样被拒绝的原因分类
type IngestKind string

const (
	KindInvalidSample  IngestKind = "InvalidSample"
	KindUnknownSession IngestKind = "UnknownSession"
)

// IngestError Submit 的校验错误，不会修改任何状态
type IngestError struct {
	Kind      IngestKind
	SessionID string
	Reason    string
}

func (e *IngestError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("%s: session %s: %s", e.Kind, e.SessionID, e.Reason)
}

// Is 支持 errors.Is(err, ErrInvalidSample) / errors.Is(err, ErrUnknownSession)
func (e *IngestError) Is(target error) bool {
	switch e.Kind {
	case KindInvalidSample:
		return target == ErrInvalidSample
	case KindUnknownSession:
		return target == ErrUnknownSession
	}
	return false
}

// InvalidSample 构造 InvalidSample 错误
func InvalidSample(sessionID, format string, args ...interface{}) *IngestError {
	return &IngestError{Kind: KindInvalidSample, SessionID: sessionID, Reason: fmt.Sprintf(format, args...)}
}

// UnknownSession 构造 UnknownSession 错误
func UnknownSession(sessionID, reason string) *IngestError {
	return &IngestError{Kind: KindUnknownSession, SessionID: sessionID, Reason: reason}
}
