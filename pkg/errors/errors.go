// Package errors 提供中繼服務的錯誤分類
//
// 每個錯誤帶有一個錯誤碼，傳輸層依錯誤碼決定回應的狀態類別：
//
//	INVALID_INPUT    → 驗證失敗（缺少欄位、無法解析的訊息）
//	NOT_FOUND        → 連線、房間或收件玩家不存在
//	GONE             → 投遞目標已離線（僅投遞層使用）
//	STORAGE_ERROR    → 後端儲存不可用或不一致
//	UNHANDLED_EVENT  → 無法識別的傳輸事件
//	TIMEOUT          → 暫時性錯誤，可在邊界重試
//	INTERNAL_ERROR   → 其他不可恢復的錯誤
package errors

import (
	"errors"
	"fmt"
)

// 定義錯誤碼
const (
	// ErrCodeInvalidInput 無效輸入
	ErrCodeInvalidInput = "INVALID_INPUT"
	// ErrCodeNotFound 資源未找到
	ErrCodeNotFound = "NOT_FOUND"
	// ErrCodeGone 連線已失效
	ErrCodeGone = "GONE"
	// ErrCodeStorage 儲存層錯誤
	ErrCodeStorage = "STORAGE_ERROR"
	// ErrCodeUnhandled 未處理的事件
	ErrCodeUnhandled = "UNHANDLED_EVENT"
	// ErrCodeTimeout 超時錯誤
	ErrCodeTimeout = "TIMEOUT"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL_ERROR"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 實現 errors.Is，同錯誤碼視為相同
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 返回帶有詳細資訊的副本，預定義錯誤不會被修改
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// Validation 創建驗證錯誤
func Validation(message string) *AppError {
	return New(ErrCodeInvalidInput, message)
}

// NotFound 創建未找到錯誤
func NotFound(message string) *AppError {
	return New(ErrCodeNotFound, message)
}

// Storage 包裝儲存層錯誤
func Storage(err error, message string) *AppError {
	return Wrap(err, ErrCodeStorage, message)
}

// 預定義錯誤
var (
	// ErrMissingPlayerID 缺少玩家 ID
	ErrMissingPlayerID = New(ErrCodeInvalidInput, "player id is required")

	// ErrMissingRecipient 缺少收件人
	ErrMissingRecipient = New(ErrCodeInvalidInput, "recipient player id is required")

	// ErrInvalidMessage 無法解析的訊息
	ErrInvalidMessage = New(ErrCodeInvalidInput, "invalid message")

	// ErrUnknownMessageType 未知訊息類型
	ErrUnknownMessageType = New(ErrCodeInvalidInput, "unknown message type")

	// ErrNotInRoom 玩家不在任何房間
	ErrNotInRoom = New(ErrCodeInvalidInput, "player not in a room")

	// ErrConnectionNotFound 連線不存在
	ErrConnectionNotFound = New(ErrCodeNotFound, "connection not found")

	// ErrRecipientNotConnected 收件人未連線
	ErrRecipientNotConnected = New(ErrCodeNotFound, "recipient not connected")

	// ErrRoomNotFound 房間不存在
	ErrRoomNotFound = New(ErrCodeNotFound, "room not found")

	// ErrConnectionGone 連線已失效
	ErrConnectionGone = New(ErrCodeGone, "connection gone")

	// ErrDeliveryTimeout 投遞超時
	ErrDeliveryTimeout = New(ErrCodeTimeout, "delivery timed out")

	// ErrUnhandledEvent 未處理的事件類型
	ErrUnhandledEvent = New(ErrCodeUnhandled, "unhandled event type")
)

// Code 取得錯誤碼，非 AppError 一律視為內部錯誤
func Code(err error) string {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// IsValidation 檢查是否為驗證錯誤
func IsValidation(err error) bool {
	return hasCode(err, ErrCodeInvalidInput)
}

// IsNotFound 檢查是否為未找到錯誤
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

// IsGone 檢查是否為連線失效錯誤
func IsGone(err error) bool {
	return hasCode(err, ErrCodeGone)
}

// IsStorage 檢查是否為儲存層錯誤
func IsStorage(err error) bool {
	return hasCode(err, ErrCodeStorage)
}

// IsTransient 檢查是否為暫時性錯誤
func IsTransient(err error) bool {
	return hasCode(err, ErrCodeTimeout)
}

// IsUnhandled 檢查是否為未處理事件
func IsUnhandled(err error) bool {
	return hasCode(err, ErrCodeUnhandled)
}

func hasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}
