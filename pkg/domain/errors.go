package domain

import (
	"errors"
	"fmt"
)

// ErrorKind はコア境界で扱うエラー分類です。
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindValidation
	KindAuth
	KindProvider
	KindNetwork
	KindStorage
	KindNotFound
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindProvider:
		return "provider"
	case KindNetwork:
		return "network"
	case KindStorage:
		return "storage"
	case KindNotFound:
		return "not_found"
	}
	return "unknown"
}

// ProviderStatus は ProviderError の細分類です。
type ProviderStatus int

const (
	ProviderGeneric ProviderStatus = iota
	ProviderUnauthorized
	ProviderRateLimited
)

// Error はパイプラインの各段が返すタグ付きエラーです。
type Error struct {
	Kind     ErrorKind
	Provider ProviderStatus
	Op       string
	Msg      string
	Err      error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op == "" {
		return msg
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewValidationError(op, msg string) error {
	return &Error{Kind: KindValidation, Op: op, Msg: msg}
}

func NewAuthError(op, msg string) error {
	return &Error{Kind: KindAuth, Op: op, Msg: msg}
}

func NewProviderError(op string, status ProviderStatus, err error) error {
	return &Error{Kind: KindProvider, Provider: status, Op: op, Err: err}
}

func NewNetworkError(op string, err error) error {
	return &Error{Kind: KindNetwork, Op: op, Err: err}
}

func NewStorageError(op string, err error) error {
	return &Error{Kind: KindStorage, Op: op, Err: err}
}

func NewNotFoundError(op, id string) error {
	return &Error{Kind: KindNotFound, Op: op, Msg: fmt.Sprintf("%s not found", id)}
}

// KindOf はエラーチェーン中の最初の *Error の分類を返します。
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind は err が指定の分類かどうかを返します。
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// IsCredential は資格情報の欠落・失効に起因するエラーかどうかを返します。
// 呼び出し側はこれを見て「資格情報なし」フラグを立てます。
func IsCredential(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == KindAuth || (e.Kind == KindProvider && e.Provider == ProviderUnauthorized)
}
