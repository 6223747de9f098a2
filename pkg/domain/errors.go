package domain

import (
	"github.com/pkg/errors"
)

var (
	ErrClipNotFound    = NewErr("CLIP_NOT_FOUND", "clip not found")
	ErrClipTooLarge    = NewErr("CLIP_TOO_LARGE", "clip too large")
	ErrInvalidKind     = NewErr("INVALID_KIND", "invalid clip kind")
	ErrKeyUnavailable  = NewErr("KEY_UNAVAILABLE", "encryption key unavailable")
	ErrEncryptFailed   = NewErr("ENCRYPTION_FAILED", "encryption failed")
	ErrDecryptFailed   = NewErr("DECRYPTION_FAILED", "decryption failed")
	ErrStorageFailed   = NewErr("STORAGE_FAILED", "storage failure")
	ErrNotInitialized  = NewErr("NOT_INITIALIZED", "store not initialized")
	ErrAlreadyAttached = NewErr("TEXT_ALREADY_ATTACHED", "extracted text already attached")
)

type Err struct {
	Code string `json:"code"`
	Msg  string `json:"message"`
}

func (e *Err) Error() string { return e.Msg }

func NewErr(code, msg string) *Err {
	return &Err{Code: code, Msg: msg}
}

// Code extracts the machine-readable code from an error produced by this
// package, unwrapping pkg/errors causes along the way.
func Code(err error) string {
	if err == nil {
		return ""
	}
	if e, ok := err.(*Err); ok {
		return e.Code
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return e.Code
	}
	return "INTERNAL_ERROR"
}
