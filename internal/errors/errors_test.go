package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessage(t *testing.T) {
	err := New(KindValidation, "invalid input")
	assert.Equal(t, "invalid input", err.Error())

	wrapped := Wrap(err, KindInternal, "failed to validate")
	assert.Equal(t, "failed to validate: invalid input", wrapped.Error())
	assert.Nil(t, Wrap(nil, KindInternal, "noop"))
}

func TestGetKind(t *testing.T) {
	err := New(KindValidation, "invalid input")
	assert.Equal(t, KindValidation, GetKind(err))
	assert.Equal(t, KindInternal, GetKind(Wrap(err, KindInternal, "failed")))
	assert.Equal(t, KindNotFound, GetKind(fmt.Errorf("lookup: %w", New(KindNotFound, "missing"))))
	assert.Equal(t, KindUnknown, GetKind(errors.New("std error")))
	assert.Equal(t, KindTimeout, GetKind(fmt.Errorf("call: %w", context.DeadlineExceeded)))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(New(KindUnavailable, "controller down")))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.False(t, IsTransient(New(KindValidation, "bad rule")))
	assert.False(t, IsTransient(errors.New("plain")))
}

func TestAttributes(t *testing.T) {
	err := Attr(New(KindValidation, "invalid input"), "field", "port")
	err = Attr(err, "value", 80)

	wrapped := Attr(Wrap(err, KindInternal, "failed"), "operation", "install")
	attrs := GetAttributes(wrapped)
	assert.Equal(t, "port", attrs["field"])
	assert.Equal(t, 80, attrs["value"])
	assert.Equal(t, "install", attrs["operation"])

	plain := Attr(errors.New("boom"), "k", "v")
	assert.Equal(t, KindInternal, GetKind(plain))
}
