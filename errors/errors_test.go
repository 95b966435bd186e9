package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFatalError(t *testing.T) {
	err := NewFatalError(25, "fatal error: %s", "server")
	assert.Equal(t, 25, err.code)
	assert.Equal(t, "fatal error: server", err.msg)

	assert.Equal(t, "Code: 25 - fatal error: server", err.Error())
}

func TestIsFatalError(t *testing.T) {
	ferr := NewFatalError(25, "fatal error: %s", "server")
	assert.True(t, IsFatalError(ferr))

	err := NewHTTPErr(400, ErrBadCSR, "bad CSR: %s", "no PEM block")
	assert.False(t, IsFatalError(err))
}

func TestHTTPErr(t *testing.T) {
	err := CreateHTTPErr(404, ErrAuthorityNotFound, "no authority with slug '%s'", "root-v1")
	assert.Equal(t, 404, err.GetStatusCode())
	assert.Equal(t, ErrAuthorityNotFound, err.GetLocalCode())
	assert.Equal(t, err.GetLocalMsg(), err.GetRemoteMsg())

	err.Remote(ErrUnknown, "lookup failed")
	assert.Equal(t, "lookup failed", err.GetRemoteMsg())
	assert.NotEqual(t, err.GetLocalMsg(), err.GetRemoteMsg())
}
