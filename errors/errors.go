package errors

import (
	"fmt"
	"reflect"

	"github.com/pkg/errors"
)

// Error codes
var (
	// Unknown error code
	ErrUnknown = 0
	// Error while reading the request body
	ErrReadingReqBody = 1
	// Request body was malformed JSON
	ErrBadReqBody = 2
	// Request body was empty
	ErrEmptyReqBody = 3
	// The CSR could not be decoded or parsed
	ErrBadCSR = 10
	// The CSR self-signature did not verify against its embedded public key
	ErrCSRSignature = 11
	// The requested certificate type has no registered policy
	ErrUnknownCertType = 12
	// The subject kind tag is not one the service understands
	ErrUnknownSubjectKind = 13
	// No active certificate authority is configured for the certificate type
	ErrNoActiveCA = 20
	// No certificate authority exists with the requested slug
	ErrAuthorityNotFound = 21
	// No issued certificate exists with the requested serial or id
	ErrCertificateNotFound = 22
	// The certificate authority record failed validation
	ErrInvalidAuthority = 23
	// Error connecting to database
	ErrConnectingDB = 51
	// Error occurred when making a Get request to database
	ErrDBGet = 63
	// Error occurred when inserting into database
	ErrDBInsert = 64
	// Error occurred while revoking a certificate
	ErrDBRevoke = 65
	// Error building or signing a CRL
	ErrGenCRL = 70
)

// CreateHTTPErr constructs a new HTTP error.
func CreateHTTPErr(scode, code int, format string, args ...interface{}) *HTTPErr {
	msg := fmt.Sprintf(format, args...)
	return &HTTPErr{
		scode: scode,
		lcode: code,
		lmsg:  msg,
		rcode: code,
		rmsg:  msg,
	}
}

// NewHTTPErr constructs a new HTTP error wrappered with pkg/errors error.
func NewHTTPErr(scode, code int, format string, args ...interface{}) error {
	return errors.Wrap(CreateHTTPErr(scode, code, format, args...), "")
}

// HTTPErr is an HTTP error.
type HTTPErr struct {
	scode int    // HTTP status code.
	lcode int    // local error code.
	lmsg  string // local error message.
	rcode int    // remote error code.
	rmsg  string // remote error message.
}

// Error returns the string representation
func (he *HTTPErr) Error() string {
	return he.String()
}

// String returns a string representation of this augmented error
func (he *HTTPErr) String() string {
	if he.lcode == he.rcode && he.lmsg == he.rmsg {
		return fmt.Sprintf("scode: %d, code: %d, msg: %s", he.scode, he.lcode, he.lmsg)
	}
	return fmt.Sprintf("scode: %d, local code: %d, local msg: %s, remote code: %d, remote msg: %s",
		he.scode, he.lcode, he.lmsg, he.rcode, he.rmsg)
}

// Remote sets the remote code and message to something different from that of the local code and message
func (he *HTTPErr) Remote(code int, format string, args ...interface{}) *HTTPErr {
	he.rcode = code
	he.rmsg = fmt.Sprintf(format, args...)
	return he
}

// GetStatusCode returns the HTTP status code
func (he *HTTPErr) GetStatusCode() int {
	return he.scode
}

// GetLocalCode returns the local error code
func (he *HTTPErr) GetLocalCode() int {
	return he.lcode
}

// GetLocalMsg returns the local error message
func (he *HTTPErr) GetLocalMsg() string {
	return he.lmsg
}

// GetRemoteCode returns the remote error code
func (he *HTTPErr) GetRemoteCode() int {
	return he.rcode
}

// GetRemoteMsg returns the remote error message
func (he *HTTPErr) GetRemoteMsg() string {
	return he.rmsg
}

// GetStatusCode walks the cause chain and returns the HTTP status code of
// the underlying HTTPErr, or 500 when the error carries none
func GetStatusCode(err error) int {
	if he, ok := errors.Cause(err).(*HTTPErr); ok {
		return he.GetStatusCode()
	}
	return 500
}

// ServerErr contains error message with corresponding CA error code
type ServerErr struct {
	code int
	msg  string
}

// FatalErr is a server error that is will prevent the server/CA from continuing to operate
type FatalErr struct {
	ServerErr
}

// NewServerError constructs a server error
func NewServerError(code int, format string, args ...interface{}) *ServerErr {
	msg := fmt.Sprintf(format, args...)
	return &ServerErr{
		code: code,
		msg:  msg,
	}
}

// NewFatalError constructs a fatal error
func NewFatalError(code int, format string, args ...interface{}) *FatalErr {
	msg := fmt.Sprintf(format, args...)
	return &FatalErr{
		ServerErr{
			code: code,
			msg:  msg,
		},
	}
}

func (se *ServerErr) Error() string {
	return se.String()
}

// String returns a string representation of the server error
func (se *ServerErr) String() string {
	return fmt.Sprintf("Code: %d - %s", se.code, se.msg)
}

// IsFatalError return true if the error is of type 'FatalErr'
func IsFatalError(err error) bool {
	causeErr := errors.Cause(err)
	typ := reflect.TypeOf(causeErr)

	if typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}

	if typ == reflect.TypeOf(FatalErr{}) {
		return true
	}

	return false
}
