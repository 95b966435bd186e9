package policy

import (
	"crypto"
	"crypto/x509"
	"fmt"
	"strings"
	"time"

	"github.com/crystalid/crystalid-ca/api"
	"github.com/crystalid/crystalid-ca/ca"
	"github.com/crystalid/crystalid-ca/config"
	caerrors "github.com/crystalid/crystalid-ca/errors"
	"github.com/crystalid/crystalid-ca/ledger"
)

// Policy decides whether a certificate may be issued for a subject and, if
// so, what goes into it. One policy exists per certificate type; the set is
// closed and selected by the certificate_type tag.
type Policy interface {
	// CertificateType returns the tag this policy serves
	CertificateType() string
	// Validate runs every issuance check against the context, accumulating
	// all failures into a single *Rejection
	Validate(ctx *Context) error
	// CommonName computes the leaf subject CN from the authenticated
	// subject, never from CSR content
	CommonName(ctx *Context) string
	// SANURIs computes the URI subject alternative names
	SANURIs(ctx *Context) []string
	// KeyUsage returns the key usage bits for the given public key
	KeyUsage(pub crypto.PublicKey) x509.KeyUsage
	// ExtKeyUsage returns the extended key usages
	ExtKeyUsage() []x509.ExtKeyUsage
}

// Context carries everything a policy needs to decide on one issuance
// request. The Ledger accessor is transaction-scoped: validation reads and
// the subsequent insert see the same snapshot.
type Context struct {
	Subject       api.Subject
	ApplicationID string
	PublicKey     crypto.PublicKey
	Authority     *ca.Authority
	Ledger        *ledger.Accessor
	URLs          *config.URLConfig
	Now           time.Time
	// ActiveLimit is the ceiling on concurrently active certificates per
	// (subject, application) pair
	ActiveLimit int
	// Validity is the lifetime the new certificate would be issued with
	Validity time.Duration
}

// Rejection is a policy refusal: the request was well-formed but issuance is
// not permitted. Every failed check contributes one field-tagged entry.
type Rejection struct {
	Fields []api.FieldError
}

func (r *Rejection) Error() string {
	msgs := make([]string, 0, len(r.Fields))
	for _, f := range r.Fields {
		msgs = append(msgs, fmt.Sprintf("%s: %s", f.Field, f.Message))
	}
	return "Issuance rejected: " + strings.Join(msgs, "; ")
}

// Add appends a field-tagged failure
func (r *Rejection) Add(field, format string, args ...interface{}) {
	r.Fields = append(r.Fields, api.FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// OrNil returns the rejection as an error, or nil if no check failed
func (r *Rejection) OrNil() error {
	if len(r.Fields) == 0 {
		return nil
	}
	return r
}

// IsRejection reports whether err is a policy rejection and returns it
func IsRejection(err error) (*Rejection, bool) {
	r, ok := err.(*Rejection)
	return r, ok
}

var policies = map[string]Policy{
	api.CertTypeUser:      &UserPolicy{},
	api.CertTypeCharacter: &CharacterPolicy{},
}

// ForType returns the policy registered for a certificate type tag. Unknown
// tags are a caller error.
func ForType(certType string) (Policy, error) {
	p, ok := policies[certType]
	if !ok {
		return nil, caerrors.NewHTTPErr(400, caerrors.ErrUnknownCertType, "Unknown certificate type '%s'", certType)
	}
	return p, nil
}
