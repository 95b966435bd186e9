package policy

import (
	"crypto"
	"crypto/x509"

	"github.com/crystalid/crystalid-ca/api"
)

// UserPolicy issues certificates for account principals. The subject is a
// weak reference to an account the web layer has already authenticated.
type UserPolicy struct{}

// CertificateType returns the tag this policy serves
func (p *UserPolicy) CertificateType() string {
	return api.CertTypeUser
}

// Validate runs every account-issuance check, accumulating all failures
func (p *UserPolicy) Validate(ctx *Context) error {
	r := &Rejection{}

	if ctx.Subject.Kind != api.SubjectAccount {
		r.Add("subject.kind", "Certificate type '%s' requires an '%s' subject, got '%s'", api.CertTypeUser, api.SubjectAccount, ctx.Subject.Kind)
	}
	if ctx.Subject.ID == "" {
		r.Add("subject.id", "Subject id is required")
	}
	if ctx.Subject.DisplayName == "" {
		r.Add("subject.display_name", "Subject display name is required")
	}

	err := sharedChecks(ctx, api.CertTypeUser, r)
	if err != nil {
		return err
	}
	return r.OrNil()
}

// CommonName is the account's display name
func (p *UserPolicy) CommonName(ctx *Context) string {
	return ctx.Subject.DisplayName
}

// SANURIs binds the certificate to the account's stable identity URI
func (p *UserPolicy) SANURIs(ctx *Context) []string {
	return []string{ctx.URLs.AccountURI(ctx.Subject.ID)}
}

// KeyUsage grants signing only: account certificates authenticate, they do
// not transport keys
func (p *UserPolicy) KeyUsage(pub crypto.PublicKey) x509.KeyUsage {
	return x509.KeyUsageDigitalSignature
}

// ExtKeyUsage restricts account certificates to client authentication
func (p *UserPolicy) ExtKeyUsage() []x509.ExtKeyUsage {
	return []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
}
