package policy

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"

	"github.com/crystalid/crystalid-ca/api"
)

// CharacterPolicy issues certificates for verified game-character
// registrations. A registration carries two identity handles: the mutable
// Lodestone id and the stable persistent key; both are embedded as SAN URIs.
type CharacterPolicy struct{}

// CertificateType returns the tag this policy serves
func (p *CharacterPolicy) CertificateType() string {
	return api.CertTypeCharacter
}

// Validate runs every character-issuance check, accumulating all failures
func (p *CharacterPolicy) Validate(ctx *Context) error {
	r := &Rejection{}

	if ctx.Subject.Kind != api.SubjectCharacter {
		r.Add("subject.kind", "Certificate type '%s' requires a '%s' subject, got '%s'", api.CertTypeCharacter, api.SubjectCharacter, ctx.Subject.Kind)
	}
	if ctx.Subject.ID == "" {
		r.Add("subject.id", "Subject id is required")
	}
	if ctx.Subject.DisplayName == "" {
		r.Add("subject.display_name", "Subject display name is required")
	}
	// Ownership verification is a hard gate: unverified registrations never
	// receive certificates, whatever their other attributes
	if !ctx.Subject.Verified {
		r.Add("subject.verified", "The character registration has not completed ownership verification")
	}
	if ctx.Subject.LodestoneID == "" {
		r.Add("subject.lodestone_id", "Lodestone id is required")
	}
	if ctx.Subject.PersistentKey == "" {
		r.Add("subject.persistent_key", "Persistent key is required")
	}

	err := sharedChecks(ctx, api.CertTypeCharacter, r)
	if err != nil {
		return err
	}
	return r.OrNil()
}

// CommonName is the character's display name
func (p *CharacterPolicy) CommonName(ctx *Context) string {
	return ctx.Subject.DisplayName
}

// SANURIs binds the certificate to both character identity handles
func (p *CharacterPolicy) SANURIs(ctx *Context) []string {
	return []string{
		ctx.URLs.LodestoneURI(ctx.Subject.LodestoneID),
		ctx.URLs.PersistentURI(ctx.Subject.PersistentKey),
	}
}

// KeyUsage grants signing plus the key-exchange usage matching the key type
func (p *CharacterPolicy) KeyUsage(pub crypto.PublicKey) x509.KeyUsage {
	usage := x509.KeyUsageDigitalSignature
	switch pub.(type) {
	case *ecdsa.PublicKey:
		usage |= x509.KeyUsageKeyAgreement
	case *rsa.PublicKey:
		usage |= x509.KeyUsageKeyEncipherment
	}
	return usage
}

// ExtKeyUsage restricts character certificates to message protection
func (p *CharacterPolicy) ExtKeyUsage() []x509.ExtKeyUsage {
	return []x509.ExtKeyUsage{x509.ExtKeyUsageEmailProtection}
}
