package ca

import (
	"bytes"
	"crypto"
	"crypto/dsa"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"regexp"
	"time"

	"github.com/cloudflare/cfssl/helpers"
	"github.com/cloudflare/cfssl/log"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/crystalid/crystalid-ca/util"
)

var (
	slugRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,63}$`)

	// The X.509 BasicConstraints object identifier (RFC 5280, 4.2.1.9)
	basicConstraintsOID = asn1.ObjectIdentifier{2, 5, 29, 19}
)

// Authority is a certificate authority: the signing root for one tier of
// issued certificates. It is never hard-deleted; issued certificates
// reference it for audit.
type Authority struct {
	ID             string
	Slug           string
	CertificatePEM string
	PrivateKeyPEM  string
	Active         bool
	// PermittedTypes is the set of certificate-type tags this CA may sign
	PermittedTypes         []string
	CertificateFingerprint string
	PublicKeyFingerprint   string
	RevokedAt              *time.Time
	RevocationReason       string
	CreatedAt              time.Time
}

// NewAuthority constructs an authority record from PEM key material. The
// material is validated and fingerprints are derived; the authority starts
// out inactive.
func NewAuthority(slug, certPEM, keyPEM string, permittedTypes []string) (*Authority, error) {
	a := &Authority{
		ID:             uuid.New().String(),
		Slug:           slug,
		PermittedTypes: permittedTypes,
		CreatedAt:      time.Now().UTC(),
	}
	err := a.SetCertificate(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// SetCertificate replaces the authority's signing material, revalidating it
// and recomputing both fingerprints
func (a *Authority) SetCertificate(certPEM, keyPEM string) error {
	if !slugRegex.MatchString(a.Slug) {
		return errors.Errorf("Invalid CA slug '%s': must match %s", a.Slug, slugRegex.String())
	}

	cert, err := helpers.ParseCertificatePEM([]byte(certPEM))
	if err != nil {
		return errors.WithMessage(err, "Invalid CA certificate")
	}
	key, err := helpers.ParsePrivateKeyPEM([]byte(keyPEM))
	if err != nil {
		return errors.WithMessage(err, "Invalid CA private key")
	}

	err = validateCertAndKey(cert, key)
	if err != nil {
		return err
	}

	pubFP, err := util.PublicKeyFingerprint(cert.PublicKey)
	if err != nil {
		return err
	}

	a.CertificatePEM = certPEM
	a.PrivateKeyPEM = keyPEM
	a.CertificateFingerprint = util.CertificateFingerprint(cert.Raw)
	a.PublicKeyFingerprint = pubFP
	return nil
}

// Certificate parses and returns the authority's X.509 certificate
func (a *Authority) Certificate() (*x509.Certificate, error) {
	cert, err := util.GetX509CertificateFromPEM([]byte(a.CertificatePEM))
	if err != nil {
		return nil, errors.WithMessagef(err, "Invalid certificate stored for CA '%s'", a.Slug)
	}
	return cert, nil
}

// Signer parses and returns the authority's private key
func (a *Authority) Signer() (crypto.Signer, error) {
	key, err := helpers.ParsePrivateKeyPEM([]byte(a.PrivateKeyPEM))
	if err != nil {
		return nil, errors.WithMessagef(err, "Invalid private key stored for CA '%s'", a.Slug)
	}
	return key, nil
}

// Permits reports whether this CA may sign certificates of the given type
func (a *Authority) Permits(certType string) bool {
	for _, t := range a.PermittedTypes {
		if t == certType {
			return true
		}
	}
	return false
}

// Revoked reports whether the authority has been revoked
func (a *Authority) Revoked() bool {
	return a.RevokedAt != nil
}

// Revoke marks the authority revoked. The first call wins; subsequent calls
// are no-ops and leave the original timestamp and reason untouched.
func (a *Authority) Revoke(reason string, now time.Time) bool {
	if a.Revoked() {
		log.Debugf("CA '%s' is already revoked; ignoring revoke with reason '%s'", a.Slug, reason)
		return false
	}
	now = now.UTC()
	a.RevokedAt = &now
	a.RevocationReason = reason
	a.Active = false
	return true
}

// Performs checks on the provided CA cert and key to make sure they are valid
func validateCertAndKey(cert *x509.Certificate, key crypto.Signer) error {
	log.Debug("Validating the CA certificate and key")

	if err := validateDates(cert); err != nil {
		return err
	}
	if err := validateUsage(cert); err != nil {
		return err
	}
	if err := validateIsCA(cert); err != nil {
		return err
	}
	if err := validateKeyType(cert); err != nil {
		return err
	}
	if err := validateKeySize(cert); err != nil {
		return err
	}
	if err := validateMatchingKeys(cert, key); err != nil {
		return err
	}
	log.Debug("Validation of CA certificate and key successful")
	return nil
}

func validateDates(cert *x509.Certificate) error {
	log.Debug("Check CA certificate for valid dates")

	currentTime := time.Now().UTC()
	if currentTime.After(cert.NotAfter) {
		return errors.New("Certificate provided has expired")
	}
	if currentTime.Before(cert.NotBefore) {
		return errors.New("Certificate provided not valid until later date")
	}
	return nil
}

func validateUsage(cert *x509.Certificate) error {
	log.Debug("Check CA certificate for valid usages")

	if cert.KeyUsage == 0 {
		return errors.New("No usage specified for certificate")
	}
	if cert.KeyUsage&x509.KeyUsageCertSign == 0 {
		return errors.New("The 'cert sign' key usage is required")
	}
	if !CanSignCRL(cert) {
		log.Warningf("The CA certificate does not have 'crl sign' key usage, so the CA will not be able to generate a CRL")
	}
	return nil
}

func validateIsCA(cert *x509.Certificate) error {
	log.Debug("Check CA certificate for valid IsCA value")

	if !cert.BasicConstraintsValid || !cert.IsCA {
		return errors.New("Certificate not configured to be used for CA")
	}
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(basicConstraintsOID) {
			if !ext.Critical {
				return errors.New("The basicConstraints extension must be marked critical on a CA certificate")
			}
			return nil
		}
	}
	return errors.New("Certificate is missing the basicConstraints extension")
}

func validateKeyType(cert *x509.Certificate) error {
	log.Debug("Check that key type is supported")

	switch cert.PublicKey.(type) {
	case *dsa.PublicKey:
		return errors.New("Unsupported key type: DSA")
	}
	return nil
}

func validateKeySize(cert *x509.Certificate) error {
	log.Debug("Check that key size is of appropriate length")

	switch pub := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		if pub.N.BitLen() < 2048 {
			return errors.New("Key size is less than 2048 bits")
		}
	}
	return nil
}

func validateMatchingKeys(cert *x509.Certificate, key crypto.Signer) error {
	log.Debug("Check that public key and private key match")

	switch pub := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		priv, ok := key.Public().(*rsa.PublicKey)
		if !ok || priv.N.Cmp(pub.N) != 0 {
			return errors.New("Public key and private key do not match")
		}
	case *ecdsa.PublicKey:
		priv, ok := key.Public().(*ecdsa.PublicKey)
		if !ok || priv.X.Cmp(pub.X) != 0 || priv.Y.Cmp(pub.Y) != 0 {
			return errors.New("Public key and private key do not match")
		}
	default:
		spki, err := x509.MarshalPKIXPublicKey(cert.PublicKey)
		if err != nil {
			return err
		}
		keySpki, err := x509.MarshalPKIXPublicKey(key.Public())
		if err != nil {
			return err
		}
		if !bytes.Equal(spki, keySpki) {
			return errors.New("Public key and private key do not match")
		}
	}
	return nil
}

// CanSignCRL reports whether the certificate carries the 'crl sign' key usage
func CanSignCRL(cert *x509.Certificate) bool {
	return cert.KeyUsage&x509.KeyUsageCRLSign != 0
}
