package ledger

import (
	"crypto/x509"
	"math/big"
	"time"

	"github.com/cloudflare/cfssl/helpers"
	"github.com/cloudflare/cfssl/log"
	"github.com/pkg/errors"
	xocsp "golang.org/x/crypto/ocsp"
)

// Revocation reason tags accepted by the revoke endpoint. They map onto the
// CRLReason codes of RFC 5280, 5.3.1.
const (
	ReasonUnspecified          = "unspecified"
	ReasonKeyCompromise        = "key_compromise"
	ReasonCACompromise         = "ca_compromise"
	ReasonAffiliationChanged   = "affiliation_changed"
	ReasonSuperseded           = "superseded"
	ReasonCessationOfOperation = "cessation_of_operation"
	ReasonCertificateHold      = "certificate_hold"
	ReasonRemoveFromCRL        = "remove_from_crl"
	ReasonPrivilegeWithdrawn   = "privilege_withdrawn"
	ReasonAACompromise         = "aa_compromise"
)

var reasonCodes = map[string]int{
	ReasonUnspecified:          xocsp.Unspecified,
	ReasonKeyCompromise:        xocsp.KeyCompromise,
	ReasonCACompromise:         xocsp.CACompromise,
	ReasonAffiliationChanged:   xocsp.AffiliationChanged,
	ReasonSuperseded:           xocsp.Superseded,
	ReasonCessationOfOperation: xocsp.CessationOfOperation,
	ReasonCertificateHold:      xocsp.CertificateHold,
	ReasonRemoveFromCRL:        xocsp.RemoveFromCRL,
	ReasonPrivilegeWithdrawn:   xocsp.PrivilegeWithdrawn,
	ReasonAACompromise:         xocsp.AACompromise,
}

// ReasonCode maps a revocation reason tag to its RFC 5280 CRLReason code.
// Unknown tags degrade to unspecified rather than failing status generation.
func ReasonCode(reason string) int {
	code, ok := reasonCodes[reason]
	if !ok {
		return xocsp.Unspecified
	}
	return code
}

// ValidReason reports whether the tag is a known revocation reason
func ValidReason(reason string) bool {
	_, ok := reasonCodes[reason]
	return ok
}

// Certificate is one row of the issuance ledger: an append-only audit record
// of a certificate signed by one of our authorities. Rows are never deleted;
// expiry and revocation are states, not removals.
type Certificate struct {
	ID              string
	AuthorityID     string
	CertificateType string
	SubjectKind     string
	SubjectID       string
	ApplicationID   string
	CertificatePEM  string
	IssuedAt        time.Time
	ExpiresAt       time.Time
	// Key metadata is denormalized at issuance so policy checks never have
	// to re-parse stored PEM
	KeyType                string
	KeyBits                int
	KeyCurve               string
	CertificateFingerprint string
	PublicKeyFingerprint   string
	RevokedAt              *time.Time
	RevocationReason       string
}

// Revoked reports whether the certificate has been revoked
func (c *Certificate) Revoked() bool {
	return c.RevokedAt != nil
}

// Expired reports whether the certificate's validity period has ended
func (c *Certificate) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// IsActive reports whether the certificate still counts against issuance
// ceilings. Revocation takes precedence over expiry: a revoked certificate is
// inactive no matter its dates.
func (c *Certificate) IsActive(now time.Time) bool {
	return !c.Revoked() && !c.Expired(now)
}

// Revoke marks the certificate revoked. The first call wins; later calls are
// no-ops that preserve the original timestamp and reason.
func (c *Certificate) Revoke(reason string, now time.Time) bool {
	if c.Revoked() {
		log.Debugf("Certificate '%s' is already revoked; ignoring revoke with reason '%s'", c.ID, reason)
		return false
	}
	now = now.UTC()
	c.RevokedAt = &now
	c.RevocationReason = reason
	return true
}

// Parse returns the ledger row's X.509 certificate
func (c *Certificate) Parse() (*x509.Certificate, error) {
	cert, err := helpers.ParseCertificatePEM([]byte(c.CertificatePEM))
	if err != nil {
		return nil, errors.WithMessagef(err, "Invalid certificate stored for ledger entry '%s'", c.ID)
	}
	return cert, nil
}

// Serial returns the certificate's serial number derived from its id
func (c *Certificate) Serial() (*big.Int, error) {
	return EncodeSerial(c.ID)
}
