package policy

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"time"

	"github.com/cloudflare/cfssl/log"

	"github.com/crystalid/crystalid-ca/util"
)

// renewalWindowCap bounds the renewal window for very long-lived
// certificates: renewal opens min(75% of lifetime, one year) after issuance,
// never later
const renewalWindowCap = 365 * 24 * time.Hour

var permittedCurves = map[elliptic.Curve]bool{
	elliptic.P256(): true,
	elliptic.P384(): true,
	elliptic.P521(): true,
}

// checkKeyStrength rejects public keys below the floor: RSA under 2048 bits
// and EC curves outside P-256/P-384/P-521
func checkKeyStrength(ctx *Context, r *Rejection) {
	switch pub := ctx.PublicKey.(type) {
	case *rsa.PublicKey:
		if bits := pub.N.BitLen(); bits < 2048 {
			r.Add("csr", "RSA key is %d bits; at least 2048 bits are required", bits)
		}
	case *ecdsa.PublicKey:
		if !permittedCurves[pub.Curve] {
			r.Add("csr", "EC curve %s is not supported; use P-256, P-384 or P-521", pub.Curve.Params().Name)
		}
	default:
		r.Add("csr", "Unsupported public key type %T", ctx.PublicKey)
	}
}

// checkRevokedKey rejects any key that appears on a revoked ledger entry,
// for any subject. A burned key stays burned.
func checkRevokedKey(ctx *Context, keyFP string, r *Rejection) error {
	revoked, err := ctx.Ledger.RevokedKeyExists(keyFP)
	if err != nil {
		return err
	}
	if revoked {
		r.Add("csr", "The public key has been revoked and can no longer be certified")
	}
	return nil
}

// checkBinding enforces key-to-subject uniqueness: an active binding of this
// key to a different subject or under a different certificate type blocks
// issuance
func checkBinding(ctx *Context, certType, keyFP string, r *Rejection) error {
	conflict, err := ctx.Ledger.ConflictingBinding(ctx.Subject.Kind, ctx.Subject.ID, certType, keyFP, ctx.Now)
	if err != nil {
		return err
	}
	if conflict {
		r.Add("csr", "The public key is already bound to a different subject or certificate type")
	}
	return nil
}

// checkActiveLimit enforces the per-(subject, application) ceiling on
// concurrently active certificates
func checkActiveLimit(ctx *Context, r *Rejection) error {
	count, err := ctx.Ledger.ActiveCountForSubjectApp(ctx.Subject.Kind, ctx.Subject.ID, ctx.ApplicationID, ctx.Now)
	if err != nil {
		return err
	}
	if count >= ctx.ActiveLimit {
		r.Add("subject", "The subject already holds %d of %d permitted active certificates", count, ctx.ActiveLimit)
	}
	return nil
}

// checkRenewalWindow gates reissuance for a key the subject actively holds
// certificates for. Each held certificate opens for renewal min(75% of its
// lifetime, one year) after its issuance; one open certificate is enough.
// Earlier requests are refused with the earliest timestamp at which any of
// them becomes eligible. A key the subject holds nothing for passes freely.
func checkRenewalWindow(ctx *Context, keyFP string, r *Rejection) error {
	held, err := ctx.Ledger.ActiveBySubjectAndKey(ctx.Subject.Kind, ctx.Subject.ID, keyFP, ctx.Now)
	if err != nil {
		return err
	}
	if len(held) == 0 {
		return nil
	}

	var earliest time.Time
	for _, c := range held {
		lifetime := c.ExpiresAt.Sub(c.IssuedAt)
		window := time.Duration(float64(lifetime) * 0.75)
		if window > renewalWindowCap {
			window = renewalWindowCap
		}
		opensAt := c.IssuedAt.Add(window)
		if !ctx.Now.Before(opensAt) {
			return nil
		}
		if earliest.IsZero() || opensAt.Before(earliest) {
			earliest = opensAt
		}
	}

	log.Debugf("Renewal for key '%s' refused: window opens at %s", keyFP, earliest.Format(time.RFC3339))
	r.Add("csr", "An active certificate for this key already exists; renewal opens at %s", earliest.UTC().Format(time.RFC3339))
	return nil
}

// checkAuthority verifies the selected CA can sign this request at all
func checkAuthority(ctx *Context, certType string, r *Rejection) {
	a := ctx.Authority
	if a == nil {
		r.Add("authority", "No certificate authority selected")
		return
	}
	if a.Revoked() {
		r.Add("authority", "Certificate authority '%s' has been revoked", a.Slug)
	}
	if !a.Active {
		r.Add("authority", "Certificate authority '%s' is not active", a.Slug)
	}
	if !a.Permits(certType) {
		r.Add("authority", "Certificate authority '%s' is not permitted to sign '%s' certificates", a.Slug, certType)
	}
	cert, err := a.Certificate()
	if err != nil {
		r.Add("authority", "Certificate authority '%s' has invalid signing material", a.Slug)
		return
	}
	if ctx.Now.After(cert.NotAfter) {
		r.Add("authority", "Certificate authority '%s' has expired", a.Slug)
	}
	if ctx.Now.Add(ctx.Validity).After(cert.NotAfter) {
		r.Add("authority", "Certificate authority '%s' expires before the requested certificate would", a.Slug)
	}
}

// sharedChecks runs the checks common to every certificate type
func sharedChecks(ctx *Context, certType string, r *Rejection) error {
	checkKeyStrength(ctx, r)
	checkAuthority(ctx, certType, r)

	keyFP, err := util.PublicKeyFingerprint(ctx.PublicKey)
	if err != nil {
		return err
	}
	if err := checkRevokedKey(ctx, keyFP, r); err != nil {
		return err
	}
	if err := checkBinding(ctx, certType, keyFP, r); err != nil {
		return err
	}
	if err := checkRenewalWindow(ctx, keyFP, r); err != nil {
		return err
	}
	return checkActiveLimit(ctx, r)
}
