package ca

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cloudflare/cfssl/log"
	"github.com/kisielk/sqlstruct"
	"github.com/pkg/errors"

	dbutil "github.com/crystalid/crystalid-ca/db"
	caerrors "github.com/crystalid/crystalid-ca/errors"
)

func init() {
	sqlstruct.TagName = "db"
}

const (
	insertAuthority = `
INSERT INTO certificate_authorities (id, slug, certificate_pem, private_key_pem, active, permitted_types, certificate_fingerprint, public_key_fingerprint, revoked_at, revocation_reason, created_at)
VALUES (:id, :slug, :certificate_pem, :private_key_pem, :active, :permitted_types, :certificate_fingerprint, :public_key_fingerprint, :revoked_at, :revocation_reason, :created_at);`

	getAuthorityBySlug = `
SELECT %s FROM certificate_authorities
	WHERE (slug = ?)`

	getAuthorityByID = `
SELECT %s FROM certificate_authorities
	WHERE (id = ?)`

	getAllAuthorities = `
SELECT %s FROM certificate_authorities
	ORDER BY created_at DESC`

	getCandidateAuthorities = `
SELECT %s FROM certificate_authorities
	WHERE (active = ? AND revoked_at IS NULL)
	ORDER BY created_at DESC`

	setAuthorityActive = `
UPDATE certificate_authorities
SET active = ?
	WHERE (slug = ?);`

	revokeAuthority = `
UPDATE certificate_authorities
SET active = ?, revoked_at = ?, revocation_reason = ?
	WHERE (slug = ? AND revoked_at IS NULL);`

	renameAuthority = `
UPDATE certificate_authorities
SET slug = ?
	WHERE (slug = ?);`

	updateAuthorityCertificate = `
UPDATE certificate_authorities
SET certificate_pem = ?, private_key_pem = ?, certificate_fingerprint = ?, public_key_fingerprint = ?
	WHERE (slug = ?);`

	countIssuedForAuthority = `
SELECT COUNT(*) FROM issued_certificates
	WHERE (authority_id = ?)`
)

// AuthorityRecord is the database representation of a certificate authority
type AuthorityRecord struct {
	ID                     string         `db:"id"`
	Slug                   string         `db:"slug"`
	CertificatePEM         string         `db:"certificate_pem"`
	PrivateKeyPEM          string         `db:"private_key_pem"`
	Active                 bool           `db:"active"`
	PermittedTypes         string         `db:"permitted_types"`
	CertificateFingerprint string         `db:"certificate_fingerprint"`
	PublicKeyFingerprint   string         `db:"public_key_fingerprint"`
	RevokedAt              sql.NullTime   `db:"revoked_at"`
	RevocationReason       sql.NullString `db:"revocation_reason"`
	CreatedAt              time.Time      `db:"created_at"`
}

func (r *AuthorityRecord) toAuthority() (*Authority, error) {
	a := &Authority{
		ID:                     r.ID,
		Slug:                   r.Slug,
		CertificatePEM:         r.CertificatePEM,
		PrivateKeyPEM:          r.PrivateKeyPEM,
		Active:                 r.Active,
		CertificateFingerprint: r.CertificateFingerprint,
		PublicKeyFingerprint:   r.PublicKeyFingerprint,
		CreatedAt:              r.CreatedAt,
	}
	err := json.Unmarshal([]byte(r.PermittedTypes), &a.PermittedTypes)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to unmarshal permitted types for CA '%s'", r.Slug)
	}
	if r.RevokedAt.Valid {
		t := r.RevokedAt.Time.UTC()
		a.RevokedAt = &t
	}
	if r.RevocationReason.Valid {
		a.RevocationReason = r.RevocationReason.String
	}
	return a, nil
}

func toRecord(a *Authority) (*AuthorityRecord, error) {
	types, err := json.Marshal(a.PermittedTypes)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to marshal permitted types")
	}
	rec := &AuthorityRecord{
		ID:                     a.ID,
		Slug:                   a.Slug,
		CertificatePEM:         a.CertificatePEM,
		PrivateKeyPEM:          a.PrivateKeyPEM,
		Active:                 a.Active,
		PermittedTypes:         string(types),
		CertificateFingerprint: a.CertificateFingerprint,
		PublicKeyFingerprint:   a.PublicKeyFingerprint,
		CreatedAt:              a.CreatedAt.UTC(),
	}
	if a.RevokedAt != nil {
		rec.RevokedAt = sql.NullTime{Time: a.RevokedAt.UTC(), Valid: true}
	}
	if a.RevocationReason != "" {
		rec.RevocationReason = sql.NullString{String: a.RevocationReason, Valid: true}
	}
	return rec, nil
}

// Accessor implements the database API for certificate authorities. It only
// needs the CertDB query surface, so transaction-scoped variants can share
// the implementation.
type Accessor struct {
	db dbutil.CertDB
}

// NewAccessor is a constructor for the certificate authority database API
func NewAccessor(db *dbutil.DB) *Accessor {
	return &Accessor{db}
}

func (d *Accessor) checkDB() error {
	if d.db == nil {
		return errors.New("Failed to correctly setup database connection")
	}
	return nil
}

func withColumns(query string) string {
	return fmt.Sprintf(query, sqlstruct.Columns(AuthorityRecord{}))
}

// Insert adds a certificate authority to the database. The record's key
// material must already have passed validation (NewAuthority enforces this).
func (d *Accessor) Insert(a *Authority) error {
	if a == nil {
		return errors.New("Authority is not defined")
	}
	log.Debugf("DB: Add certificate authority '%s'", a.Slug)

	err := d.checkDB()
	if err != nil {
		return err
	}

	rec, err := toRecord(a)
	if err != nil {
		return err
	}

	res, err := d.db.NamedExec(insertAuthority, rec)
	if err != nil {
		return errors.Wrapf(err, "Error adding CA '%s' to the database", a.Slug)
	}

	numRowsAffected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if numRowsAffected != 1 {
		return errors.Errorf("Expected to add one record to the database, but %d records were added", numRowsAffected)
	}

	log.Debugf("Successfully added CA '%s' to the database", a.Slug)
	return nil
}

// GetBySlug retrieves a certificate authority by its slug
func (d *Accessor) GetBySlug(slug string) (*Authority, error) {
	log.Debugf("DB: Getting certificate authority '%s'", slug)

	err := d.checkDB()
	if err != nil {
		return nil, err
	}

	var rec AuthorityRecord
	err = d.db.Get(&rec, d.db.Rebind(withColumns(getAuthorityBySlug)), slug)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, caerrors.NewHTTPErr(404, caerrors.ErrAuthorityNotFound, "No certificate authority with slug '%s'", slug)
		}
		return nil, caerrors.NewHTTPErr(500, caerrors.ErrDBGet, "Failed to get CA '%s': %s", slug, err)
	}
	return rec.toAuthority()
}

// GetByID retrieves a certificate authority by its id
func (d *Accessor) GetByID(id string) (*Authority, error) {
	err := d.checkDB()
	if err != nil {
		return nil, err
	}

	var rec AuthorityRecord
	err = d.db.Get(&rec, d.db.Rebind(withColumns(getAuthorityByID)), id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, caerrors.NewHTTPErr(404, caerrors.ErrAuthorityNotFound, "No certificate authority with id '%s'", id)
		}
		return nil, caerrors.NewHTTPErr(500, caerrors.ErrDBGet, "Failed to get CA '%s': %s", id, err)
	}
	return rec.toAuthority()
}

// All retrieves every certificate authority, newest first
func (d *Accessor) All() ([]*Authority, error) {
	err := d.checkDB()
	if err != nil {
		return nil, err
	}

	var recs []AuthorityRecord
	err = d.db.Select(&recs, d.db.Rebind(withColumns(getAllAuthorities)))
	if err != nil {
		return nil, caerrors.NewHTTPErr(500, caerrors.ErrDBGet, "Failed to list CAs: %s", err)
	}

	authorities := make([]*Authority, 0, len(recs))
	for i := range recs {
		a, err := recs[i].toAuthority()
		if err != nil {
			return nil, err
		}
		authorities = append(authorities, a)
	}
	return authorities, nil
}

// CurrentFor selects the most recently created CA that is active, not
// revoked, and permitted to sign the given certificate type. The absence of
// such a CA is an infrastructure error, not a caller error.
func (d *Accessor) CurrentFor(certType string) (*Authority, error) {
	log.Debugf("DB: Getting current certificate authority for type '%s'", certType)

	err := d.checkDB()
	if err != nil {
		return nil, err
	}

	var recs []AuthorityRecord
	err = d.db.Select(&recs, d.db.Rebind(withColumns(getCandidateAuthorities)), true)
	if err != nil {
		return nil, caerrors.NewHTTPErr(500, caerrors.ErrDBGet, "Failed to list candidate CAs: %s", err)
	}

	for i := range recs {
		a, err := recs[i].toAuthority()
		if err != nil {
			return nil, err
		}
		if a.Permits(certType) {
			return a, nil
		}
	}
	return nil, caerrors.NewHTTPErr(500, caerrors.ErrNoActiveCA, "No active certificate authority is configured for certificate type '%s'", certType)
}

// Activate marks the certificate authority active
func (d *Accessor) Activate(slug string) error {
	return d.setActive(slug, true)
}

// Deactivate clears the certificate authority's active flag
func (d *Accessor) Deactivate(slug string) error {
	return d.setActive(slug, false)
}

func (d *Accessor) setActive(slug string, active bool) error {
	log.Debugf("DB: Set active=%t on certificate authority '%s'", active, slug)

	err := d.checkDB()
	if err != nil {
		return err
	}

	res, err := d.db.Exec(d.db.Rebind(setAuthorityActive), active, slug)
	if err != nil {
		return errors.Wrapf(err, "Failed to update CA '%s'", slug)
	}
	numRowsAffected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if numRowsAffected == 0 {
		return caerrors.NewHTTPErr(404, caerrors.ErrAuthorityNotFound, "No certificate authority with slug '%s'", slug)
	}
	return nil
}

// Revoke marks the certificate authority revoked and inactive. It is
// idempotent: once revoked, later calls do not alter the original timestamp
// or reason.
func (d *Accessor) Revoke(slug, reason string) error {
	log.Debugf("DB: Revoke certificate authority '%s' with reason '%s'", slug, reason)

	err := d.checkDB()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	res, err := d.db.Exec(d.db.Rebind(revokeAuthority), false, now, reason, slug)
	if err != nil {
		return errors.Wrapf(err, "Failed to revoke CA '%s'", slug)
	}
	numRowsAffected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if numRowsAffected == 0 {
		log.Debugf("CA '%s' was already revoked or does not exist; revoke is a no-op", slug)
	}
	return nil
}

// Rename changes a certificate authority's slug. The slug becomes immutable
// the instant any certificate has been issued under the CA, since issued
// certificates embed slug-derived AIA and CRL URLs.
func (d *Accessor) Rename(oldSlug, newSlug string) error {
	log.Debugf("DB: Rename certificate authority '%s' to '%s'", oldSlug, newSlug)

	err := d.checkDB()
	if err != nil {
		return err
	}
	if !slugRegex.MatchString(newSlug) {
		return errors.Errorf("Invalid CA slug '%s': must match %s", newSlug, slugRegex.String())
	}

	a, err := d.GetBySlug(oldSlug)
	if err != nil {
		return err
	}

	var issued int
	err = d.db.Get(&issued, d.db.Rebind(countIssuedForAuthority), a.ID)
	if err != nil {
		return caerrors.NewHTTPErr(500, caerrors.ErrDBGet, "Failed to count issued certificates for CA '%s': %s", oldSlug, err)
	}
	if issued > 0 {
		return errors.Errorf("The slug of CA '%s' is immutable: %d certificates have been issued under it", oldSlug, issued)
	}

	_, err = d.db.Exec(d.db.Rebind(renameAuthority), newSlug, oldSlug)
	if err != nil {
		return errors.Wrapf(err, "Failed to rename CA '%s'", oldSlug)
	}
	return nil
}

// UpdateCertificate replaces a certificate authority's signing material,
// revalidating it and recomputing the stored fingerprints
func (d *Accessor) UpdateCertificate(slug, certPEM, keyPEM string) error {
	log.Debugf("DB: Update signing material for certificate authority '%s'", slug)

	a, err := d.GetBySlug(slug)
	if err != nil {
		return err
	}

	err = a.SetCertificate(certPEM, keyPEM)
	if err != nil {
		return errors.Wrap(caerrors.NewServerError(caerrors.ErrInvalidAuthority, "%s", err), "Validation of certificate and key failed")
	}

	_, err = d.db.Exec(d.db.Rebind(updateAuthorityCertificate),
		a.CertificatePEM, a.PrivateKeyPEM, a.CertificateFingerprint, a.PublicKeyFingerprint, slug)
	if err != nil {
		return errors.Wrapf(err, "Failed to update signing material for CA '%s'", slug)
	}
	return nil
}
