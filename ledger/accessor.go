package ledger

import (
	"database/sql"
	"fmt"
	"math/big"
	"time"

	"github.com/cloudflare/cfssl/log"
	"github.com/jmoiron/sqlx"
	"github.com/kisielk/sqlstruct"
	"github.com/pkg/errors"

	dbutil "github.com/crystalid/crystalid-ca/db"
	caerrors "github.com/crystalid/crystalid-ca/errors"
)

func init() {
	sqlstruct.TagName = "db"
}

const (
	insertCertificate = `
INSERT INTO issued_certificates (id, authority_id, certificate_type, subject_kind, subject_id, application_id, certificate_pem, issued_at, expires_at, key_type, key_bits, key_curve, certificate_fingerprint, public_key_fingerprint, revoked_at, revocation_reason)
VALUES (:id, :authority_id, :certificate_type, :subject_kind, :subject_id, :application_id, :certificate_pem, :issued_at, :expires_at, :key_type, :key_bits, :key_curve, :certificate_fingerprint, :public_key_fingerprint, :revoked_at, :revocation_reason);`

	getCertificateByID = `
SELECT %s FROM issued_certificates
	WHERE (id = ?)`

	countActiveForSubject = `
SELECT COUNT(*) FROM issued_certificates
	WHERE (subject_kind = ? AND subject_id = ? AND application_id = ? AND revoked_at IS NULL AND expires_at > ?)`

	getActiveBySubjectAndKey = `
SELECT %s FROM issued_certificates
	WHERE (subject_kind = ? AND subject_id = ? AND public_key_fingerprint = ? AND revoked_at IS NULL AND expires_at > ?)
	ORDER BY expires_at DESC`

	countRevokedByKey = `
SELECT COUNT(*) FROM issued_certificates
	WHERE (public_key_fingerprint = ? AND revoked_at IS NOT NULL)`

	countConflictingBindings = `
SELECT COUNT(*) FROM issued_certificates
	WHERE (public_key_fingerprint = ? AND NOT (subject_kind = ? AND subject_id = ? AND certificate_type = ?) AND revoked_at IS NULL AND expires_at > ?)`

	getRevokedUnexpiredByAuthority = `
SELECT %s FROM issued_certificates
	WHERE (authority_id = ? AND revoked_at IS NOT NULL AND expires_at > ?)
	ORDER BY revoked_at ASC`

	getBySubject = `
SELECT %s FROM issued_certificates
	WHERE (subject_kind = ? AND subject_id = ?)
	ORDER BY issued_at DESC`

	revokeCertificate = `
UPDATE issued_certificates
SET revoked_at = ?, revocation_reason = ?
	WHERE (id = ? AND revoked_at IS NULL);`
)

// CertificateRecord is the database representation of a ledger entry
type CertificateRecord struct {
	ID                     string         `db:"id"`
	AuthorityID            string         `db:"authority_id"`
	CertificateType        string         `db:"certificate_type"`
	SubjectKind            string         `db:"subject_kind"`
	SubjectID              string         `db:"subject_id"`
	ApplicationID          string         `db:"application_id"`
	CertificatePEM         string         `db:"certificate_pem"`
	IssuedAt               time.Time      `db:"issued_at"`
	ExpiresAt              time.Time      `db:"expires_at"`
	KeyType                string         `db:"key_type"`
	KeyBits                int            `db:"key_bits"`
	KeyCurve               string         `db:"key_curve"`
	CertificateFingerprint string         `db:"certificate_fingerprint"`
	PublicKeyFingerprint   string         `db:"public_key_fingerprint"`
	RevokedAt              sql.NullTime   `db:"revoked_at"`
	RevocationReason       sql.NullString `db:"revocation_reason"`
}

func (r *CertificateRecord) toCertificate() *Certificate {
	c := &Certificate{
		ID:                     r.ID,
		AuthorityID:            r.AuthorityID,
		CertificateType:        r.CertificateType,
		SubjectKind:            r.SubjectKind,
		SubjectID:              r.SubjectID,
		ApplicationID:          r.ApplicationID,
		CertificatePEM:         r.CertificatePEM,
		IssuedAt:               r.IssuedAt.UTC(),
		ExpiresAt:              r.ExpiresAt.UTC(),
		KeyType:                r.KeyType,
		KeyBits:                r.KeyBits,
		KeyCurve:               r.KeyCurve,
		CertificateFingerprint: r.CertificateFingerprint,
		PublicKeyFingerprint:   r.PublicKeyFingerprint,
	}
	if r.RevokedAt.Valid {
		t := r.RevokedAt.Time.UTC()
		c.RevokedAt = &t
	}
	if r.RevocationReason.Valid {
		c.RevocationReason = r.RevocationReason.String
	}
	return c
}

func toRecord(c *Certificate) *CertificateRecord {
	rec := &CertificateRecord{
		ID:                     c.ID,
		AuthorityID:            c.AuthorityID,
		CertificateType:        c.CertificateType,
		SubjectKind:            c.SubjectKind,
		SubjectID:              c.SubjectID,
		ApplicationID:          c.ApplicationID,
		CertificatePEM:         c.CertificatePEM,
		IssuedAt:               c.IssuedAt.UTC(),
		ExpiresAt:              c.ExpiresAt.UTC(),
		KeyType:                c.KeyType,
		KeyBits:                c.KeyBits,
		KeyCurve:               c.KeyCurve,
		CertificateFingerprint: c.CertificateFingerprint,
		PublicKeyFingerprint:   c.PublicKeyFingerprint,
	}
	if c.RevokedAt != nil {
		rec.RevokedAt = sql.NullTime{Time: c.RevokedAt.UTC(), Valid: true}
	}
	if c.RevocationReason != "" {
		rec.RevocationReason = sql.NullString{String: c.RevocationReason, Valid: true}
	}
	return rec
}

// queryRunner is the subset of sqlx operations the accessor needs; it is
// satisfied by both *sqlx.DB and *sqlx.Tx so the same queries run inside and
// outside transactions.
type queryRunner interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	Exec(query string, args ...interface{}) (sql.Result, error)
	NamedExec(query string, arg interface{}) (sql.Result, error)
	Rebind(query string) string
}

// Accessor implements the database API for the issuance ledger
type Accessor struct {
	db *dbutil.DB
	q  queryRunner
}

// NewAccessor is a constructor for the ledger database API
func NewAccessor(db *dbutil.DB) *Accessor {
	return &Accessor{db: db, q: db}
}

func (d *Accessor) checkDB() error {
	if d.q == nil {
		return errors.New("Failed to correctly setup database connection")
	}
	return nil
}

// InTransaction runs fn against a transaction-scoped accessor. Policy reads
// and the issuance insert share one transaction so a concurrent request
// cannot slip a certificate in between the ceiling check and the insert.
func (d *Accessor) InTransaction(fn func(*Accessor) error) error {
	if d.db == nil {
		return errors.New("Failed to correctly setup database connection")
	}
	if _, inTx := d.q.(*sqlx.Tx); inTx {
		return fn(d)
	}

	tx, err := d.db.Beginx()
	if err != nil {
		return errors.Wrap(err, "Failed to begin transaction")
	}

	err = fn(&Accessor{db: d.db, q: tx})
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Errorf("Failed to roll back transaction: %s", rbErr)
		}
		return err
	}

	err = tx.Commit()
	if err != nil {
		return errors.Wrap(err, "Failed to commit transaction")
	}
	return nil
}

func certColumns(query string) string {
	return fmt.Sprintf(query, sqlstruct.Columns(CertificateRecord{}))
}

// Insert appends a certificate to the ledger
func (d *Accessor) Insert(c *Certificate) error {
	if c == nil {
		return errors.New("Certificate is not defined")
	}
	log.Debugf("DB: Add certificate '%s' to the ledger", c.ID)

	err := d.checkDB()
	if err != nil {
		return err
	}

	res, err := d.q.NamedExec(insertCertificate, toRecord(c))
	if err != nil {
		return caerrors.NewHTTPErr(500, caerrors.ErrDBInsert, "Error adding certificate '%s' to the ledger: %s", c.ID, err)
	}

	numRowsAffected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if numRowsAffected != 1 {
		return errors.Errorf("Expected to add one record to the database, but %d records were added", numRowsAffected)
	}
	return nil
}

// GetByID retrieves a ledger entry by certificate id
func (d *Accessor) GetByID(id string) (*Certificate, error) {
	log.Debugf("DB: Getting certificate '%s'", id)

	err := d.checkDB()
	if err != nil {
		return nil, err
	}

	var rec CertificateRecord
	err = d.q.Get(&rec, d.q.Rebind(certColumns(getCertificateByID)), id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, caerrors.NewHTTPErr(404, caerrors.ErrCertificateNotFound, "No certificate with id '%s'", id)
		}
		return nil, caerrors.NewHTTPErr(500, caerrors.ErrDBGet, "Failed to get certificate '%s': %s", id, err)
	}
	return rec.toCertificate(), nil
}

// GetBySerial retrieves a ledger entry by X.509 serial number, using the
// serial-to-id bijection
func (d *Accessor) GetBySerial(serial *big.Int) (*Certificate, error) {
	id, err := DecodeSerial(serial)
	if err != nil {
		return nil, caerrors.NewHTTPErr(404, caerrors.ErrCertificateNotFound, "No certificate with serial '%s': %s", serial, err)
	}
	return d.GetByID(id)
}

// GetBySubject retrieves every ledger entry for a subject, newest first
func (d *Accessor) GetBySubject(kind, id string) ([]*Certificate, error) {
	err := d.checkDB()
	if err != nil {
		return nil, err
	}

	var recs []CertificateRecord
	err = d.q.Select(&recs, d.q.Rebind(certColumns(getBySubject)), kind, id)
	if err != nil {
		return nil, caerrors.NewHTTPErr(500, caerrors.ErrDBGet, "Failed to list certificates for subject %s/%s: %s", kind, id, err)
	}
	return toCertificates(recs), nil
}

// ActiveCountForSubjectApp counts non-revoked, non-expired certificates held
// by a subject through a given requesting application
func (d *Accessor) ActiveCountForSubjectApp(kind, id, applicationID string, now time.Time) (int, error) {
	err := d.checkDB()
	if err != nil {
		return 0, err
	}

	var count int
	err = d.q.Get(&count, d.q.Rebind(countActiveForSubject), kind, id, applicationID, now.UTC())
	if err != nil {
		return 0, caerrors.NewHTTPErr(500, caerrors.ErrDBGet, "Failed to count active certificates for subject %s/%s: %s", kind, id, err)
	}
	return count, nil
}

// ActiveBySubjectAndKey retrieves the subject's active certificates bound to
// the given public key, longest-lived first
func (d *Accessor) ActiveBySubjectAndKey(kind, id, keyFingerprint string, now time.Time) ([]*Certificate, error) {
	err := d.checkDB()
	if err != nil {
		return nil, err
	}

	var recs []CertificateRecord
	err = d.q.Select(&recs, d.q.Rebind(certColumns(getActiveBySubjectAndKey)), kind, id, keyFingerprint, now.UTC())
	if err != nil {
		return nil, caerrors.NewHTTPErr(500, caerrors.ErrDBGet, "Failed to list active certificates for subject %s/%s: %s", kind, id, err)
	}
	return toCertificates(recs), nil
}

// RevokedKeyExists reports whether the public key appears on any revoked
// ledger entry. Once a key has been revoked anywhere it is never certified
// again, for any subject.
func (d *Accessor) RevokedKeyExists(keyFingerprint string) (bool, error) {
	err := d.checkDB()
	if err != nil {
		return false, err
	}

	var count int
	err = d.q.Get(&count, d.q.Rebind(countRevokedByKey), keyFingerprint)
	if err != nil {
		return false, caerrors.NewHTTPErr(500, caerrors.ErrDBGet, "Failed to check revoked keys: %s", err)
	}
	return count > 0, nil
}

// ConflictingBinding reports whether the public key is actively bound to a
// different subject than the given one, or to the same subject under a
// different certificate type
func (d *Accessor) ConflictingBinding(kind, id, certType, keyFingerprint string, now time.Time) (bool, error) {
	err := d.checkDB()
	if err != nil {
		return false, err
	}

	var count int
	err = d.q.Get(&count, d.q.Rebind(countConflictingBindings), keyFingerprint, kind, id, certType, now.UTC())
	if err != nil {
		return false, caerrors.NewHTTPErr(500, caerrors.ErrDBGet, "Failed to check key bindings: %s", err)
	}
	return count > 0, nil
}

// RevokedUnexpiredByAuthority retrieves the CRL population for an authority:
// revoked entries whose validity period has not yet ended
func (d *Accessor) RevokedUnexpiredByAuthority(authorityID string, now time.Time) ([]*Certificate, error) {
	err := d.checkDB()
	if err != nil {
		return nil, err
	}

	var recs []CertificateRecord
	err = d.q.Select(&recs, d.q.Rebind(certColumns(getRevokedUnexpiredByAuthority)), authorityID, now.UTC())
	if err != nil {
		return nil, caerrors.NewHTTPErr(500, caerrors.ErrDBGet, "Failed to list revoked certificates for authority '%s': %s", authorityID, err)
	}
	return toCertificates(recs), nil
}

// Revoke marks the ledger entry revoked and returns its state after the
// call. Revocation is idempotent: re-revoking returns the entry unchanged,
// original timestamp and reason intact.
func (d *Accessor) Revoke(id, reason string, now time.Time) (*Certificate, error) {
	log.Debugf("DB: Revoke certificate '%s' with reason '%s'", id, reason)

	err := d.checkDB()
	if err != nil {
		return nil, err
	}

	res, err := d.q.Exec(d.q.Rebind(revokeCertificate), now.UTC(), reason, id)
	if err != nil {
		return nil, caerrors.NewHTTPErr(500, caerrors.ErrDBRevoke, "Failed to revoke certificate '%s': %s", id, err)
	}
	numRowsAffected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if numRowsAffected == 0 {
		log.Debugf("Certificate '%s' is already revoked or does not exist", id)
	}

	return d.GetByID(id)
}

func toCertificates(recs []CertificateRecord) []*Certificate {
	certs := make([]*Certificate, 0, len(recs))
	for i := range recs {
		certs = append(certs, recs[i].toCertificate())
	}
	return certs
}
