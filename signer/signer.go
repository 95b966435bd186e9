package signer

import (
	"crypto/rand"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"math/big"
	"net/url"
	"time"

	"github.com/cloudflare/cfssl/helpers"
	"github.com/cloudflare/cfssl/log"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/crystalid/crystalid-ca/api"
	"github.com/crystalid/crystalid-ca/ca"
	"github.com/crystalid/crystalid-ca/config"
	caerrors "github.com/crystalid/crystalid-ca/errors"
	"github.com/crystalid/crystalid-ca/ledger"
	"github.com/crystalid/crystalid-ca/policy"
	"github.com/crystalid/crystalid-ca/util"
)

// Service signs leaf certificates and records them in the issuance ledger
type Service struct {
	Authorities *ca.Accessor
	Ledger      *ledger.Accessor
	Signing     *config.SigningConfig
	URLs        *config.URLConfig
}

// NewService is a constructor for the signing service
func NewService(authorities *ca.Accessor, lgr *ledger.Accessor, signing *config.SigningConfig, urls *config.URLConfig) *Service {
	return &Service{
		Authorities: authorities,
		Ledger:      lgr,
		Signing:     signing,
		URLs:        urls,
	}
}

// Issue processes one issuance request: it parses and verifies the CSR,
// resolves the signing authority, runs the certificate-type policy inside
// the same transaction as the ledger insert, and signs the leaf. Only the
// CSR's public key is used; its subject fields are discarded.
func (s *Service) Issue(req *api.IssueRequest) (*api.IssueResponse, error) {
	log.Debugf("Issuance request for certificate type '%s', subject %s/%s", req.CertificateType, req.Subject.Kind, req.Subject.ID)

	csr, err := helpers.ParseCSRPEM([]byte(req.CSR))
	if err != nil {
		return nil, caerrors.NewHTTPErr(400, caerrors.ErrBadCSR, "Failed to parse CSR: %s", err)
	}
	err = csr.CheckSignature()
	if err != nil {
		return nil, caerrors.NewHTTPErr(400, caerrors.ErrCSRSignature, "CSR signature verification failed: %s", err)
	}

	pol, err := policy.ForType(req.CertificateType)
	if err != nil {
		return nil, err
	}

	authority, err := s.resolveAuthority(req)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	id := uuid.New().String()
	serial, err := ledger.EncodeSerial(id)
	if err != nil {
		return nil, err
	}

	var resp *api.IssueResponse
	err = s.Ledger.InTransaction(func(tx *ledger.Accessor) error {
		ctx := &policy.Context{
			Subject:       req.Subject,
			ApplicationID: req.ApplicationID,
			PublicKey:     csr.PublicKey,
			Authority:     authority,
			Ledger:        tx,
			URLs:          s.URLs,
			Now:           now,
			ActiveLimit:   s.Signing.ActiveCertificateLimit,
			Validity:      s.Signing.Validity,
		}
		err := pol.Validate(ctx)
		if err != nil {
			return err
		}

		certPEM, expiresAt, err := s.sign(pol, ctx, authority, serial, now)
		if err != nil {
			return err
		}

		keyFP, err := util.PublicKeyFingerprint(csr.PublicKey)
		if err != nil {
			return err
		}
		keyInfo, err := util.GetPublicKeyInfo(csr.PublicKey)
		if err != nil {
			return err
		}
		cert, err := helpers.ParseCertificatePEM([]byte(certPEM))
		if err != nil {
			return errors.WithMessage(err, "Failed to re-parse signed certificate")
		}

		entry := &ledger.Certificate{
			ID:                     id,
			AuthorityID:            authority.ID,
			CertificateType:        req.CertificateType,
			SubjectKind:            req.Subject.Kind,
			SubjectID:              req.Subject.ID,
			ApplicationID:          req.ApplicationID,
			CertificatePEM:         certPEM,
			IssuedAt:               now,
			ExpiresAt:              expiresAt,
			KeyType:                keyInfo.Type,
			KeyBits:                keyInfo.Bits,
			KeyCurve:               keyInfo.Curve,
			CertificateFingerprint: util.CertificateFingerprint(cert.Raw),
			PublicKeyFingerprint:   keyFP,
		}
		err = tx.Insert(entry)
		if err != nil {
			return err
		}

		resp = &api.IssueResponse{
			ID:                   id,
			CertificatePEM:       certPEM,
			PublicKeyFingerprint: keyFP,
			CAURL:                s.URLs.AuthorityCert(authority.Slug),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Infof("Issued certificate '%s' (serial %s) of type '%s' for subject %s/%s", id, util.GetSerialAsHex(serial), req.CertificateType, req.Subject.Kind, req.Subject.ID)
	return resp, nil
}

// Revoke marks a ledger entry revoked, idempotently. The entry may be
// addressed by id or by hex serial number.
func (s *Service) Revoke(req *api.RevokeRequest) (*api.RevokeResponse, error) {
	if (req.ID == "") == (req.Serial == "") {
		return nil, caerrors.NewHTTPErr(400, caerrors.ErrBadReqBody, "Exactly one of 'id' and 'serial' must be provided")
	}
	if !ledger.ValidReason(req.Reason) {
		return nil, caerrors.NewHTTPErr(400, caerrors.ErrBadReqBody, "Unknown revocation reason '%s'", req.Reason)
	}

	id := req.ID
	if id == "" {
		serial, ok := new(big.Int).SetString(req.Serial, 16)
		if !ok {
			return nil, caerrors.NewHTTPErr(400, caerrors.ErrBadReqBody, "Invalid hex serial number '%s'", req.Serial)
		}
		var err error
		id, err = ledger.DecodeSerial(serial)
		if err != nil {
			return nil, caerrors.NewHTTPErr(404, caerrors.ErrCertificateNotFound, "No certificate with serial '%s'", req.Serial)
		}
		log.Debugf("Revocation requested for serial %s", util.GetSerialAsHex(serial))
	}

	entry, err := s.Ledger.Revoke(id, req.Reason, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	log.Infof("Certificate '%s' revoked with reason '%s'", entry.ID, entry.RevocationReason)
	return &api.RevokeResponse{
		ID:               entry.ID,
		RevokedAt:        entry.RevokedAt.Format(time.RFC3339),
		RevocationReason: entry.RevocationReason,
	}, nil
}

func (s *Service) resolveAuthority(req *api.IssueRequest) (*ca.Authority, error) {
	if req.Authority != "" {
		return s.Authorities.GetBySlug(req.Authority)
	}
	return s.Authorities.CurrentFor(req.CertificateType)
}

// sign builds and signs the leaf certificate. The serial is the ledger id's
// UUID bytes; notBefore is backdated to tolerate clock skew.
func (s *Service) sign(pol policy.Policy, ctx *policy.Context, authority *ca.Authority, serial *big.Int, now time.Time) (string, time.Time, error) {
	caCert, err := authority.Certificate()
	if err != nil {
		return "", time.Time{}, err
	}
	caSigner, err := authority.Signer()
	if err != nil {
		return "", time.Time{}, err
	}

	uris, err := parseURIs(pol.SANURIs(ctx))
	if err != nil {
		return "", time.Time{}, err
	}

	ski, err := computeSubjectKeyID(ctx.PublicKey)
	if err != nil {
		return "", time.Time{}, err
	}

	notBefore := now.Add(-s.Signing.Backdate)
	notAfter := now.Add(s.Signing.Validity)

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: pol.CommonName(ctx)},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              pol.KeyUsage(ctx.PublicKey),
		ExtKeyUsage:           pol.ExtKeyUsage(),
		BasicConstraintsValid: true,
		IsCA:                  false,
		SubjectKeyId:          ski,
		URIs:                  uris,
		OCSPServer:            []string{s.URLs.OCSP()},
		IssuingCertificateURL: []string{s.URLs.AuthorityCert(authority.Slug)},
		CRLDistributionPoints: []string{s.URLs.CRL(authority.Slug)},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, caCert, ctx.PublicKey, caSigner)
	if err != nil {
		return "", time.Time{}, errors.Wrap(err, "Failed to sign certificate")
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	return string(certPEM), notAfter, nil
}

func parseURIs(raw []string) ([]*url.URL, error) {
	uris := make([]*url.URL, 0, len(raw))
	for _, r := range raw {
		u, err := url.Parse(r)
		if err != nil {
			return nil, errors.Wrapf(err, "Invalid SAN URI '%s'", r)
		}
		uris = append(uris, u)
	}
	return uris, nil
}

// computeSubjectKeyID derives the subject key identifier as the SHA-1 hash
// of the subjectPublicKey BIT STRING (RFC 5280, 4.2.1.2 method 1)
func computeSubjectKeyID(pub interface{}) ([]byte, error) {
	spki, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to marshal public key")
	}
	var wrapper struct {
		Algorithm asn1.RawValue
		PublicKey asn1.BitString
	}
	_, err = asn1.Unmarshal(spki, &wrapper)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to decode public key info")
	}
	sum := sha1.Sum(wrapper.PublicKey.Bytes)
	return sum[:], nil
}
