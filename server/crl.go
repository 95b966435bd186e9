package server

import (
	"crypto/rand"
	"crypto/x509"
	"math/big"
	"net/http"
	"time"

	"github.com/cloudflare/cfssl/log"
	"github.com/gorilla/mux"

	"github.com/crystalid/crystalid-ca/ca"
	caerrors "github.com/crystalid/crystalid-ca/errors"
	"github.com/crystalid/crystalid-ca/ledger"
)

const crlContentType = "application/pkix-crl"

// crlHandler serves the certificate revocation list for one authority. The
// list carries every revoked, not-yet-expired certificate the authority
// signed; expired entries are aged out so the list stays bounded.
func (s *Server) crlHandler(w http.ResponseWriter, r *http.Request) {
	slug := mux.Vars(r)["slug"]

	authority, err := s.Authorities.GetBySlug(slug)
	if err != nil {
		writeBinaryErr(w, err)
		return
	}

	der, err := s.generateCRL(authority)
	if err != nil {
		writeBinaryErr(w, err)
		return
	}

	w.Header().Set("Content-Type", crlContentType)
	w.WriteHeader(http.StatusOK)
	w.Write(der)
}

// generateCRL builds and signs a fresh CRL for the authority. The CRL
// number is the generation timestamp, which is monotonic at the resolution
// revocation checkers care about.
func (s *Server) generateCRL(authority *ca.Authority) ([]byte, error) {
	caCert, err := authority.Certificate()
	if err != nil {
		return nil, err
	}
	if !ca.CanSignCRL(caCert) {
		return nil, caerrors.NewHTTPErr(500, caerrors.ErrGenCRL, "CA '%s' does not have the 'crl sign' key usage", authority.Slug)
	}
	caSigner, err := authority.Signer()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	revoked, err := s.Ledger.RevokedUnexpiredByAuthority(authority.ID, now)
	if err != nil {
		return nil, err
	}

	entries := make([]x509.RevocationListEntry, 0, len(revoked))
	for _, c := range revoked {
		serial, err := ledger.EncodeSerial(c.ID)
		if err != nil {
			return nil, err
		}
		// Per-entry reason codes are not yet emitted; consumers get the
		// reason through OCSP
		entries = append(entries, x509.RevocationListEntry{
			SerialNumber:   serial,
			RevocationTime: *c.RevokedAt,
		})
	}

	template := &x509.RevocationList{
		RevokedCertificateEntries: entries,
		Number:                    big.NewInt(now.Unix()),
		ThisUpdate:                now,
		NextUpdate:                now.Add(s.Config.Signing.StatusValidity),
	}

	der, err := x509.CreateRevocationList(rand.Reader, template, caCert, caSigner)
	if err != nil {
		return nil, caerrors.NewHTTPErr(500, caerrors.ErrGenCRL, "Failed to sign CRL for CA '%s': %s", authority.Slug, err)
	}

	log.Debugf("Generated CRL for CA '%s' with %d entries", authority.Slug, len(entries))
	return der, nil
}

// writeBinaryErr reports an error on a binary protocol endpoint: status and
// plain-text message, no JSON envelope
func writeBinaryErr(w http.ResponseWriter, err error) {
	he := getHTTPErr(err)
	log.Debugf("Binary endpoint error: %s", he)
	http.Error(w, he.GetRemoteMsg(), he.GetStatusCode())
}
