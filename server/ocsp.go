package server

import (
	"crypto/x509"
	"encoding/base64"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cloudflare/cfssl/log"
	"github.com/gorilla/mux"

	"github.com/crystalid/crystalid-ca/ca"
	caerrors "github.com/crystalid/crystalid-ca/errors"
	"github.com/crystalid/crystalid-ca/ledger"
	"github.com/crystalid/crystalid-ca/ocsp"
)

const (
	ocspRequestSizeLimit = 1 << 16
	ocspContentType      = "application/ocsp-response"
	// ocspDetailHeader carries a human-readable reason alongside unsigned
	// error responses, which cannot explain themselves
	ocspDetailHeader = "X-OCSP-Detail"
)

// resolvedEntry pairs a requested CertID with the ledger entry and authority
// it resolved to
type resolvedEntry struct {
	certID    *ocsp.CertID
	entry     *ledger.Certificate
	authority *ca.Authority
}

// ocspHandler serves OCSP over HTTP POST (RFC 6960, A.1)
func (s *Server) ocspHandler(w http.ResponseWriter, r *http.Request) {
	der, err := io.ReadAll(io.LimitReader(r.Body, ocspRequestSizeLimit))
	if err != nil {
		writeOCSP(w, ocsp.NewMalformedResponse())
		return
	}
	s.respondOCSP(w, der)
}

// ocspGetHandler serves OCSP over HTTP GET: the request is the base64 DER,
// URL-encoded, as the final path segment
func (s *Server) ocspGetHandler(w http.ResponseWriter, r *http.Request) {
	encoded, err := url.PathUnescape(mux.Vars(r)["request"])
	if err != nil {
		writeOCSP(w, ocsp.NewMalformedResponse())
		return
	}
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		writeOCSP(w, ocsp.NewMalformedResponse())
		return
	}
	s.respondOCSP(w, der)
}

// respondOCSP resolves the requested entries and signs a status response.
// An entry resolves when its serial maps to a ledger row AND the CertID's
// issuer hashes match that row's authority; everything else stays unknown.
// Zero resolved entries means the request was not for this responder; a
// request straddling two of our authorities cannot be answered with one
// signature and is malformed.
func (s *Server) respondOCSP(w http.ResponseWriter, der []byte) {
	req, err := ocsp.ParseRequest(der)
	if err != nil {
		log.Debugf("Rejecting malformed OCSP request: %s", err)
		writeOCSP(w, ocsp.NewMalformedResponse())
		return
	}

	authorityCache := make(map[string]*ca.Authority)
	authorityCerts := make(map[string]*x509.Certificate)
	var resolved []resolvedEntry
	var unknown []*ocsp.CertID

	for _, certID := range req.CertIDs {
		entry, authority, err := s.resolveOCSPEntry(certID, authorityCache, authorityCerts)
		if err != nil {
			// The ledger is unreachable; shed the request rather than
			// vouch for statuses we cannot look up
			log.Errorf("OCSP status lookup failed: %s", err)
			writeOCSP(w, ocsp.NewTryLaterResponse())
			return
		}
		if entry == nil {
			unknown = append(unknown, certID)
			continue
		}
		resolved = append(resolved, resolvedEntry{certID: certID, entry: entry, authority: authority})
	}

	if len(resolved) == 0 {
		w.Header().Set(ocspDetailHeader, "No requested certificate was issued by this responder")
		writeOCSP(w, ocsp.NewUnauthorizedResponse())
		return
	}

	responder := resolved[0].authority
	for _, re := range resolved[1:] {
		if re.authority.ID != responder.ID {
			w.Header().Set(ocspDetailHeader, "Request spans multiple certificate authorities")
			writeOCSP(w, ocsp.NewMalformedResponse())
			return
		}
	}

	responderCert := authorityCerts[responder.ID]
	responderKey, err := responder.Signer()
	if err != nil {
		log.Errorf("OCSP responder key for CA '%s' is unusable: %s", responder.Slug, err)
		writeOCSP(w, ocsp.NewInternalErrorResponse())
		return
	}

	now := time.Now().UTC()
	nextUpdate := now.Add(s.Config.Signing.StatusValidity)

	b := ocsp.NewResponseBuilder(responderCert, responderKey, now)
	if req.Nonce != nil {
		b.SetNonce(req.Nonce)
	}

	for _, re := range resolved {
		switch {
		case re.entry.Revoked():
			err = b.AddRevoked(re.certID, *re.entry.RevokedAt, ledger.ReasonCode(re.entry.RevocationReason), now, nextUpdate)
		case re.entry.Expired(now):
			// Past notAfter the responder no longer vouches for the
			// certificate either way
			err = b.AddUnknown(re.certID, now, nextUpdate)
		default:
			err = b.AddGood(re.certID, now, nextUpdate)
		}
		if err != nil {
			writeOCSP(w, ocsp.NewInternalErrorResponse())
			return
		}
	}
	for _, certID := range unknown {
		if err = b.AddUnknown(certID, now, nextUpdate); err != nil {
			writeOCSP(w, ocsp.NewInternalErrorResponse())
			return
		}
	}

	respDER, err := b.Build()
	if err != nil {
		log.Errorf("Failed to build OCSP response: %s", err)
		writeOCSP(w, ocsp.NewInternalErrorResponse())
		return
	}
	writeOCSP(w, respDER)
}

// resolveOCSPEntry maps a CertID to its ledger row, requiring the issuer
// hashes to match the row's signing authority. A nil entry with a nil error
// means the certificate is simply not ours; a non-nil error means the lookup
// itself failed and no status can be asserted.
func (s *Server) resolveOCSPEntry(certID *ocsp.CertID, cache map[string]*ca.Authority, certs map[string]*x509.Certificate) (*ledger.Certificate, *ca.Authority, error) {
	id, err := ledger.DecodeSerial(certID.SerialNumber)
	if err != nil {
		return nil, nil, nil
	}
	entry, err := s.Ledger.GetByID(id)
	if err != nil {
		if caerrors.GetStatusCode(err) == 404 {
			return nil, nil, nil
		}
		return nil, nil, err
	}

	authority, ok := cache[entry.AuthorityID]
	if !ok {
		authority, err = s.Authorities.GetByID(entry.AuthorityID)
		if err != nil {
			if caerrors.GetStatusCode(err) == 404 {
				log.Errorf("Ledger entry '%s' references missing authority '%s'", entry.ID, entry.AuthorityID)
				return nil, nil, nil
			}
			return nil, nil, err
		}
		cert, err := authority.Certificate()
		if err != nil {
			log.Errorf("Authority '%s' has unparsable certificate: %s", authority.Slug, err)
			return nil, nil, nil
		}
		cache[entry.AuthorityID] = authority
		certs[entry.AuthorityID] = cert
	}

	if !certID.MatchesIssuer(certs[entry.AuthorityID]) {
		return nil, nil, nil
	}
	return entry, authority, nil
}

func writeOCSP(w http.ResponseWriter, der []byte) {
	w.Header().Set("Content-Type", ocspContentType)
	w.WriteHeader(http.StatusOK)
	w.Write(der)
}
