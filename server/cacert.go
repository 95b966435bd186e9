package server

import (
	"net/http"

	"github.com/gorilla/mux"
)

// caCertDERHandler serves an authority's certificate in DER form, the
// format AIA issuingCertificate URLs point at
func (s *Server) caCertDERHandler(w http.ResponseWriter, r *http.Request) {
	authority, err := s.Authorities.GetBySlug(mux.Vars(r)["slug"])
	if err != nil {
		writeBinaryErr(w, err)
		return
	}
	cert, err := authority.Certificate()
	if err != nil {
		writeBinaryErr(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/pkix-cert")
	w.WriteHeader(http.StatusOK)
	w.Write(cert.Raw)
}

// caCertPEMHandler serves an authority's certificate in PEM form for humans
// and trust-store tooling
func (s *Server) caCertPEMHandler(w http.ResponseWriter, r *http.Request) {
	authority, err := s.Authorities.GetBySlug(mux.Vars(r)["slug"])
	if err != nil {
		writeBinaryErr(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-pem-file")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(authority.CertificatePEM))
}
