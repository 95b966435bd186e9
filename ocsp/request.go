// Package ocsp implements the subset of RFC 6960 the status responder
// needs: request parsing, multi-entry basic response construction, and nonce
// echoing. golang.org/x/crypto/ocsp builds single-entry responses only,
// which is why the codec lives here.
package ocsp

import (
	"bytes"
	"crypto"
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"

	"github.com/pkg/errors"
)

var (
	oidPKIXOCSPBasic = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 1, 1}
	// oidOCSPNonce is the id-pkix-ocsp-nonce extension (RFC 6960, 4.4.1)
	oidOCSPNonce = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 1, 2}
)

var hashOIDs = map[crypto.Hash]asn1.ObjectIdentifier{
	crypto.SHA1:   {1, 3, 14, 3, 2, 26},
	crypto.SHA256: {2, 16, 840, 1, 101, 3, 4, 2, 1},
	crypto.SHA384: {2, 16, 840, 1, 101, 3, 4, 2, 2},
	crypto.SHA512: {2, 16, 840, 1, 101, 3, 4, 2, 3},
}

func hashFromOID(oid asn1.ObjectIdentifier) (crypto.Hash, error) {
	for h, o := range hashOIDs {
		if o.Equal(oid) {
			return h, nil
		}
	}
	return crypto.Hash(0), errors.Errorf("Unsupported hash algorithm %s in CertID", oid)
}

// certID is the ASN.1 CertID structure (RFC 6960, 4.1.1)
type certID struct {
	HashAlgorithm pkix.AlgorithmIdentifier
	NameHash      []byte
	IssuerKeyHash []byte
	SerialNumber  *big.Int
}

type ocspRequest struct {
	TBSRequest tbsRequest
}

type tbsRequest struct {
	Version       int              `asn1:"explicit,tag:0,default:0,optional"`
	RequestorName pkix.RDNSequence `asn1:"explicit,tag:1,optional"`
	RequestList   []request
	Extensions    []pkix.Extension `asn1:"explicit,tag:2,optional"`
}

type request struct {
	Cert certID
}

// CertID identifies one certificate within a request or response: the
// issuer's name and key hashes plus the certificate serial
type CertID struct {
	Hash           crypto.Hash
	IssuerNameHash []byte
	IssuerKeyHash  []byte
	SerialNumber   *big.Int
}

// NewCertID computes a CertID for a serial under the given issuer
func NewCertID(issuer *x509.Certificate, serial *big.Int, h crypto.Hash) (*CertID, error) {
	nameHash, keyHash, err := issuerHashes(issuer, h)
	if err != nil {
		return nil, err
	}
	return &CertID{
		Hash:           h,
		IssuerNameHash: nameHash,
		IssuerKeyHash:  keyHash,
		SerialNumber:   serial,
	}, nil
}

// MatchesIssuer reports whether this CertID was computed over the given
// issuer certificate, using the CertID's own hash algorithm
func (c *CertID) MatchesIssuer(issuer *x509.Certificate) bool {
	nameHash, keyHash, err := issuerHashes(issuer, c.Hash)
	if err != nil {
		return false
	}
	return bytes.Equal(nameHash, c.IssuerNameHash) && bytes.Equal(keyHash, c.IssuerKeyHash)
}

// issuerHashes computes the CertID hashes: the issuer's DER-encoded subject
// name and the subjectPublicKey BIT STRING, without tag and length
func issuerHashes(issuer *x509.Certificate, h crypto.Hash) (nameHash, keyHash []byte, err error) {
	if !h.Available() {
		return nil, nil, errors.Errorf("Hash algorithm %s is not linked into the binary", h)
	}

	var spki struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	_, err = asn1.Unmarshal(issuer.RawSubjectPublicKeyInfo, &spki)
	if err != nil {
		return nil, nil, errors.Wrap(err, "Failed to decode issuer public key info")
	}

	nh := h.New()
	nh.Write(issuer.RawSubject)
	kh := h.New()
	kh.Write(spki.PublicKey.RightAlign())
	return nh.Sum(nil), kh.Sum(nil), nil
}

func (c *CertID) toASN1() (certID, error) {
	oid, ok := hashOIDs[c.Hash]
	if !ok {
		return certID{}, errors.Errorf("Unsupported hash algorithm %s in CertID", c.Hash)
	}
	return certID{
		HashAlgorithm: pkix.AlgorithmIdentifier{
			Algorithm:  oid,
			Parameters: asn1.NullRawValue,
		},
		NameHash:      c.IssuerNameHash,
		IssuerKeyHash: c.IssuerKeyHash,
		SerialNumber:  c.SerialNumber,
	}, nil
}

func certIDFromASN1(id certID) (*CertID, error) {
	h, err := hashFromOID(id.HashAlgorithm.Algorithm)
	if err != nil {
		return nil, err
	}
	return &CertID{
		Hash:           h,
		IssuerNameHash: id.NameHash,
		IssuerKeyHash:  id.IssuerKeyHash,
		SerialNumber:   id.SerialNumber,
	}, nil
}

// Request is a parsed OCSP request: the requested certificate identities
// plus the nonce, if the client sent one
type Request struct {
	CertIDs []*CertID
	Nonce   []byte
}

// ParseRequest decodes a DER OCSP request. Requests with zero entries and
// trailing garbage are both malformed.
func ParseRequest(der []byte) (*Request, error) {
	var req ocspRequest
	rest, err := asn1.Unmarshal(der, &req)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to parse OCSP request")
	}
	if len(rest) > 0 {
		return nil, errors.New("Trailing data after OCSP request")
	}
	if len(req.TBSRequest.RequestList) == 0 {
		return nil, errors.New("OCSP request contains no entries")
	}

	out := &Request{}
	for _, r := range req.TBSRequest.RequestList {
		id, err := certIDFromASN1(r.Cert)
		if err != nil {
			return nil, err
		}
		out.CertIDs = append(out.CertIDs, id)
	}

	for _, ext := range req.TBSRequest.Extensions {
		if ext.Id.Equal(oidOCSPNonce) {
			out.Nonce = ext.Value
		}
	}
	return out, nil
}

// CreateRequest builds a DER OCSP request for the given serials under one
// issuer. A non-nil nonce is carried as a request extension.
func CreateRequest(issuer *x509.Certificate, serials []*big.Int, h crypto.Hash, nonce []byte) ([]byte, error) {
	if len(serials) == 0 {
		return nil, errors.New("At least one serial number is required")
	}

	var tbs tbsRequest
	for _, serial := range serials {
		id, err := NewCertID(issuer, serial, h)
		if err != nil {
			return nil, err
		}
		asnID, err := id.toASN1()
		if err != nil {
			return nil, err
		}
		tbs.RequestList = append(tbs.RequestList, request{Cert: asnID})
	}
	if nonce != nil {
		tbs.Extensions = []pkix.Extension{{Id: oidOCSPNonce, Value: nonce}}
	}

	der, err := asn1.Marshal(ocspRequest{TBSRequest: tbs})
	if err != nil {
		return nil, errors.Wrap(err, "Failed to marshal OCSP request")
	}
	return der, nil
}
