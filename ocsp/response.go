package ocsp

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"time"

	"github.com/pkg/errors"
)

// ResponseStatus is the OCSPResponseStatus enumeration (RFC 6960, 4.2.1)
type ResponseStatus int

// Response statuses. Value 4 is unused by the RFC.
const (
	Success           ResponseStatus = 0
	MalformedRequest  ResponseStatus = 1
	InternalError     ResponseStatus = 2
	TryLater          ResponseStatus = 3
	SignatureRequired ResponseStatus = 5
	Unauthorized      ResponseStatus = 6
)

func (s ResponseStatus) String() string {
	switch s {
	case Success:
		return "success"
	case MalformedRequest:
		return "malformed request"
	case InternalError:
		return "internal error"
	case TryLater:
		return "try later"
	case SignatureRequired:
		return "signature required"
	case Unauthorized:
		return "unauthorized"
	default:
		return "unknown status"
	}
}

// CertStatus is the per-entry certificate status
type CertStatus int

// Certificate statuses
const (
	Good CertStatus = iota
	Revoked
	Unknown
)

func (s CertStatus) String() string {
	switch s {
	case Good:
		return "good"
	case Revoked:
		return "revoked"
	case Unknown:
		return "unknown"
	default:
		return "invalid status"
	}
}

type responseASN1 struct {
	Status   asn1.Enumerated
	Response responseBytes `asn1:"explicit,tag:0,optional"`
}

type responseBytes struct {
	ResponseType asn1.ObjectIdentifier
	Response     []byte
}

type basicResponse struct {
	TBSResponseData    responseData
	SignatureAlgorithm pkix.AlgorithmIdentifier
	Signature          asn1.BitString
	Certificates       []asn1.RawValue `asn1:"explicit,tag:0,optional"`
}

type responseData struct {
	Raw            asn1.RawContent
	Version        int `asn1:"optional,default:0,explicit,tag:0"`
	RawResponderID asn1.RawValue
	ProducedAt     time.Time `asn1:"generalized"`
	Responses      []singleResponse
	Extensions     []pkix.Extension `asn1:"explicit,tag:1,optional"`
}

type singleResponse struct {
	CertID           certID
	Good             asn1.Flag        `asn1:"tag:0,optional"`
	Revoked          revokedInfo      `asn1:"tag:1,optional"`
	Unknown          asn1.Flag        `asn1:"tag:2,optional"`
	ThisUpdate       time.Time        `asn1:"generalized"`
	NextUpdate       time.Time        `asn1:"generalized,explicit,tag:0,optional"`
	SingleExtensions []pkix.Extension `asn1:"explicit,tag:1,optional"`
}

type revokedInfo struct {
	RevocationTime time.Time       `asn1:"generalized"`
	Reason         asn1.Enumerated `asn1:"explicit,tag:0,optional"`
}

// NewErrorResponse encodes one of the unsigned OCSPResponse error statuses.
// Error responses carry no response body, so they need no signer.
func NewErrorResponse(status ResponseStatus) []byte {
	if status == Success {
		// A success response always carries a body; refuse to emit a bare one
		status = InternalError
	}
	der, err := asn1.Marshal(responseASN1{Status: asn1.Enumerated(status)})
	if err != nil {
		// Marshalling a bare enumerated cannot fail
		panic(err)
	}
	return der
}

// NewMalformedResponse is the canonical malformedRequest response
func NewMalformedResponse() []byte {
	return NewErrorResponse(MalformedRequest)
}

// NewUnauthorizedResponse is the canonical unauthorized response
func NewUnauthorizedResponse() []byte {
	return NewErrorResponse(Unauthorized)
}

// NewInternalErrorResponse is the canonical internalError response
func NewInternalErrorResponse() []byte {
	return NewErrorResponse(InternalError)
}

// NewTryLaterResponse is the canonical tryLater response, for overload
// shedding in front of the responder
func NewTryLaterResponse() []byte {
	return NewErrorResponse(TryLater)
}

// ResponseBuilder assembles and signs a multi-entry basic OCSP response.
// The responder is identified byName with the signing CA's subject.
type ResponseBuilder struct {
	issuer     *x509.Certificate
	signer     crypto.Signer
	producedAt time.Time
	responses  []singleResponse
	nonce      []byte
}

// NewResponseBuilder is a constructor for a response signed by the given CA
func NewResponseBuilder(issuer *x509.Certificate, signer crypto.Signer, producedAt time.Time) *ResponseBuilder {
	return &ResponseBuilder{
		issuer:     issuer,
		signer:     signer,
		producedAt: producedAt.UTC(),
	}
}

// SetNonce echoes the client's request nonce in the response
func (b *ResponseBuilder) SetNonce(nonce []byte) {
	b.nonce = nonce
}

// AddGood appends a good entry for the certificate
func (b *ResponseBuilder) AddGood(id *CertID, thisUpdate, nextUpdate time.Time) error {
	return b.add(id, singleResponse{Good: true}, thisUpdate, nextUpdate)
}

// AddRevoked appends a revoked entry with the given CRLReason code
func (b *ResponseBuilder) AddRevoked(id *CertID, revokedAt time.Time, reason int, thisUpdate, nextUpdate time.Time) error {
	return b.add(id, singleResponse{
		Revoked: revokedInfo{
			RevocationTime: revokedAt.UTC(),
			Reason:         asn1.Enumerated(reason),
		},
	}, thisUpdate, nextUpdate)
}

// AddUnknown appends an unknown entry: the certificate is not in this
// responder's ledger
func (b *ResponseBuilder) AddUnknown(id *CertID, thisUpdate, nextUpdate time.Time) error {
	return b.add(id, singleResponse{Unknown: true}, thisUpdate, nextUpdate)
}

func (b *ResponseBuilder) add(id *CertID, entry singleResponse, thisUpdate, nextUpdate time.Time) error {
	asnID, err := id.toASN1()
	if err != nil {
		return err
	}
	entry.CertID = asnID
	entry.ThisUpdate = thisUpdate.UTC()
	entry.NextUpdate = nextUpdate.UTC()
	b.responses = append(b.responses, entry)
	return nil
}

// Build signs the accumulated entries and returns the DER OCSPResponse
func (b *ResponseBuilder) Build() ([]byte, error) {
	if len(b.responses) == 0 {
		return nil, errors.New("Response contains no entries")
	}

	// ResponderID ::= byName [1] EXPLICIT Name
	tbs := responseData{
		RawResponderID: asn1.RawValue{
			Class:      asn1.ClassContextSpecific,
			Tag:        1,
			IsCompound: true,
			Bytes:      b.issuer.RawSubject,
		},
		ProducedAt: b.producedAt,
		Responses:  b.responses,
	}
	if b.nonce != nil {
		tbs.Extensions = []pkix.Extension{{Id: oidOCSPNonce, Value: b.nonce}}
	}

	tbsDER, err := asn1.Marshal(tbs)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to marshal OCSP response data")
	}

	sigAlgo, hashFunc, err := signatureAlgorithm(b.signer.Public())
	if err != nil {
		return nil, err
	}

	h := hashFunc.New()
	h.Write(tbsDER)
	signature, err := b.signer.Sign(rand.Reader, h.Sum(nil), hashFunc)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to sign OCSP response")
	}

	basic := basicResponse{
		TBSResponseData:    responseData{Raw: tbsDER},
		SignatureAlgorithm: sigAlgo,
		Signature: asn1.BitString{
			Bytes:     signature,
			BitLength: len(signature) * 8,
		},
	}
	basicDER, err := asn1.Marshal(basic)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to marshal basic OCSP response")
	}

	der, err := asn1.Marshal(responseASN1{
		Status: asn1.Enumerated(Success),
		Response: responseBytes{
			ResponseType: oidPKIXOCSPBasic,
			Response:     basicDER,
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "Failed to marshal OCSP response")
	}
	return der, nil
}

var (
	oidSHA256WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
	oidECDSAWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	oidECDSAWithSHA384 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}
	oidECDSAWithSHA512 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 4}
)

// signatureAlgorithm picks the signature algorithm matching the responder's
// key: RSA keys sign with SHA-256, EC keys with the hash paired to their
// curve
func signatureAlgorithm(pub crypto.PublicKey) (pkix.AlgorithmIdentifier, crypto.Hash, error) {
	switch key := pub.(type) {
	case *rsa.PublicKey:
		return pkix.AlgorithmIdentifier{
			Algorithm:  oidSHA256WithRSA,
			Parameters: asn1.NullRawValue,
		}, crypto.SHA256, nil
	case *ecdsa.PublicKey:
		switch key.Curve {
		case elliptic.P256():
			return pkix.AlgorithmIdentifier{Algorithm: oidECDSAWithSHA256}, crypto.SHA256, nil
		case elliptic.P384():
			return pkix.AlgorithmIdentifier{Algorithm: oidECDSAWithSHA384}, crypto.SHA384, nil
		case elliptic.P521():
			return pkix.AlgorithmIdentifier{Algorithm: oidECDSAWithSHA512}, crypto.SHA512, nil
		default:
			return pkix.AlgorithmIdentifier{}, 0, errors.Errorf("Unsupported responder curve %s", key.Curve.Params().Name)
		}
	default:
		return pkix.AlgorithmIdentifier{}, 0, errors.Errorf("Unsupported responder key type %T", pub)
	}
}

// SingleResponse is one parsed entry of a basic response
type SingleResponse struct {
	CertID     *CertID
	Status     CertStatus
	RevokedAt  time.Time
	Reason     int
	ThisUpdate time.Time
	NextUpdate time.Time
}

// Response is a parsed OCSPResponse
type Response struct {
	Status     ResponseStatus
	ProducedAt time.Time
	Responses  []SingleResponse
	Nonce      []byte

	rawTBS       []byte
	sigAlgorithm pkix.AlgorithmIdentifier
	signature    []byte
}

// ParseResponse decodes a DER OCSPResponse. Error responses yield a
// Response carrying only the status.
func ParseResponse(der []byte) (*Response, error) {
	var resp responseASN1
	rest, err := asn1.Unmarshal(der, &resp)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to parse OCSP response")
	}
	if len(rest) > 0 {
		return nil, errors.New("Trailing data after OCSP response")
	}

	out := &Response{Status: ResponseStatus(resp.Status)}
	if out.Status != Success {
		return out, nil
	}
	if !resp.Response.ResponseType.Equal(oidPKIXOCSPBasic) {
		return nil, errors.Errorf("Unsupported response type %s", resp.Response.ResponseType)
	}

	var basic basicResponse
	rest, err = asn1.Unmarshal(resp.Response.Response, &basic)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to parse basic OCSP response")
	}
	if len(rest) > 0 {
		return nil, errors.New("Trailing data after basic OCSP response")
	}

	out.ProducedAt = basic.TBSResponseData.ProducedAt
	out.rawTBS = basic.TBSResponseData.Raw
	out.sigAlgorithm = basic.SignatureAlgorithm
	out.signature = basic.Signature.RightAlign()

	for _, ext := range basic.TBSResponseData.Extensions {
		if ext.Id.Equal(oidOCSPNonce) {
			out.Nonce = ext.Value
		}
	}

	for _, sr := range basic.TBSResponseData.Responses {
		id, err := certIDFromASN1(sr.CertID)
		if err != nil {
			return nil, err
		}
		entry := SingleResponse{
			CertID:     id,
			ThisUpdate: sr.ThisUpdate,
			NextUpdate: sr.NextUpdate,
		}
		switch {
		case bool(sr.Good):
			entry.Status = Good
		case bool(sr.Unknown):
			entry.Status = Unknown
		default:
			entry.Status = Revoked
			entry.RevokedAt = sr.Revoked.RevocationTime
			entry.Reason = int(sr.Revoked.Reason)
		}
		out.Responses = append(out.Responses, entry)
	}
	return out, nil
}

// CheckSignature verifies the response signature against the issuer that is
// expected to have produced it
func (r *Response) CheckSignature(issuer *x509.Certificate) error {
	if r.Status != Success {
		return errors.New("Error responses are unsigned")
	}

	var algo x509.SignatureAlgorithm
	switch {
	case r.sigAlgorithm.Algorithm.Equal(oidSHA256WithRSA):
		algo = x509.SHA256WithRSA
	case r.sigAlgorithm.Algorithm.Equal(oidECDSAWithSHA256):
		algo = x509.ECDSAWithSHA256
	case r.sigAlgorithm.Algorithm.Equal(oidECDSAWithSHA384):
		algo = x509.ECDSAWithSHA384
	case r.sigAlgorithm.Algorithm.Equal(oidECDSAWithSHA512):
		algo = x509.ECDSAWithSHA512
	default:
		return errors.Errorf("Unsupported signature algorithm %s", r.sigAlgorithm.Algorithm)
	}
	return issuer.CheckSignature(algo, r.rawTBS, r.signature)
}
