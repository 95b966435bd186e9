package api

// Certificate type tags. The set is closed: each tag maps to exactly one
// issuance policy implementation.
const (
	// CertTypeUser identifies certificates bound to an account principal
	CertTypeUser = "user_identification"
	// CertTypeCharacter identifies certificates bound to a verified
	// game-character registration
	CertTypeCharacter = "character_identification"
)

// Subject kind tags for the polymorphic subject reference
const (
	SubjectAccount   = "account"
	SubjectCharacter = "character_registration"
)

// Subject is the caller-supplied reference to the entity a certificate is
// issued for. It is a weak reference: the ledger stores only (kind, id) and
// never owns the subject. Display attributes are trusted because the caller
// (the web layer) has already authenticated the subject; CN and SANs are
// computed from these fields, never from CSR content.
type Subject struct {
	Kind        string `json:"kind"`
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`

	// Character-registration subjects only
	LodestoneID   string `json:"lodestone_id,omitempty"`
	PersistentKey string `json:"persistent_key,omitempty"`
	Verified      bool   `json:"verified,omitempty"`
}

// IssueRequest is the request body for the issue endpoint
type IssueRequest struct {
	// CSR is the PEM-encoded PKCS#10 certificate signing request. Only its
	// public key is used; any subject fields it carries are discarded.
	CSR string `json:"csr"`
	// CertificateType selects the issuance policy
	CertificateType string `json:"certificate_type"`
	// Subject is the authenticated subject reference
	Subject Subject `json:"subject"`
	// Authority optionally pins issuance to a CA slug; when empty the
	// current CA for the certificate type is used
	Authority string `json:"authority,omitempty"`
	// ApplicationID optionally identifies the requesting application for
	// per-application issuance counting
	ApplicationID string `json:"application_id,omitempty"`
}

// IssueResponse is returned on successful issuance
type IssueResponse struct {
	ID                   string `json:"id"`
	CertificatePEM       string `json:"certificate_pem"`
	PublicKeyFingerprint string `json:"public_key_fingerprint"`
	CAURL                string `json:"ca_url"`
}

// RevokeRequest is the request body for the revoke endpoint. Exactly one of
// ID or Serial must be set; Serial is the certificate serial in hex.
type RevokeRequest struct {
	ID     string `json:"id,omitempty"`
	Serial string `json:"serial,omitempty"`
	Reason string `json:"reason"`
}

// RevokeResponse reports the revocation state after the call
type RevokeResponse struct {
	ID               string `json:"id"`
	RevokedAt        string `json:"revoked_at"`
	RevocationReason string `json:"revocation_reason"`
}

// FieldError is a single field-tagged policy validation error
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ErrorResponse is the error envelope: policy rejections carry field-tagged
// entries, caller and infrastructure errors carry a code and message
type ErrorResponse struct {
	Errors []FieldError `json:"errors"`
}
