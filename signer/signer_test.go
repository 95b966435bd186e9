package signer

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crystalid/crystalid-ca/api"
	"github.com/crystalid/crystalid-ca/ca"
	"github.com/crystalid/crystalid-ca/config"
	dbutil "github.com/crystalid/crystalid-ca/db"
	caerrors "github.com/crystalid/crystalid-ca/errors"
	"github.com/crystalid/crystalid-ca/ledger"
	"github.com/crystalid/crystalid-ca/policy"
)

func testService(t *testing.T) *Service {
	t.Helper()

	db, err := dbutil.NewCertDBSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	authorities := ca.NewAccessor(db)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Signer Test Root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	root, err := ca.NewAuthority("signer-root",
		string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})),
		string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})),
		[]string{api.CertTypeUser, api.CertTypeCharacter})
	require.NoError(t, err)
	root.Active = true
	require.NoError(t, authorities.Insert(root))

	return NewService(
		authorities,
		ledger.NewAccessor(db),
		&config.SigningConfig{
			Validity:               8760 * time.Hour,
			Backdate:               30 * time.Second,
			ActiveCertificateLimit: 2,
			StatusValidity:         24 * time.Hour,
		},
		&config.URLConfig{Base: "http://localhost:8054", Identity: "https://id.example.com"},
	)
}

func makeCSR(t *testing.T) (string, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: "Untrusted CSR Subject", Organization: []string{"Evil Org"}},
	}, key)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})), key
}

func userRequest(csr string) *api.IssueRequest {
	return &api.IssueRequest{
		CSR:             csr,
		CertificateType: api.CertTypeUser,
		Subject:         api.Subject{Kind: api.SubjectAccount, ID: "42", DisplayName: "A. Example"},
		ApplicationID:   "app-1",
	}
}

func TestIssueUserCertificate(t *testing.T) {
	s := testService(t)
	csr, _ := makeCSR(t)

	resp, err := s.Issue(userRequest(csr))
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, "http://localhost:8054/ca/signer-root.crt", resp.CAURL)

	block, _ := pem.Decode([]byte(resp.CertificatePEM))
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)

	// Serial is the ledger id
	wantSerial, err := ledger.EncodeSerial(resp.ID)
	require.NoError(t, err)
	assert.Zero(t, cert.SerialNumber.Cmp(wantSerial))

	// CN comes from the authenticated subject, never the CSR
	assert.Equal(t, "A. Example", cert.Subject.CommonName)
	assert.Empty(t, cert.Subject.Organization)

	assert.Equal(t, x509.KeyUsageDigitalSignature, cert.KeyUsage)
	assert.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}, cert.ExtKeyUsage)
	assert.False(t, cert.IsCA)
	require.Len(t, cert.URIs, 1)
	assert.Equal(t, "https://id.example.com/accounts/42", cert.URIs[0].String())
	assert.Equal(t, []string{"http://localhost:8054/ocsp"}, cert.OCSPServer)
	assert.Equal(t, []string{"http://localhost:8054/crl/signer-root.crl"}, cert.CRLDistributionPoints)
	assert.Equal(t, []string{"http://localhost:8054/ca/signer-root.crt"}, cert.IssuingCertificateURL)
	assert.NotEmpty(t, cert.SubjectKeyId)

	// notBefore is backdated for clock skew
	now := time.Now().UTC()
	assert.True(t, cert.NotBefore.Before(now))
	assert.True(t, now.Sub(cert.NotBefore) < 2*time.Minute)
	assert.WithinDuration(t, now.Add(8760*time.Hour), cert.NotAfter, 2*time.Minute)

	entry, err := s.Ledger.GetByID(resp.ID)
	require.NoError(t, err)
	assert.Equal(t, "EC", entry.KeyType)
	assert.Equal(t, "P-256", entry.KeyCurve)
	assert.Equal(t, resp.PublicKeyFingerprint, entry.PublicKeyFingerprint)
	assert.WithinDuration(t, cert.NotAfter, entry.ExpiresAt, time.Second)
}

func TestIssueCharacterCertificate(t *testing.T) {
	s := testService(t)
	csr, _ := makeCSR(t)

	resp, err := s.Issue(&api.IssueRequest{
		CSR:             csr,
		CertificateType: api.CertTypeCharacter,
		Subject: api.Subject{
			Kind:          api.SubjectCharacter,
			ID:            "7",
			DisplayName:   "Crystal Wanderer",
			LodestoneID:   "12345678",
			PersistentKey: "abcdef0123456789",
			Verified:      true,
		},
	})
	require.NoError(t, err)

	block, _ := pem.Decode([]byte(resp.CertificatePEM))
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)

	assert.Equal(t, "Crystal Wanderer", cert.Subject.CommonName)
	require.Len(t, cert.URIs, 2)
	assert.Equal(t, "https://id.example.com/characters/lodestone/12345678", cert.URIs[0].String())
	assert.Equal(t, "https://id.example.com/characters/persistent/abcdef0123456789", cert.URIs[1].String())
	assert.Equal(t, x509.KeyUsageDigitalSignature|x509.KeyUsageKeyAgreement, cert.KeyUsage)
	assert.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageEmailProtection}, cert.ExtKeyUsage)
}

func TestIssueRejectsBadCSR(t *testing.T) {
	s := testService(t)

	_, err := s.Issue(userRequest("not a csr"))
	require.Error(t, err)
	assert.Equal(t, 400, caerrors.GetStatusCode(err))
}

func TestIssueRejectsUnknownType(t *testing.T) {
	s := testService(t)
	csr, _ := makeCSR(t)

	req := userRequest(csr)
	req.CertificateType = "server_identification"
	_, err := s.Issue(req)
	require.Error(t, err)
	assert.Equal(t, 400, caerrors.GetStatusCode(err))
}

func TestIssuePolicyRejectionLeavesNoTrace(t *testing.T) {
	s := testService(t)
	csr, _ := makeCSR(t)

	req := userRequest(csr)
	req.Subject.Verified = false
	req.Subject.Kind = api.SubjectCharacter
	_, err := s.Issue(req)
	require.Error(t, err)
	_, ok := policy.IsRejection(err)
	assert.True(t, ok)

	certs, err := s.Ledger.GetBySubject(api.SubjectCharacter, "42")
	require.NoError(t, err)
	assert.Empty(t, certs)
}

func TestImmediateReissueRefused(t *testing.T) {
	s := testService(t)
	csr, _ := makeCSR(t)

	_, err := s.Issue(userRequest(csr))
	require.NoError(t, err)

	// Same key again, long before the renewal window opens
	_, err = s.Issue(userRequest(csr))
	require.Error(t, err)
	r, ok := policy.IsRejection(err)
	require.True(t, ok)
	assert.Contains(t, r.Fields[0].Message, "renewal opens at")
}

func TestActiveLimitAcrossKeys(t *testing.T) {
	s := testService(t)

	for i := 0; i < 2; i++ {
		csr, _ := makeCSR(t)
		_, err := s.Issue(userRequest(csr))
		require.NoError(t, err)
	}

	csr, _ := makeCSR(t)
	_, err := s.Issue(userRequest(csr))
	require.Error(t, err)
	r, ok := policy.IsRejection(err)
	require.True(t, ok)
	assert.Contains(t, r.Fields[0].Message, "2 of 2")
}

func TestRevoke(t *testing.T) {
	s := testService(t)
	csr, _ := makeCSR(t)

	resp, err := s.Issue(userRequest(csr))
	require.NoError(t, err)

	rev, err := s.Revoke(&api.RevokeRequest{ID: resp.ID, Reason: ledger.ReasonKeyCompromise})
	require.NoError(t, err)
	assert.Equal(t, resp.ID, rev.ID)
	assert.Equal(t, ledger.ReasonKeyCompromise, rev.RevocationReason)
	firstRevokedAt := rev.RevokedAt

	// Idempotent: second call preserves the original state
	rev, err = s.Revoke(&api.RevokeRequest{ID: resp.ID, Reason: ledger.ReasonSuperseded})
	require.NoError(t, err)
	assert.Equal(t, firstRevokedAt, rev.RevokedAt)
	assert.Equal(t, ledger.ReasonKeyCompromise, rev.RevocationReason)
}

func TestRevokeBySerial(t *testing.T) {
	s := testService(t)
	csr, _ := makeCSR(t)

	resp, err := s.Issue(userRequest(csr))
	require.NoError(t, err)

	serial, err := ledger.EncodeSerial(resp.ID)
	require.NoError(t, err)

	rev, err := s.Revoke(&api.RevokeRequest{Serial: serial.Text(16), Reason: ledger.ReasonSuperseded})
	require.NoError(t, err)
	assert.Equal(t, resp.ID, rev.ID)
}

func TestRevokeValidation(t *testing.T) {
	s := testService(t)

	_, err := s.Revoke(&api.RevokeRequest{Reason: ledger.ReasonSuperseded})
	require.Error(t, err)
	assert.Equal(t, 400, caerrors.GetStatusCode(err))

	_, err = s.Revoke(&api.RevokeRequest{ID: "x", Serial: "y", Reason: ledger.ReasonSuperseded})
	require.Error(t, err)
	assert.Equal(t, 400, caerrors.GetStatusCode(err))

	_, err = s.Revoke(&api.RevokeRequest{ID: "x", Reason: "because"})
	require.Error(t, err)
	assert.Equal(t, 400, caerrors.GetStatusCode(err))
}
