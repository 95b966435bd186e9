package policy

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crystalid/crystalid-ca/api"
	"github.com/crystalid/crystalid-ca/ca"
	"github.com/crystalid/crystalid-ca/config"
	dbutil "github.com/crystalid/crystalid-ca/db"
	caerrors "github.com/crystalid/crystalid-ca/errors"
	"github.com/crystalid/crystalid-ca/ledger"
	"github.com/crystalid/crystalid-ca/util"
)

func testAuthority(t *testing.T, types []string) *ca.Authority {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Policy Test Root"},
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

	a, err := ca.NewAuthority("test-root",
		string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})),
		string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})),
		types)
	require.NoError(t, err)
	a.Active = true
	return a
}

func testContext(t *testing.T, certType string) *Context {
	t.Helper()

	db, err := dbutil.NewCertDBSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	subject := api.Subject{Kind: api.SubjectAccount, ID: "42", DisplayName: "A. Example"}
	if certType == api.CertTypeCharacter {
		subject = api.Subject{
			Kind:          api.SubjectCharacter,
			ID:            "7",
			DisplayName:   "Crystal Wanderer",
			LodestoneID:   "12345678",
			PersistentKey: "abcdef0123456789",
			Verified:      true,
		}
	}

	return &Context{
		Subject:       subject,
		ApplicationID: "app-1",
		PublicKey:     key.Public(),
		Authority:     testAuthority(t, []string{certType}),
		Ledger:        ledger.NewAccessor(db),
		URLs:          &config.URLConfig{Base: "http://localhost:8054", Identity: "https://id.example.com"},
		Now:           time.Now().UTC(),
		ActiveLimit:   2,
		Validity:      8760 * time.Hour,
	}
}

func ledgerEntry(ctx *Context, keyFP string) *ledger.Certificate {
	certType := api.CertTypeUser
	if ctx.Subject.Kind == api.SubjectCharacter {
		certType = api.CertTypeCharacter
	}
	return &ledger.Certificate{
		ID:                     uuid.New().String(),
		AuthorityID:            ctx.Authority.ID,
		CertificateType:        certType,
		SubjectKind:            ctx.Subject.Kind,
		SubjectID:              ctx.Subject.ID,
		ApplicationID:          ctx.ApplicationID,
		CertificatePEM:         "-----BEGIN CERTIFICATE-----\n-----END CERTIFICATE-----\n",
		IssuedAt:               ctx.Now,
		ExpiresAt:              ctx.Now.Add(ctx.Validity),
		KeyType:                "EC",
		KeyBits:                256,
		KeyCurve:               "P-256",
		CertificateFingerprint: uuid.New().String(),
		PublicKeyFingerprint:   keyFP,
	}
}

func contextKeyFP(t *testing.T, ctx *Context) string {
	t.Helper()
	fp, err := util.PublicKeyFingerprint(ctx.PublicKey)
	require.NoError(t, err)
	return fp
}

func TestForType(t *testing.T) {
	p, err := ForType(api.CertTypeUser)
	require.NoError(t, err)
	assert.Equal(t, api.CertTypeUser, p.CertificateType())

	p, err = ForType(api.CertTypeCharacter)
	require.NoError(t, err)
	assert.Equal(t, api.CertTypeCharacter, p.CertificateType())

	_, err = ForType("server_identification")
	require.Error(t, err)
	assert.Equal(t, 400, caerrors.GetStatusCode(err))
}

func TestUserPolicyHappyPath(t *testing.T) {
	ctx := testContext(t, api.CertTypeUser)
	p := &UserPolicy{}

	require.NoError(t, p.Validate(ctx))
	assert.Equal(t, "A. Example", p.CommonName(ctx))
	assert.Equal(t, []string{"https://id.example.com/accounts/42"}, p.SANURIs(ctx))
	assert.Equal(t, x509.KeyUsageDigitalSignature, p.KeyUsage(ctx.PublicKey))
	assert.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}, p.ExtKeyUsage())
}

func TestCharacterPolicyHappyPath(t *testing.T) {
	ctx := testContext(t, api.CertTypeCharacter)
	p := &CharacterPolicy{}

	require.NoError(t, p.Validate(ctx))
	assert.Equal(t, "Crystal Wanderer", p.CommonName(ctx))
	assert.Equal(t, []string{
		"https://id.example.com/characters/lodestone/12345678",
		"https://id.example.com/characters/persistent/abcdef0123456789",
	}, p.SANURIs(ctx))
	assert.Equal(t, x509.KeyUsageDigitalSignature|x509.KeyUsageKeyAgreement, p.KeyUsage(ctx.PublicKey))
	assert.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageEmailProtection}, p.ExtKeyUsage())
}

func TestWeakRSAKeyRejected(t *testing.T) {
	ctx := testContext(t, api.CertTypeUser)
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	ctx.PublicKey = key.Public()

	err = (&UserPolicy{}).Validate(ctx)
	require.Error(t, err)
	r, ok := IsRejection(err)
	require.True(t, ok)
	require.Len(t, r.Fields, 1)
	assert.Equal(t, "csr", r.Fields[0].Field)
	assert.Contains(t, r.Fields[0].Message, "2048")
}

func TestWeakCurveRejected(t *testing.T) {
	ctx := testContext(t, api.CertTypeUser)
	key, err := ecdsa.GenerateKey(elliptic.P224(), rand.Reader)
	require.NoError(t, err)
	ctx.PublicKey = key.Public()

	err = (&UserPolicy{}).Validate(ctx)
	require.Error(t, err)
	r, ok := IsRejection(err)
	require.True(t, ok)
	assert.Contains(t, r.Fields[0].Message, "P-224")
}

func TestStrongRSAKeyAccepted(t *testing.T) {
	ctx := testContext(t, api.CertTypeUser)
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	ctx.PublicKey = key.Public()

	p := &UserPolicy{}
	require.NoError(t, p.Validate(ctx))
	assert.Equal(t, x509.KeyUsageDigitalSignature, p.KeyUsage(ctx.PublicKey))
}

func TestWrongSubjectKindRejected(t *testing.T) {
	ctx := testContext(t, api.CertTypeUser)
	ctx.Subject.Kind = api.SubjectCharacter

	err := (&UserPolicy{}).Validate(ctx)
	require.Error(t, err)
	r, _ := IsRejection(err)
	require.NotNil(t, r)
	assert.Equal(t, "subject.kind", r.Fields[0].Field)
}

func TestUnverifiedCharacterRejected(t *testing.T) {
	ctx := testContext(t, api.CertTypeCharacter)
	ctx.Subject.Verified = false

	err := (&CharacterPolicy{}).Validate(ctx)
	require.Error(t, err)
	r, _ := IsRejection(err)
	require.NotNil(t, r)
	require.Len(t, r.Fields, 1)
	assert.Equal(t, "subject.verified", r.Fields[0].Field)
}

func TestRevokedKeyRejected(t *testing.T) {
	ctx := testContext(t, api.CertTypeUser)
	keyFP := contextKeyFP(t, ctx)

	entry := ledgerEntry(ctx, keyFP)
	require.NoError(t, ctx.Ledger.Insert(entry))
	_, err := ctx.Ledger.Revoke(entry.ID, ledger.ReasonKeyCompromise, ctx.Now)
	require.NoError(t, err)

	err = (&UserPolicy{}).Validate(ctx)
	require.Error(t, err)
	r, _ := IsRejection(err)
	require.NotNil(t, r)
	assert.Contains(t, r.Fields[0].Message, "revoked")
}

func TestConflictingBindingRejected(t *testing.T) {
	t.Run("different subject", func(t *testing.T) {
		ctx := testContext(t, api.CertTypeUser)
		keyFP := contextKeyFP(t, ctx)

		other := ledgerEntry(ctx, keyFP)
		other.SubjectID = "99"
		require.NoError(t, ctx.Ledger.Insert(other))

		err := (&UserPolicy{}).Validate(ctx)
		require.Error(t, err)
		r, _ := IsRejection(err)
		require.NotNil(t, r)
		assert.Contains(t, r.Fields[0].Message, "bound to a different subject")
	})

	t.Run("different certificate type", func(t *testing.T) {
		ctx := testContext(t, api.CertTypeUser)
		keyFP := contextKeyFP(t, ctx)

		// Same subject holds the key under the character type already
		other := ledgerEntry(ctx, keyFP)
		other.CertificateType = api.CertTypeCharacter
		require.NoError(t, ctx.Ledger.Insert(other))

		err := (&UserPolicy{}).Validate(ctx)
		require.Error(t, err)
		r, _ := IsRejection(err)
		require.NotNil(t, r)
		assert.Contains(t, r.Fields[0].Message, "bound to a different subject or certificate type")
	})
}

func TestActiveCertificateLimit(t *testing.T) {
	t.Run("ceiling reached", func(t *testing.T) {
		ctx := testContext(t, api.CertTypeUser)

		require.NoError(t, ctx.Ledger.Insert(ledgerEntry(ctx, "fp-other-1")))
		require.NoError(t, ctx.Ledger.Insert(ledgerEntry(ctx, "fp-other-2")))

		err := (&UserPolicy{}).Validate(ctx)
		require.Error(t, err)
		r, _ := IsRejection(err)
		require.NotNil(t, r)
		assert.Equal(t, "subject", r.Fields[0].Field)
		assert.Contains(t, r.Fields[0].Message, "2 of 2")
	})

	t.Run("renewal does not bypass the ceiling", func(t *testing.T) {
		ctx := testContext(t, api.CertTypeUser)
		keyFP := contextKeyFP(t, ctx)

		// The held key is well past its renewal opening, but the subject
		// already sits at the ceiling
		old := ledgerEntry(ctx, keyFP)
		old.IssuedAt = ctx.Now.Add(-300 * 24 * time.Hour)
		old.ExpiresAt = old.IssuedAt.Add(ctx.Validity)
		require.NoError(t, ctx.Ledger.Insert(old))
		require.NoError(t, ctx.Ledger.Insert(ledgerEntry(ctx, "fp-other")))

		err := (&UserPolicy{}).Validate(ctx)
		require.Error(t, err)
		r, _ := IsRejection(err)
		require.NotNil(t, r)
		require.Len(t, r.Fields, 1)
		assert.Equal(t, "subject", r.Fields[0].Field)
		assert.Contains(t, r.Fields[0].Message, "2 of 2")
	})

	t.Run("ceiling and closed window both reported", func(t *testing.T) {
		ctx := testContext(t, api.CertTypeUser)
		keyFP := contextKeyFP(t, ctx)

		require.NoError(t, ctx.Ledger.Insert(ledgerEntry(ctx, keyFP)))
		require.NoError(t, ctx.Ledger.Insert(ledgerEntry(ctx, "fp-other")))

		err := (&UserPolicy{}).Validate(ctx)
		require.Error(t, err)
		r, _ := IsRejection(err)
		require.NotNil(t, r)
		require.Len(t, r.Fields, 2)
		assert.Contains(t, r.Fields[0].Message, "renewal opens at")
		assert.Contains(t, r.Fields[1].Message, "2 of 2")
	})
}

func TestRenewalWindow(t *testing.T) {
	t.Run("freshly issued", func(t *testing.T) {
		ctx := testContext(t, api.CertTypeUser)
		keyFP := contextKeyFP(t, ctx)

		// Freshly issued one-year certificate: renewal opens 273.75 days
		// after issuance
		entry := ledgerEntry(ctx, keyFP)
		require.NoError(t, ctx.Ledger.Insert(entry))

		err := (&UserPolicy{}).Validate(ctx)
		require.Error(t, err)
		r, _ := IsRejection(err)
		require.NotNil(t, r)
		assert.Contains(t, r.Fields[0].Message, "renewal opens at")
	})

	t.Run("half way through the lifetime", func(t *testing.T) {
		ctx := testContext(t, api.CertTypeUser)
		keyFP := contextKeyFP(t, ctx)

		// 50% of the lifetime elapsed is still short of the 75% mark; the
		// reported opening is anchored at issuance
		entry := ledgerEntry(ctx, keyFP)
		entry.IssuedAt = ctx.Now.Add(-182 * 24 * time.Hour)
		entry.ExpiresAt = entry.IssuedAt.Add(ctx.Validity)
		require.NoError(t, ctx.Ledger.Insert(entry))

		err := (&UserPolicy{}).Validate(ctx)
		require.Error(t, err)
		r, _ := IsRejection(err)
		require.NotNil(t, r)
		assert.Contains(t, r.Fields[0].Message, "renewal opens at")

		opensAt := entry.IssuedAt.Add(time.Duration(float64(ctx.Validity) * 0.75))
		assert.Contains(t, r.Fields[0].Message, opensAt.UTC().Format(time.RFC3339))
	})

	t.Run("past three quarters of the lifetime", func(t *testing.T) {
		ctx := testContext(t, api.CertTypeUser)
		keyFP := contextKeyFP(t, ctx)

		entry := ledgerEntry(ctx, keyFP)
		entry.IssuedAt = ctx.Now.Add(-300 * 24 * time.Hour)
		entry.ExpiresAt = entry.IssuedAt.Add(ctx.Validity)
		require.NoError(t, ctx.Ledger.Insert(entry))

		require.NoError(t, (&UserPolicy{}).Validate(ctx))
	})

	t.Run("any open certificate suffices", func(t *testing.T) {
		ctx := testContext(t, api.CertTypeUser)
		keyFP := contextKeyFP(t, ctx)

		// One held certificate is fresh, the other is past its opening
		require.NoError(t, ctx.Ledger.Insert(ledgerEntry(ctx, keyFP)))
		old := ledgerEntry(ctx, keyFP)
		old.IssuedAt = ctx.Now.Add(-300 * 24 * time.Hour)
		old.ExpiresAt = old.IssuedAt.Add(ctx.Validity)
		require.NoError(t, ctx.Ledger.Insert(old))

		require.NoError(t, (&UserPolicy{}).Validate(ctx))
	})

	t.Run("window capped at one year", func(t *testing.T) {
		ctx := testContext(t, api.CertTypeUser)
		keyFP := contextKeyFP(t, ctx)

		// A ten-year certificate's window would open after 7.5 years; the
		// cap opens it one year after issuance instead
		entry := ledgerEntry(ctx, keyFP)
		entry.IssuedAt = ctx.Now.Add(-2 * 365 * 24 * time.Hour)
		entry.ExpiresAt = entry.IssuedAt.Add(10 * 365 * 24 * time.Hour)
		require.NoError(t, ctx.Ledger.Insert(entry))

		require.NoError(t, (&UserPolicy{}).Validate(ctx))
	})

	t.Run("cap does not open early", func(t *testing.T) {
		ctx := testContext(t, api.CertTypeUser)
		keyFP := contextKeyFP(t, ctx)

		entry := ledgerEntry(ctx, keyFP)
		entry.IssuedAt = ctx.Now.Add(-time.Hour)
		entry.ExpiresAt = entry.IssuedAt.Add(10 * 365 * 24 * time.Hour)
		require.NoError(t, ctx.Ledger.Insert(entry))

		err := (&UserPolicy{}).Validate(ctx)
		require.Error(t, err)
		r, _ := IsRejection(err)
		require.NotNil(t, r)
		assert.Contains(t, r.Fields[0].Message, "renewal opens at")

		opensAt := entry.IssuedAt.Add(renewalWindowCap)
		assert.Contains(t, r.Fields[0].Message, opensAt.UTC().Format(time.RFC3339))
	})
}

func TestAuthorityEligibility(t *testing.T) {
	t.Run("inactive", func(t *testing.T) {
		ctx := testContext(t, api.CertTypeUser)
		ctx.Authority.Active = false
		err := (&UserPolicy{}).Validate(ctx)
		require.Error(t, err)
		r, _ := IsRejection(err)
		require.NotNil(t, r)
		assert.Equal(t, "authority", r.Fields[0].Field)
	})

	t.Run("revoked", func(t *testing.T) {
		ctx := testContext(t, api.CertTypeUser)
		ctx.Authority.Revoke(ledger.ReasonCACompromise, ctx.Now)
		err := (&UserPolicy{}).Validate(ctx)
		require.Error(t, err)
		r, _ := IsRejection(err)
		require.NotNil(t, r)
		assert.Contains(t, r.Fields[0].Message, "revoked")
	})

	t.Run("wrong type", func(t *testing.T) {
		ctx := testContext(t, api.CertTypeUser)
		ctx.Authority.PermittedTypes = []string{api.CertTypeCharacter}
		err := (&UserPolicy{}).Validate(ctx)
		require.Error(t, err)
		r, _ := IsRejection(err)
		require.NotNil(t, r)
		assert.Contains(t, r.Fields[0].Message, "not permitted to sign")
	})
}
