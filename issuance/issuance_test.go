package issuance_test

import (
	"crypto"
	"crypto/x509"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironca/authority"
	"github.com/jmcleod/ironca/errs"
	"github.com/jmcleod/ironca/internal/testenv"
	"github.com/jmcleod/ironca/issuance"
	"github.com/jmcleod/ironca/pki"
	"github.com/jmcleod/ironca/records"
)

type fixture struct {
	env  *testenv.Env
	cas  *authority.Service
	svc  *issuance.Service
	root *records.CertificateAuthority
	mid  *records.CertificateAuthority
}

func newFixture(t *testing.T, alg string) *fixture {
	t.Helper()
	env := testenv.New(t)
	cas := authority.New(env.Store, env.Artifacts)
	f := &fixture{env: env, cas: cas, svc: issuance.New(env.Store, env.Artifacts, cas)}

	var err error
	f.root, err = cas.CreateRoot(t.Context(), authority.CreateRootRequest{
		Name:         "Issuing Root",
		Subject:      records.Subject{CommonName: "Issuing Root", Organization: "Iron", Country: "AU"},
		KeyAlgorithm: alg,
	})
	require.NoError(t, err)
	f.mid, err = cas.CreateIntermediate(t.Context(), authority.CreateIntermediateRequest{
		Name:     "Issuing Intermediate",
		ParentID: f.root.ID,
		Subject:  records.Subject{CommonName: "Issuing Intermediate"},
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) cert(t *testing.T, path string) *x509.Certificate {
	t.Helper()
	data, err := f.env.Certs.Load(path)
	require.NoError(t, err)
	cert, err := pki.ParseCertificatePEM(data)
	require.NoError(t, err)
	return cert
}

func (f *fixture) verify(t *testing.T, leaf *x509.Certificate, usage x509.ExtKeyUsage) {
	t.Helper()
	roots := x509.NewCertPool()
	roots.AddCert(f.cert(t, f.root.CertPath))
	inter := x509.NewCertPool()
	inter.AddCert(f.cert(t, f.mid.CertPath))
	_, err := leaf.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: inter,
		KeyUsages:     []x509.ExtKeyUsage{usage},
	})
	require.NoError(t, err)
}

func TestCreateServer(t *testing.T) {
	f := newFixture(t, "RSA-2048")

	c, err := f.svc.CreateServer(t.Context(), issuance.IssueRequest{
		CAID:    f.mid.ID,
		Subject: records.Subject{CommonName: "web.example.com"},
		SANDNS:  []string{" a.example.com ", "b.example.com"},
		SANIPs:  []string{"10.0.0.1", "::1"},
	})
	require.NoError(t, err)

	assert.Equal(t, records.CertTypeServer, c.Type)
	assert.Equal(t, records.StatusActive, c.Status)
	assert.Equal(t, "RSA-2048", c.KeyAlgorithm)
	assert.Equal(t, []string{"a.example.com", "b.example.com"}, c.SANDNS)
	assert.Equal(t, []string{"10.0.0.1", "::1"}, c.SANIPs)
	assert.Equal(t, "Iron", c.Subject.Organization)
	assert.Empty(t, c.Subject.Country)

	leaf := f.cert(t, c.CertPath)
	assert.False(t, leaf.IsCA)
	assert.Equal(t, x509.KeyUsageDigitalSignature|x509.KeyUsageKeyEncipherment, leaf.KeyUsage)
	assert.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}, leaf.ExtKeyUsage)
	assert.Equal(t, f.cert(t, f.mid.CertPath).SubjectKeyId, leaf.AuthorityKeyId)
	assert.WithinDuration(t, leaf.NotBefore.AddDate(0, 0, 365), leaf.NotAfter, 0)
	f.verify(t, leaf, x509.ExtKeyUsageServerAuth)
	require.NoError(t, leaf.VerifyHostname("b.example.com"))
	require.NoError(t, leaf.VerifyHostname("10.0.0.1"))
}

func TestServerDefaultsSANToCommonName(t *testing.T) {
	f := newFixture(t, "EC-P256")

	c, err := f.svc.CreateServer(t.Context(), issuance.IssueRequest{
		CAID:    f.mid.ID,
		Subject: records.Subject{CommonName: "solo.example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"solo.example.com"}, c.SANDNS)
	assert.Empty(t, c.SANIPs)
	assert.Equal(t, "EC-P256", c.KeyAlgorithm)
	f.verify(t, f.cert(t, c.CertPath), x509.ExtKeyUsageServerAuth)
}

func TestServerDNSNamesAreEncodedAsASCII(t *testing.T) {
	f := newFixture(t, "EC-P256")
	ctx := t.Context()

	c, err := f.svc.CreateServer(ctx, issuance.IssueRequest{
		CAID:    f.mid.ID,
		Subject: records.Subject{CommonName: "Café Server"},
		SANDNS:  []string{"münchen.example", "*.Example.COM"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"xn--mnchen-3ya.example", "*.example.com"}, c.SANDNS)
	leaf := f.cert(t, c.CertPath)
	assert.Equal(t, c.SANDNS, leaf.DNSNames)
	assert.Equal(t, "Café Server", leaf.Subject.CommonName)

	c, err = f.svc.CreateServer(ctx, issuance.IssueRequest{
		CAID:    f.mid.ID,
		Subject: records.Subject{CommonName: "bücher.example"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"xn--bcher-kva.example"}, c.SANDNS)
}

func TestServerRejectsMalformedDNSNames(t *testing.T) {
	f := newFixture(t, "EC-P256")

	cases := map[string]struct {
		req   issuance.IssueRequest
		field string
	}{
		"space in san": {
			issuance.IssueRequest{CAID: f.mid.ID, Subject: records.Subject{CommonName: "web"}, SANDNS: []string{"ok.example", "bad name.example"}},
			"sanDns[1]",
		},
		"common name fallback": {
			issuance.IssueRequest{CAID: f.mid.ID, Subject: records.Subject{CommonName: "Café Server"}},
			"subject.commonName",
		},
		"common name fallback with only ips": {
			issuance.IssueRequest{CAID: f.mid.ID, Subject: records.Subject{CommonName: "Front Door"}, SANIPs: []string{"10.0.0.1"}},
			"subject.commonName",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.CreateServer(t.Context(), tc.req)
			require.ErrorIs(t, err, errs.ErrValidation)
			assert.NotErrorIs(t, err, errs.ErrCrypto)
			assert.Equal(t, tc.field, errs.FieldOf(err))
		})
	}

	certs, err := f.svc.List(t.Context(), records.CertificateFilter{})
	require.NoError(t, err)
	assert.Empty(t, certs)
}

func TestCreateClient(t *testing.T) {
	f := newFixture(t, "EC-P256")
	ctx := t.Context()

	c, err := f.svc.CreateClient(ctx, issuance.IssueRequest{
		CAID:         f.root.ID,
		Subject:      records.Subject{CommonName: "alice"},
		KeyAlgorithm: "EC-P384",
		ValidityDays: 30,
	})
	require.NoError(t, err)
	assert.Equal(t, records.CertTypeClient, c.Type)
	assert.Equal(t, "EC-P384", c.KeyAlgorithm)
	assert.Empty(t, c.SANDNS)

	leaf := f.cert(t, c.CertPath)
	assert.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}, leaf.ExtKeyUsage)
	assert.Empty(t, leaf.DNSNames)
	assert.Empty(t, leaf.IPAddresses)
	require.NoError(t, leaf.CheckSignatureFrom(f.cert(t, f.root.CertPath)))

	_, err = f.svc.CreateClient(ctx, issuance.IssueRequest{
		CAID:    f.root.ID,
		Subject: records.Subject{CommonName: "bob"},
		SANDNS:  []string{"bob.example.com"},
	})
	assert.ErrorIs(t, err, errs.ErrValidation)
	assert.Equal(t, "sanDns", errs.FieldOf(err))
}

func TestRequestValidation(t *testing.T) {
	f := newFixture(t, "EC-P256")

	cases := map[string]struct {
		req   issuance.IssueRequest
		field string
	}{
		"missing ca":    {issuance.IssueRequest{Subject: records.Subject{CommonName: "x"}}, "caId"},
		"bad ip":        {issuance.IssueRequest{CAID: f.mid.ID, Subject: records.Subject{CommonName: "x"}, SANIPs: []string{"1.2.3.4", "999.1.1.1"}}, "sanIps[1]"},
		"blank dns":     {issuance.IssueRequest{CAID: f.mid.ID, Subject: records.Subject{CommonName: "x"}, SANDNS: []string{"  "}}, "sanDns[0]"},
		"missing cn":    {issuance.IssueRequest{CAID: f.mid.ID}, "subject.commonName"},
		"long validity": {issuance.IssueRequest{CAID: f.mid.ID, Subject: records.Subject{CommonName: "x"}, ValidityDays: 3651}, "validityDays"},
		"bad algorithm": {issuance.IssueRequest{CAID: f.mid.ID, Subject: records.Subject{CommonName: "x"}, KeyAlgorithm: "EC-P999"}, "keyAlgorithm"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.CreateServer(t.Context(), tc.req)
			require.ErrorIs(t, err, errs.ErrValidation)
			assert.Equal(t, tc.field, errs.FieldOf(err))
		})
	}
}

func TestIssuingCAPreconditions(t *testing.T) {
	f := newFixture(t, "RSA-2048")
	ctx := t.Context()

	_, err := f.svc.CreateServer(ctx, issuance.IssueRequest{
		CAID: "nope", Subject: records.Subject{CommonName: "x"},
	})
	assert.ErrorIs(t, err, errs.ErrNotFound)

	_, err = f.svc.CreateServer(ctx, issuance.IssueRequest{
		CAID: f.mid.ID, Subject: records.Subject{CommonName: "x"}, KeyAlgorithm: "EC-P256",
	})
	assert.ErrorIs(t, err, issuance.ErrKeyFamilyMismatch)
	assert.ErrorIs(t, err, errs.ErrConflict)

	require.NoError(t, f.env.Store.Update(ctx, func(tx *records.Tx) error {
		return tx.SetCAStatus(f.mid.ID, records.StatusRevoked)
	}))
	_, err = f.svc.CreateServer(ctx, issuance.IssueRequest{
		CAID: f.mid.ID, Subject: records.Subject{CommonName: "x"},
	})
	assert.ErrorIs(t, err, authority.ErrCANotActive)
	assert.ErrorIs(t, err, errs.ErrConflict)

	certs, err := f.svc.List(ctx, records.CertificateFilter{})
	require.NoError(t, err)
	assert.Empty(t, certs)
}

func TestECCAWithRSAKeyIsConflict(t *testing.T) {
	f := newFixture(t, "EC-P256")
	_, err := f.svc.CreateClient(t.Context(), issuance.IssueRequest{
		CAID: f.mid.ID, Subject: records.Subject{CommonName: "x"}, KeyAlgorithm: "RSA-2048",
	})
	assert.ErrorIs(t, err, issuance.ErrKeyFamilyMismatch)
}

func TestRevokeTwice(t *testing.T) {
	f := newFixture(t, "EC-P256")
	ctx := t.Context()

	c, err := f.svc.CreateClient(ctx, issuance.IssueRequest{
		CAID: f.mid.ID, Subject: records.Subject{CommonName: "revoke-me"},
	})
	require.NoError(t, err)

	revoked, err := f.svc.Revoke(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, records.StatusRevoked, revoked.Status)

	_, err = f.svc.Revoke(ctx, c.ID)
	require.ErrorIs(t, err, errs.ErrValidation)
	assert.ErrorIs(t, err, issuance.ErrAlreadyRevoked)

	got, err := f.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, records.StatusRevoked, got.Status)
	assert.FileExists(t, got.CertPath)

	_, err = f.svc.Revoke(ctx, "missing")
	assert.ErrorIs(t, err, issuance.ErrCertificateNotFound)
}

func TestListFilters(t *testing.T) {
	f := newFixture(t, "EC-P256")
	ctx := t.Context()

	server, err := f.svc.CreateServer(ctx, issuance.IssueRequest{CAID: f.mid.ID, Subject: records.Subject{CommonName: "s"}})
	require.NoError(t, err)
	client, err := f.svc.CreateClient(ctx, issuance.IssueRequest{CAID: f.root.ID, Subject: records.Subject{CommonName: "c"}})
	require.NoError(t, err)
	_, err = f.svc.Revoke(ctx, client.ID)
	require.NoError(t, err)

	byCA, err := f.svc.List(ctx, records.CertificateFilter{CAID: f.mid.ID})
	require.NoError(t, err)
	require.Len(t, byCA, 1)
	assert.Equal(t, server.ID, byCA[0].ID)

	byType, err := f.svc.List(ctx, records.CertificateFilter{Type: records.CertTypeClient})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, client.ID, byType[0].ID)

	active, err := f.svc.List(ctx, records.CertificateFilter{Status: records.StatusActive})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, server.ID, active[0].ID)
}

func TestDeleteCertificateUnblocksCA(t *testing.T) {
	f := newFixture(t, "EC-P256")
	ctx := t.Context()

	c, err := f.svc.CreateServer(ctx, issuance.IssueRequest{CAID: f.mid.ID, Subject: records.Subject{CommonName: "gone"}})
	require.NoError(t, err)

	assert.ErrorIs(t, f.cas.Delete(ctx, f.mid.ID), authority.ErrHasDependents)

	require.NoError(t, f.svc.Delete(ctx, c.ID))
	assert.NoFileExists(t, c.KeyPath)
	assert.NoFileExists(t, c.CertPath)
	_, err = f.svc.Get(ctx, c.ID)
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.ErrorIs(t, f.svc.Delete(ctx, c.ID), issuance.ErrCertificateNotFound)

	require.NoError(t, f.cas.Delete(ctx, f.mid.ID))
	require.NoError(t, f.cas.Delete(ctx, f.root.ID))
	assert.NoFileExists(t, f.mid.KeyPath)
	assert.NoFileExists(t, f.root.CertPath)
}

func TestLeafKeyIsStoredEncrypted(t *testing.T) {
	f := newFixture(t, "EC-P521")
	c, err := f.svc.CreateServer(t.Context(), issuance.IssueRequest{CAID: f.mid.ID, Subject: records.Subject{CommonName: "k"}})
	require.NoError(t, err)

	alg, err := pki.ParseKeyAlgorithm(c.KeyAlgorithm)
	require.NoError(t, err)
	require.NoError(t, f.env.Keys.Use(c.KeyPath, func(material []byte) error {
		kp, err := pki.ParseKeyMaterial(alg, material)
		require.NoError(t, err)
		assert.True(t, kp.Signer.Public().(interface{ Equal(crypto.PublicKey) bool }).Equal(f.cert(t, c.CertPath).PublicKey))
		return nil
	}))
}
