package authority_test

import (
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironca/authority"
	"github.com/jmcleod/ironca/errs"
	"github.com/jmcleod/ironca/internal/testenv"
	"github.com/jmcleod/ironca/pki"
	"github.com/jmcleod/ironca/records"
	"github.com/jmcleod/ironca/storage"
	"github.com/jmcleod/ironca/storage/memory"
)

func newService(t *testing.T) (*authority.Service, *testenv.Env) {
	t.Helper()
	env := testenv.New(t)
	return authority.New(env.Store, env.Artifacts), env
}

func rootReq(cn, alg string) authority.CreateRootRequest {
	return authority.CreateRootRequest{
		Name:         cn,
		Subject:      records.Subject{CommonName: cn, Organization: "Iron Test", Country: "NZ"},
		KeyAlgorithm: alg,
		ValidityDays: 3650,
	}
}

func loadCert(t *testing.T, env *testenv.Env, ca *records.CertificateAuthority) *x509.Certificate {
	t.Helper()
	data, err := env.Certs.Load(ca.CertPath)
	require.NoError(t, err)
	cert, err := pki.ParseCertificatePEM(data)
	require.NoError(t, err)
	return cert
}

func TestCreateRootForEveryAlgorithm(t *testing.T) {
	svc, env := newService(t)
	for _, alg := range pki.Algorithms() {
		t.Run(alg.Name(), func(t *testing.T) {
			ca, err := svc.CreateRoot(t.Context(), rootReq("Root "+alg.Name(), alg.Name()))
			require.NoError(t, err)

			assert.Equal(t, records.CATypeRoot, ca.Type)
			assert.Empty(t, ca.ParentID)
			assert.Equal(t, records.StatusActive, ca.Status)
			assert.Equal(t, alg.Name(), ca.KeyAlgorithm)
			assert.Len(t, ca.SerialNumber, 32)
			assert.FileExists(t, ca.KeyPath)
			assert.FileExists(t, ca.CertPath)

			cert := loadCert(t, env, ca)
			assert.True(t, cert.IsCA)
			assert.NotEmpty(t, cert.SubjectKeyId)
			assert.Equal(t, cert.SubjectKeyId, cert.AuthorityKeyId)
			require.NoError(t, cert.CheckSignatureFrom(cert))
			assert.Equal(t, ca.Fingerprint, pki.Fingerprint(cert.Raw))
			assert.Equal(t, "Iron Test", cert.Subject.Organization[0])

			material, err := env.Keys.Load(ca.KeyPath)
			require.NoError(t, err)
			kp, err := pki.ParseKeyMaterial(alg, material)
			require.NoError(t, err)
			assert.True(t, kp.Public().(interface{ Equal(crypto.PublicKey) bool }).Equal(cert.PublicKey))
		})
	}
}

func TestChainOfArbitraryDepth(t *testing.T) {
	svc, env := newService(t)
	ctx := t.Context()

	root, err := svc.CreateRoot(ctx, rootReq("Deep Root", "EC-P256"))
	require.NoError(t, err)

	ids := []string{root.ID}
	parent := root
	for i := range 4 {
		child, err := svc.CreateIntermediate(ctx, authority.CreateIntermediateRequest{
			Name:     "Level",
			ParentID: parent.ID,
			Subject:  records.Subject{CommonName: "Level " + string(rune('A'+i))},
		})
		require.NoError(t, err)
		ids = append([]string{child.ID}, ids...)
		parent = child
	}

	chain, err := svc.Chain(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, chain, len(ids))

	seen := map[string]bool{}
	for i, ca := range chain {
		assert.Equal(t, ids[i], ca.ID)
		assert.False(t, seen[ca.ID])
		seen[ca.ID] = true
		if i+1 < len(chain) {
			assert.Equal(t, chain[i+1].ID, ca.ParentID)
			require.NoError(t, loadCert(t, env, ca).CheckSignatureFrom(loadCert(t, env, chain[i+1])))
		}
	}
	assert.True(t, chain[len(chain)-1].IsRoot())

	_, err = svc.Chain(ctx, "missing")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestCertificatePEM(t *testing.T) {
	svc, _ := newService(t)
	ctx := t.Context()

	root, err := svc.CreateRoot(ctx, rootReq("PEM Root", "EC-P256"))
	require.NoError(t, err)

	data, err := svc.CertificatePEM(root)
	require.NoError(t, err)
	cert, err := pki.ParseCertificatePEM(data)
	require.NoError(t, err)
	assert.Equal(t, root.Fingerprint, pki.Fingerprint(cert.Raw))

	require.NoError(t, os.Remove(root.CertPath))
	_, err = svc.CertificatePEM(root)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestIntermediateInheritsFromParent(t *testing.T) {
	svc, env := newService(t)
	ctx := t.Context()

	root, err := svc.CreateRoot(ctx, rootReq("Inherit Root", "EC-P384"))
	require.NoError(t, err)
	mid, err := svc.CreateIntermediate(ctx, authority.CreateIntermediateRequest{
		Name:     "Inherit Mid",
		ParentID: root.ID,
		Subject:  records.Subject{CommonName: "Inherit Mid"},
	})
	require.NoError(t, err)

	assert.Equal(t, "EC-P384", mid.KeyAlgorithm)
	assert.Equal(t, "Iron Test", mid.Subject.Organization)
	assert.Equal(t, "NZ", mid.Subject.Country)

	cert := loadCert(t, env, mid)
	assert.True(t, cert.IsCA)
	assert.True(t, cert.MaxPathLenZero)
	assert.Equal(t, 0, cert.MaxPathLen)
	assert.Equal(t, loadCert(t, env, root).SubjectKeyId, cert.AuthorityKeyId)
	assert.WithinDuration(t, cert.NotBefore.AddDate(0, 0, 1825), cert.NotAfter, time.Second)
}

func TestKeyFamilyMismatch(t *testing.T) {
	svc, env := newService(t)
	ctx := t.Context()

	rsaRoot, err := svc.CreateRoot(ctx, rootReq("RSA Root", "RSA-2048"))
	require.NoError(t, err)
	ecRoot, err := svc.CreateRoot(ctx, rootReq("EC Root", "EC-P256"))
	require.NoError(t, err)

	for _, tc := range []struct {
		parent *records.CertificateAuthority
		alg    string
	}{
		{rsaRoot, "EC-P256"},
		{ecRoot, "RSA-2048"},
	} {
		_, err := svc.CreateIntermediate(ctx, authority.CreateIntermediateRequest{
			Name:         "Mismatch",
			ParentID:     tc.parent.ID,
			Subject:      records.Subject{CommonName: "Mismatch"},
			KeyAlgorithm: tc.alg,
		})
		assert.ErrorIs(t, err, authority.ErrKeyFamilyMismatch)
		assert.ErrorIs(t, err, errs.ErrConflict)
	}

	all, err := svc.List(ctx, records.CAFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
	entries, err := os.ReadDir(env.Keys.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestIntermediateRequiresActiveParent(t *testing.T) {
	svc, env := newService(t)
	ctx := t.Context()

	root, err := svc.CreateRoot(ctx, rootReq("Revoked Root", "EC-P256"))
	require.NoError(t, err)
	require.NoError(t, env.Store.Update(ctx, func(tx *records.Tx) error {
		return tx.SetCAStatus(root.ID, records.StatusRevoked)
	}))

	req := authority.CreateIntermediateRequest{
		Name:     "Orphan",
		ParentID: root.ID,
		Subject:  records.Subject{CommonName: "Orphan"},
	}
	_, err = svc.CreateIntermediate(ctx, req)
	assert.ErrorIs(t, err, authority.ErrParentNotActive)
	assert.ErrorIs(t, err, errs.ErrConflict)

	req.ParentID = "does-not-exist"
	_, err = svc.CreateIntermediate(ctx, req)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	req.ParentID = ""
	_, err = svc.CreateIntermediate(ctx, req)
	assert.Equal(t, "parentId", errs.FieldOf(err))
}

func TestValidation(t *testing.T) {
	svc, env := newService(t)
	ctx := t.Context()

	cases := map[string]struct {
		req   authority.CreateRootRequest
		field string
	}{
		"empty name":        {authority.CreateRootRequest{Subject: records.Subject{CommonName: "x"}}, "name"},
		"missing cn":        {authority.CreateRootRequest{Name: "x"}, "subject.commonName"},
		"bad algorithm":     {authority.CreateRootRequest{Name: "x", Subject: records.Subject{CommonName: "x"}, KeyAlgorithm: "DSA-1024"}, "keyAlgorithm"},
		"validity too long": {authority.CreateRootRequest{Name: "x", Subject: records.Subject{CommonName: "x"}, ValidityDays: 36501}, "validityDays"},
		"negative validity": {authority.CreateRootRequest{Name: "x", Subject: records.Subject{CommonName: "x"}, ValidityDays: -1}, "validityDays"},
		"bad country":       {authority.CreateRootRequest{Name: "x", Subject: records.Subject{CommonName: "x", Country: "NZL"}}, "subject.country"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.CreateRoot(ctx, tc.req)
			require.ErrorIs(t, err, errs.ErrValidation)
			assert.Equal(t, tc.field, errs.FieldOf(err))
		})
	}

	entries, err := os.ReadDir(env.Keys.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDefaults(t *testing.T) {
	env := testenv.New(t)
	svc := authority.New(env.Store, env.Artifacts, authority.WithDefaults(authority.Defaults{
		KeyAlgorithm:     pki.ECP256,
		RootValidityDays: 30,
	}))
	assert.Equal(t, 1825, svc.Defaults().IntermediateValidityDays)

	ca, err := svc.CreateRoot(t.Context(), authority.CreateRootRequest{
		Name:    "Defaulted",
		Subject: records.Subject{CommonName: "Defaulted"},
	})
	require.NoError(t, err)
	assert.Equal(t, "EC-P256", ca.KeyAlgorithm)
	assert.WithinDuration(t, ca.NotBefore.AddDate(0, 0, 30), ca.NotAfter, time.Second)
}

func TestListNewestFirst(t *testing.T) {
	env := testenv.New(t)
	clock := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	svc := authority.New(env.Store, env.Artifacts, authority.WithClock(func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}))
	ctx := t.Context()

	first, err := svc.CreateRoot(ctx, rootReq("First", "EC-P256"))
	require.NoError(t, err)
	second, err := svc.CreateRoot(ctx, rootReq("Second", "EC-P256"))
	require.NoError(t, err)
	mid, err := svc.CreateIntermediate(ctx, authority.CreateIntermediateRequest{
		Name: "Mid", ParentID: first.ID, Subject: records.Subject{CommonName: "Mid"},
	})
	require.NoError(t, err)

	all, err := svc.List(ctx, records.CAFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{mid.ID, second.ID, first.ID}, []string{all[0].ID, all[1].ID, all[2].ID})

	roots, err := svc.List(ctx, records.CAFilter{Type: records.CATypeRoot})
	require.NoError(t, err)
	assert.Len(t, roots, 2)

	got, err := svc.Get(ctx, mid.ID)
	require.NoError(t, err)
	assert.Equal(t, mid.ID, got.ID)
	assert.Equal(t, mid.Fingerprint, got.Fingerprint)
	assert.True(t, mid.CreatedAt.Equal(got.CreatedAt))
}

func TestDeleteGuardsDependents(t *testing.T) {
	svc, env := newService(t)
	ctx := t.Context()

	root, err := svc.CreateRoot(ctx, rootReq("Guarded Root", "EC-P256"))
	require.NoError(t, err)
	child, err := svc.CreateIntermediate(ctx, authority.CreateIntermediateRequest{
		Name: "Child", ParentID: root.ID, Subject: records.Subject{CommonName: "Child"},
	})
	require.NoError(t, err)
	require.NoError(t, env.Store.Update(ctx, func(tx *records.Tx) error {
		return tx.CreateCertificate(&records.Certificate{
			ID: "leaf-1", CAID: child.ID, Type: records.CertTypeServer, Status: records.StatusActive,
		})
	}))

	err = svc.Delete(ctx, root.ID)
	assert.ErrorIs(t, err, authority.ErrHasDependents)
	assert.ErrorIs(t, err, errs.ErrConflict)
	err = svc.Delete(ctx, child.ID)
	assert.ErrorIs(t, err, authority.ErrHasDependents)
	assert.FileExists(t, child.KeyPath)
	assert.FileExists(t, root.CertPath)

	require.NoError(t, env.Store.Update(ctx, func(tx *records.Tx) error {
		return tx.DeleteCertificate("leaf-1")
	}))
	require.NoError(t, svc.Delete(ctx, child.ID))
	require.NoError(t, svc.Delete(ctx, root.ID))

	for _, ca := range []*records.CertificateAuthority{root, child} {
		assert.NoFileExists(t, ca.KeyPath)
		assert.NoFileExists(t, ca.CertPath)
		_, err := svc.Get(ctx, ca.ID)
		assert.ErrorIs(t, err, authority.ErrCANotFound)
	}
	assert.ErrorIs(t, svc.Delete(ctx, root.ID), errs.ErrNotFound)
}

func TestDeleteToleratesMissingArtifacts(t *testing.T) {
	svc, _ := newService(t)
	ctx := t.Context()

	root, err := svc.CreateRoot(ctx, rootReq("Lost Files", "EC-P256"))
	require.NoError(t, err)
	require.NoError(t, os.Remove(root.KeyPath))
	require.NoError(t, os.Remove(root.CertPath))

	require.NoError(t, svc.Delete(ctx, root.ID))
}

// failingRepo rejects every batch so the final commit step fails.
type failingRepo struct {
	*memory.Repository
}

var errCommit = errors.New("commit failed")

func (failingRepo) Batch(context.Context, func(storage.BatchTx) error) error {
	return errCommit
}

func TestFailedCommitRemovesArtifacts(t *testing.T) {
	env := testenv.NewWithRepo(t, failingRepo{memory.NewRepository()})
	svc := authority.New(env.Store, env.Artifacts)

	_, err := svc.CreateRoot(t.Context(), rootReq("Doomed", "EC-P256"))
	require.ErrorIs(t, err, errCommit)

	for _, dir := range []string{env.Keys.Dir(), env.Certs.Dir()} {
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Empty(t, entries, dir)
	}
}

func TestCancelledContext(t *testing.T) {
	svc, env := newService(t)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := svc.CreateRoot(ctx, rootReq("Cancelled", "RSA-2048"))
	require.ErrorIs(t, err, context.Canceled)
	entries, err := os.ReadDir(env.Keys.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWithSignerRefusesRevokedIssuer(t *testing.T) {
	svc, env := newService(t)
	ctx := t.Context()

	root, err := svc.CreateRoot(ctx, rootReq("Signer", "EC-P256"))
	require.NoError(t, err)

	issuer, err := svc.Issuer(ctx, root.ID)
	require.NoError(t, err)
	require.NoError(t, svc.WithSigner(ctx, issuer, func(iss pki.Issuer) error {
		assert.True(t, iss.Certificate.IsCA)
		assert.NotNil(t, iss.Signer)
		return nil
	}))

	require.NoError(t, env.Store.Update(ctx, func(tx *records.Tx) error {
		return tx.SetCAStatus(root.ID, records.StatusRevoked)
	}))
	_, err = svc.Issuer(ctx, root.ID)
	assert.ErrorIs(t, err, authority.ErrCANotActive)
}
