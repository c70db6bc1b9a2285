package records_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironca/errs"
	"github.com/jmcleod/ironca/records"
	"github.com/jmcleod/ironca/storage/memory"
)

func newStore(t *testing.T) *records.Store {
	t.Helper()
	s := records.NewStore(memory.NewRepository())
	t.Cleanup(func() { s.Close() })
	return s
}

func ca(id, parent string, created time.Time) *records.CertificateAuthority {
	typ := records.CATypeRoot
	if parent != "" {
		typ = records.CATypeIntermediate
	}
	return &records.CertificateAuthority{
		ID:        id,
		Name:      id,
		Type:      typ,
		ParentID:  parent,
		Subject:   records.Subject{CommonName: id},
		Status:    records.StatusActive,
		CreatedAt: created,
	}
}

func TestChain(t *testing.T) {
	ctx := t.Context()
	s := newStore(t)
	now := time.Now()

	require.NoError(t, s.Update(ctx, func(tx *records.Tx) error {
		for _, c := range []*records.CertificateAuthority{
			ca("root", "", now),
			ca("mid", "root", now.Add(time.Second)),
			ca("leafca", "mid", now.Add(2*time.Second)),
		} {
			if err := tx.CreateCA(c); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, s.View(ctx, func(tx *records.Tx) error {
		chain, err := tx.Chain("leafca")
		require.NoError(t, err)
		ids := make([]string, len(chain))
		for i, c := range chain {
			ids[i] = c.ID
		}
		assert.Equal(t, []string{"leafca", "mid", "root"}, ids)

		chain, err = tx.Chain("root")
		require.NoError(t, err)
		assert.Len(t, chain, 1)

		_, err = tx.Chain("nope")
		assert.ErrorIs(t, err, records.ErrCANotFound)
		return nil
	}))
}

func TestChainDetectsBrokenLinks(t *testing.T) {
	ctx := t.Context()
	s := newStore(t)
	now := time.Now()

	require.NoError(t, s.Update(ctx, func(tx *records.Tx) error {
		require.NoError(t, tx.CreateCA(ca("orphan", "gone", now)))
		require.NoError(t, tx.CreateCA(ca("a", "b", now)))
		return tx.CreateCA(ca("b", "a", now))
	}))

	require.NoError(t, s.View(ctx, func(tx *records.Tx) error {
		_, err := tx.Chain("orphan")
		assert.ErrorIs(t, err, records.ErrBrokenChain)
		_, err = tx.Chain("a")
		assert.ErrorIs(t, err, records.ErrBrokenChain)
		return nil
	}))
}

func TestListsAreNewestFirstAndFiltered(t *testing.T) {
	ctx := t.Context()
	s := newStore(t)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.Update(ctx, func(tx *records.Tx) error {
		require.NoError(t, tx.CreateCA(ca("old", "", base)))
		require.NoError(t, tx.CreateCA(ca("new", "", base.Add(time.Hour))))
		require.NoError(t, tx.CreateCA(ca("mid", "new", base.Add(30*time.Minute))))
		for i, id := range []string{"c1", "c2", "c3"} {
			c := &records.Certificate{
				ID:        id,
				CAID:      "new",
				Type:      records.CertTypeServer,
				Status:    records.StatusActive,
				CreatedAt: base.Add(time.Duration(i) * time.Minute),
			}
			if id == "c3" {
				c.Type = records.CertTypeClient
				c.CAID = "old"
			}
			require.NoError(t, tx.CreateCertificate(c))
		}
		return tx.SetCertificateStatus("c1", records.StatusRevoked)
	}))

	require.NoError(t, s.View(ctx, func(tx *records.Tx) error {
		all, err := tx.CAs(records.CAFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "new", all[0].ID)
		assert.Equal(t, "mid", all[1].ID)
		assert.Equal(t, "old", all[2].ID)

		roots, err := tx.CAs(records.CAFilter{Type: records.CATypeRoot})
		require.NoError(t, err)
		assert.Len(t, roots, 2)

		children, err := tx.ChildrenOf("new")
		require.NoError(t, err)
		require.Len(t, children, 1)
		assert.Equal(t, "mid", children[0].ID)

		certs, err := tx.Certificates(records.CertificateFilter{CAID: "new"})
		require.NoError(t, err)
		require.Len(t, certs, 2)
		assert.Equal(t, "c2", certs[0].ID)

		revoked, err := tx.Certificates(records.CertificateFilter{Status: records.StatusRevoked})
		require.NoError(t, err)
		require.Len(t, revoked, 1)
		assert.Equal(t, "c1", revoked[0].ID)

		clients, err := tx.Certificates(records.CertificateFilter{Type: records.CertTypeClient})
		require.NoError(t, err)
		require.Len(t, clients, 1)
		assert.Equal(t, "c3", clients[0].ID)
		return nil
	}))
}

func TestViewIsReadOnly(t *testing.T) {
	s := newStore(t)
	err := s.View(t.Context(), func(tx *records.Tx) error {
		return tx.CreateCA(ca("x", "", time.Now()))
	})
	assert.ErrorIs(t, err, records.ErrReadOnly)
}

func TestUpdateRollsBack(t *testing.T) {
	ctx := t.Context()
	s := newStore(t)
	boom := errors.New("boom")

	err := s.Update(ctx, func(tx *records.Tx) error {
		if err := tx.CreateCA(ca("x", "", time.Now())); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, s.View(ctx, func(tx *records.Tx) error {
		_, err := tx.CA("x")
		assert.ErrorIs(t, err, records.ErrCANotFound)
		assert.ErrorIs(t, err, errs.ErrNotFound)
		return nil
	}))
}

func TestMissingRecordsMapToDomainErrors(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Update(t.Context(), func(tx *records.Tx) error {
		assert.ErrorIs(t, tx.SetCertificateStatus("nope", records.StatusRevoked), records.ErrCertificateNotFound)
		assert.ErrorIs(t, tx.DeleteCertificate("nope"), records.ErrCertificateNotFound)
		assert.ErrorIs(t, tx.DeleteCA("nope"), records.ErrCANotFound)
		assert.ErrorIs(t, tx.SetCAStatus("nope", records.StatusRevoked), records.ErrCANotFound)
		return nil
	}))
}

func TestSubject(t *testing.T) {
	assert.ErrorIs(t, records.Subject{CommonName: "  "}.Validate(), errs.ErrValidation)
	assert.ErrorIs(t, records.Subject{CommonName: "x", Country: "USA"}.Validate(), errs.ErrValidation)
	assert.NoError(t, records.Subject{CommonName: "x", Country: "us"}.Validate())

	name := records.Subject{CommonName: " x ", Organization: "Org", Country: "us"}.Name()
	assert.Equal(t, "x", name.CommonName)
	assert.Equal(t, []string{"Org"}, name.Organization)
	assert.Equal(t, []string{"US"}, name.Country)

	parent := records.Subject{CommonName: "p", Organization: "ParentOrg", Country: "DE"}
	got := records.Subject{CommonName: "c"}.InheritFrom(parent, true)
	assert.Equal(t, "ParentOrg", got.Organization)
	assert.Equal(t, "DE", got.Country)
	got = records.Subject{CommonName: "c", Organization: "Own"}.InheritFrom(parent, false)
	assert.Equal(t, "Own", got.Organization)
	assert.Empty(t, got.Country)
}

func TestParseFilters(t *testing.T) {
	_, err := records.ParseCAType("leaf")
	assert.ErrorIs(t, err, errs.ErrValidation)
	typ, err := records.ParseCAType("root")
	require.NoError(t, err)
	assert.Equal(t, records.CATypeRoot, typ)

	_, err = records.ParseCertType("code-signing")
	assert.ErrorIs(t, err, errs.ErrValidation)
	_, err = records.ParseStatus("expired")
	assert.ErrorIs(t, err, errs.ErrValidation)
	st, err := records.ParseStatus("")
	require.NoError(t, err)
	assert.Empty(t, st)
}
