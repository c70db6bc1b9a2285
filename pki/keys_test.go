package pki_test

import (
	"context"
	"crypto"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironca/errs"
	"github.com/jmcleod/ironca/pki"
)

func TestParseKeyAlgorithm(t *testing.T) {
	for _, alg := range pki.Algorithms() {
		got, err := pki.ParseKeyAlgorithm(alg.Name())
		require.NoError(t, err)
		assert.Equal(t, alg, got)
	}

	got, err := pki.ParseKeyAlgorithm(" ec-p384 ")
	require.NoError(t, err)
	assert.Equal(t, pki.ECP384, got)

	for _, bad := range []string{"", "RSA-1024", "EC-P224", "Ed25519"} {
		_, err := pki.ParseKeyAlgorithm(bad)
		assert.ErrorIs(t, err, errs.ErrValidation, bad)
	}
}

func TestCompatible(t *testing.T) {
	assert.True(t, pki.Compatible(pki.RSA2048, pki.RSA4096))
	assert.True(t, pki.Compatible(pki.ECP256, pki.ECP521))
	assert.False(t, pki.Compatible(pki.RSA2048, pki.ECP256))
	assert.False(t, pki.Compatible(pki.ECP384, pki.RSA4096))
	assert.False(t, pki.Compatible(nil, pki.RSA2048))
}

func TestKeyMaterialRoundTrip(t *testing.T) {
	for _, alg := range []pki.KeyAlgorithm{pki.RSA2048, pki.ECP256, pki.ECP521} {
		t.Run(alg.Name(), func(t *testing.T) {
			kp, err := pki.GenerateKeyPair(t.Context(), alg)
			require.NoError(t, err)
			assert.Equal(t, alg, pki.AlgorithmOf(kp.Public()))

			data, err := pki.MarshalKeyMaterial(kp)
			require.NoError(t, err)

			loaded, err := pki.ParseKeyMaterial(alg, data)
			require.NoError(t, err)
			assert.Equal(t, alg, loaded.Algorithm)

			type equaler interface{ Equal(crypto.PublicKey) bool }
			assert.True(t, loaded.Public().(equaler).Equal(kp.Public()))

			keyPEM, err := pki.PrivateKeyPEM(alg, data)
			require.NoError(t, err)
			assert.Contains(t, string(keyPEM), "PRIVATE KEY-----")
		})
	}
}

func TestECKeyMaterialLayout(t *testing.T) {
	kp, err := pki.GenerateKeyPair(t.Context(), pki.ECP256)
	require.NoError(t, err)
	data, err := pki.MarshalKeyMaterial(kp)
	require.NoError(t, err)

	var m map[string]string
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Contains(t, m["privateKey"], "BEGIN EC PRIVATE KEY")
	assert.Contains(t, m["publicKey"], "BEGIN PUBLIC KEY")
}

func TestParseKeyMaterialMismatch(t *testing.T) {
	kp, err := pki.GenerateKeyPair(t.Context(), pki.ECP256)
	require.NoError(t, err)
	data, err := pki.MarshalKeyMaterial(kp)
	require.NoError(t, err)

	_, err = pki.ParseKeyMaterial(pki.ECP384, data)
	assert.ErrorIs(t, err, pki.ErrKeyMismatch)

	other, err := pki.GenerateKeyPair(t.Context(), pki.ECP256)
	require.NoError(t, err)
	otherData, err := pki.MarshalKeyMaterial(other)
	require.NoError(t, err)

	var a, b map[string]string
	require.NoError(t, json.Unmarshal(data, &a))
	require.NoError(t, json.Unmarshal(otherData, &b))
	a["publicKey"] = b["publicKey"]
	spliced, err := json.Marshal(a)
	require.NoError(t, err)
	_, err = pki.ParseKeyMaterial(pki.ECP256, spliced)
	assert.ErrorIs(t, err, pki.ErrKeyMismatch)
}

func TestKeyGeneratorHonoursCancellation(t *testing.T) {
	gen := pki.NewKeyGenerator(1)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := gen.Generate(ctx, pki.ECP256)
	assert.ErrorIs(t, err, context.Canceled)
}
