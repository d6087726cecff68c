package httpsig

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onepagepub/onepagepub/server/activity"
	"github.com/onepagepub/onepagepub/server/errkind"
)

func generateTestKeypair(t *testing.T) (pubPEM, privPEM string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	privPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}))

	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pubPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}))
	return pubPEM, privPEM
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	pubPEM, privPEM := generateTestKeypair(t)
	keyID := "https://example.test/person/alice#main-key"

	body := []byte(`{"type":"Follow"}`)
	req, err := http.NewRequest(http.MethodPost, "https://remote.test/inbox", bytes.NewReader(body))
	require.NoError(t, err)
	req.Host = "remote.test"

	svc := New(5 * time.Second)
	require.NoError(t, svc.Sign(req, body, keyID, privPEM))

	assert.NotEmpty(t, req.Header.Get("Signature"))
	assert.NotEmpty(t, req.Header.Get("Digest"))
	assert.NotEmpty(t, req.Header.Get("Date"))

	fetch := func(ctx context.Context, id string) (activity.Object, error) {
		assert.Equal(t, keyID, id)
		return activity.Object{
			"id":           keyID,
			"owner":        "https://example.test/person/alice",
			"publicKeyPem": pubPEM,
		}, nil
	}

	owner, err := svc.Verify(context.Background(), req, body, fetch)
	require.NoError(t, err)
	assert.Equal(t, "https://example.test/person/alice", owner)
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	pubPEM, privPEM := generateTestKeypair(t)
	keyID := "https://example.test/person/alice#main-key"

	body := []byte(`{"type":"Follow"}`)
	req, err := http.NewRequest(http.MethodPost, "https://remote.test/inbox", bytes.NewReader(body))
	require.NoError(t, err)
	req.Host = "remote.test"

	svc := New(5 * time.Second)
	require.NoError(t, svc.Sign(req, body, keyID, privPEM))

	fetch := func(ctx context.Context, id string) (activity.Object, error) {
		return activity.Object{"id": keyID, "owner": "https://example.test/person/alice", "publicKeyPem": pubPEM}, nil
	}

	tampered := []byte(`{"type":"Block"}`)
	_, err = svc.Verify(context.Background(), req, tampered, fetch)
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.Unauthorized))
}

func TestVerifyRejectsStaleDate(t *testing.T) {
	pubPEM, privPEM := generateTestKeypair(t)
	keyID := "https://example.test/person/alice#main-key"

	body := []byte(`{"type":"Follow"}`)
	req, err := http.NewRequest(http.MethodPost, "https://remote.test/inbox", bytes.NewReader(body))
	require.NoError(t, err)
	req.Host = "remote.test"

	svc := New(5 * time.Second)
	require.NoError(t, svc.Sign(req, body, keyID, privPEM))
	req.Header.Set("Date", time.Now().Add(-1*time.Hour).UTC().Format(http.TimeFormat))

	fetch := func(ctx context.Context, id string) (activity.Object, error) {
		return activity.Object{"id": keyID, "owner": "https://example.test/person/alice", "publicKeyPem": pubPEM}, nil
	}

	_, err = svc.Verify(context.Background(), req, body, fetch)
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.Unauthorized))
}
