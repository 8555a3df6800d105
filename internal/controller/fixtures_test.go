/*
Copyright 2024.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package controller

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	cmapi "github.com/cert-manager/cert-manager/pkg/apis/certmanager/v1"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"

	estv1alpha1 "github.com/mitre/est-operator/api/v1alpha1"
	"github.com/mitre/est-operator/internal/est"
)

func newTestScheme(t *testing.T) *runtime.Scheme {
	t.Helper()
	scheme := runtime.NewScheme()
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(cmapi.AddToScheme(scheme))
	utilruntime.Must(estv1alpha1.AddToScheme(scheme))
	return scheme
}

type testCA struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
	pem  []byte
}

func newCA(t *testing.T, commonName string) *testCA {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &testCA{
		cert: cert,
		key:  key,
		pem:  pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
	}
}

// newCSRPEM returns a PEM encoded PKCS#10 request, the format carried by
// CertificateRequest spec.request.
func newCSRPEM(t *testing.T, commonName string) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: commonName},
	}, key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})
}

// newTLSKeypairPEM returns a matching self-signed certificate and key, for
// populating kubernetes.io/tls Secrets.
func newTLSKeypairPEM(t *testing.T, commonName string) (certPEM, keyPEM []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM
}

// fakeESTClient satisfies est.Client with pluggable behavior and call
// counters.
type fakeESTClient struct {
	cacertsFn  func(ctx context.Context) ([]*x509.Certificate, error)
	enrollFn   func(ctx context.Context, csr []byte, auth est.Auth) ([]byte, error)
	reenrollFn func(ctx context.Context, csr []byte, auth est.Auth) ([]byte, error)

	cacertsCalls  int
	enrollCalls   int
	reenrollCalls int
}

var _ est.Client = &fakeESTClient{}

func (f *fakeESTClient) CACerts(ctx context.Context) ([]*x509.Certificate, error) {
	f.cacertsCalls++
	return f.cacertsFn(ctx)
}

func (f *fakeESTClient) Enroll(ctx context.Context, csr []byte, auth est.Auth) ([]byte, error) {
	f.enrollCalls++
	return f.enrollFn(ctx, csr, auth)
}

func (f *fakeESTClient) Reenroll(ctx context.Context, csr []byte, auth est.Auth) ([]byte, error) {
	f.reenrollCalls++
	return f.reenrollFn(ctx, csr, auth)
}

// countingBuilder wraps a fixed client in an est.ClientBuilder and counts
// invocations.
type countingBuilder struct {
	client est.Client
	calls  int
}

func (b *countingBuilder) build(_ context.Context, _ *est.Config) (est.Client, error) {
	b.calls++
	return b.client, nil
}
