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

package est

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/smallstep/pkcs7"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

const (
	wellKnownPrefix = "/.well-known/est"

	contentTypePKCS10   = "application/pkcs10"
	transferEncodingB64 = "base64"

	defaultTimeout = 30 * time.Second

	// Response bodies are small PKCS#7 bundles; anything larger is not a
	// well-formed EST response.
	maxResponseBytes = 1 << 20
)

// Config describes one EST server endpoint with its explicit trust anchor.
// The anchor is held in memory only and is the sole root trusted for TLS.
type Config struct {
	// Host is the EST server hostname.
	Host string

	// Port is the EST server TLS port, 443 if zero.
	Port int

	// Label is the optional additional path segment (RFC 7030 3.2.2).
	Label string

	// AnchorPEM is the PEM encoded trust anchor pinned for all connections.
	AnchorPEM []byte

	// Timeout bounds every outbound request.
	Timeout time.Duration
}

func (c *Config) validate() error {
	if c == nil {
		return fmt.Errorf("%w: nil config - this is a bug", errInvalidConfig)
	}
	if c.Host == "" {
		return fmt.Errorf("%w: host is required", errInvalidConfig)
	}
	if len(c.AnchorPEM) == 0 {
		return fmt.Errorf("%w: trust anchor is required", errInvalidConfig)
	}
	return nil
}

func (c *Config) port() int {
	if c.Port == 0 {
		return 443
	}
	return c.Port
}

// endpointURL returns the well-known URL for an EST operation, inserting the
// optional label segment.
func (c *Config) endpointURL(operation string) string {
	path := wellKnownPrefix
	if c.Label != "" {
		path += "/" + c.Label
	}
	return fmt.Sprintf("https://%s:%d%s/%s", c.Host, c.port(), path, operation)
}

// BasicAuth is the RA credential used for initial enrollment.
type BasicAuth struct {
	Username string
	Password string
}

// Auth selects the client authentication for an enrollment exchange: an HTTP
// basic credential, a TLS client certificate, or both (the certificate is
// presented during the handshake, the credential in the request).
type Auth struct {
	Basic       *BasicAuth
	Certificate *tls.Certificate
}

// Client performs the EST operations against a single configured server.
type Client interface {
	// CACerts fetches and decodes the server's /cacerts bundle.
	CACerts(ctx context.Context) ([]*x509.Certificate, error)

	// Enroll submits a DER PKCS#10 request to /simpleenroll and returns the
	// issued chain as PEM, leaf first.
	Enroll(ctx context.Context, csr []byte, auth Auth) ([]byte, error)

	// Reenroll submits a DER PKCS#10 request to /simplereenroll.
	Reenroll(ctx context.Context, csr []byte, auth Auth) ([]byte, error)
}

// ClientBuilder constructs a Client for a Config. Reconcilers receive a
// builder rather than constructing clients ad hoc so that timeouts, trust
// anchors, and retry policy are testable without a live EST server.
type ClientBuilder func(context.Context, *Config) (Client, error)

var (
	_ Client        = &client{}
	_ ClientBuilder = NewClient
)

type client struct {
	config  *Config
	anchors *x509.CertPool
}

// NewClient validates the config and pins its trust anchor.
func NewClient(_ context.Context, config *Config) (Client, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	anchors := x509.NewCertPool()
	if !anchors.AppendCertsFromPEM(config.AnchorPEM) {
		return nil, fmt.Errorf("%w: trust anchor is not valid PEM", errInvalidConfig)
	}
	return &client{config: config, anchors: anchors}, nil
}

// httpClient returns a client restricted to the pinned anchor. TLS below 1.2
// is disabled and hostname verification is mandatory.
func (c *client) httpClient(clientCert *tls.Certificate) *http.Client {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    c.anchors,
	}
	if clientCert != nil {
		tlsConfig.Certificates = []tls.Certificate{*clientCert}
	}
	timeout := c.config.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: tlsConfig,
		},
	}
}

func (c *client) CACerts(ctx context.Context) ([]*x509.Certificate, error) {
	logger := log.FromContext(ctx)

	url := c.config.endpointURL("cacerts")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient(nil).Do(req)
	if err != nil {
		return nil, fmt.Errorf("cacerts request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &RequestError{StatusCode: resp.StatusCode, Reason: resp.Status}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading cacerts response: %w", err)
	}

	certs, err := decodeBundle(body)
	if err != nil {
		return nil, err
	}
	logger.V(1).Info("Fetched CA certificate bundle", "url", url, "certificates", len(certs))
	return certs, nil
}

func (c *client) Enroll(ctx context.Context, csr []byte, auth Auth) ([]byte, error) {
	return c.submit(ctx, "simpleenroll", csr, auth)
}

func (c *client) Reenroll(ctx context.Context, csr []byte, auth Auth) ([]byte, error) {
	return c.submit(ctx, "simplereenroll", csr, auth)
}

// submit posts a DER CSR and classifies the response. A 200 yields the issued
// chain as PEM; a 202 yields a PendingError carrying the server-specified
// delay; everything else is a transient RequestError.
func (c *client) submit(ctx context.Context, operation string, csr []byte, auth Auth) ([]byte, error) {
	logger := log.FromContext(ctx)

	url := c.config.endpointURL(operation)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(csr))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentTypePKCS10)
	req.Header.Set("Content-Transfer-Encoding", transferEncodingB64)
	if auth.Basic != nil {
		req.SetBasicAuth(auth.Basic.Username, auth.Basic.Password)
	}

	resp, err := c.httpClient(auth.Certificate).Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", operation, err)
	}
	defer resp.Body.Close()

	logger.V(1).Info("EST exchange complete", "url", url, "status", resp.StatusCode)

	switch {
	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, fmt.Errorf("reading %s response: %w", operation, err)
		}
		certs, err := decodeBundle(body)
		if err != nil {
			return nil, err
		}
		return encodeCertificatesPEM(certs)

	case resp.StatusCode == http.StatusAccepted:
		return nil, &PendingError{
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}

	default:
		return nil, &RequestError{StatusCode: resp.StatusCode, Reason: resp.Status}
	}
}

// decodeBundle unwraps a base64 transfer-encoded DER PKCS#7 degenerate
// certificate bundle.
func decodeBundle(body []byte) ([]*x509.Certificate, error) {
	der := make([]byte, base64.StdEncoding.DecodedLen(len(body)))
	n, err := base64.StdEncoding.Decode(der, bytes.Join(bytes.Fields(body), nil))
	if err != nil {
		return nil, fmt.Errorf("%w: body is not base64: %v", errInvalidBundle, err)
	}
	p7, err := pkcs7.Parse(der[:n])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidBundle, err)
	}
	if len(p7.Certificates) == 0 {
		return nil, fmt.Errorf("%w: bundle contains no certificates", errInvalidBundle)
	}
	return p7.Certificates, nil
}

// encodeCertificatesPEM renders a certificate chain as concatenated PEM
// blocks, preserving bundle order (leaf first).
func encodeCertificatesPEM(certs []*x509.Certificate) ([]byte, error) {
	var out bytes.Buffer
	for _, cert := range certs {
		if err := pem.Encode(&out, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}); err != nil {
			return nil, err
		}
	}
	return out.Bytes(), nil
}
