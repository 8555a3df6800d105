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
	"crypto/x509"
	"encoding/pem"
)

// VerifyMode selects the strictness of trust anchor verification against a
// /cacerts bundle.
type VerifyMode string

const (
	// VerifyBundled accepts the anchor if it appears byte-for-byte in the
	// bundle.
	VerifyBundled VerifyMode = "Bundled"

	// VerifyChain accepts the anchor if a bundle certificate chains up to it.
	VerifyChain VerifyMode = "Chain"
)

// VerifyAnchor checks a configured PEM trust anchor against the certificates
// served from /cacerts. A failure is a configuration mismatch and returns a
// permanent VerificationError.
func VerifyAnchor(anchorPEM []byte, bundle []*x509.Certificate, mode VerifyMode) error {
	block, _ := pem.Decode(anchorPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return &VerificationError{Reason: "configured anchor is not a PEM certificate"}
	}
	anchor, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return &VerificationError{Reason: "configured anchor does not parse: " + err.Error()}
	}

	if mode == VerifyChain {
		roots := x509.NewCertPool()
		roots.AddCert(anchor)
		intermediates := x509.NewCertPool()
		for _, cert := range bundle {
			intermediates.AddCert(cert)
		}
		for _, cert := range bundle {
			_, err := cert.Verify(x509.VerifyOptions{
				Roots:         roots,
				Intermediates: intermediates,
				KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
			})
			if err == nil {
				return nil
			}
		}
		return &VerificationError{Reason: "no bundle certificate chains to the configured anchor"}
	}

	for _, cert := range bundle {
		if bytes.Equal(cert.Raw, anchor.Raw) {
			return nil
		}
	}
	return &VerificationError{Reason: "configured anchor is not present in the server bundle"}
}
