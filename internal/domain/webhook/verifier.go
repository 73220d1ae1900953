package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"ledgermatch/internal/domain/credential"
	"ledgermatch/internal/domain/tenant"
	"ledgermatch/internal/shared/apperr"
)

const (
	DefaultClockSkew          = 5 * time.Minute
	DefaultSignatureTolerance = 5 * time.Minute
)

var (
	ErrMissingCertificate  = apperr.New(apperr.KindWebhookAuthenticity, "client certificate is required")
	ErrIssuerMismatch      = apperr.New(apperr.KindWebhookAuthenticity, "certificate issuer does not match the expected CA")
	ErrCertificateNotValid = apperr.New(apperr.KindWebhookAuthenticity, "certificate is outside its validity window")
	ErrCertificateSig      = apperr.New(apperr.KindWebhookAuthenticity, "certificate signature does not verify against the CA")
	ErrMissingSignature    = apperr.New(apperr.KindWebhookAuthenticity, "signature header is required")
	ErrBadSignature        = apperr.New(apperr.KindWebhookAuthenticity, "signature does not match payload")
	ErrStaleSignature      = apperr.New(apperr.KindWebhookAuthenticity, "signature timestamp outside tolerance")
	ErrBypassInProduction  = apperr.New(apperr.KindConfiguration, "unverified webhook certificates cannot be allowed in production")
	ErrMissingCA           = apperr.New(apperr.KindConfiguration, "webhook CA certificate is not configured")
)

// Delivery is an inbound webhook exactly as received.
type Delivery struct {
	Provider  string
	Payload   []byte
	Signature string

	// Certificates is the presented client chain, leaf first.
	Certificates []*x509.Certificate
}

// Verifier authenticates a delivery before its payload is looked at.
type Verifier interface {
	Verify(ctx context.Context, d Delivery) error
}

// CertificateVerifier checks a client certificate against a single CA:
// issuer, validity window and signature. Chain building is not attempted.
type CertificateVerifier struct {
	ca     *x509.Certificate
	bypass bool
	skew   time.Duration
	now    func() time.Time
}

// NewCertificateVerifier parses the CA and returns a verifier. allowUnverified
// skips every check and is refused when production is true.
func NewCertificateVerifier(caPEM []byte, allowUnverified, production bool) (*CertificateVerifier, error) {
	if allowUnverified && production {
		return nil, ErrBypassInProduction
	}
	v := &CertificateVerifier{bypass: allowUnverified, skew: DefaultClockSkew, now: time.Now}
	if len(caPEM) == 0 {
		if allowUnverified {
			return v, nil
		}
		return nil, ErrMissingCA
	}

	certs, err := ParsePEMChain(caPEM)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConfiguration, err, "invalid webhook CA certificate")
	}
	v.ca = certs[0]
	return v, nil
}

// Bypassed reports whether verification is disabled.
func (v *CertificateVerifier) Bypassed() bool {
	return v.bypass
}

func (v *CertificateVerifier) Verify(_ context.Context, d Delivery) error {
	if v.bypass {
		return nil
	}
	if len(d.Certificates) == 0 {
		return ErrMissingCertificate
	}
	leaf := d.Certificates[0]

	if !bytes.Equal(leaf.RawIssuer, v.ca.RawSubject) {
		return ErrIssuerMismatch
	}

	now := v.now()
	if now.Before(leaf.NotBefore.Add(-v.skew)) || now.After(leaf.NotAfter.Add(v.skew)) {
		return ErrCertificateNotValid
	}

	if err := leaf.CheckSignatureFrom(v.ca); err != nil {
		return apperr.Wrap(apperr.KindWebhookAuthenticity, err, ErrCertificateSig.Message)
	}
	return nil
}

// ParsePEMChain decodes every CERTIFICATE block in data. A URL-escaped
// value, as forwarded by TLS-terminating proxies, is unescaped first.
func ParsePEMChain(data []byte) ([]*x509.Certificate, error) {
	if bytes.Contains(data, []byte("%2D")) || bytes.Contains(data, []byte("%0A")) {
		unescaped, err := url.QueryUnescape(string(data))
		if err != nil {
			return nil, fmt.Errorf("unescape certificate: %w", err)
		}
		data = []byte(unescaped)
	}

	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("no certificate found")
	}
	return certs, nil
}

// HMACVerifier checks an HMAC-SHA256 signature of the raw payload. It
// accepts a bare hex digest, a "sha256=" prefixed digest, or the
// timestamped "t=...,v1=..." form, where the timestamp must be within
// tolerance.
type HMACVerifier struct {
	creds     credential.Provider
	name      string
	tolerance time.Duration
	now       func() time.Time
}

func NewHMACVerifier(creds credential.Provider, secretName string, tolerance time.Duration) *HMACVerifier {
	if tolerance <= 0 {
		tolerance = DefaultSignatureTolerance
	}
	return &HMACVerifier{creds: creds, name: secretName, tolerance: tolerance, now: time.Now}
}

func (v *HMACVerifier) Verify(ctx context.Context, d Delivery) error {
	header := strings.TrimSpace(d.Signature)
	if header == "" {
		return ErrMissingSignature
	}
	secret, err := v.creds.Get(ctx, tenant.System(), v.name)
	if err != nil {
		return err
	}

	if strings.Contains(header, "t=") && strings.Contains(header, "v1=") {
		return v.verifyTimestamped(secret, header, d.Payload)
	}

	header = strings.TrimPrefix(header, "sha256=")
	if !validMAC(secret, d.Payload, header) {
		return ErrBadSignature
	}
	return nil
}

func (v *HMACVerifier) verifyTimestamped(secret, header string, payload []byte) error {
	var ts string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			ts = value
		case "v1":
			sigs = append(sigs, value)
		}
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || len(sigs) == 0 {
		return ErrBadSignature
	}
	age := v.now().Sub(time.Unix(unix, 0))
	if age < 0 {
		age = -age
	}
	if age > v.tolerance {
		return ErrStaleSignature
	}

	signed := make([]byte, 0, len(ts)+1+len(payload))
	signed = append(signed, ts...)
	signed = append(signed, '.')
	signed = append(signed, payload...)
	for _, sig := range sigs {
		if validMAC(secret, signed, sig) {
			return nil
		}
	}
	return ErrBadSignature
}

func validMAC(secret string, message []byte, hexSig string) bool {
	got, err := hex.DecodeString(hexSig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(message)
	return hmac.Equal(got, mac.Sum(nil))
}
