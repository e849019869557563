package transplantlib

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-hclog"
)

const maxInstallerSize = 16 << 20

// Fetcher downloads toolchain installer scripts. Only https is accepted, on
// the initial request and on every redirect, and the negotiated TLS version
// must be 1.2 or newer.
type Fetcher struct {
	client *http.Client
	log    hclog.Logger
}

type FetcherOption func(*fetcherConfig)

type fetcherConfig struct {
	rootCAs *x509.CertPool
	timeout time.Duration
}

// WithRootCAs replaces the system roots, used for private mirrors and tests.
func WithRootCAs(pool *x509.CertPool) FetcherOption {
	return func(c *fetcherConfig) {
		c.rootCAs = pool
	}
}

func WithFetchTimeout(d time.Duration) FetcherOption {
	return func(c *fetcherConfig) {
		c.timeout = d
	}
}

func NewFetcher(log hclog.Logger, opts ...FetcherOption) *Fetcher {
	cfg := fetcherConfig{timeout: 5 * time.Minute}
	for _, opt := range opts {
		opt(&cfg)
	}
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:       http.ProxyFromEnvironment,
		DialContext: dialer.DialContext,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
			RootCAs:    cfg.rootCAs,
			VerifyConnection: func(cs tls.ConnectionState) error {
				if cs.Version < tls.VersionTLS12 {
					return fmt.Errorf("%w: negotiated %s", ErrInsecureTransport, tls.VersionName(cs.Version))
				}
				return nil
			},
		},
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 30 * time.Second,
	}
	return &Fetcher{
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if req.URL.Scheme != "https" {
					return fmt.Errorf("%w: redirect to %s", ErrInsecureTransport, req.URL.Redacted())
				}
				if len(via) >= 10 {
					return errors.New("stopped after 10 redirects")
				}
				return nil
			},
		},
		log: log,
	}
}

// isTLSFailure picks out handshake failures (version or certificate) so they
// are reported as security aborts instead of plain network errors.
func isTLSFailure(err error) bool {
	var recordErr tls.RecordHeaderError
	var verifyErr *tls.CertificateVerificationError
	if errors.As(err, &recordErr) || errors.As(err, &verifyErr) {
		return true
	}
	return strings.Contains(err.Error(), "tls: ")
}

// Fetch downloads the installer at u into memory.
func (f *Fetcher) Fetch(ctx context.Context, u *url.URL) ([]byte, error) {
	if u == nil || u.Scheme != "https" {
		return nil, fmt.Errorf("%w: installer url %v is not https", ErrInsecureTransport, u)
	}
	f.log.Debug("fetching installer", "url", u.Redacted())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: error building request for %s: %w", ErrFetchFailed, u.Redacted(), err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, ErrInsecureTransport) {
			return nil, err
		}
		if isTLSFailure(err) {
			return nil, fmt.Errorf("%w: %w", ErrInsecureTransport, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	defer resp.Body.Close()
	if resp.TLS == nil || resp.TLS.Version < tls.VersionTLS12 {
		return nil, fmt.Errorf("%w: response for %s was not served over TLS 1.2+", ErrInsecureTransport, u.Redacted())
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned status %s", ErrFetchFailed, u.Redacted(), resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxInstallerSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: error reading %s: %w", ErrFetchFailed, u.Redacted(), err)
	}
	if len(body) > maxInstallerSize {
		return nil, fmt.Errorf("%w: installer at %s exceeds %s", ErrFetchFailed, u.Redacted(), humanize.IBytes(maxInstallerSize))
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: installer at %s is empty", ErrFetchFailed, u.Redacted())
	}
	f.log.Info("fetched installer", "url", u.Redacted(), "size", humanize.IBytes(uint64(len(body))), "tls", tls.VersionName(resp.TLS.Version))
	return body, nil
}
