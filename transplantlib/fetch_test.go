package transplantlib

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testInstaller = "#!/bin/sh\necho installing\n"

func trustServer(srv *httptest.Server) FetcherOption {
	pool := x509.NewCertPool()
	pool.AddCert(srv.Certificate())
	return WithRootCAs(pool)
}

func mustParseURL(t *testing.T, s string) *url.URL {
	t.Helper()
	u, err := url.Parse(s)
	require.NoError(t, err)
	return u
}

func TestFetchSuccess(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(testInstaller))
	}))
	defer srv.Close()

	f := NewFetcher(hclog.NewNullLogger(), trustServer(srv))
	body, err := f.Fetch(context.Background(), mustParseURL(t, srv.URL+"/rustup-init.sh"))
	require.NoError(t, err)
	assert.Equal(t, testInstaller, string(body))
}

func TestFetchRejectsHttpScheme(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(testInstaller))
	}))
	defer srv.Close()

	f := NewFetcher(hclog.NewNullLogger())
	_, err := f.Fetch(context.Background(), mustParseURL(t, srv.URL))
	assert.ErrorIs(t, err, ErrInsecureTransport)
	assert.Equal(t, int32(0), hits.Load())
}

func TestFetchRejectsRedirectToHttp(t *testing.T) {
	var plainHits atomic.Int32
	plain := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		plainHits.Add(1)
		_, _ = w.Write([]byte(testInstaller))
	}))
	defer plain.Close()
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, plain.URL+"/rustup-init.sh", http.StatusFound)
	}))
	defer srv.Close()

	f := NewFetcher(hclog.NewNullLogger(), trustServer(srv))
	_, err := f.Fetch(context.Background(), mustParseURL(t, srv.URL))
	assert.ErrorIs(t, err, ErrInsecureTransport)
	assert.Equal(t, int32(0), plainHits.Load())
}

func TestFetchRejectsOldTLS(t *testing.T) {
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(testInstaller))
	}))
	srv.TLS = &tls.Config{
		MinVersion: tls.VersionTLS10,
		MaxVersion: tls.VersionTLS11,
	}
	srv.StartTLS()
	defer srv.Close()

	f := NewFetcher(hclog.NewNullLogger(), trustServer(srv))
	body, err := f.Fetch(context.Background(), mustParseURL(t, srv.URL))
	require.Error(t, err)
	assert.Nil(t, body)
	require.ErrorIs(t, err, ErrInsecureTransport)
	assert.NotErrorIs(t, err, ErrFetchFailed, "a downgrade is a security abort, not a plain fetch failure")
}

func TestFetchRejectsUntrustedCertificate(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(testInstaller))
	}))
	defer srv.Close()

	f := NewFetcher(hclog.NewNullLogger())
	_, err := f.Fetch(context.Background(), mustParseURL(t, srv.URL))
	assert.ErrorIs(t, err, ErrInsecureTransport)
}

func TestFetchBadResponses(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "not found",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.NotFound(w, r)
			},
		},
		{
			name:    "empty",
			handler: func(w http.ResponseWriter, r *http.Request) {},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewTLSServer(tt.handler)
			defer srv.Close()
			f := NewFetcher(hclog.NewNullLogger(), trustServer(srv))
			_, err := f.Fetch(context.Background(), mustParseURL(t, srv.URL))
			assert.ErrorIs(t, err, ErrFetchFailed)
			assert.NotErrorIs(t, err, ErrInsecureTransport)
		})
	}
}

func TestFetchCanceled(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(testInstaller))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := NewFetcher(hclog.NewNullLogger(), trustServer(srv))
	_, err := f.Fetch(ctx, mustParseURL(t, srv.URL))
	assert.ErrorIs(t, err, context.Canceled)
}
