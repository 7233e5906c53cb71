// Package provider implements workspace resource providers backed by the
// Google Workspace APIs. Each provider translates the generic fetch-since
// contract into the service's own listing semantics: Gmail search queries,
// Calendar incremental sync, Drive revision metadata for spreadsheets.
package provider

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	htransport "google.golang.org/api/transport/http"

	"github.com/kestra-io/workspace-triggers/pkg/errors"
)

// DefaultConnectTimeout bounds connection establishment to the API endpoint.
const DefaultConnectTimeout = 5 * time.Second

// ClientConfig carries credentials and connection settings shared by all
// Google Workspace providers. Exactly one credential source should be set;
// with none set the client falls back to Application Default Credentials.
type ClientConfig struct {
	// CredentialsJSON is the service account key as an inline JSON blob.
	CredentialsJSON string

	// CredentialsPath is the filesystem path to a service account key file.
	CredentialsPath string

	// TokenSource supplies OAuth2 tokens directly, for delegated user
	// credentials obtained elsewhere.
	TokenSource oauth2.TokenSource

	// Scopes overrides the provider's default OAuth scopes.
	Scopes []string

	// ConnectTimeout bounds dialing the API endpoint. Zero means the
	// default.
	ConnectTimeout time.Duration
}

// clientOptions assembles the google-api client options for this config.
func (c *ClientConfig) clientOptions(defaultScopes ...string) []option.ClientOption {
	var opts []option.ClientOption

	switch {
	case c.TokenSource != nil:
		opts = append(opts, option.WithTokenSource(c.TokenSource))
	case c.CredentialsJSON != "":
		opts = append(opts, option.WithCredentialsJSON([]byte(c.CredentialsJSON)))
	case c.CredentialsPath != "":
		opts = append(opts, option.WithCredentialsFile(c.CredentialsPath))
	}
	// No credentials configured: Application Default Credentials.

	scopes := c.Scopes
	if len(scopes) == 0 {
		scopes = defaultScopes
	}
	if len(scopes) > 0 {
		opts = append(opts, option.WithScopes(scopes...))
	}

	return opts
}

// transportOptions builds the client options with an authenticated transport
// whose dialer enforces the connection-establishment budget. Read timeouts
// are applied per poll via the fetch context, not here.
func (c *ClientConfig) transportOptions(ctx context.Context, defaultScopes ...string) ([]option.ClientOption, error) {
	opts := c.clientOptions(defaultScopes...)

	connectTimeout := c.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = DefaultConnectTimeout
	}

	base := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   connectTimeout,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	rt, err := htransport.NewTransport(ctx, base, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build authenticated transport: %w", err)
	}

	return []option.ClientOption{option.WithHTTPClient(&http.Client{Transport: rt})}, nil
}

// classify maps a Google API error onto the retry taxonomy. Rate limits and
// server-side failures are transient: the poll retries from the same cursor.
// Authorization and missing-resource failures are permanent: retrying cannot
// succeed until a human fixes the resource or the credentials.
func classify(providerName string, err error) error {
	if err == nil {
		return nil
	}

	var apiErr *googleapi.Error
	if stderrors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 429:
			return errors.Transient(providerName, apiErr.Code, "rate limited by provider", err)
		case apiErr.Code >= 500:
			return errors.Transient(providerName, apiErr.Code, apiErr.Message, err)
		case apiErr.Code == 401 || apiErr.Code == 403:
			return errors.Permanent(providerName, apiErr.Code, "authorization rejected, check credentials and scopes", err)
		case apiErr.Code == 404:
			return errors.Permanent(providerName, apiErr.Code, "resource not found, it may have been deleted", err)
		default:
			return errors.Permanent(providerName, apiErr.Code, apiErr.Message, err)
		}
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return errors.Transient(providerName, 0, fmt.Sprintf("network error: %s", netErr), err)
	}

	// Context deadlines and unclassified transport failures retry.
	return errors.Transient(providerName, 0, err.Error(), err)
}

// maxCursor returns the later of two RFC 3339 or epoch-second cursors.
// Both encodings order lexicographically for fixed-width values.
func maxCursor(a, b string) string {
	if b > a {
		return b
	}
	return a
}
