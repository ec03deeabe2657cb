package httpclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/spiffe/go-spiffe/v2/spiffetls/tlsconfig"
	"github.com/spiffe/go-spiffe/v2/workloadapi"

	"github.com/sufield/devicefleet/internal/domain"
)

// DefaultTimeout bounds one request when Options.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// maxReplyBytes caps how much of a reply body is read.
const maxReplyBytes = 1 << 20

// Options configures a Client.
type Options struct {
	Timeout time.Duration
	// SPIFFE enables mTLS with a Workload API SVID. Nil means plain HTTP(S).
	SPIFFE *SPIFFEOptions
	// Transport overrides the transport (tests). Ignored when SPIFFE is set.
	Transport http.RoundTripper
}

// SPIFFEOptions selects the Workload API socket and how the server's
// identity is verified. Exactly one of ServerID or TrustDomain must be set.
type SPIFFEOptions struct {
	SocketPath  string
	ServerID    string
	TrustDomain string
}

// Client is an HTTP client with optional SPIFFE mTLS.
type Client struct {
	client     *http.Client
	x509Source *workloadapi.X509Source
}

// New creates a Client. With SPIFFE options it connects to the Workload
// API and blocks until the first SVID is available or ctx is done.
func New(ctx context.Context, opts Options) (*Client, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if opts.SPIFFE == nil {
		transport := opts.Transport
		if transport == nil {
			transport = newTransport(nil)
		}
		return &Client{client: &http.Client{Transport: transport, Timeout: timeout}}, nil
	}

	authorizer, err := serverAuthorizer(*opts.SPIFFE)
	if err != nil {
		return nil, err
	}
	if opts.SPIFFE.SocketPath == "" {
		return nil, fmt.Errorf("socket path is required")
	}

	// Handles SVID fetching and rotation.
	x509Source, err := workloadapi.NewX509Source(
		ctx,
		workloadapi.WithClientOptions(
			workloadapi.WithAddr(normalizeToAddr(opts.SPIFFE.SocketPath)),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create X509Source: %w", err)
	}

	tlsConfig := tlsconfig.MTLSClientConfig(x509Source, x509Source, authorizer)
	tlsConfig.MinVersion = tls.VersionTLS13

	return &Client{
		client:     &http.Client{Transport: newTransport(tlsConfig), Timeout: timeout},
		x509Source: x509Source,
	}, nil
}

func newTransport(tlsConfig *tls.Config) *http.Transport {
	return &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		TLSClientConfig:     tlsConfig,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
}

func serverAuthorizer(opts SPIFFEOptions) (tlsconfig.Authorizer, error) {
	switch {
	case opts.ServerID != "" && opts.TrustDomain != "":
		return nil, fmt.Errorf("set either server ID or trust domain, not both")
	case opts.ServerID != "":
		id, err := spiffeid.FromString(opts.ServerID)
		if err != nil {
			return nil, fmt.Errorf("invalid server SPIFFE ID: %w", err)
		}
		return tlsconfig.AuthorizeID(id), nil
	case opts.TrustDomain != "":
		td, err := spiffeid.TrustDomainFromString(opts.TrustDomain)
		if err != nil {
			return nil, fmt.Errorf("invalid trust domain: %w", err)
		}
		return tlsconfig.AuthorizeMemberOf(td), nil
	default:
		return nil, fmt.Errorf("server authorizer is required: set server ID or trust domain")
	}
}

// normalizeToAddr accepts a bare socket path as well as a unix:// or tcp:// address.
func normalizeToAddr(raw string) string {
	if strings.HasPrefix(raw, "unix://") || strings.HasPrefix(raw, "tcp://") {
		return raw
	}
	return "unix://" + raw
}

// Reply is a response that arrived, whatever its status.
type Reply struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports a 2xx status.
func (r Reply) OK() bool { return r.StatusCode >= 200 && r.StatusCode <= 299 }

// Decode unmarshals the body into out.
func (r Reply) Decode(out any) error {
	if len(bytes.TrimSpace(r.Body)) == 0 {
		return io.ErrUnexpectedEOF
	}
	return json.Unmarshal(r.Body, out)
}

// DoJSON sends in (if non-nil) as a JSON body and returns the reply. The
// returned error is non-nil only when no reply arrived; it is then a
// *domain.ConnectivityError named after op.
func (c *Client) DoJSON(ctx context.Context, op, method, url string, headers map[string]string, in any) (Reply, error) {
	var body io.Reader = http.NoBody
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return Reply{}, fmt.Errorf("encode %s request: %w", op, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return Reply{}, fmt.Errorf("failed to create %s request: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Reply{}, Classify(op, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return Reply{}, &domain.ConnectivityError{Op: op, Outcome: domain.OutcomeUnknown, StatusCode: resp.StatusCode, Err: err}
	}
	return Reply{StatusCode: resp.StatusCode, Header: resp.Header, Body: b}, nil
}

// Classify turns a transport error into a *domain.ConnectivityError,
// deciding whether the request may have reached the server.
func Classify(op string, err error) error {
	outcome := domain.OutcomeUnknown
	if notSent(err) {
		outcome = domain.OutcomeNotSent
	}
	return &domain.ConnectivityError{Op: op, Outcome: outcome, Err: err}
}

func notSent(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return true
	}
	var unknownAuth x509.UnknownAuthorityError
	if errors.As(err, &unknownAuth) {
		return true
	}
	var recErr tls.RecordHeaderError
	return errors.As(err, &recErr)
}

// Close releases all resources used by the client.
func (c *Client) Close() error {
	if c.client != nil {
		c.client.CloseIdleConnections()
	}
	// Stops SVID fetching and rotation.
	if c.x509Source != nil {
		if err := c.x509Source.Close(); err != nil {
			return fmt.Errorf("failed to close X509Source: %w", err)
		}
	}
	return nil
}
