// Package httpclient provides the HTTP client shared by the outbound
// adapters (identity provider, group directory, device management API).
//
// The client runs in one of two modes:
//   - Plain: a tuned *http.Transport, for endpoints protected by bearer
//     tokens alone.
//   - SPIFFE mTLS: the client presents its X.509 SVID from the SPIRE
//     Workload API and verifies the server's SPIFFE ID, using the go-spiffe
//     SDK. Rotation is automatic.
//
// # Usage
//
//	client, err := httpclient.New(ctx, httpclient.Options{
//	    Timeout: 15 * time.Second,
//	    SPIFFE: &httpclient.SPIFFEOptions{
//	        SocketPath: "unix:///tmp/spire-agent/public/api.sock",
//	        ServerID:   "spiffe://example.org/device-api",
//	    },
//	})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
// # Errors
//
// Transport failures are classified by Classify into a
// *domain.ConnectivityError whose Outcome says whether the request may have
// reached the server. Dial, DNS and TLS handshake failures are OutcomeNotSent;
// everything else (reset, timeout mid-flight) is OutcomeUnknown.
//
// # Thread Safety
//
// The client is safe for concurrent use.
package httpclient
