package imageio

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	nethttp "net/http"
	"os"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"golang.org/x/net/http2"
)

// connection abstracts the single live data-plane connection. A channel
// owns exactly one; the only swap ever performed is the one-time upgrade
// from the TLS connection to a local Unix socket.
type connection interface {
	Do(req *nethttp.Request) (*nethttp.Response, error)
	Close()
}

// tlsConnection talks to the imageio endpoint over TCP with TLS (or plain
// HTTP when the transfer URL says so).
type tlsConnection struct {
	client *nethttp.Client
}

func newTLSConnection(caFile string, insecure bool) (*tlsConnection, error) {
	tlsConfig := &tls.Config{}
	if insecure {
		tlsConfig.InsecureSkipVerify = true
	} else if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in CA file %s", caFile)
		}
		tlsConfig.RootCAs = pool
	}

	transport := cleanhttp.DefaultPooledTransport()
	transport.TLSClientConfig = tlsConfig
	// Disk payloads are incompressible; skip transparent gzip.
	transport.DisableCompression = true
	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, fmt.Errorf("failed to configure http2 transport: %w", err)
	}

	return &tlsConnection{
		client: &nethttp.Client{Transport: transport},
	}, nil
}

func (c *tlsConnection) Do(req *nethttp.Request) (*nethttp.Response, error) {
	return c.client.Do(req)
}

func (c *tlsConnection) Close() {
	c.client.CloseIdleConnections()
}

// unixConnection talks to a local imageio daemon over its Unix domain
// socket. The request URL host is ignored by the dialer.
type unixConnection struct {
	client *nethttp.Client
}

func newUnixConnection(socketPath string) (*unixConnection, error) {
	// Probe once so a missing or unreachable socket fails here, where the
	// caller can still fall back to the TLS connection.
	probe, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to imageio unix socket %s: %w", socketPath, err)
	}
	probe.Close()

	transport := cleanhttp.DefaultPooledTransport()
	transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", socketPath)
	}
	transport.DisableCompression = true

	return &unixConnection{
		client: &nethttp.Client{Transport: transport},
	}, nil
}

func (c *unixConnection) Do(req *nethttp.Request) (*nethttp.Response, error) {
	return c.client.Do(req)
}

func (c *unixConnection) Close() {
	c.client.CloseIdleConnections()
}
