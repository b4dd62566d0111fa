// Package imageio implements the data-plane side of an image upload: one
// HTTP(S) or Unix-socket connection to an ovirt-imageio endpoint, carrying
// byte-range reads and writes plus the zero/trim/flush PATCH operations.
package imageio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	nethttp "net/http"
	"net/url"

	"github.com/virt-tools/imageio-upload/internal/constants"
	"github.com/virt-tools/imageio-upload/internal/logging"
)

// Features is the capability set negotiated once at open time and never
// re-queried.
type Features struct {
	CanFlush   bool
	CanTrim    bool
	CanZero    bool
	UnixSocket string
}

// Options carries the parameters for opening a channel.
type Options struct {
	// CAFile verifies the imageio endpoint certificate.
	CAFile string
	// Insecure disables certificate verification.
	Insecure bool
	// Ticket is the transfer's signed ticket, sent as the Authorization
	// header on data requests when NeedsAuth is set.
	Ticket string
	// NeedsAuth marks a legacy proxy endpoint that authenticates each
	// data request. Feature negotiation clears it for modern servers.
	NeedsAuth bool
}

// Channel owns exactly one connection to the transfer's data-plane
// endpoint and performs byte-range I/O on it. It is not safe for
// concurrent use; callers issue one request at a time.
type Channel struct {
	conn      connection
	scheme    string
	host      string
	path      string
	ticket    string
	needsAuth bool
	features  Features
	log       *logging.Logger
}

// NewChannel opens a channel to the transfer URL.
func NewChannel(rawURL string, opts Options, log *logging.Logger) (*Channel, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid transfer URL %q: %w", rawURL, err)
	}
	if u.Host == "" || u.Path == "" {
		return nil, fmt.Errorf("transfer URL %q has no host or path", rawURL)
	}

	conn, err := newTLSConnection(opts.CAFile, opts.Insecure)
	if err != nil {
		return nil, err
	}

	return &Channel{
		conn:      conn,
		scheme:    u.Scheme,
		host:      u.Host,
		path:      u.Path,
		ticket:    opts.Ticket,
		needsAuth: opts.NeedsAuth,
		log:       log,
	}, nil
}

// Features returns the negotiated capability set.
func (c *Channel) Features() Features {
	return c.features
}

// NeedsAuth reports whether data requests carry the signed ticket.
func (c *Channel) NeedsAuth() bool {
	return c.needsAuth
}

// Close releases the connection. Pending data is not flushed; callers
// decide whether a flush operation is needed first.
func (c *Channel) Close() {
	c.conn.Close()
}

func (c *Channel) requestURL(query string) string {
	u := url.URL{
		Scheme:   c.scheme,
		Host:     c.host,
		Path:     c.path,
		RawQuery: query,
	}
	return u.String()
}

func (c *Channel) newRequest(ctx context.Context, method, query string, body io.Reader) (*nethttp.Request, error) {
	req, err := nethttp.NewRequestWithContext(ctx, method, c.requestURL(query), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", method, err)
	}
	if c.needsAuth && c.ticket != "" {
		req.Header.Set("Authorization", c.ticket)
	}
	return req, nil
}

// unexpected drains the response into a RequestError.
func unexpected(op string, resp *nethttp.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, constants.DebugBodyLimit))
	return &RequestError{
		Op:     op,
		Status: resp.StatusCode,
		Reason: nethttp.StatusText(resp.StatusCode),
		Body:   body,
	}
}

// NegotiateFeatures probes the server's capability set with a single
// OPTIONS request. A modern server answers 200 with a JSON feature list
// and never authenticates data requests. A legacy server answers
// 405 Method Not Allowed or 204 No Content; every capability then stays
// false and is emulated, and data requests keep carrying the ticket. Any
// other status means we cannot speak this protocol at all.
func (c *Channel) NegotiateFeatures(ctx context.Context) (Features, error) {
	req, err := c.newRequest(ctx, nethttp.MethodOptions, "", nil)
	if err != nil {
		return Features{}, err
	}

	resp, err := c.conn.Do(req)
	if err != nil {
		return Features{}, fmt.Errorf("options request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case nethttp.StatusOK:
		var probe struct {
			Features   []string `json:"features"`
			UnixSocket string   `json:"unix_socket"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&probe); err != nil {
			return Features{}, fmt.Errorf("failed to decode options response: %w", err)
		}
		c.features = Features{UnixSocket: probe.UnixSocket}
		for _, f := range probe.Features {
			switch f {
			case "flush":
				c.features.CanFlush = true
			case "trim":
				c.features.CanTrim = true
			case "zero":
				c.features.CanZero = true
			}
		}
		c.needsAuth = false

	case nethttp.StatusMethodNotAllowed, nethttp.StatusNoContent:
		c.features = Features{}

	default:
		return Features{}, unexpected("could not use OPTIONS request", resp)
	}

	c.log.Debug().
		Bool("flush", c.features.CanFlush).
		Bool("trim", c.features.CanTrim).
		Bool("zero", c.features.CanZero).
		Str("unix_socket", c.features.UnixSocket).
		Bool("needs_auth", c.needsAuth).
		Msg("imageio features")

	return c.features, nil
}

// UpgradeToUnixSocket swaps the connection to the local Unix socket the
// server advertised. This is an optimization only; on any error the
// caller keeps the existing connection.
func (c *Channel) UpgradeToUnixSocket(socketPath string) error {
	conn, err := newUnixConnection(socketPath)
	if err != nil {
		return err
	}

	c.conn.Close()
	c.conn = conn
	// The dialer ignores the host; keep a stable placeholder.
	c.scheme = "http"
	c.host = "localhost"

	c.log.Debug().Str("socket", socketPath).Msg("optimized connection using unix socket")
	return nil
}

// Read fetches length bytes at offset. 206 Partial Content is the single
// expected status.
func (c *Channel) Read(ctx context.Context, offset, length int64) ([]byte, error) {
	req, err := c.newRequest(ctx, nethttp.MethodGet, "", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))

	resp, err := c.conn.Do(req)
	if err != nil {
		return nil, fmt.Errorf("read request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != nethttp.StatusPartialContent {
		return nil, unexpected(
			fmt.Sprintf("could not read sector offset %d size %d", offset, length), resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return data, nil
}

// Write stores buf at offset. Durability is explicitly deferred with
// flush=n; a flush operation (or close-time flush) makes the data
// persistent. 200 OK is the single expected status.
func (c *Channel) Write(ctx context.Context, offset int64, buf []byte) error {
	req, err := c.newRequest(ctx, nethttp.MethodPut, "flush=n", bytes.NewReader(buf))
	if err != nil {
		return err
	}
	// The server uses only the range start and the content length.
	req.Header.Set("Content-Range",
		fmt.Sprintf("bytes %d-%d/*", offset, offset+int64(len(buf))-1))

	resp, err := c.conn.Do(req)
	if err != nil {
		return fmt.Errorf("write request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != nethttp.StatusOK {
		return unexpected(
			fmt.Sprintf("could not write sector offset %d size %d", offset, len(buf)), resp)
	}

	io.Copy(io.Discard, resp.Body)
	return nil
}

// patchBody is the envelope for zero and trim operations.
type patchBody struct {
	Op     string `json:"op"`
	Offset int64  `json:"offset"`
	Size   int64  `json:"size"`
	Flush  bool   `json:"flush"`
}

// PatchOp sends a zero or trim operation. 200 OK is the single expected
// status.
func (c *Channel) PatchOp(ctx context.Context, op string, offset, size int64, flush bool) error {
	payload, err := json.Marshal(patchBody{Op: op, Offset: offset, Size: size, Flush: flush})
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", op, err)
	}

	req, err := c.newRequest(ctx, nethttp.MethodPatch, "", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.conn.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != nethttp.StatusOK {
		return unexpected(
			fmt.Sprintf("could not %s sector offset %d size %d", op, offset, size), resp)
	}

	io.Copy(io.Discard, resp.Body)
	return nil
}

// Flush asks the server to persist everything written so far. It is a
// no-op when the server never advertised the flush feature.
func (c *Channel) Flush(ctx context.Context) error {
	if !c.features.CanFlush {
		return nil
	}

	payload, err := json.Marshal(struct {
		Op string `json:"op"`
	}{Op: "flush"})
	if err != nil {
		return fmt.Errorf("failed to marshal flush request: %w", err)
	}

	req, err := c.newRequest(ctx, nethttp.MethodPatch, "", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.conn.Do(req)
	if err != nil {
		return fmt.Errorf("flush request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != nethttp.StatusOK {
		return unexpected("could not flush", resp)
	}

	io.Copy(io.Discard, resp.Body)
	return nil
}
