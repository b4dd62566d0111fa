package ovirt

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	nethttp "net/http"
	"net/url"
	"os"
	"strings"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/virt-tools/imageio-upload/internal/constants"
	"github.com/virt-tools/imageio-upload/internal/logging"
)

// retryLogger implements the retryablehttp.LeveledLogger interface on top
// of our zerolog wrapper.
type retryLogger struct {
	log *logging.Logger
}

func (l *retryLogger) Error(msg string, keysAndValues ...interface{}) {
	l.log.Error().Msgf("engine retry: %s %v", msg, keysAndValues)
}

func (l *retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.log.Warn().Msgf("engine retry: %s %v", msg, keysAndValues)
}

func (l *retryLogger) Info(msg string, keysAndValues ...interface{}) {}

func (l *retryLogger) Debug(msg string, keysAndValues ...interface{}) {}

// ClientOptions carries the connection parameters for the engine API.
type ClientOptions struct {
	// URL is the engine API endpoint, e.g.
	// https://engine.example.com/ovirt-engine/api
	URL string
	// Username and Password authenticate every request (HTTP basic).
	Username string
	Password string
	// CAFile is the CA bundle verifying the engine certificate.
	CAFile string
	// Insecure disables certificate verification.
	Insecure bool
}

// Client is an oVirt engine REST API client. Control-plane requests are
// idempotent status reads and object lifecycle calls, so transient engine
// hiccups are retried with backoff. Data-plane I/O never goes through
// this client.
type Client struct {
	httpClient *nethttp.Client
	baseURL    string
	username   string
	password   string
	log        *logging.Logger
}

// NewClient creates an engine API client.
func NewClient(opts ClientOptions, log *logging.Logger) (*Client, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid engine URL: %w", err)
	}
	// Strip userinfo; credentials travel in the Authorization header.
	u.User = nil

	tlsConfig := &tls.Config{}
	if opts.Insecure {
		tlsConfig.InsecureSkipVerify = true
	} else if opts.CAFile != "" {
		pem, err := os.ReadFile(opts.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in CA file %s", opts.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	transport := cleanhttp.DefaultPooledTransport()
	transport.TLSClientConfig = tlsConfig

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &nethttp.Client{Transport: transport}
	retryClient.RetryMax = constants.EngineRetryMax
	retryClient.RetryWaitMin = constants.EngineRetryWaitMin
	retryClient.RetryWaitMax = constants.EngineRetryWaitMax
	retryClient.Logger = &retryLogger{log: log}

	return &Client{
		httpClient: retryClient.StandardClient(),
		baseURL:    strings.TrimSuffix(u.String(), "/"),
		username:   opts.Username,
		password:   opts.Password,
		log:        log,
	}, nil
}

// doRequest performs an authenticated JSON request against the engine.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (*nethttp.Response, error) {
	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(jsonData)
	}

	req, err := nethttp.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Version", "4")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("engine request failed: %w", err)
	}
	return resp, nil
}

// apiError drains the response and builds an error from its status and a
// bounded body excerpt.
func apiError(op string, resp *nethttp.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, constants.ErrorBodyLimit))
	return fmt.Errorf("%s failed: status %d: %s", op, resp.StatusCode, string(body))
}

// CreateDisk creates a new disk. The returned disk is typically locked;
// callers must poll until it unlocks before starting a transfer.
func (c *Client) CreateDisk(ctx context.Context, create DiskCreate) (*Disk, error) {
	resp, err := c.doRequest(ctx, "POST", "/disks", create)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != nethttp.StatusOK &&
		resp.StatusCode != nethttp.StatusCreated &&
		resp.StatusCode != nethttp.StatusAccepted {
		return nil, apiError("create disk", resp)
	}

	var disk Disk
	if err := json.NewDecoder(resp.Body).Decode(&disk); err != nil {
		return nil, fmt.Errorf("failed to decode disk response: %w", err)
	}
	return &disk, nil
}

// GetDisk retrieves the current state of a disk.
func (c *Client) GetDisk(ctx context.Context, id string) (*Disk, error) {
	resp, err := c.doRequest(ctx, "GET", "/disks/"+id, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == nethttp.StatusNotFound {
		return nil, fmt.Errorf("disk %s: %w", id, ErrNotFound)
	}
	if resp.StatusCode != nethttp.StatusOK {
		return nil, apiError("get disk", resp)
	}

	var disk Disk
	if err := json.NewDecoder(resp.Body).Decode(&disk); err != nil {
		return nil, fmt.Errorf("failed to decode disk response: %w", err)
	}
	return &disk, nil
}

// DeleteDisk removes a disk.
func (c *Client) DeleteDisk(ctx context.Context, id string) error {
	resp, err := c.doRequest(ctx, "DELETE", "/disks/"+id, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == nethttp.StatusNotFound {
		return fmt.Errorf("disk %s: %w", id, ErrNotFound)
	}
	if resp.StatusCode != nethttp.StatusOK && resp.StatusCode != nethttp.StatusNoContent {
		return apiError("delete disk", resp)
	}
	return nil
}

// CreateTransfer creates a new image transfer for a disk.
func (c *Client) CreateTransfer(ctx context.Context, create TransferCreate) (*Transfer, error) {
	resp, err := c.doRequest(ctx, "POST", "/imagetransfers", create)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != nethttp.StatusOK &&
		resp.StatusCode != nethttp.StatusCreated &&
		resp.StatusCode != nethttp.StatusAccepted {
		return nil, apiError("create image transfer", resp)
	}

	var transfer Transfer
	if err := json.NewDecoder(resp.Body).Decode(&transfer); err != nil {
		return nil, fmt.Errorf("failed to decode transfer response: %w", err)
	}
	return &transfer, nil
}

// GetTransfer retrieves the current state of an image transfer. A missing
// transfer is reported as ErrNotFound; during finalization that is the
// expected completion signal, not a failure.
func (c *Client) GetTransfer(ctx context.Context, id string) (*Transfer, error) {
	resp, err := c.doRequest(ctx, "GET", "/imagetransfers/"+id, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == nethttp.StatusNotFound {
		return nil, fmt.Errorf("transfer %s: %w", id, ErrNotFound)
	}
	if resp.StatusCode != nethttp.StatusOK {
		return nil, apiError("get image transfer", resp)
	}

	var transfer Transfer
	if err := json.NewDecoder(resp.Body).Decode(&transfer); err != nil {
		return nil, fmt.Errorf("failed to decode transfer response: %w", err)
	}
	return &transfer, nil
}

// FinalizeTransfer asks the engine to finalize an image transfer.
func (c *Client) FinalizeTransfer(ctx context.Context, id string) error {
	return c.transferAction(ctx, id, "finalize")
}

// PauseTransfer pauses a running image transfer.
func (c *Client) PauseTransfer(ctx context.Context, id string) error {
	return c.transferAction(ctx, id, "pause")
}

func (c *Client) transferAction(ctx context.Context, id, action string) error {
	resp, err := c.doRequest(ctx, "POST", "/imagetransfers/"+id+"/"+action, struct{}{})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == nethttp.StatusNotFound {
		return fmt.Errorf("transfer %s: %w", id, ErrNotFound)
	}
	if resp.StatusCode != nethttp.StatusOK &&
		resp.StatusCode != nethttp.StatusAccepted &&
		resp.StatusCode != nethttp.StatusNoContent {
		return apiError(action+" image transfer", resp)
	}
	return nil
}

// SearchVMs returns the VMs matching an exact name. Used by the precheck
// to refuse imports that would collide with an existing VM.
func (c *Client) SearchVMs(ctx context.Context, name string) ([]VM, error) {
	path := "/vms?search=" + url.QueryEscape("name="+name)

	resp, err := c.doRequest(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != nethttp.StatusOK {
		return nil, apiError("search vms", resp)
	}

	var result struct {
		VM []VM `json:"vm"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode vm search response: %w", err)
	}
	return result.VM, nil
}

// SearchDataCenters returns data centers attached to a storage domain.
func (c *Client) SearchDataCenters(ctx context.Context, storageName string) ([]DataCenter, error) {
	path := "/datacenters?search=" + url.QueryEscape("storage="+storageName)

	resp, err := c.doRequest(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != nethttp.StatusOK {
		return nil, apiError("search data centers", resp)
	}

	var result struct {
		DataCenter []DataCenter `json:"data_center"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode data center search response: %w", err)
	}
	return result.DataCenter, nil
}

// SearchHosts returns the Up hosts in a data center with a given hardware id.
func (c *Client) SearchHosts(ctx context.Context, hwID, datacenter string) ([]Host, error) {
	search := fmt.Sprintf("hw_id=%s and datacenter=%s and status=Up", hwID, datacenter)
	path := "/hosts?search=" + url.QueryEscape(search)

	resp, err := c.doRequest(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != nethttp.StatusOK {
		return nil, apiError("search hosts", resp)
	}

	var result struct {
		Host []Host `json:"host"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode host search response: %w", err)
	}
	return result.Host, nil
}
