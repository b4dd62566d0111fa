// Package config provides the parameter-file contract between the disk
// conversion pipeline and the upload plugin.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/google/uuid"
)

// Params is the configuration passed in by the calling pipeline as a JSON
// document. The file is loaded exactly once, before any other call, and
// every recognized key is enumerated here; unknown keys are a
// configuration error.
//
// JSON format:
//
//	{
//	  "output_conn": "https://engine.example.com/ovirt-engine/api",
//	  "output_password_path": "/tmp/password",
//	  "rhv_cafile": "/etc/pki/ovirt-engine/ca.pem",
//	  "insecure": false,
//	  "disk_format": "raw",
//	  "disk_size": 1073741824,
//	  "disk_name": "guest-sda",
//	  "output_storage": "data",
//	  "output_sparse": true,
//	  "rhv_cluster": "Default",
//	  "rhv_direct": true,
//	  "diskid_file": "/tmp/diskid",
//	  "verbose": false
//	}
type Params struct {
	// OutputConn is the engine API endpoint URL. The userinfo part of the
	// URL carries the API username; it defaults to admin@internal.
	OutputConn string `json:"output_conn"`

	// OutputPasswordPath is the path of a file holding the engine API
	// password. Trailing whitespace is stripped from the file content.
	OutputPasswordPath string `json:"output_password_path"`

	// RhvCAFile is the CA bundle used to verify the engine and the
	// imageio data-plane endpoint. Required unless Insecure is set.
	RhvCAFile string `json:"rhv_cafile"`

	// Insecure disables TLS certificate verification.
	Insecure bool `json:"insecure"`

	// DiskFormat is the format of the disk to create: "raw" or "cow".
	DiskFormat string `json:"disk_format"`

	// DiskSize is the virtual size of the disk in bytes. It is declared
	// at creation time and is authoritative for the whole session.
	DiskSize int64 `json:"disk_size"`

	// DiskName is the alias of the created disk.
	DiskName string `json:"disk_name"`

	// OutputStorage is the name of the storage domain receiving the disk.
	OutputStorage string `json:"output_storage"`

	// OutputSparse requests sparse allocation for the created disk.
	OutputSparse bool `json:"output_sparse"`

	// RhvCluster is the target cluster. The upload itself does not use
	// it; it is carried for the VM-creation stage that follows.
	RhvCluster string `json:"rhv_cluster"`

	// RhvDirect requests a transfer pinned to the host we are running on,
	// bypassing the imageio proxy. Requires running inside the
	// oVirt environment.
	RhvDirect bool `json:"rhv_direct"`

	// DiskIDFile is the path where the created disk's identifier is
	// written after a fully successful close. This is the sole durable
	// output of the upload and the hand-off point to the pipeline.
	DiskIDFile string `json:"diskid_file"`

	// Verbose enables debug logging (full response bodies, poll traces).
	Verbose bool `json:"verbose"`

	// DiskUUID optionally fixes the identifier of the created disk
	// instead of letting the engine pick one. Must be a valid UUID.
	DiskUUID string `json:"disk_uuid,omitempty"`

	// OutputName is the name of the VM being imported. Used only by the
	// precheck command to detect name clashes.
	OutputName string `json:"output_name,omitempty"`

	// DiskUUIDs lists disk identifiers to remove. Used only by the
	// delete-disks command when rolling back a failed import.
	DiskUUIDs []string `json:"disk_uuids,omitempty"`

	// password overrides the password file, set by the CLI when it
	// prompts interactively.
	password string
}

// Validation errors
var (
	ErrMissingOutputConn    = errors.New("output_conn is required")
	ErrInvalidOutputConn    = errors.New("output_conn is not a valid URL")
	ErrMissingPassword      = errors.New("output_password_path is required")
	ErrMissingCAFile        = errors.New("rhv_cafile is required unless insecure is set")
	ErrInvalidDiskFormat    = errors.New(`disk_format must be "raw" or "cow"`)
	ErrInvalidDiskSize      = errors.New("disk_size must be positive")
	ErrMissingDiskName      = errors.New("disk_name is required")
	ErrMissingOutputStorage = errors.New("output_storage is required")
	ErrMissingDiskIDFile    = errors.New("diskid_file is required")
	ErrInvalidDiskUUID      = errors.New("disk_uuid is not a valid UUID")
)

// Load reads and decodes the parameter file. Unknown keys fail the load so
// that a misspelled parameter cannot silently change behavior.
func Load(path string) (*Params, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open params file: %w", err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()

	var p Params
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to parse params file %s: %w", path, err)
	}

	return &p, nil
}

// Validate checks that every field needed for an upload is present and
// well formed. It runs before any remote state is created, so a failure
// here needs no cleanup.
func (p *Params) Validate() error {
	if p.OutputConn == "" {
		return ErrMissingOutputConn
	}
	if _, err := url.Parse(p.OutputConn); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOutputConn, err)
	}
	if p.OutputPasswordPath == "" && p.password == "" {
		return ErrMissingPassword
	}
	if p.RhvCAFile == "" && !p.Insecure {
		return ErrMissingCAFile
	}
	if p.DiskFormat != "raw" && p.DiskFormat != "cow" {
		return ErrInvalidDiskFormat
	}
	if p.DiskSize <= 0 {
		return ErrInvalidDiskSize
	}
	if p.DiskName == "" {
		return ErrMissingDiskName
	}
	if p.OutputStorage == "" {
		return ErrMissingOutputStorage
	}
	if p.DiskIDFile == "" {
		return ErrMissingDiskIDFile
	}
	if p.DiskUUID != "" {
		if _, err := uuid.Parse(p.DiskUUID); err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidDiskUUID, p.DiskUUID)
		}
	}
	return nil
}

// Username extracts the API username from the userinfo part of the
// connection URL, defaulting to admin@internal.
func (p *Params) Username() string {
	u, err := url.Parse(p.OutputConn)
	if err != nil || u.User == nil || u.User.Username() == "" {
		return "admin@internal"
	}
	return u.User.Username()
}

// SetPassword overrides the password file with a value obtained some
// other way, e.g. an interactive prompt.
func (p *Params) SetPassword(password string) {
	p.password = password
}

// ReadPassword returns the engine API password: the override if one was
// set, otherwise the content of the password file with trailing
// whitespace stripped.
func (p *Params) ReadPassword() (string, error) {
	if p.password != "" {
		return p.password, nil
	}
	data, err := os.ReadFile(p.OutputPasswordPath)
	if err != nil {
		return "", fmt.Errorf("failed to read password file: %w", err)
	}
	return strings.TrimRight(string(data), " \t\r\n"), nil
}
