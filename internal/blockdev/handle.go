// Package blockdev adapts an oVirt image transfer to a block-device
// contract: open, pread, pwrite, zero, trim, flush, close. A disk
// conversion pipeline drives it with strictly sequential, synchronous
// calls; each Handle owns its connections and shares nothing with other
// Handles.
package blockdev

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/virt-tools/imageio-upload/internal/config"
	"github.com/virt-tools/imageio-upload/internal/constants"
	"github.com/virt-tools/imageio-upload/internal/imageio"
	"github.com/virt-tools/imageio-upload/internal/logging"
	"github.com/virt-tools/imageio-upload/internal/ovirt"
)

// ErrHandleFailed is returned for any data operation attempted after a
// previous operation already failed the handle. Only Close may touch a
// failed handle.
var ErrHandleFailed = errors.New("upload handle is in failed state")

// Handle is the live state of one upload: the engine session, the created
// disk, the image transfer, and the data-plane channel. It is created by
// Open, mutated by every data operation, and torn down exactly once by
// Close. Not safe for concurrent use.
type Handle struct {
	params   *config.Params
	session  *ovirt.Session
	disk     *ovirt.Disk
	transfer *ovirt.Transfer
	channel  *imageio.Channel
	log      *logging.Logger

	// highWaterMark is the highest byte offset written so far. Zero
	// requests entirely above it are no-ops: the region was never
	// written, so on a fresh sparse disk it already reads as zero.
	highWaterMark int64

	failed bool
	closed bool
}

// Open creates the remote disk and image transfer, negotiates data-plane
// features, and returns a Handle ready for data operations. Any failure
// after the disk has been created cleans up the remote state before
// returning.
func Open(ctx context.Context, params *config.Params, log *logging.Logger) (*Handle, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	password, err := params.ReadPassword()
	if err != nil {
		return nil, err
	}

	client, err := ovirt.NewClient(ovirt.ClientOptions{
		URL:      params.OutputConn,
		Username: params.Username(),
		Password: password,
		CAFile:   params.RhvCAFile,
		Insecure: params.Insecure,
	}, log)
	if err != nil {
		return nil, err
	}
	session := ovirt.NewSession(client, log)

	h := &Handle{
		params:  params,
		session: session,
		log:     log,
	}

	disk, err := session.CreateDisk(ctx, ovirt.DiskCreate{
		ID:              params.DiskUUID,
		Name:            params.DiskName,
		Description:     "Uploaded disk",
		Format:          params.DiskFormat,
		InitialSize:     params.DiskSize,
		ProvisionedSize: params.DiskSize,
		Sparse:          params.OutputSparse,
		StorageDomains: ovirt.StorageDomains{
			StorageDomain: []ovirt.StorageDomainRef{{Name: params.OutputStorage}},
		},
	})
	if err != nil {
		// The disk object may exist even when the unlock poll timed out.
		if disk != nil {
			session.CancelAndDelete(context.WithoutCancel(ctx), nil, disk)
		}
		return nil, err
	}
	h.disk = disk

	var host *ovirt.HostRef
	if params.RhvDirect {
		host = session.FindLocalHost(ctx, params.OutputStorage)
	}

	transfer, err := session.OpenTransfer(ctx, disk, host, params.RhvDirect)
	if err != nil {
		session.CancelAndDelete(context.WithoutCancel(ctx), transfer, disk)
		return nil, err
	}
	h.transfer = transfer

	destURL := ovirt.DestinationURL(transfer, params.RhvDirect)
	if destURL == "" {
		session.CancelAndDelete(context.WithoutCancel(ctx), transfer, disk)
		return nil, fmt.Errorf("transfer %s has no usable data-plane URL", transfer.ID)
	}

	channel, err := imageio.NewChannel(destURL, imageio.Options{
		CAFile:   params.RhvCAFile,
		Insecure: params.Insecure,
		Ticket:   transfer.SignedTicket,
		// Only the legacy proxy authenticates data requests. Feature
		// negotiation clears this when the server turns out to be modern.
		NeedsAuth: !params.RhvDirect,
	}, log)
	if err != nil {
		session.CancelAndDelete(context.WithoutCancel(ctx), transfer, disk)
		return nil, err
	}

	features, err := channel.NegotiateFeatures(ctx)
	if err != nil {
		channel.Close()
		session.CancelAndDelete(context.WithoutCancel(ctx), transfer, disk)
		return nil, err
	}

	// Same-host fast path: only worth trying when the transfer was pinned
	// to this host. Failure keeps the TLS connection; this is an
	// optimization, never fatal.
	if host != nil && features.UnixSocket != "" {
		if err := channel.UpgradeToUnixSocket(features.UnixSocket); err != nil {
			log.Debug().Err(err).Msg("cannot use unix socket connection, staying on https")
		}
	}

	h.channel = channel
	return h, nil
}

// Size returns the disk size declared at creation time. It is
// authoritative for the whole session and never re-queried.
func (h *Handle) Size() int64 {
	return h.params.DiskSize
}

// CanTrim reports whether the server supports the trim operation.
func (h *Handle) CanTrim() bool {
	return h.channel.Features().CanTrim
}

// CanFlush reports whether the server supports the flush operation.
func (h *Handle) CanFlush() bool {
	return h.channel.Features().CanFlush
}

// DiskID returns the identifier of the created disk.
func (h *Handle) DiskID() string {
	return h.disk.ID
}

func (h *Handle) guard() error {
	if h.failed {
		return ErrHandleFailed
	}
	if h.closed {
		return errors.New("upload handle is closed")
	}
	return nil
}

// Pread reads count bytes at offset. Range validation is the server's
// concern; an out-of-range read surfaces as a protocol failure.
func (h *Handle) Pread(ctx context.Context, count, offset int64) ([]byte, error) {
	if err := h.guard(); err != nil {
		return nil, err
	}
	data, err := h.channel.Read(ctx, offset, count)
	if err != nil {
		return nil, h.fail(ctx, err)
	}
	return data, nil
}

// Pwrite writes buf at offset and advances the high-water mark.
func (h *Handle) Pwrite(ctx context.Context, buf []byte, offset int64) error {
	if err := h.guard(); err != nil {
		return err
	}
	if end := offset + int64(len(buf)); end > h.highWaterMark {
		h.highWaterMark = end
	}
	if err := h.channel.Write(ctx, offset, buf); err != nil {
		return h.fail(ctx, err)
	}
	return nil
}

// Zero writes count zero bytes at offset. With native server support this
// is a single zero operation; zero and trim are distinct verbs and are
// never combined, regardless of mayTrim. Without support the region is
// emulated with literal zero writes, except that regions starting at or
// above the high-water mark are skipped entirely: conversion tools
// pre-zero the whole device they are about to overwrite, and a fresh
// sparse disk already reads as zero there.
func (h *Handle) Zero(ctx context.Context, count, offset int64, mayTrim bool) error {
	if err := h.guard(); err != nil {
		return err
	}

	if h.channel.Features().CanZero {
		if err := h.channel.PatchOp(ctx, "zero", offset, count, false); err != nil {
			return h.fail(ctx, err)
		}
		return nil
	}

	return h.emulateZero(ctx, count, offset)
}

// emulateZero overwrites [offset, offset+count) with zero bytes in
// bounded chunks. It uses the channel's write directly rather than Pwrite
// so that emulated zeroes do not advance the high-water mark and mask
// real writes.
func (h *Handle) emulateZero(ctx context.Context, count, offset int64) error {
	// A region that starts above everything written so far has never held
	// data; skipping it saves megabytes of zero-writes when a caller
	// pre-zeroes a disk it is about to fill. A region that touches
	// written space must really be zeroed, all of it.
	if offset >= h.highWaterMark {
		return nil
	}

	buf := make([]byte, constants.ZeroChunkSize)
	for count > 0 {
		n := int64(len(buf))
		if count < n {
			n = count
		}
		if err := h.channel.Write(ctx, offset, buf[:n]); err != nil {
			return h.fail(ctx, err)
		}
		offset += n
		count -= n
	}
	return nil
}

// Trim discards count bytes at offset. Callers are expected to check
// CanTrim first; there is no emulation because trim is advisory.
func (h *Handle) Trim(ctx context.Context, count, offset int64) error {
	if err := h.guard(); err != nil {
		return err
	}
	if err := h.channel.PatchOp(ctx, "trim", offset, count, false); err != nil {
		return h.fail(ctx, err)
	}
	return nil
}

// Flush persists all written data. No-op when the server lacks the flush
// feature.
func (h *Handle) Flush(ctx context.Context) error {
	if err := h.guard(); err != nil {
		return err
	}
	if !h.channel.Features().CanFlush {
		return nil
	}
	if err := h.channel.Flush(ctx); err != nil {
		return h.fail(ctx, err)
	}
	return nil
}

// Close tears the handle down exactly once. On a failed handle it only
// cleans up the remote disk and reports the failed state; it never
// finalizes a broken upload. On a healthy handle it flushes, finalizes
// the transfer, waits for the disk to unlock, and only then writes the
// disk-id artifact; any error in that sequence cleans up before
// propagating, so the caller never sees a half-created disk left behind.
func (h *Handle) Close(ctx context.Context) error {
	if h.closed {
		return nil
	}
	h.closed = true

	if h.failed {
		h.cleanupOnFailure(ctx)
		if h.channel != nil {
			h.channel.Close()
		}
		return ErrHandleFailed
	}

	err := h.closeAndFinalize(ctx)
	if err != nil {
		h.cleanupOnFailure(ctx)
		return err
	}
	return nil
}

func (h *Handle) closeAndFinalize(ctx context.Context) error {
	if h.channel.Features().CanFlush {
		if err := h.channel.Flush(ctx); err != nil {
			return err
		}
	}
	h.channel.Close()

	result, err := h.session.Finalize(ctx, h.transfer, h.disk)
	if err != nil {
		return err
	}
	if result != ovirt.FinalizeComplete {
		return fmt.Errorf("transfer %s did not finalize", h.transfer.ID)
	}

	// The artifact is written only after the disk is known to be
	// unlocked; it is the hand-off point to the conversion pipeline.
	if err := os.WriteFile(h.params.DiskIDFile, []byte(h.disk.ID), 0o644); err != nil {
		return fmt.Errorf("failed to write disk id file: %w", err)
	}

	h.log.Info().Str("disk_id", h.disk.ID).Msg("upload finalized")
	return nil
}
