package ovirt

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/virt-tools/imageio-upload/internal/constants"
	"github.com/virt-tools/imageio-upload/internal/logging"
)

// vdsmIDPath identifies this machine to the engine. The file only exists
// on hosts enrolled in the oVirt environment.
const vdsmIDPath = "/etc/vdsm/vdsm.id"

// FinalizeResult distinguishes the outcomes of the finalize handshake so
// that the benign transfer-gone signal never travels through generic
// error handling.
type FinalizeResult int

const (
	// FinalizeComplete means the transfer finished and the disk unlocked.
	FinalizeComplete FinalizeResult = iota
	// FinalizeFailed means finalization did not complete in time or the
	// engine reported an error.
	FinalizeFailed
)

// Session drives a disk and its image transfer through their engine-side
// state machines. It owns no data-plane connection; that belongs to the
// imageio channel.
type Session struct {
	client *Client
	log    *logging.Logger

	// PollInterval and Timeout bound every status poll loop. They default
	// to constants.PollInterval / constants.StatusTimeout.
	PollInterval time.Duration
	Timeout      time.Duration

	// VdsmIDPath overrides the hardware-id file location. Tests use this.
	VdsmIDPath string
}

// NewSession creates a session on top of an engine client.
func NewSession(client *Client, log *logging.Logger) *Session {
	return &Session{
		client:       client,
		log:          log,
		PollInterval: constants.PollInterval,
		Timeout:      constants.StatusTimeout,
		VdsmIDPath:   vdsmIDPath,
	}
}

// Client returns the underlying engine client.
func (s *Session) Client() *Client {
	return s.client
}

// CreateDisk creates the disk and polls until it leaves the locked state.
// The transfer cannot start while the disk is locked, and a disk that
// never unlocks within the timeout is fatal.
func (s *Session) CreateDisk(ctx context.Context, create DiskCreate) (*Disk, error) {
	disk, err := s.client.CreateDisk(ctx, create)
	if err != nil {
		return nil, err
	}
	s.log.Debug().Str("disk_id", disk.ID).Msg("disk created")

	deadline := time.Now().Add(s.Timeout)
	for {
		if disk.Status == DiskStatusOK {
			return disk, nil
		}
		if time.Now().After(deadline) {
			return disk, fmt.Errorf("timed out waiting for disk %s to become unlocked (status %s)",
				disk.ID, disk.Status)
		}
		if err := sleepCtx(ctx, s.PollInterval); err != nil {
			return disk, err
		}
		disk, err = s.client.GetDisk(ctx, disk.ID)
		if err != nil {
			return nil, err
		}
		s.log.Debug().Str("disk_id", disk.ID).Str("status", string(disk.Status)).Msg("disk poll")
	}
}

// OpenTransfer creates an image transfer for the disk and polls until the
// phase leaves initializing. A non-nil host pins the transfer to that
// host; nil lets the engine choose. When direct is set a transfer that
// came back without a transfer_url is fatal, because the proxy fallback
// was explicitly not wanted.
func (s *Session) OpenTransfer(ctx context.Context, disk *Disk, host *HostRef, direct bool) (*Transfer, error) {
	transfer, err := s.client.CreateTransfer(ctx, TransferCreate{
		Disk:              DiskRef{ID: disk.ID},
		Host:              host,
		InactivityTimeout: constants.InactivityTimeoutSeconds,
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug().Str("transfer_id", transfer.ID).Msg("image transfer created")

	deadline := time.Now().Add(s.Timeout)
	for {
		if transfer.Phase != PhaseInitializing {
			break
		}
		if time.Now().After(deadline) {
			return transfer, fmt.Errorf("timed out waiting for transfer %s to leave initializing",
				transfer.ID)
		}
		if err := sleepCtx(ctx, s.PollInterval); err != nil {
			return transfer, err
		}
		transfer, err = s.client.GetTransfer(ctx, transfer.ID)
		if err != nil {
			return nil, err
		}
		s.log.Debug().Str("transfer_id", transfer.ID).Str("phase", string(transfer.Phase)).Msg("transfer poll")
	}

	if direct && transfer.TransferURL == "" {
		return transfer, fmt.Errorf("direct upload to host not supported: " +
			"requires ovirt-engine >= 4.2 and only works when run within the " +
			"oVirt environment, e.g. on an oVirt node")
	}

	return transfer, nil
}

// DestinationURL picks the data-plane endpoint for a transfer: the host's
// own URL for direct transfers, the proxy URL otherwise.
func DestinationURL(transfer *Transfer, direct bool) string {
	if direct {
		return transfer.TransferURL
	}
	return transfer.ProxyURL
}

// Finalize asks the engine to finalize the transfer and waits for
// completion. The engine deletes the transfer object when finalization
// succeeds, so the poll loop treats a not-found answer as the success
// signal, then waits for the disk to unlock.
//
// A mid-finalize network partition could in principle produce the same
// not-found answer for a different reason; the protocol gives no way to
// tell the cases apart, so the signal is trusted as-is.
func (s *Session) Finalize(ctx context.Context, transfer *Transfer, disk *Disk) (FinalizeResult, error) {
	if err := s.client.FinalizeTransfer(ctx, transfer.ID); err != nil {
		return FinalizeFailed, err
	}

	deadline := time.Now().Add(s.Timeout)
	for {
		if time.Now().After(deadline) {
			return FinalizeFailed, fmt.Errorf("timed out waiting for transfer %s to finalize", transfer.ID)
		}
		if err := sleepCtx(ctx, s.PollInterval); err != nil {
			return FinalizeFailed, err
		}
		t, err := s.client.GetTransfer(ctx, transfer.ID)
		if err != nil {
			if IsNotFound(err) {
				break
			}
			return FinalizeFailed, err
		}
		s.log.Debug().Str("transfer_id", t.ID).Str("phase", string(t.Phase)).Msg("finalize poll")
	}

	// The transfer is gone; wait for the disk to unlock before declaring
	// the upload durable.
	for {
		d, err := s.client.GetDisk(ctx, disk.ID)
		if err != nil {
			return FinalizeFailed, err
		}
		if d.Status == DiskStatusOK {
			return FinalizeComplete, nil
		}
		if time.Now().After(deadline) {
			return FinalizeFailed, fmt.Errorf("timed out waiting for disk %s to unlock after finalize (status %s)",
				disk.ID, d.Status)
		}
		if err := sleepCtx(ctx, s.PollInterval); err != nil {
			return FinalizeFailed, err
		}
	}
}

// CancelAndDelete is the cleanup path: pause the transfer and remove the
// disk so a failed upload leaves nothing behind. It runs while unwinding
// from other failures, so it never returns an error; each step's outcome
// is logged instead.
func (s *Session) CancelAndDelete(ctx context.Context, transfer *Transfer, disk *Disk) {
	if transfer != nil {
		if err := s.client.PauseTransfer(ctx, transfer.ID); err != nil {
			s.log.Debug().Err(err).Str("transfer_id", transfer.ID).Msg("cleanup: pause transfer failed")
		}
	}
	if disk != nil {
		if err := s.client.DeleteDisk(ctx, disk.ID); err != nil {
			s.log.Debug().Err(err).Str("disk_id", disk.ID).Msg("cleanup: delete disk failed")
		} else {
			s.log.Debug().Str("disk_id", disk.ID).Msg("cleanup: disk deleted")
		}
	}
}

// DeleteDisks removes a set of disks by id, best effort. Disks already
// gone are skipped silently; the rollback may race with other cleanup.
func (s *Session) DeleteDisks(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if err := s.client.DeleteDisk(ctx, id); err != nil {
			if IsNotFound(err) {
				continue
			}
			return fmt.Errorf("failed to delete disk %s: %w", id, err)
		}
		s.log.Info().Str("disk_id", id).Msg("disk deleted")
	}
	return nil
}

// FindLocalHost returns a reference to the host this process runs on, or
// nil when it cannot be determined. Every failure along the way is
// legitimate: machines outside the oVirt environment have no hardware id
// file, and an unregistered host is simply not found.
func (s *Session) FindLocalHost(ctx context.Context, storageName string) *HostRef {
	data, err := os.ReadFile(s.VdsmIDPath)
	if err != nil {
		s.log.Debug().Err(err).Msg("cannot read hardware id, using any host")
		return nil
	}
	hwID := strings.TrimSpace(string(data))
	if hwID == "" {
		return nil
	}

	dcs, err := s.client.SearchDataCenters(ctx, storageName)
	if err != nil || len(dcs) == 0 {
		s.log.Debug().Err(err).Str("storage", storageName).Msg("no data center for storage domain, using any host")
		return nil
	}

	hosts, err := s.client.SearchHosts(ctx, hwID, dcs[0].Name)
	if err != nil || len(hosts) == 0 {
		s.log.Debug().Err(err).Str("hw_id", hwID).Msg("local host not registered with engine, using any host")
		return nil
	}

	s.log.Debug().Str("host_id", hosts[0].ID).Msg("pinning transfer to local host")
	return &HostRef{ID: hosts[0].ID}
}

// sleepCtx sleeps for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
