package blockdev

import (
	"context"

	"github.com/virt-tools/imageio-upload/internal/imageio"
)

// fail is the single path every unexpected data-plane response takes: it
// marks the handle failed, pauses the transfer so the engine stops its
// inactivity countdown, logs the full response body at debug level, and
// hands the classified error back to the caller. The error itself carries
// only a short body prefix. After fail returns, the handle accepts no
// further data operations; Close will clean up the remote disk.
func (h *Handle) fail(ctx context.Context, err error) error {
	h.failed = true

	if h.transfer != nil {
		cleanupCtx := context.WithoutCancel(ctx)
		if perr := h.session.Client().PauseTransfer(cleanupCtx, h.transfer.ID); perr != nil {
			h.log.Debug().Err(perr).Str("transfer_id", h.transfer.ID).Msg("failed to pause transfer")
		}
	}

	if reqErr, ok := imageio.AsRequestError(err); ok {
		h.log.Debug().
			Str("op", reqErr.Op).
			Int("status", reqErr.Status).
			Str("reason", reqErr.Reason).
			Bytes("body", reqErr.Body).
			Msg("unexpected response from imageio server")
	} else {
		h.log.Debug().Err(err).Msg("data-plane request failed")
	}

	return err
}

// cleanupOnFailure deletes the remote disk, best effort. It runs while
// unwinding from other failures and therefore never propagates anything;
// outcomes are logged so the cause stays observable.
func (h *Handle) cleanupOnFailure(ctx context.Context) {
	if h.disk == nil {
		return
	}
	h.session.CancelAndDelete(context.WithoutCancel(ctx), h.transfer, h.disk)
}
