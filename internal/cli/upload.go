package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/virt-tools/imageio-upload/internal/blockdev"
	"github.com/virt-tools/imageio-upload/internal/constants"
)

// newUploadCmd creates the upload command: stream a local raw image into
// a new disk. This is the standalone driver for the plugin library; a
// conversion pipeline embedding the library calls blockdev directly.
func newUploadCmd() *cobra.Command {
	var imagePath string

	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Upload a raw disk image to a new disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpload(cmd.Context(), imagePath)
		},
	}

	cmd.Flags().StringVar(&imagePath, "image", "", "path to the raw disk image (required)")
	_ = cmd.MarkFlagRequired("image")

	return cmd
}

func runUpload(ctx context.Context, imagePath string) error {
	params, err := loadParams()
	if err != nil {
		return err
	}

	f, err := os.Open(imagePath)
	if err != nil {
		return fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat image: %w", err)
	}
	if params.DiskSize == 0 {
		params.DiskSize = info.Size()
	}
	if info.Size() > params.DiskSize {
		return fmt.Errorf("image size %d exceeds declared disk size %d", info.Size(), params.DiskSize)
	}

	h, err := blockdev.Open(ctx, params, logger)
	if err != nil {
		return err
	}

	if err := streamImage(ctx, h, f, info.Size()); err != nil {
		// Close on a failed handle removes the remote disk.
		_ = h.Close(ctx)
		return err
	}

	if err := h.Close(ctx); err != nil {
		return err
	}

	logger.Info().Str("disk_id", h.DiskID()).Str("diskid_file", params.DiskIDFile).Msg("upload complete")
	return nil
}

// streamImage copies the image through the block-device surface, turning
// all-zero chunks into Zero calls so sparse images stay sparse.
func streamImage(ctx context.Context, h *blockdev.Handle, r io.Reader, size int64) error {
	bar := progressbar.DefaultBytes(size, "uploading")
	defer bar.Close()

	buf := make([]byte, constants.UploadChunkSize)
	var offset int64

	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			chunk := buf[:n]
			if isZero(chunk) {
				if zerr := h.Zero(ctx, int64(n), offset, true); zerr != nil {
					return zerr
				}
			} else {
				if werr := h.Pwrite(ctx, chunk, offset); werr != nil {
					return werr
				}
			}
			offset += int64(n)
			_ = bar.Add(n)
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return fmt.Errorf("failed to read image: %w", err)
		}
	}

	return h.Flush(ctx)
}

// isZero reports whether the buffer contains only zero bytes.
func isZero(buf []byte) bool {
	for _, b := range buf {
		if b != 0 {
			return false
		}
	}
	return true
}
