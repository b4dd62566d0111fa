package cli

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// newDeleteDisksCmd creates the delete-disks command: remove the disks a
// failed import left behind, identified by the disk_uuids parameter.
func newDeleteDisksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-disks",
		Short: "Remove disks left behind by a failed import",
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := loadParams()
			if err != nil {
				return err
			}
			if len(params.DiskUUIDs) == 0 {
				return errors.New("disk_uuids is required for delete-disks")
			}
			for _, id := range params.DiskUUIDs {
				if _, err := uuid.Parse(id); err != nil {
					return fmt.Errorf("invalid disk uuid %q: %w", id, err)
				}
			}

			session, err := connectSession(params)
			if err != nil {
				return err
			}

			return session.DeleteDisks(cmd.Context(), params.DiskUUIDs)
		},
	}
}
