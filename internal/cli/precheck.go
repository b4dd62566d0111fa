package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// newPrecheckCmd creates the precheck command: verify before any remote
// state is created that the import can proceed. Run ahead of upload so a
// late name clash does not waste a full disk transfer.
func newPrecheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "precheck",
		Short: "Verify the import can proceed on the target engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := loadParams()
			if err != nil {
				return err
			}
			if params.OutputName == "" {
				return errors.New("output_name is required for precheck")
			}

			session, err := connectSession(params)
			if err != nil {
				return err
			}

			vms, err := session.Client().SearchVMs(cmd.Context(), params.OutputName)
			if err != nil {
				return err
			}
			if len(vms) > 0 {
				return fmt.Errorf("VM already exists with name %q, id %q",
					params.OutputName, vms[0].ID)
			}

			logger.Info().Str("name", params.OutputName).Msg("precheck passed")
			return nil
		},
	}
}
