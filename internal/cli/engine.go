package cli

import (
	"errors"

	"github.com/virt-tools/imageio-upload/internal/config"
	"github.com/virt-tools/imageio-upload/internal/ovirt"
)

// connectSession builds an engine session from the connection-related
// params. The precheck and delete-disks commands use this directly; the
// upload command goes through blockdev.Open, which owns its session and
// validates the full parameter set.
func connectSession(params *config.Params) (*ovirt.Session, error) {
	if params.OutputConn == "" {
		return nil, config.ErrMissingOutputConn
	}
	if params.RhvCAFile == "" && !params.Insecure {
		return nil, config.ErrMissingCAFile
	}

	password, err := params.ReadPassword()
	if err != nil {
		return nil, err
	}
	if password == "" {
		return nil, errors.New("engine password is empty")
	}

	client, err := ovirt.NewClient(ovirt.ClientOptions{
		URL:      params.OutputConn,
		Username: params.Username(),
		Password: password,
		CAFile:   params.RhvCAFile,
		Insecure: params.Insecure,
	}, logger)
	if err != nil {
		return nil, err
	}

	return ovirt.NewSession(client, logger), nil
}
