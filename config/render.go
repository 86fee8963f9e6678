package config

import (
	"github.com/pelletier/go-toml/v2"

	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/errors"
)

const redacted = "********"

// Render serialises the effective configuration as TOML with credentials
// redacted.
func Render(cfg *Config) ([]byte, error) {
	out := *cfg
	if out.Transfer.S3.AccessKeyID != "" {
		out.Transfer.S3.AccessKeyID = redacted
	}
	if out.Transfer.S3.SecretAccessKey != "" {
		out.Transfer.S3.SecretAccessKey = redacted
	}

	data, err := toml.Marshal(out)
	if err != nil {
		return nil, errors.Wrap(err, "failed to render config")
	}
	return data, nil
}
