package api

import (
	"flag"

	"github.com/pkg/errors"

	"github.com/rtds-project/rtds/pkg/util"
)

type Config struct {
	// MaxUploadBytes bounds the size of an uploaded config workbook.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.Int64Var(&cfg.MaxUploadBytes, util.PrefixConfig(prefix, "max-upload-bytes"), 16<<20, "Largest accepted config workbook upload.")
}

func (cfg *Config) Validate() error {
	if cfg.MaxUploadBytes <= 0 {
		return errors.New("max upload size must be positive")
	}
	return nil
}
