package factory

import (
	"os"

	"github.com/asaskevich/govalidator"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/simpleswitch/go-ss2/internal/flow"
	"github.com/simpleswitch/go-ss2/internal/logger"
)

var SS2Config *Config

// InitConfigFactory reads and decodes the YAML file f into cfg.
func InitConfigFactory(f string, cfg *Config) error {
	if f == "" {
		f = SS2DefaultConfigPath
	}

	content, err := os.ReadFile(f)
	if err != nil {
		return errors.Wrapf(err, "read config [%s]", f)
	}
	logger.CfgLog.Infof("Read config from [%s]", f)

	if err := yaml.UnmarshalStrict(content, cfg); err != nil {
		return errors.Wrapf(flow.ErrInvalidConfiguration, "decode config [%s]: %v", f, err)
	}
	return nil
}

// ReadConfig loads, validates and semantically checks a config file. Every
// validation failure matches flow.ErrInvalidConfiguration.
func ReadConfig(cfgPath string) (*Config, error) {
	cfg := &Config{}
	if err := InitConfigFactory(cfgPath, cfg); err != nil {
		return nil, errors.Wrapf(err, "ReadConfig [%s]", cfgPath)
	}

	if err := cfg.Validate(); err != nil {
		if validErrs, ok := err.(govalidator.Errors); ok {
			for _, validErr := range validErrs.Errors() {
				logger.CfgLog.Errorf("%+v", validErr)
			}
			logger.CfgLog.Errorf("[-- PLEASE REFER TO SAMPLE CONFIG FILE COMMENTS --]")
			return nil, errors.Wrapf(flow.ErrInvalidConfiguration, "ReadConfig [%s]: %v", cfgPath, err)
		}
		return nil, errors.Wrapf(err, "ReadConfig [%s]", cfgPath)
	}

	p, err := cfg.Policy()
	if err != nil {
		return nil, errors.Wrapf(err, "ReadConfig [%s]", cfgPath)
	}
	if err := p.Validate(); err != nil {
		return nil, errors.Wrapf(err, "ReadConfig [%s]", cfgPath)
	}
	return cfg, nil
}
