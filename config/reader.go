package config

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/a8m/envsubst"
	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
)

// Read reads a config from the given file. ${VAR} references are substituted from the
// environment before parsing. Fields the file omits keep their defaults.
func Read(filePath string) (*Config, error) {
	buf, err := envsubst.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	cfg, err := FromReader(bytes.NewReader(buf))
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", filePath)
	}
	cfg.ConfigFilePath = filePath
	return cfg, nil
}

// FromReader decodes and validates a JSON config.
func FromReader(r io.Reader) (*Config, error) {
	var raw map[string]interface{}
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, errors.Wrap(err, "failed to decode Config from json")
	}
	cfg := Default()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:     "json",
		Squash:      true,
		ErrorUnused: true,
		Result:      &cfg,
		DecodeHook:  mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, errors.Wrap(err, "failed to decode Config")
	}
	if err := cfg.Validate(""); err != nil {
		return nil, err
	}
	return &cfg, nil
}
