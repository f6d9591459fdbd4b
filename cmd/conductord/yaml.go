package main

import (
	"io"

	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/conductor/config"
)

func printYAML(w io.Writer, cfg *config.Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()
	redacted := *cfg
	if redacted.LLM.APIKey != "" {
		redacted.LLM.APIKey = "[REDACTED]"
	}
	return enc.Encode(&redacted)
}
