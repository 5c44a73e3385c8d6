// Package config loads connwatch configuration from YAML.
//
// ${VAR} references are expanded from the environment before parsing, so
// tokens and database passwords can stay out of the file.
package config
