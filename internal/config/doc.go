// Package config loads and validates the realtime service configuration.
//
// Configuration is YAML with ${VAR} environment expansion, loaded once at
// startup. Optional fields get defaults via applyDefaults; Validate
// rejects configurations that cannot run.
package config
