// Package config handles configuration loading for the headspace gateway.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. The file extension picks the decoder (.toml is TOML, anything
// else is YAML). Defaults are applied after decoding, then Validate runs.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from HEADSPACE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/headspace/gateway.yaml
//  3. ~/.config/headspace/gateway.yaml
//
// # Environment Variable Expansion
//
//	database:
//	  dsn: "${HEADSPACE_DATABASE_URL}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	locks:
//	  hook_timeout: "5s"     # blocking AGENT lock wait on the hook path
//	  max_waiters: 32        # concurrent blocking waiters before failing fast
//	  stale_after: "10m"     # sqlite lock table only
//
//	reaper:
//	  enabled: true
//	  interval: "1m"
//	  inactivity_timeout: "4h"
//
// # Database
//
//	database:
//	  driver: "postgres"   # postgres | sqlite
//	  dsn: "postgres://headspace@localhost:5432/headspace"
//	  max_conns: 10
//
// The sqlite driver keeps advisory locks in a table of the same database
// file, so it only coordinates processes on one host.
package config
