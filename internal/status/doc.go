// Package status serves the agent's local control surface: health, callback
// counters, the pending retry log, recent pipeline events, loopback ingest of
// callback records and, optionally, pprof.
package status
