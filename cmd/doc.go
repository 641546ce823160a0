// Package cmd implements the command-line interface of dStripe. It provides
// commands to inspect the mapping of file ranges to stripes and to exercise
// the lock hierarchy with a simulated workload.
//
// The package is organized into several subpackages:
//
//   - layout: the map command, shows how a file range is split into stripe extents
//   - simulate: runs a randomized workload with fault injection and audits the locks afterwards
//   - serve: runs a workload continuously and exposes metrics and lock tables over HTTP
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// Every flag can also be set as environment variable DSTRIPE_<flag> (for
// example DSTRIPE_STRIPE_COUNT=8), .env and .env.local are loaded on start.
//
// See dstripe -help for a list of all commands.
package cmd
