// Package deployment provides pure functions for laying out a deployment on
// the host.
//
// # Functions
//
//   - Layout: derive working directory, marker files and backup paths (Layout.For)
//   - Ports: describe and walk the probe range (PortRange, Candidates)
//   - Environment: build the child process environment (ProcessEnv, SubstituteVariables)
//
// # Usage
//
// The imperative shell (internal/shell/launcher, internal/shell/supervisor)
// derives every path from these functions instead of storing them, so a
// restarted host finds the same markers.
//
//	paths := deployment.Layout{Root: root}.For(d.Owner, d.SafeID)
//	for port := range portRange.Candidates(nil) { ... }
package deployment
