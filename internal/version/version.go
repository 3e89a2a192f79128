// SPDX-License-Identifier: MIT

package version

var (
	// Version is the daemon version, stamped by the build (ldflags).
	Version = "v0.1.0-dev"

	// Commit is the git short hash of the build.
	Commit = "unknown"

	// Date is the build timestamp.
	Date = "unknown"
)
