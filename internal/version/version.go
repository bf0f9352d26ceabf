// Package version carries the daemon version, reported in heartbeats
// and compared against the scheduler's minimum acceptable version.
package version

// ForUpgrade is bumped whenever daemons must be upgraded in lockstep;
// the scheduler may refuse anything older.
const ForUpgrade = 2

// String is the human-readable build version served by get_version.
const String = "yadcc-go/0.2"
