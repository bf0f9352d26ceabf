//go:build !debug

// Package debug provides assertions that compile to no-ops in release
// builds and become active checks when built with `-tags debug`.
package debug

func ON() bool { return false }

func Assert(_ bool, _ ...any)            {}
func Assertf(_ bool, _ string, _ ...any) {}
func AssertNoErr(_ error)                {}
