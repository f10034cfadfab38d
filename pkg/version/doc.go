// Package version implements the Hangar package version model: a bounded
// three part numeric triple with an optional alpha/beta prerelease ordinal.
//
// Versions parse from and format to the canonical "M.m.p[{a|b}N]" form, and
// order with prereleases sorting before their corresponding release.
package version
