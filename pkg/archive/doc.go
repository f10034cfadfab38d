// Package archive validates and repacks uploaded version archives. It
// enforces the layout rules (package-id directory, no pre-existing
// manifest, no symlinks or executables), synthesizes the manifest, copies
// in default lifecycle scripts, and produces the canonical output zip with
// its hash and size measurements.
package archive
