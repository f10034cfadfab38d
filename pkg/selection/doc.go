// Package selection parses and evaluates version selection expressions, the
// textual predicates used for package dependencies, incompatibilities and
// host platform ranges.
package selection
