// Package vitals defines the vendor result payload and the stable,
// strongly typed record the rest of the application consumes.
//
// [Normalize] is a pure, total mapping: every known vendor point becomes a
// typed field, absent or non-numeric points become nil (never 0), and
// unknown points are kept verbatim in [Result.Extra].
package vitals
