// Package embedded runs the vendor capture engine in-process.
//
// Vendor engine modules make themselves available by calling [Register]
// with their script URL, typically from an init function, the same way
// database/sql drivers do. A [Loader] resolves a URL to a [Module]; the
// process-wide [SharedLoader] memoizes each load so repeated sessions never
// fetch the module twice.
//
// [Transport] implements [capture.Transport]. It constructs the vendor
// [App], installs handlers on its mutable [Callbacks] object and translates
// the untyped payloads into typed [capture.Sink] calls.
package embedded
