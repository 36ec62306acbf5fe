// Package jokes loads one-joke-per-line resources and picks from them.
//
// The resource is re-read on every call: it is small, read-only, and this way
// edits to it show up without a restart. Sources are a local file or an S3
// object, optionally located through an SSM parameter at startup.
package jokes
