// Package common provides shared constants and logger setup for the
// trustplane services.
package common

// PackageName identifies this service in metrics and logs.
const PackageName = "trustplane"

// Version is set at build time via -ldflags.
var Version = "dev"
