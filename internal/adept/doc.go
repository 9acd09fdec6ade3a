// Package adept wraps the external Adobe ADEPT command-line tools used to
// fulfil .acsm vouchers: the device activation tool, the book downloader and
// the DRM removal tool. The tools are treated as opaque collaborators; this
// package only knows their arguments and exit codes.
package adept
