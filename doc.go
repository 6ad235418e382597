/*
Package rustupmirror is a tool for mirroring Rust distribution channels.

rustup-mirror keeps a selective copy of static.rust-lang.org that rustup
can install from:
  - Channel manifests filtered to the configured targets, platforms and components
  - Installer and tarball formats chosen per platform
  - A .sha256 record next to every file, trusted on the next run
  - PGP verification of upstream manifests
  - Dated manifest copies with retention and garbage collection
  - Upload of the mirror tree to S3-compatible storage

The main packages are:

	github.com/mirrorctl/rustup-mirror/internal/dist     - Manifest model, package formats and hash records
	github.com/mirrorctl/rustup-mirror/internal/mirror   - Filtering, fetching and publishing channels
	github.com/mirrorctl/rustup-mirror/internal/export   - Upload of mirror roots to S3
	github.com/mirrorctl/rustup-mirror/cmd/rustup-mirror - Command-line interface
*/
package rustupmirror
