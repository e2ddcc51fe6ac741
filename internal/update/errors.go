package update

import "errors"

// Domain errors for the update package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, update.ErrChannelNotFound) {
//	    // handle unknown channel
//	}
var (
	// ErrEmptyCatalog is returned when the directory document contains no channels.
	ErrEmptyCatalog = errors.New("update: empty catalog")

	// ErrChannelNotFound is returned when the configured channel is absent
	// from the fetched directory.
	ErrChannelNotFound = errors.New("update: channel not found")

	// ErrNoVersions is returned when a channel carries no versions.
	ErrNoVersions = errors.New("update: channel has no versions")

	// ErrNoFile is returned when a version has no file matching the
	// requested type and hardware target.
	ErrNoFile = errors.New("update: no matching file")

	// ErrChecksumMismatch is returned when a downloaded artifact does not
	// match its published SHA-256 digest.
	ErrChecksumMismatch = errors.New("update: checksum mismatch")

	// ErrNotReady is returned when the latest version is requested before a
	// successful catalog fetch.
	ErrNotReady = errors.New("update: catalog not ready")
)
