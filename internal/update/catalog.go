package update

import (
	"encoding/json"
	"fmt"
	"time"
)

// File types published in the catalog.
const (
	// FileTypeFirmwareDFU is the full recovery-mode flash image.
	FileTypeFirmwareDFU = "firmware-dfu"

	// FileTypeFirmwareBundle is the normal-mode update bundle.
	FileTypeFirmwareBundle = "firmware-bundle"

	// FileTypeRadioStack is the wireless co-processor firmware image.
	FileTypeRadioStack = "radio-stack"

	// FileTypeAssets is the resource archive unpacked onto device storage.
	FileTypeAssets = "assets"
)

// TargetAny marks a file that fits every hardware revision.
const TargetAny = "any"

// FileDescriptor is one downloadable artifact belonging to a version.
type FileDescriptor struct {
	Type   string `json:"type"`
	Target string `json:"target"`
	URL    string `json:"url"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// VersionDescriptor describes one published firmware version on a channel.
type VersionDescriptor struct {
	Version   string           `json:"version"`
	Channel   string           `json:"channel"`
	Changelog string           `json:"changelog"`
	Timestamp int64            `json:"timestamp"`
	Files     []FileDescriptor `json:"files"`
}

// Date returns the publication time of the version.
func (v VersionDescriptor) Date() time.Time {
	return time.Unix(v.Timestamp, 0).UTC()
}

// FileFor returns the file of the given type that fits the hardware target.
// A file published for TargetAny matches every target. Returns ErrNoFile
// when the version carries nothing suitable.
func (v VersionDescriptor) FileFor(fileType, target string) (FileDescriptor, error) {
	var fallback *FileDescriptor
	for i := range v.Files {
		f := &v.Files[i]
		if f.Type != fileType {
			continue
		}
		if f.Target == target {
			return *f, nil
		}
		if f.Target == TargetAny {
			fallback = f
		}
	}
	if fallback != nil {
		return *fallback, nil
	}
	return FileDescriptor{}, fmt.Errorf("%w: type %q target %q in version %s",
		ErrNoFile, fileType, target, v.Version)
}

// Channel is one release channel in the directory.
type Channel struct {
	ID          string              `json:"id"`
	Title       string              `json:"title"`
	Description string              `json:"description"`
	Versions    []VersionDescriptor `json:"versions"`
}

// Latest returns the newest version on the channel, preferring the version
// string ordering and falling back to publication time when the strings
// do not order (development builds).
func (c Channel) Latest() (VersionDescriptor, error) {
	if len(c.Versions) == 0 {
		return VersionDescriptor{}, fmt.Errorf("%w: %s", ErrNoVersions, c.ID)
	}

	latest := c.Versions[0]
	for _, v := range c.Versions[1:] {
		switch Compare(v.Version, latest.Version) {
		case 1:
			latest = v
		case 0:
			if v.Timestamp > latest.Timestamp {
				latest = v
			}
		}
	}
	return latest, nil
}

// Directory is the root catalog document.
type Directory struct {
	Channels []Channel `json:"channels"`
}

// Channel returns the channel with the given id.
func (d Directory) Channel(id string) (Channel, error) {
	for _, c := range d.Channels {
		if c.ID == id {
			return c, nil
		}
	}
	return Channel{}, fmt.Errorf("%w: %s", ErrChannelNotFound, id)
}

// ParseDirectory decodes and validates a directory document.
//
// Validation is deliberately strict: a catalog with a malformed entry is
// rejected wholesale rather than partially accepted, so a bad publish can
// never make the daemon offer a half-described version.
func ParseDirectory(data []byte) (Directory, error) {
	var dir Directory
	if err := json.Unmarshal(data, &dir); err != nil {
		return Directory{}, fmt.Errorf("decoding directory: %w", err)
	}

	if len(dir.Channels) == 0 {
		return Directory{}, ErrEmptyCatalog
	}

	for _, c := range dir.Channels {
		if c.ID == "" {
			return Directory{}, fmt.Errorf("channel with empty id")
		}
		for _, v := range c.Versions {
			if v.Version == "" {
				return Directory{}, fmt.Errorf("channel %s: version with empty version string", c.ID)
			}
			for _, f := range v.Files {
				if f.Type == "" || f.URL == "" {
					return Directory{}, fmt.Errorf("channel %s version %s: file with empty type or url", c.ID, v.Version)
				}
			}
		}
	}

	// Stamp each version with its channel so a VersionDescriptor is
	// self-describing once it leaves the directory.
	for ci := range dir.Channels {
		for vi := range dir.Channels[ci].Versions {
			dir.Channels[ci].Versions[vi].Channel = dir.Channels[ci].ID
		}
	}

	return dir, nil
}
