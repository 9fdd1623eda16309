package core

import "time"

// Namespace identifies one artifact class with its own key prefix and TTL.
type Namespace string

// Cache namespaces. Keys from different namespaces never collide because the
// namespace is part of the storage key.
const (
	NamespaceScreenshot Namespace = "screenshot"
	NamespaceOG         Namespace = "og"
	NamespaceFont       Namespace = "font"
	NamespaceFavicon    Namespace = "favicon"
	NamespaceMeta       Namespace = "meta"
)

// ColorScheme selects the emulated prefers-color-scheme media feature.
type ColorScheme string

// Supported color schemes.
const (
	ColorSchemeLight ColorScheme = "light"
	ColorSchemeDark  ColorScheme = "dark"
)

// DeviceClass selects the emulated device category.
type DeviceClass string

// Supported device classes.
const (
	DeviceDesktop DeviceClass = "desktop"
	DeviceMobile  DeviceClass = "mobile"
)

// ImageFormat is the capture output encoding.
type ImageFormat string

// Supported capture formats.
const (
	FormatPNG  ImageFormat = "png"
	FormatJPEG ImageFormat = "jpeg"
)

// Fingerprint is the tuple that decides whether an existing rendering
// context can serve a request without reconstruction. Two requests with
// different fingerprints never share a context.
type Fingerprint struct {
	Width       int
	Height      int
	ColorScheme ColorScheme
	DeviceClass DeviceClass
}

// Normalize fills zero fields with defaults so equal requests produce equal
// fingerprints.
func (f Fingerprint) Normalize() Fingerprint {
	if f.Width <= 0 {
		f.Width = 1280
	}
	if f.Height <= 0 {
		f.Height = 720
	}
	if f.ColorScheme == "" {
		f.ColorScheme = ColorSchemeLight
	}
	if f.DeviceClass == "" {
		f.DeviceClass = DeviceDesktop
	}
	return f
}

// RenderOptions describes one capture operation.
type RenderOptions struct {
	URL         string
	Fingerprint Fingerprint
	FullPage    bool
	Format      ImageFormat
	Quality     int
	Timeout     time.Duration
}

// CacheOutcome reports the result of one key within a batch operation.
// Batches are never all-or-nothing; each key carries its own outcome.
type CacheOutcome struct {
	Key   string
	Value []byte
	Found bool
	Err   error
}

// RenderEvent is the audit record written after each render operation.
type RenderEvent struct {
	ID         string
	Key        string
	URL        string
	Namespace  Namespace
	Bytes      int
	DurationMs int64
	CacheHit   bool
	CreatedAt  time.Time
}
