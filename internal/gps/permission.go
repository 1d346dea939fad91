package gps

import (
	"errors"
	"os"
)

// ErrPermissionDenied marks a start attempt without location access.
var ErrPermissionDenied = errors.New("gps: location permission not granted")

// Permission decides whether the sampler may read location at all.
type Permission interface {
	LocationAllowed() bool
}

// StaticPermission is a fixed grant, usually taken from config.
type StaticPermission bool

func (p StaticPermission) LocationAllowed() bool { return bool(p) }

// DevicePermission grants access when the GPS device node exists and its
// permission bits allow reading.
type DevicePermission struct {
	Path string
}

func (p DevicePermission) LocationAllowed() bool {
	info, err := os.Stat(p.Path)
	if err != nil {
		return false
	}
	return info.Mode().Perm()&0o444 != 0
}
