package sentry

import (
	"strings"
	"sync"

	uuid "github.com/satori/go.uuid"
)

var (
	cachedDeviceID string
	deviceIDOnce   sync.Once
)

// GetAnonymousDeviceID returns a per-process anonymous id used to group
// crash reports without identifying the installation. 32 hex chars.
func GetAnonymousDeviceID() string {
	deviceIDOnce.Do(func() {
		id := uuid.Must(uuid.NewV4())
		cachedDeviceID = strings.ReplaceAll(id.String(), "-", "")
	})
	return cachedDeviceID
}
