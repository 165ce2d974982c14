//go:build !linux || !(amd64 || 386)

package native

import (
	"context"
	"errors"
	"time"

	"github.com/immunityinc/libptrace/pkg/proc"
)

var ErrNativeBackendDisabled = errors.New("native backend disabled during compilation")

// Config tunes the backend.
type Config struct {
	PollInterval    time.Duration
	ExportCacheSize int
}

// Backend is not available on this platform.
type Backend struct{}

// New returns ErrNativeBackendDisabled.
func New(cfg Config) (*Backend, error) {
	return nil, ErrNativeBackendDisabled
}

// Launch returns ErrNativeBackendDisabled.
func (b *Backend) Launch(cmd []string, opts proc.LaunchOptions) (proc.Session, error) {
	return nil, ErrNativeBackendDisabled
}

// Attach returns ErrNativeBackendDisabled.
func (b *Backend) Attach(pid int) (proc.Session, error) {
	return nil, ErrNativeBackendDisabled
}

// Wait returns ErrNativeBackendDisabled.
func (b *Backend) Wait(ctx context.Context) (*proc.Stop, error) {
	return nil, ErrNativeBackendDisabled
}
