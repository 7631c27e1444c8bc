// Package scanrelay connects scan requests issued by the API with tag reads reported by the
// operator's NFC device.
package scanrelay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/koppeltag/api/internal/domain"
	"github.com/koppeltag/api/internal/services"
)

var (
	// ErrNoPendingScan indicates a device reported a read nobody is waiting for.
	ErrNoPendingScan = errors.New("scanrelay: no pending scan for device")
	// ErrDeviceRequired indicates a blank device id.
	ErrDeviceRequired = errors.New("scanrelay: device id is required")
)

type outcome struct {
	tag string
	err error
}

type request struct {
	done chan outcome
}

func (r *request) resolve(o outcome) {
	r.done <- o
}

// Relay keeps at most one pending scan request per device. A request waits until the device
// delivers a tag, reports a failure, is cancelled or superseded, or the caller's context ends.
type Relay struct {
	mu      sync.Mutex
	pending map[string]*request
	logger  *zap.Logger
}

// Option configures a Relay.
type Option func(*Relay)

// WithLogger sets the logger used for superseded and orphaned reads.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Relay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

var _ services.ScanSideChannel = (*Relay)(nil)

// New returns an empty relay.
func New(opts ...Option) *Relay {
	r := &Relay{
		pending: make(map[string]*request),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// RequestScan blocks until the next read for deviceID. A later request for the same device
// cancels this one.
func (r *Relay) RequestScan(ctx context.Context, deviceID string) (string, error) {
	device := strings.TrimSpace(deviceID)
	if device == "" {
		return "", ErrDeviceRequired
	}
	req := &request{done: make(chan outcome, 1)}

	r.mu.Lock()
	if previous, ok := r.pending[device]; ok {
		previous.resolve(outcome{err: fmt.Errorf("%w: superseded by a newer request", services.ErrScanCancelled)})
		r.logger.Debug("scan request superseded", zap.String("device_id", device))
	}
	r.pending[device] = req
	r.mu.Unlock()

	select {
	case o := <-req.done:
		return o.tag, o.err
	case <-ctx.Done():
		if r.take(device, req) {
			return "", fmt.Errorf("%w: %w", services.ErrScanCancelled, ctx.Err())
		}
		// Resolved concurrently with the context ending; the outcome is already buffered.
		o := <-req.done
		return o.tag, o.err
	}
}

// Deliver completes the pending request of deviceID with tagID.
func (r *Relay) Deliver(deviceID, tagID string) error {
	tag := strings.TrimSpace(tagID)
	if tag == "" {
		return domain.ErrEmptyTag
	}
	return r.complete(deviceID, outcome{tag: tag})
}

// Fail completes the pending request of deviceID with a reader failure.
func (r *Relay) Fail(deviceID, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "reader error"
	}
	return r.complete(deviceID, outcome{err: fmt.Errorf("%w: %s", services.ErrScanFailed, reason)})
}

// CancelPendingScan cancels the pending request of deviceID, if any.
func (r *Relay) CancelPendingScan(deviceID string) {
	err := r.complete(deviceID, outcome{err: services.ErrScanCancelled})
	if err != nil && !errors.Is(err, ErrNoPendingScan) {
		r.logger.Debug("cancel scan ignored", zap.String("device_id", deviceID), zap.Error(err))
	}
}

// Pending reports whether a request is waiting for deviceID.
func (r *Relay) Pending(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[strings.TrimSpace(deviceID)]
	return ok
}

func (r *Relay) complete(deviceID string, o outcome) error {
	device := strings.TrimSpace(deviceID)
	if device == "" {
		return ErrDeviceRequired
	}
	r.mu.Lock()
	req, ok := r.pending[device]
	if ok {
		delete(r.pending, device)
	}
	r.mu.Unlock()
	if !ok {
		r.logger.Debug("scan read without pending request", zap.String("device_id", device))
		return ErrNoPendingScan
	}
	req.resolve(o)
	return nil
}

// take removes req if it is still the pending request of device.
func (r *Relay) take(device string, req *request) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending[device] != req {
		return false
	}
	delete(r.pending, device)
	return true
}
