// Package transport moves replica bytes between local files and storage
// elements. A Mux dispatches to one driver per protocol and tries the
// element's protocols in order.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"sync"
	"time"

	"gridxfer/pkg/types"

	"go.uber.org/zap"
)

const (
	ProtocolFile = "file"
	ProtocolGRPC = "grpc"
)

// Client is what the transfer coordinators need from the storage layer.
type Client interface {
	// Get fetches a replica into dest, or into a new temporary file when dest
	// is empty, and returns the path written.
	Get(ctx context.Context, replica *types.PhysicalReplica, dest string) (string, error)
	// Put stores local as the replica and returns the confirmation token. An
	// empty token means the original envelope stands as confirmation.
	Put(ctx context.Context, replica *types.PhysicalReplica, local string) (string, error)
	Delete(ctx context.Context, replica *types.PhysicalReplica) (bool, error)
}

// Driver speaks one protocol to one endpoint at a time.
type Driver interface {
	Get(ctx context.Context, endpoint string, replica *types.PhysicalReplica, dest string) error
	Put(ctx context.Context, endpoint string, replica *types.PhysicalReplica, local string) (string, error)
	Delete(ctx context.Context, endpoint string, replica *types.PhysicalReplica) (bool, error)
	Close() error
}

// Observer is told about every transfer against a storage element.
type Observer interface {
	TransferStarted(element types.ElementName)
	TransferFinished(element types.ElementName, err error)
}

type Options struct {
	// Per attempt; zero means no limit
	Timeout        time.Duration
	MaxMessageSize int
	// Element connections use TLS when set
	TLS *tls.Config
	// Optional
	Observer Observer
}

// Mux implements Client over the registered drivers.
type Mux struct {
	opts   Options
	logger *zap.Logger

	mu      sync.RWMutex
	drivers map[string]Driver
}

func NewMux(opts Options, logger *zap.Logger) *Mux {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mux{
		opts:    opts,
		logger:  logger,
		drivers: make(map[string]Driver),
	}
}

// NewDefaultMux registers the file and grpc drivers.
func NewDefaultMux(opts Options, logger *zap.Logger) *Mux {
	m := NewMux(opts, logger)
	m.Register(ProtocolFile, NewFileDriver())
	m.Register(ProtocolGRPC, NewGRPCDriver(opts, logger.Named("grpc")))
	return m
}

func (m *Mux) Register(protocol string, d Driver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[protocol] = d
}

func (m *Mux) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for proto, d := range m.drivers {
		if err := d.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close %s driver: %w", proto, err)
		}
	}
	return firstErr
}

func (m *Mux) Get(ctx context.Context, replica *types.PhysicalReplica, dest string) (string, error) {
	if !replica.Actionable() {
		return "", types.Errorf(types.CodePermissionDenied, "get", "replica %s has no ticket", replica)
	}

	temporary := dest == ""
	if temporary {
		f, err := os.CreateTemp("", "gridxfer-get-*")
		if err != nil {
			return "", types.NewError(types.CodeInternal, "get", "", fmt.Errorf("failed to create temporary file: %w", err))
		}
		dest = f.Name()
		f.Close()
	}

	err := m.each(ctx, "get", replica, func(ctx context.Context, d Driver, endpoint string) error {
		return d.Get(ctx, endpoint, replica, dest)
	})
	if err != nil {
		if temporary {
			os.Remove(dest)
		}
		return "", err
	}
	return dest, nil
}

func (m *Mux) Put(ctx context.Context, replica *types.PhysicalReplica, local string) (string, error) {
	if !replica.Actionable() {
		return "", types.Errorf(types.CodePermissionDenied, "put", "replica %s has no ticket", replica)
	}

	var token string
	err := m.each(ctx, "put", replica, func(ctx context.Context, d Driver, endpoint string) error {
		t, err := d.Put(ctx, endpoint, replica, local)
		token = t
		return err
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

func (m *Mux) Delete(ctx context.Context, replica *types.PhysicalReplica) (bool, error) {
	if !replica.Actionable() {
		return false, types.Errorf(types.CodePermissionDenied, "delete", "replica %s has no ticket", replica)
	}

	var deleted bool
	err := m.each(ctx, "delete", replica, func(ctx context.Context, d Driver, endpoint string) error {
		ok, err := d.Delete(ctx, endpoint, replica)
		deleted = ok
		return err
	})
	return deleted, err
}

// each tries the element's protocols in order until one succeeds. An
// authorization failure stops the walk since another protocol presents the
// same ticket.
func (m *Mux) each(ctx context.Context, op string, replica *types.PhysicalReplica, fn func(context.Context, Driver, string) error) (err error) {
	if obs := m.opts.Observer; obs != nil {
		obs.TransferStarted(replica.Element.Name)
		defer func() { obs.TransferFinished(replica.Element.Name, err) }()
	}

	var lastErr error
	tried := 0

	for _, proto := range replica.Element.Protocols {
		m.mu.RLock()
		d, ok := m.drivers[proto]
		m.mu.RUnlock()
		endpoint := replica.Element.Endpoints[proto]
		if !ok || endpoint == "" {
			continue
		}
		tried++

		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if m.opts.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, m.opts.Timeout)
		}
		err := fn(attemptCtx, d, endpoint)
		cancel()
		if err == nil {
			return nil
		}

		err = classify(op, replica, err)
		m.logger.Debug("Transport attempt failed",
			zap.String("op", op),
			zap.String("protocol", proto),
			zap.String("replica", replica.String()),
			zap.Error(err))
		lastErr = err
		if types.IsCode(err, types.CodePermissionDenied) {
			break
		}
	}

	if tried == 0 {
		return types.Errorf(types.CodeTransportFailure, op, "no usable protocol for %s (offers %v)", replica.Element.Name, replica.Element.Protocols)
	}
	return lastErr
}
