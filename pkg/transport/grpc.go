package transport

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sync"

	"gridxfer/pkg/element"
	"gridxfer/pkg/types"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// GRPCDriver talks to storage element servers. Connections are kept per
// endpoint and reused.
type GRPCDriver struct {
	maxMessageSize int
	tlsConfig      *tls.Config
	logger         *zap.Logger

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

func NewGRPCDriver(opts Options, logger *zap.Logger) *GRPCDriver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GRPCDriver{
		maxMessageSize: opts.MaxMessageSize,
		tlsConfig:      opts.TLS,
		logger:         logger,
		conns:          make(map[string]*grpc.ClientConn),
	}
}

func (d *GRPCDriver) client(endpoint string) (*element.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if conn, ok := d.conns[endpoint]; ok {
		return element.NewClient(conn), nil
	}
	conn, err := element.Dial(endpoint, d.maxMessageSize, d.tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", endpoint, err)
	}
	d.conns[endpoint] = conn
	d.logger.Debug("Connected to storage element",
		zap.String("endpoint", endpoint),
		zap.Bool("tls", d.tlsConfig != nil))
	return element.NewClient(conn), nil
}

func (d *GRPCDriver) Get(ctx context.Context, endpoint string, replica *types.PhysicalReplica, dest string) error {
	c, err := d.client(endpoint)
	if err != nil {
		return err
	}

	resp, err := c.Get(ctx, &element.GetRequest{
		Envelope: replica.Ticket.Envelope,
		Location: replica.Location,
	})
	if err != nil {
		return err
	}

	if got := checksumOf(resp.Data); resp.Checksum != "" && got != resp.Checksum {
		return types.Errorf(types.CodeChecksumMismatch, "get", "%s sent checksum %s, received %s", replica, resp.Checksum, got)
	}
	if err := writeAtomic(dest, resp.Data); err != nil {
		return types.NewError(types.CodeTransportFailure, "get", dest, err)
	}
	return nil
}

func (d *GRPCDriver) Put(ctx context.Context, endpoint string, replica *types.PhysicalReplica, local string) (string, error) {
	info, err := os.Stat(local)
	if err != nil {
		return "", types.NewError(types.CodeTransportFailure, "put", local, err)
	}
	if limit := element.MaxPayload(d.maxMessageSize); info.Size() > limit {
		return "", types.Errorf(types.CodeInvalidArgument, "put", "%s is %d bytes, %s accepts at most %d in one message",
			local, info.Size(), replica.Element.Name, limit)
	}

	data, err := os.ReadFile(local)
	if err != nil {
		return "", types.NewError(types.CodeTransportFailure, "put", local, err)
	}

	c, err := d.client(endpoint)
	if err != nil {
		return "", err
	}

	resp, err := c.Put(ctx, &element.PutRequest{
		Envelope: replica.Ticket.Envelope,
		Location: replica.Location,
		Data:     data,
		Checksum: checksumOf(data),
	})
	if err != nil {
		return "", err
	}
	return resp.Token, nil
}

// Delete removes the replica and confirms with a Stat that it is gone.
func (d *GRPCDriver) Delete(ctx context.Context, endpoint string, replica *types.PhysicalReplica) (bool, error) {
	c, err := d.client(endpoint)
	if err != nil {
		return false, err
	}

	resp, err := c.Delete(ctx, &element.DeleteRequest{
		Envelope: replica.Ticket.Envelope,
		Location: replica.Location,
	})
	if err != nil {
		return false, err
	}

	st, err := c.Stat(ctx, &element.StatRequest{
		Envelope: replica.Ticket.Envelope,
		Location: replica.Location,
	})
	if err != nil {
		return resp.Deleted, err
	}
	if st.Exists {
		return false, types.Errorf(types.CodeTransportFailure, "delete", "%s still present after delete", replica)
	}
	return resp.Deleted, nil
}

func (d *GRPCDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	for endpoint, conn := range d.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(d.conns, endpoint)
	}
	return firstErr
}

// classify attaches a condition code to a driver error. Errors that already
// carry one keep it.
func classify(op string, replica *types.PhysicalReplica, err error) error {
	var coded *types.Error
	if errors.As(err, &coded) {
		return err
	}

	code := types.CodeTransportFailure
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.PermissionDenied, codes.Unauthenticated:
			code = types.CodePermissionDenied
		case codes.NotFound:
			code = types.CodeNameNotFound
		case codes.DataLoss:
			code = types.CodeChecksumMismatch
		case codes.InvalidArgument, codes.ResourceExhausted:
			code = types.CodeInvalidArgument
		}
	}
	return types.NewError(code, op, replica.String(), err)
}

func checksumOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
