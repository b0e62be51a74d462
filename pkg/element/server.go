// Package element is a reference storage element: a gRPC server that stores
// replica bytes under a data directory and only acts on valid tickets.
package element

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"gridxfer/pkg/auth"
	"gridxfer/pkg/config"
	"gridxfer/pkg/metrics"
	"gridxfer/pkg/ticket"
	"gridxfer/pkg/types"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"
)

type Server struct {
	name           types.ElementName
	listen         string
	dataDir        string
	maxMessageSize int
	tls            auth.TLSConfig
	authority      *ticket.Authority
	logger         *zap.Logger
	metrics        *metrics.TransferMetrics

	// Per-location locks
	locks   map[string]*sync.Mutex
	locksMu sync.Mutex

	server   *grpc.Server
	listener net.Listener
}

func New(cfg *config.ElementConfig, authority *ticket.Authority, logger *zap.Logger, m *metrics.TransferMetrics) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		name:           types.ElementName(cfg.Name),
		listen:         cfg.Listen,
		dataDir:        cfg.DataDir,
		maxMessageSize: cfg.MaxMessageBytes(),
		tls:            cfg.TLS,
		authority:      authority,
		logger:         logger,
		metrics:        m,
		locks:          make(map[string]*sync.Mutex),
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	if err := os.MkdirAll(s.dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	count, used, err := s.scanExisting()
	if err != nil {
		return fmt.Errorf("failed to scan existing replicas: %w", err)
	}

	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(s.maxMessageSize),
		grpc.MaxSendMsgSize(s.maxMessageSize),
		grpc.UnaryInterceptor(s.observe),
	}
	tlsConfig, err := s.tls.ServerConfig()
	if err != nil {
		return fmt.Errorf("failed to build TLS config: %w", err)
	}
	if tlsConfig != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsConfig)))
	}

	listener, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.listen, err)
	}
	s.listener = listener

	s.server = grpc.NewServer(opts...)
	RegisterStorageElementServer(s.server, s)

	s.logger.Info("Storage element starting",
		zap.String("element", string(s.name)),
		zap.String("address", listener.Addr().String()),
		zap.String("data_dir", s.dataDir),
		zap.Bool("tls", tlsConfig != nil),
		zap.Int("replicas", count),
		zap.Int64("used_bytes", used))

	go func() {
		if err := s.server.Serve(listener); err != nil && err != grpc.ErrServerStopped {
			s.logger.Error("Storage element stopped serving", zap.Error(err))
		}
	}()
	return nil
}

// Addr is the bound address, useful when listening on port 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.listen
	}
	return s.listener.Addr().String()
}

func (s *Server) Stop() {
	if s.server != nil {
		s.server.GracefulStop()
	}
}

// Ready reports whether the data directory is usable.
func (s *Server) Ready() error {
	info, err := os.Stat(s.dataDir)
	if err != nil {
		return fmt.Errorf("data directory unavailable: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("data directory %s is not a directory", s.dataDir)
	}
	return nil
}

func (s *Server) observe(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	resp, err := handler(ctx, req)
	s.metrics.ElementRequest(path.Base(info.FullMethod), status.Code(err).String())
	return resp, err
}

func (s *Server) Put(ctx context.Context, req *PutRequest) (*PutResponse, error) {
	claims, err := s.authority.Authorize(req.Envelope, types.AccessWrite, s.name)
	if err != nil {
		return nil, status.Error(codes.PermissionDenied, err.Error())
	}
	if claims.Location != req.Location {
		return nil, status.Errorf(codes.PermissionDenied, "ticket is for %s, not %s", claims.Location, req.Location)
	}

	size := int64(len(req.Data))
	checksum := checksumOf(req.Data)
	if req.Checksum != "" && req.Checksum != checksum {
		return nil, status.Errorf(codes.DataLoss, "checksum mismatch: sent %s, received %s", req.Checksum, checksum)
	}
	if claims.Size != size || (claims.Checksum != "" && claims.Checksum != checksum) {
		return nil, status.Errorf(codes.DataLoss, "received %d bytes with checksum %s, ticket expects %d bytes", size, checksum, claims.Size)
	}

	target, err := s.resolve(req.Location)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	unlock := s.lock(req.Location)
	defer unlock()

	if _, err := os.Stat(target); err == nil {
		return nil, status.Errorf(codes.AlreadyExists, "%s already stored", req.Location)
	}
	if err := writeAtomic(target, req.Data); err != nil {
		s.logger.Error("Failed to store replica", zap.String("location", req.Location), zap.Error(err))
		return nil, status.Errorf(codes.Internal, "failed to store replica: %v", err)
	}

	token, err := s.authority.Confirm(req.Envelope, size, checksum)
	if err != nil {
		os.Remove(target)
		return nil, status.Errorf(codes.Internal, "failed to confirm ticket: %v", err)
	}

	s.logger.Debug("Stored replica",
		zap.String("lfn", claims.LFN),
		zap.String("location", req.Location),
		zap.Int64("size", size))

	return &PutResponse{Token: token, Size: size, Checksum: checksum}, nil
}

func (s *Server) Get(ctx context.Context, req *GetRequest) (*GetResponse, error) {
	target, err := s.authorizeLocation(req.Envelope, req.Location, types.AccessRead)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(target)
	if os.IsNotExist(err) {
		return nil, status.Errorf(codes.NotFound, "%s not stored here", req.Location)
	}
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to stat replica: %v", err)
	}
	if limit := MaxPayload(s.maxMessageSize); info.Size() > limit {
		return nil, status.Errorf(codes.ResourceExhausted, "%s is %d bytes, more than the %d a message can carry", req.Location, info.Size(), limit)
	}

	data, err := os.ReadFile(target)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to read replica: %v", err)
	}

	return &GetResponse{Data: data, Size: int64(len(data)), Checksum: checksumOf(data)}, nil
}

// Delete accepts delete tickets and the write ticket that created the
// replica.
func (s *Server) Delete(ctx context.Context, req *DeleteRequest) (*DeleteResponse, error) {
	claims, err := s.authority.Parse(req.Envelope)
	if err != nil {
		return nil, status.Error(codes.PermissionDenied, err.Error())
	}
	if claims.Mode != types.AccessDelete && claims.Mode != types.AccessWrite {
		return nil, status.Errorf(codes.PermissionDenied, "ticket grants %s, not delete", claims.Mode)
	}
	target, err := s.checkLocation(claims, req.Location)
	if err != nil {
		return nil, err
	}

	unlock := s.lock(req.Location)
	defer unlock()

	err = os.Remove(target)
	if os.IsNotExist(err) {
		return &DeleteResponse{Deleted: false}, nil
	}
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to delete replica: %v", err)
	}

	s.logger.Debug("Deleted replica", zap.String("location", req.Location))
	return &DeleteResponse{Deleted: true}, nil
}

// Stat accepts any valid ticket for the location.
func (s *Server) Stat(ctx context.Context, req *StatRequest) (*StatResponse, error) {
	claims, err := s.authority.Parse(req.Envelope)
	if err != nil {
		return nil, status.Error(codes.PermissionDenied, err.Error())
	}
	target, err := s.checkLocation(claims, req.Location)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(target)
	if os.IsNotExist(err) {
		return &StatResponse{Exists: false}, nil
	}
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to stat replica: %v", err)
	}

	resp := &StatResponse{Exists: true, Size: info.Size(), Modified: info.ModTime().Unix()}
	if data, err := os.ReadFile(target); err == nil {
		resp.Checksum = checksumOf(data)
	}
	return resp, nil
}

func (s *Server) authorizeLocation(envelope, location string, mode types.AccessMode) (string, error) {
	claims, err := s.authority.Authorize(envelope, mode, s.name)
	if err != nil {
		return "", status.Error(codes.PermissionDenied, err.Error())
	}
	return s.checkLocation(claims, location)
}

func (s *Server) checkLocation(claims *ticket.Claims, location string) (string, error) {
	if claims.Element != s.name {
		return "", status.Errorf(codes.PermissionDenied, "ticket is for %s, not %s", claims.Element, s.name)
	}
	if claims.Location != location {
		return "", status.Errorf(codes.PermissionDenied, "ticket is for %s, not %s", claims.Location, location)
	}
	target, err := s.resolve(location)
	if err != nil {
		return "", status.Error(codes.InvalidArgument, err.Error())
	}
	return target, nil
}

// resolve maps a physical location to a file below the data directory.
func (s *Server) resolve(location string) (string, error) {
	if location == "" {
		return "", fmt.Errorf("empty location")
	}
	clean := path.Clean("/" + location)
	if clean == "/" {
		return "", fmt.Errorf("invalid location %q", location)
	}
	return filepath.Join(s.dataDir, filepath.FromSlash(clean)), nil
}

func (s *Server) lock(location string) func() {
	s.locksMu.Lock()
	mu, ok := s.locks[location]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[location] = mu
	}
	s.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

func (s *Server) scanExisting() (int, int64, error) {
	var count int
	var used int64
	err := filepath.WalkDir(s.dataDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		count++
		used += info.Size()
		return nil
	})
	return count, used, err
}

func writeAtomic(target string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	tmp := fmt.Sprintf("%s.tmp-%d", target, time.Now().UnixNano())
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func checksumOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
