package element

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

const (
	ServiceName  = protoPackage + ".StorageElement"
	protoPackage = "gridxfer.element.v1"

	DefaultMaxMessageSize = 64 * 1024 * 1024

	// Room in a message for the envelope, location and checksum
	messageOverhead = 64 * 1024
)

// MaxPayload is the largest replica that fits in one message of
// maxMessageSize bytes.
func MaxPayload(maxMessageSize int) int64 {
	if maxMessageSize <= 0 {
		maxMessageSize = DefaultMaxMessageSize
	}
	if maxMessageSize <= messageOverhead {
		return 0
	}
	return int64(maxMessageSize - messageOverhead)
}

var (
	protoString = descriptorpb.FieldDescriptorProto_TYPE_STRING
	protoBytes  = descriptorpb.FieldDescriptorProto_TYPE_BYTES
	protoInt64  = descriptorpb.FieldDescriptorProto_TYPE_INT64
	protoBool   = descriptorpb.FieldDescriptorProto_TYPE_BOOL
)

// elementProto describes the service in protobuf terms. Messages are built
// from it at runtime and travel with grpc's default proto codec.
var elementProto = &descriptorpb.FileDescriptorProto{
	Name:    proto.String("gridxfer/element/v1/element.proto"),
	Package: proto.String(protoPackage),
	Syntax:  proto.String("proto3"),
	MessageType: []*descriptorpb.DescriptorProto{
		message("PutRequest",
			field("envelope", 1, protoString),
			field("location", 2, protoString),
			field("data", 3, protoBytes),
			field("checksum", 4, protoString)),
		message("PutResponse",
			field("token", 1, protoString),
			field("size", 2, protoInt64),
			field("checksum", 3, protoString)),
		message("GetRequest",
			field("envelope", 1, protoString),
			field("location", 2, protoString)),
		message("GetResponse",
			field("data", 1, protoBytes),
			field("size", 2, protoInt64),
			field("checksum", 3, protoString)),
		message("DeleteRequest",
			field("envelope", 1, protoString),
			field("location", 2, protoString)),
		message("DeleteResponse",
			field("deleted", 1, protoBool)),
		message("StatRequest",
			field("envelope", 1, protoString),
			field("location", 2, protoString)),
		message("StatResponse",
			field("exists", 1, protoBool),
			field("size", 2, protoInt64),
			field("checksum", 3, protoString),
			field("modified", 4, protoInt64)),
	},
	Service: []*descriptorpb.ServiceDescriptorProto{{
		Name:   proto.String("StorageElement"),
		Method: []*descriptorpb.MethodDescriptorProto{rpc("Put"), rpc("Get"), rpc("Delete"), rpc("Stat")},
	}},
}

var elementFile = mustBuildFile(elementProto)

func message(name string, fds ...*descriptorpb.FieldDescriptorProto) *descriptorpb.DescriptorProto {
	return &descriptorpb.DescriptorProto{Name: proto.String(name), Field: fds}
}

func field(name string, number int32, typ descriptorpb.FieldDescriptorProto_Type) *descriptorpb.FieldDescriptorProto {
	return &descriptorpb.FieldDescriptorProto{
		Name:   proto.String(name),
		Number: proto.Int32(number),
		Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
		Type:   typ.Enum(),
	}
}

func rpc(name string) *descriptorpb.MethodDescriptorProto {
	return &descriptorpb.MethodDescriptorProto{
		Name:       proto.String(name),
		InputType:  proto.String("." + protoPackage + "." + name + "Request"),
		OutputType: proto.String("." + protoPackage + "." + name + "Response"),
	}
}

func mustBuildFile(fdp *descriptorpb.FileDescriptorProto) protoreflect.FileDescriptor {
	fd, err := protodesc.NewFile(fdp, nil)
	if err != nil {
		panic(fmt.Sprintf("invalid element descriptor: %v", err))
	}
	return fd
}

// fields reads and writes a dynamic message by field name.
type fields struct {
	m *dynamicpb.Message
}

func newFields(name string) fields {
	desc := elementFile.Messages().ByName(protoreflect.Name(name))
	return fields{m: dynamicpb.NewMessage(desc)}
}

func (f fields) fd(name string) protoreflect.FieldDescriptor {
	return f.m.Descriptor().Fields().ByName(protoreflect.Name(name))
}

func (f fields) setString(name, v string) {
	f.m.Set(f.fd(name), protoreflect.ValueOfString(v))
}

func (f fields) setBytes(name string, v []byte) {
	f.m.Set(f.fd(name), protoreflect.ValueOfBytes(v))
}

func (f fields) setInt(name string, v int64) {
	f.m.Set(f.fd(name), protoreflect.ValueOfInt64(v))
}

func (f fields) setBool(name string, v bool) {
	f.m.Set(f.fd(name), protoreflect.ValueOfBool(v))
}

func (f fields) getString(name string) string {
	return f.m.Get(f.fd(name)).String()
}

func (f fields) getBytes(name string) []byte {
	return f.m.Get(f.fd(name)).Bytes()
}

func (f fields) getInt(name string) int64 {
	return f.m.Get(f.fd(name)).Int()
}

func (f fields) getBool(name string) bool {
	return f.m.Get(f.fd(name)).Bool()
}

// wireMessage is a request or response that converts to its proto form.
type wireMessage interface {
	message() proto.Message
}

type PutRequest struct {
	Envelope string
	Location string
	Data     []byte
	Checksum string
}

func (r *PutRequest) message() proto.Message {
	f := newFields("PutRequest")
	f.setString("envelope", r.Envelope)
	f.setString("location", r.Location)
	f.setBytes("data", r.Data)
	f.setString("checksum", r.Checksum)
	return f.m
}

func decodePutRequest(f fields) *PutRequest {
	return &PutRequest{
		Envelope: f.getString("envelope"),
		Location: f.getString("location"),
		Data:     f.getBytes("data"),
		Checksum: f.getString("checksum"),
	}
}

type PutResponse struct {
	// Token is the re-signed envelope to register
	Token    string
	Size     int64
	Checksum string
}

func (r *PutResponse) message() proto.Message {
	f := newFields("PutResponse")
	f.setString("token", r.Token)
	f.setInt("size", r.Size)
	f.setString("checksum", r.Checksum)
	return f.m
}

func decodePutResponse(f fields) *PutResponse {
	return &PutResponse{Token: f.getString("token"), Size: f.getInt("size"), Checksum: f.getString("checksum")}
}

type GetRequest struct {
	Envelope string
	Location string
}

func (r *GetRequest) message() proto.Message {
	f := newFields("GetRequest")
	f.setString("envelope", r.Envelope)
	f.setString("location", r.Location)
	return f.m
}

func decodeGetRequest(f fields) *GetRequest {
	return &GetRequest{Envelope: f.getString("envelope"), Location: f.getString("location")}
}

type GetResponse struct {
	Data     []byte
	Size     int64
	Checksum string
}

func (r *GetResponse) message() proto.Message {
	f := newFields("GetResponse")
	f.setBytes("data", r.Data)
	f.setInt("size", r.Size)
	f.setString("checksum", r.Checksum)
	return f.m
}

func decodeGetResponse(f fields) *GetResponse {
	return &GetResponse{Data: f.getBytes("data"), Size: f.getInt("size"), Checksum: f.getString("checksum")}
}

type DeleteRequest struct {
	Envelope string
	Location string
}

func (r *DeleteRequest) message() proto.Message {
	f := newFields("DeleteRequest")
	f.setString("envelope", r.Envelope)
	f.setString("location", r.Location)
	return f.m
}

func decodeDeleteRequest(f fields) *DeleteRequest {
	return &DeleteRequest{Envelope: f.getString("envelope"), Location: f.getString("location")}
}

type DeleteResponse struct {
	Deleted bool
}

func (r *DeleteResponse) message() proto.Message {
	f := newFields("DeleteResponse")
	f.setBool("deleted", r.Deleted)
	return f.m
}

func decodeDeleteResponse(f fields) *DeleteResponse {
	return &DeleteResponse{Deleted: f.getBool("deleted")}
}

type StatRequest struct {
	Envelope string
	Location string
}

func (r *StatRequest) message() proto.Message {
	f := newFields("StatRequest")
	f.setString("envelope", r.Envelope)
	f.setString("location", r.Location)
	return f.m
}

func decodeStatRequest(f fields) *StatRequest {
	return &StatRequest{Envelope: f.getString("envelope"), Location: f.getString("location")}
}

type StatResponse struct {
	Exists   bool
	Size     int64
	Checksum string
	Modified int64
}

func (r *StatResponse) message() proto.Message {
	f := newFields("StatResponse")
	f.setBool("exists", r.Exists)
	f.setInt("size", r.Size)
	f.setString("checksum", r.Checksum)
	f.setInt("modified", r.Modified)
	return f.m
}

func decodeStatResponse(f fields) *StatResponse {
	return &StatResponse{
		Exists:   f.getBool("exists"),
		Size:     f.getInt("size"),
		Checksum: f.getString("checksum"),
		Modified: f.getInt("modified"),
	}
}

// StorageElementServer is the server API of a storage element.
type StorageElementServer interface {
	Put(context.Context, *PutRequest) (*PutResponse, error)
	Get(context.Context, *GetRequest) (*GetResponse, error)
	Delete(context.Context, *DeleteRequest) (*DeleteResponse, error)
	Stat(context.Context, *StatRequest) (*StatResponse, error)
}

func RegisterStorageElementServer(s grpc.ServiceRegistrar, srv StorageElementServer) {
	s.RegisterService(&ServiceDesc, srv)
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*StorageElementServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Put", Handler: unaryHandler("Put", decodePutRequest, StorageElementServer.Put)},
		{MethodName: "Get", Handler: unaryHandler("Get", decodeGetRequest, StorageElementServer.Get)},
		{MethodName: "Delete", Handler: unaryHandler("Delete", decodeDeleteRequest, StorageElementServer.Delete)},
		{MethodName: "Stat", Handler: unaryHandler("Stat", decodeStatRequest, StorageElementServer.Stat)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gridxfer/element/v1/element.proto",
}

// unaryHandler decodes the proto request into its Go type, calls the server
// and encodes the response. Interceptors see the Go request.
func unaryHandler[Req any, Resp wireMessage](
	method string,
	decode func(fields) *Req,
	call func(StorageElementServer, context.Context, *Req) (Resp, error),
) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := newFields(method + "Request")
		if err := dec(in.m); err != nil {
			return nil, err
		}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			resp, err := call(srv.(StorageElementServer), ctx, req.(*Req))
			if err != nil {
				return nil, err
			}
			return resp.message(), nil
		}
		if interceptor == nil {
			return handler(ctx, decode(in))
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
		return interceptor(ctx, decode(in), info, handler)
	}
}

// Client calls a storage element.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func invoke[Resp any](ctx context.Context, c *Client, method string, in wireMessage, decode func(fields) *Resp, opts []grpc.CallOption) (*Resp, error) {
	out := newFields(method + "Response")
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in.message(), out.m, opts...); err != nil {
		return nil, err
	}
	return decode(out), nil
}

func (c *Client) Put(ctx context.Context, in *PutRequest, opts ...grpc.CallOption) (*PutResponse, error) {
	return invoke(ctx, c, "Put", in, decodePutResponse, opts)
}

func (c *Client) Get(ctx context.Context, in *GetRequest, opts ...grpc.CallOption) (*GetResponse, error) {
	return invoke(ctx, c, "Get", in, decodeGetResponse, opts)
}

func (c *Client) Delete(ctx context.Context, in *DeleteRequest, opts ...grpc.CallOption) (*DeleteResponse, error) {
	return invoke(ctx, c, "Delete", in, decodeDeleteResponse, opts)
}

func (c *Client) Stat(ctx context.Context, in *StatRequest, opts ...grpc.CallOption) (*StatResponse, error) {
	return invoke(ctx, c, "Stat", in, decodeStatResponse, opts)
}

// Dial connects to a storage element. maxMessageSize <= 0 uses the default
// and a nil tlsConfig dials in plaintext.
func Dial(address string, maxMessageSize int, tlsConfig *tls.Config) (*grpc.ClientConn, error) {
	if maxMessageSize <= 0 {
		maxMessageSize = DefaultMaxMessageSize
	}

	creds := insecure.NewCredentials()
	if tlsConfig != nil {
		creds = credentials.NewTLS(tlsConfig)
	}

	backoffConfig := backoff.Config{
		BaseDelay:  100 * time.Millisecond,
		Multiplier: 1.5,
		Jitter:     0.2,
		MaxDelay:   5 * time.Second,
	}

	return grpc.Dial(address,
		grpc.WithTransportCredentials(creds),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff:           backoffConfig,
			MinConnectTimeout: 5 * time.Second,
		}),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxMessageSize),
			grpc.MaxCallSendMsgSize(maxMessageSize),
		),
	)
}
