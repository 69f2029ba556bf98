package dataplane

import (
	"context"

	"google.golang.org/grpc"
)

// Hand-written service plumbing in the shape grpc expects. The data plane
// speaks JSON (see codec.go), so there is no generated protobuf layer.

const (
	ServiceName = "overcast.v1.DataPlane"

	DataPlane_UploadInventory_FullMethodName  = "/overcast.v1.DataPlane/UploadInventory"
	DataPlane_StreamMetrics_FullMethodName    = "/overcast.v1.DataPlane/StreamMetrics"
	DataPlane_StreamLogs_FullMethodName       = "/overcast.v1.DataPlane/StreamLogs"
	DataPlane_StreamFileChunks_FullMethodName = "/overcast.v1.DataPlane/StreamFileChunks"
	DataPlane_StreamBulkData_FullMethodName   = "/overcast.v1.DataPlane/StreamBulkData"
)

type DataPlane_StreamMetricsServer = grpc.ClientStreamingServer[MetricsSample, StreamAck]
type DataPlane_StreamLogsServer = grpc.ClientStreamingServer[LogBatch, StreamAck]
type DataPlane_StreamFileChunksServer = grpc.ClientStreamingServer[FileChunk, StreamAck]
type DataPlane_StreamBulkDataServer = grpc.ClientStreamingServer[BulkChunk, StreamAck]

// DataPlaneServer is the upload surface agents stream into. All four stream
// operations are client-streaming with a single closing ack.
type DataPlaneServer interface {
	UploadInventory(ctx context.Context, in *InventoryUpload) (*StreamAck, error)
	StreamMetrics(stream DataPlane_StreamMetricsServer) error
	StreamLogs(stream DataPlane_StreamLogsServer) error
	StreamFileChunks(stream DataPlane_StreamFileChunksServer) error
	StreamBulkData(stream DataPlane_StreamBulkDataServer) error
}

func RegisterDataPlaneServer(s grpc.ServiceRegistrar, srv DataPlaneServer) {
	s.RegisterService(&DataPlane_ServiceDesc, srv)
}

func _DataPlane_UploadInventory_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(InventoryUpload)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DataPlaneServer).UploadInventory(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: DataPlane_UploadInventory_FullMethodName,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DataPlaneServer).UploadInventory(ctx, req.(*InventoryUpload))
	}
	return interceptor(ctx, in, info, handler)
}

func _DataPlane_StreamMetrics_Handler(srv any, stream grpc.ServerStream) error {
	return srv.(DataPlaneServer).StreamMetrics(&grpc.GenericServerStream[MetricsSample, StreamAck]{ServerStream: stream})
}

func _DataPlane_StreamLogs_Handler(srv any, stream grpc.ServerStream) error {
	return srv.(DataPlaneServer).StreamLogs(&grpc.GenericServerStream[LogBatch, StreamAck]{ServerStream: stream})
}

func _DataPlane_StreamFileChunks_Handler(srv any, stream grpc.ServerStream) error {
	return srv.(DataPlaneServer).StreamFileChunks(&grpc.GenericServerStream[FileChunk, StreamAck]{ServerStream: stream})
}

func _DataPlane_StreamBulkData_Handler(srv any, stream grpc.ServerStream) error {
	return srv.(DataPlaneServer).StreamBulkData(&grpc.GenericServerStream[BulkChunk, StreamAck]{ServerStream: stream})
}

var DataPlane_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DataPlaneServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "UploadInventory",
			Handler:    _DataPlane_UploadInventory_Handler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamMetrics",
			Handler:       _DataPlane_StreamMetrics_Handler,
			ClientStreams: true,
		},
		{
			StreamName:    "StreamLogs",
			Handler:       _DataPlane_StreamLogs_Handler,
			ClientStreams: true,
		},
		{
			StreamName:    "StreamFileChunks",
			Handler:       _DataPlane_StreamFileChunks_Handler,
			ClientStreams: true,
		},
		{
			StreamName:    "StreamBulkData",
			Handler:       _DataPlane_StreamBulkData_Handler,
			ClientStreams: true,
		},
	},
	Metadata: "overcast/dataplane",
}

type DataPlane_StreamMetricsClient = grpc.ClientStreamingClient[MetricsSample, StreamAck]
type DataPlane_StreamLogsClient = grpc.ClientStreamingClient[LogBatch, StreamAck]
type DataPlane_StreamFileChunksClient = grpc.ClientStreamingClient[FileChunk, StreamAck]
type DataPlane_StreamBulkDataClient = grpc.ClientStreamingClient[BulkChunk, StreamAck]

// DataPlaneClient is the agent-side view of the upload surface.
type DataPlaneClient interface {
	UploadInventory(ctx context.Context, in *InventoryUpload, opts ...grpc.CallOption) (*StreamAck, error)
	StreamMetrics(ctx context.Context, opts ...grpc.CallOption) (DataPlane_StreamMetricsClient, error)
	StreamLogs(ctx context.Context, opts ...grpc.CallOption) (DataPlane_StreamLogsClient, error)
	StreamFileChunks(ctx context.Context, opts ...grpc.CallOption) (DataPlane_StreamFileChunksClient, error)
	StreamBulkData(ctx context.Context, opts ...grpc.CallOption) (DataPlane_StreamBulkDataClient, error)
}

type dataPlaneClient struct {
	cc grpc.ClientConnInterface
}

func NewDataPlaneClient(cc grpc.ClientConnInterface) DataPlaneClient {
	return &dataPlaneClient{cc: cc}
}

// callOpts forces the JSON content-subtype on every call.
func callOpts(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}

func (c *dataPlaneClient) UploadInventory(ctx context.Context, in *InventoryUpload, opts ...grpc.CallOption) (*StreamAck, error) {
	out := new(StreamAck)
	if err := c.cc.Invoke(ctx, DataPlane_UploadInventory_FullMethodName, in, out, callOpts(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *dataPlaneClient) StreamMetrics(ctx context.Context, opts ...grpc.CallOption) (DataPlane_StreamMetricsClient, error) {
	stream, err := c.cc.NewStream(ctx, &DataPlane_ServiceDesc.Streams[0], DataPlane_StreamMetrics_FullMethodName, callOpts(opts)...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[MetricsSample, StreamAck]{ClientStream: stream}, nil
}

func (c *dataPlaneClient) StreamLogs(ctx context.Context, opts ...grpc.CallOption) (DataPlane_StreamLogsClient, error) {
	stream, err := c.cc.NewStream(ctx, &DataPlane_ServiceDesc.Streams[1], DataPlane_StreamLogs_FullMethodName, callOpts(opts)...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[LogBatch, StreamAck]{ClientStream: stream}, nil
}

func (c *dataPlaneClient) StreamFileChunks(ctx context.Context, opts ...grpc.CallOption) (DataPlane_StreamFileChunksClient, error) {
	stream, err := c.cc.NewStream(ctx, &DataPlane_ServiceDesc.Streams[2], DataPlane_StreamFileChunks_FullMethodName, callOpts(opts)...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[FileChunk, StreamAck]{ClientStream: stream}, nil
}

func (c *dataPlaneClient) StreamBulkData(ctx context.Context, opts ...grpc.CallOption) (DataPlane_StreamBulkDataClient, error) {
	stream, err := c.cc.NewStream(ctx, &DataPlane_ServiceDesc.Streams[3], DataPlane_StreamBulkData_FullMethodName, callOpts(opts)...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[BulkChunk, StreamAck]{ClientStream: stream}, nil
}
