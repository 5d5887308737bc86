package cas

import (
	"context"
	"fmt"
	"io"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/google/uuid"
	bs "google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"
)

// bsChunkSize is the size of each ByteStream.Write request chunk; distinct
// from (and smaller than) ChunkSize, which is the CAS-level chunk that a
// FILE_META blob addresses. A single CAS chunk may itself be streamed over
// several ByteStream writes if it is large.
const bsChunkSize = 64 * 1024

// GRPCBackend implements Backend against a real remote-execution-API (v2)
// CAS server, reusing the storage/ByteStream RPCs the teacher's remote
// client drives for blob upload/download. Dialing, retry/backoff and
// authentication are out of scope here (external collaborators) and are
// expected to have already been applied to conn (e.g. via
// grpc_retry.UnaryClientInterceptor, as the teacher wires it in
// src/remote/remote.go).
type GRPCBackend struct {
	instance string
	cas      pb.ContentAddressableStorageClient
	bsClient bs.ByteStreamClient
}

// NewGRPCBackend returns a Backend backed by conn, scoped to instance.
func NewGRPCBackend(conn *grpc.ClientConn, instance string) *GRPCBackend {
	return &GRPCBackend{
		instance: instance,
		cas:      pb.NewContentAddressableStorageClient(conn),
		bsClient: bs.NewByteStreamClient(conn),
	}
}

func (b *GRPCBackend) digest(hash string, size int64) *pb.Digest {
	return &pb.Digest{Hash: hash, SizeBytes: size}
}

// FindMissing implements Backend.
func (b *GRPCBackend) FindMissing(ctx context.Context, hashes []string) (map[string]bool, error) {
	req := &pb.FindMissingBlobsRequest{InstanceName: b.instance}
	for _, h := range hashes {
		req.BlobDigests = append(req.BlobDigests, b.digest(h, 0))
	}
	resp, err := b.cas.FindMissingBlobs(ctx, req)
	if err != nil {
		return nil, err
	}
	missing := make(map[string]bool, len(resp.MissingBlobDigests))
	for _, d := range resp.MissingBlobDigests {
		missing[d.Hash] = true
	}
	return missing, nil
}

// BatchUpload implements Backend.
func (b *GRPCBackend) BatchUpload(ctx context.Context, blobs []SmallBlob) error {
	req := &pb.BatchUpdateBlobsRequest{InstanceName: b.instance}
	for _, blob := range blobs {
		req.Requests = append(req.Requests, &pb.BatchUpdateBlobsRequest_Request{
			Digest: b.digest(blob.Hash, int64(len(blob.Content))),
			Data:   blob.Content,
		})
	}
	resp, err := b.cas.BatchUpdateBlobs(ctx, req)
	if err != nil {
		return err
	}
	for _, r := range resp.Responses {
		if r.Status != nil && r.Status.Code != 0 {
			return fmt.Errorf("cas: upload of %s failed: %s", r.Digest.Hash, r.Status.Message)
		}
	}
	return nil
}

// BatchDownload implements Backend.
func (b *GRPCBackend) BatchDownload(ctx context.Context, hashes []string) (map[string][]byte, error) {
	req := &pb.BatchReadBlobsRequest{InstanceName: b.instance}
	for _, h := range hashes {
		req.Digests = append(req.Digests, b.digest(h, 0))
	}
	resp, err := b.cas.BatchReadBlobs(ctx, req)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(resp.Responses))
	for _, r := range resp.Responses {
		if r.Status != nil && r.Status.Code != 0 {
			return nil, fmt.Errorf("cas: download of %s failed: %s", r.Digest.Hash, r.Status.Message)
		}
		out[r.Digest.Hash] = r.Data
	}
	return out, nil
}

// StreamUpload implements Backend via the ByteStream.Write RPC, used for
// any single blob too large for the batch RPCs' size cap.
func (b *GRPCBackend) StreamUpload(ctx context.Context, hash string, size int64, r ByteReaderAt) error {
	stream, err := b.bsClient.Write(ctx)
	if err != nil {
		return err
	}
	resourceName := fmt.Sprintf("uploads/%s/blobs/%s/%d", uuid.New(), hash, size)
	var offset int64
	for offset < size {
		n := int64(bsChunkSize)
		if size-offset < n {
			n = size - offset
		}
		data, err := r.ReadRange(offset, n)
		if err != nil {
			return err
		}
		if err := stream.Send(&bs.WriteRequest{
			ResourceName: resourceName,
			WriteOffset:  offset,
			Data:         data,
			FinishWrite:  offset+n == size,
		}); err != nil {
			return err
		}
		resourceName = "" // only required on the first request
		offset += n
	}
	_, err = stream.CloseAndRecv()
	return err
}

// StreamDownload implements Backend via the ByteStream.Read RPC.
func (b *GRPCBackend) StreamDownload(ctx context.Context, hash string, size int64, write func(offset int64, p []byte) error) error {
	resourceName := fmt.Sprintf("blobs/%s/%d", hash, size)
	stream, err := b.bsClient.Read(ctx, &bs.ReadRequest{ResourceName: resourceName})
	if err != nil {
		return err
	}
	var offset int64
	for {
		resp, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := write(offset, resp.Data); err != nil {
			return err
		}
		offset += int64(len(resp.Data))
	}
}
