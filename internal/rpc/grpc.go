package rpc

import (
	"context"
	"fmt"
	"io"
	"time"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	grpc_retry "github.com/grpc-ecosystem/go-grpc-middleware/retry"
	"github.com/google/uuid"
	bs "google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/compilecoord/compilecoord/internal/cas"
)

var log = logging.MustGetLogger("rpc")

// dialTimeout bounds the initial connection attempt to the CAS server.
const dialTimeout = 5 * time.Second

// maxRetries bounds the grpc-retry middleware's unary call attempts,
// independent of the state machine's own CALL_EXEC retry budget.
const maxRetries = 3

// chunkSize is the size of each ByteStream write/read frame.
const chunkSize = 1 << 20

// GRPCBackend implements cas.Backend against a real remote-apis v2 CAS
// server: batch RPCs for small blobs, ByteStream for large ones.
type GRPCBackend struct {
	cas        pb.ContentAddressableStorageClient
	bs         bs.ByteStreamClient
	instance   string
	reqTimeout time.Duration
}

// DialGRPCBackend dials url and returns a Backend bound to instance. The
// connection carries the teacher's retry interceptor
// (grpc_retry.UnaryClientInterceptor) so transient per-call failures are
// retried below the state machine's own FILE_REQ/CALL_EXEC retry layer.
func DialGRPCBackend(url, instance string, reqTimeout time.Duration) (*GRPCBackend, error) {
	dialCtx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	conn, err := grpc.DialContext(dialCtx, url,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
		grpc.WithUnaryInterceptor(grpc_retry.UnaryClientInterceptor(grpc_retry.WithMax(maxRetries))),
	)
	if err != nil {
		return nil, fmt.Errorf("rpc: dialing %s: %w", url, err)
	}
	return &GRPCBackend{
		cas:        pb.NewContentAddressableStorageClient(conn),
		bs:         bs.NewByteStreamClient(conn),
		instance:   instance,
		reqTimeout: reqTimeout,
	}, nil
}

var _ cas.Backend = (*GRPCBackend)(nil)

// digest builds a Digest for hash. FindMissing and BatchDownload only
// have a content hash to hand and pass size 0; BatchUpload passes each
// blob's content length. StreamUpload/StreamDownload always
// carry a real size from their caller and pass it straight to chunking
// instead of through this helper.
func digest(hash string, size int64) *pb.Digest {
	return &pb.Digest{Hash: hash, SizeBytes: size}
}

// FindMissing implements cas.Backend.
func (g *GRPCBackend) FindMissing(ctx context.Context, hashes []string) (map[string]bool, error) {
	ctx, cancel := context.WithTimeout(ctx, g.reqTimeout)
	defer cancel()
	digests := make([]*pb.Digest, len(hashes))
	for i, h := range hashes {
		digests[i] = digest(h, 0)
	}
	resp, err := g.cas.FindMissingBlobs(ctx, &pb.FindMissingBlobsRequest{
		InstanceName: g.instance,
		BlobDigests:  digests,
	})
	if err != nil {
		return nil, err
	}
	missing := make(map[string]bool, len(resp.MissingBlobDigests))
	for _, d := range resp.MissingBlobDigests {
		missing[d.Hash] = true
	}
	return missing, nil
}

// BatchUpload implements cas.Backend.
func (g *GRPCBackend) BatchUpload(ctx context.Context, blobs []cas.SmallBlob) error {
	ctx, cancel := context.WithTimeout(ctx, g.reqTimeout)
	defer cancel()
	reqs := make([]*pb.BatchUpdateBlobsRequest_Request, len(blobs))
	for i, b := range blobs {
		reqs[i] = &pb.BatchUpdateBlobsRequest_Request{
			Digest: digest(b.Hash, int64(len(b.Content))),
			Data:   b.Content,
		}
	}
	resp, err := g.cas.BatchUpdateBlobs(ctx, &pb.BatchUpdateBlobsRequest{
		InstanceName: g.instance,
		Requests:     reqs,
	})
	if err != nil {
		return err
	}
	for _, r := range resp.Responses {
		if r.Status.Code != int32(codes.OK) {
			return fmt.Errorf("rpc: uploading %s: %s", r.Digest.Hash, r.Status.Message)
		}
	}
	return nil
}

// BatchDownload implements cas.Backend.
func (g *GRPCBackend) BatchDownload(ctx context.Context, hashes []string) (map[string][]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, g.reqTimeout)
	defer cancel()
	digests := make([]*pb.Digest, len(hashes))
	for i, h := range hashes {
		digests[i] = digest(h, 0)
	}
	resp, err := g.cas.BatchReadBlobs(ctx, &pb.BatchReadBlobsRequest{
		InstanceName: g.instance,
		Digests:      digests,
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(resp.Responses))
	for _, r := range resp.Responses {
		if r.Status.Code != int32(codes.OK) {
			return nil, fmt.Errorf("rpc: downloading %s: %s", r.Digest.Hash, r.Status.Message)
		}
		out[r.Digest.Hash] = r.Data
	}
	return out, nil
}

// StreamUpload implements cas.Backend, sending content in chunkSize frames
// over a single ByteStream.Write call.
func (g *GRPCBackend) StreamUpload(ctx context.Context, hash string, size int64, r cas.ByteReaderAt) error {
	ctx, cancel := context.WithTimeout(ctx, g.reqTimeout)
	defer cancel()
	stream, err := g.bs.Write(ctx)
	if err != nil {
		return err
	}
	name := g.uploadResourceName(hash, size)
	var offset int64
	for offset < size {
		n := int64(chunkSize)
		if remaining := size - offset; remaining < n {
			n = remaining
		}
		data, err := r.ReadRange(offset, n)
		if err != nil {
			return err
		}
		if err := stream.Send(&bs.WriteRequest{
			ResourceName: name,
			WriteOffset:  offset,
			Data:         data,
			FinishWrite:  offset+n == size,
		}); err != nil {
			return err
		}
		offset += n
	}
	if size == 0 {
		if err := stream.Send(&bs.WriteRequest{ResourceName: name, FinishWrite: true}); err != nil {
			return err
		}
	}
	_, err = stream.CloseAndRecv()
	return err
}

// StreamDownload implements cas.Backend, invoking write for each frame
// received over a single ByteStream.Read call.
func (g *GRPCBackend) StreamDownload(ctx context.Context, hash string, size int64, write func(offset int64, p []byte) error) error {
	ctx, cancel := context.WithTimeout(ctx, g.reqTimeout)
	defer cancel()
	stream, err := g.bs.Read(ctx, &bs.ReadRequest{ResourceName: g.downloadResourceName(hash, size)})
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

// uploadResourceName builds the bytestream resource name the remote
// execution API specifies for uploads, unique per call via a random UUID
// so concurrent uploads of the same content never collide server-side.
func (g *GRPCBackend) uploadResourceName(hash string, size int64) string {
	u := uuid.New()
	name := fmt.Sprintf("uploads/%s/blobs/%s/%d", u, hash, size)
	if g.instance != "" {
		name = g.instance + "/" + name
	}
	return name
}

func (g *GRPCBackend) downloadResourceName(hash string, size int64) string {
	name := fmt.Sprintf("blobs/%s/%d", hash, size)
	if g.instance != "" {
		name = g.instance + "/" + name
	}
	return name
}
