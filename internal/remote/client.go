// client.go implements Client, the initiating side's Dispatcher over
// gRPC.
package remote

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/aalhour/rockyardkv-compaction/internal/compaction"
)

// Client dispatches remote compactions to a worker. It is the
// compaction.Dispatcher of a RemoteExecutor.
type Client struct {
	conn grpc.ClientConnInterface
}

var _ compaction.Dispatcher = (*Client)(nil)

// NewClient returns a client over conn.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Dial connects to the worker at target. Without options the connection
// is insecure. The caller closes the returned connection.
func Dial(target string, opts ...grpc.DialOption) (*Client, *grpc.ClientConn, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("remote: dial %s: %w", target, err)
	}
	return NewClient(conn), conn, nil
}

// Dispatch sends input to the worker and waits for the encoded result.
func (c *Client) Dispatch(ctx context.Context, info compaction.CompactionServiceJobInfo, input []byte) ([]byte, error) {
	var reply frame
	err := c.conn.Invoke(ctx, compactMethod, &frame{data: encodeRequest(info, input)}, &reply,
		grpc.CallContentSubtype(codecName))
	if err != nil {
		return nil, fmt.Errorf("remote: job %d subcompaction %d: %w", info.JobID, info.SubcompactionIndex, err)
	}
	return reply.data, nil
}
