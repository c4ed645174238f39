package group

import (
	"context"
	"fmt"
	"log"

	"github.com/danielpatrickdp/align-trainer/internal/faults"
	"github.com/danielpatrickdp/align-trainer/internal/retry"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Remote is a non-root participant reaching rank 0's hub over gRPC.
// Transport failures are retried under the configured policy.
type Remote struct {
	cc     grpc.ClientConnInterface
	conn   *grpc.ClientConn
	rank   int
	size   int
	policy retry.Policy
	gather uint64
	bcast  uint64
}

// Dial connects rank to the rendezvous service at addr.
func Dial(addr string, rank, size int, policy retry.Policy) (*Remote, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("%w: dial rendezvous %s: %v", faults.ErrIO, addr, err)
	}
	r, err := NewRemote(conn, rank, size, policy)
	if err != nil {
		conn.Close()
		return nil, err
	}
	r.conn = conn
	return r, nil
}

// NewRemote builds a participant over an existing connection.
func NewRemote(cc grpc.ClientConnInterface, rank, size int, policy retry.Policy) (*Remote, error) {
	if rank <= 0 || rank >= size {
		return nil, fmt.Errorf("%w: remote rank %d must be in [1,%d)", faults.ErrConfiguration, rank, size)
	}
	return &Remote{cc: cc, rank: rank, size: size, policy: policy}, nil
}

// Close releases the connection opened by Dial.
func (r *Remote) Close() error {
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

func (r *Remote) Rank() int { return r.rank }
func (r *Remote) Size() int { return r.size }

func (r *Remote) Gather(ctx context.Context) error {
	round := r.gather
	r.gather++
	req := r.request(round)
	return r.policy.Do(ctx, fmt.Sprintf("gather round %d", round), func(ctx context.Context) error {
		return fromStatus(r.cc.Invoke(ctx, gatherMethod, req, new(emptypb.Empty)))
	})
}

func (r *Remote) Broadcast(ctx context.Context, _ []byte) ([]byte, error) {
	round := r.bcast
	r.bcast++
	req := r.request(round)
	out := new(wrapperspb.BytesValue)
	err := r.policy.Do(ctx, fmt.Sprintf("receive round %d", round), func(ctx context.Context) error {
		return fromStatus(r.cc.Invoke(ctx, receiveMethod, req, out))
	})
	if err != nil {
		return nil, err
	}
	return out.GetValue(), nil
}

// Abort tells rank 0 to fail the run. It is a single attempt.
func (r *Remote) Abort(ctx context.Context, cause error) error {
	req := &structpb.Struct{Fields: map[string]*structpb.Value{
		"rank":  structpb.NewNumberValue(float64(r.rank)),
		"cause": structpb.NewStringValue(cause.Error()),
	}}
	if err := r.cc.Invoke(ctx, abortMethod, req, new(emptypb.Empty)); err != nil {
		log.Printf("[GROUP] rank %d: abort not delivered: %v", r.rank, err)
		return fromStatus(err)
	}
	return nil
}

func (r *Remote) request(round uint64) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"round": structpb.NewNumberValue(float64(round)),
		"rank":  structpb.NewNumberValue(float64(r.rank)),
	}}
}

func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%w: %v", faults.ErrIO, err)
	}
	switch st.Code() {
	case codes.Aborted:
		return fmt.Errorf("%w: %s", faults.ErrAborted, st.Message())
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", faults.ErrConfiguration, st.Message())
	case codes.Canceled:
		return fmt.Errorf("%w: %s", context.Canceled, st.Message())
	case codes.FailedPrecondition:
		return fmt.Errorf("rendezvous: %s", st.Message())
	default:
		return fmt.Errorf("%w: %s: %s", faults.ErrIO, st.Code(), st.Message())
	}
}
