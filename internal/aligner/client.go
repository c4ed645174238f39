// Package aligner is the gRPC client for the external alignment service that
// decodes sentence pairs into gold, hope, 1-best and fear hypotheses.
package aligner

import (
	"context"
	"fmt"

	"github.com/danielpatrickdp/align-trainer/internal/corpus"
	"github.com/danielpatrickdp/align-trainer/internal/faults"
	"github.com/danielpatrickdp/align-trainer/internal/perceptron"
	"github.com/danielpatrickdp/align-trainer/internal/svector"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

const alignMethod = "/aligntrainer.aligner.AlignService/Align"

// #region service
// ServiceClient is the alignment service's RPC surface.
type ServiceClient interface {
	Align(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
}

type serviceClient struct {
	cc grpc.ClientConnInterface
}

// NewServiceClient returns a ServiceClient over cc.
func NewServiceClient(cc grpc.ClientConnInterface) ServiceClient {
	return &serviceClient{cc: cc}
}

func (c *serviceClient) Align(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, alignMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// #endregion service

// #region options
// Search holds the decoder knobs forwarded with every request.
type Search struct {
	Beam       int  // k, standard beam size
	InitBeam   int  // initialization beam size; 0 means Beam
	Rescore    bool // rescore during bottom-up search
	SourceTree bool // search bottom-up on source trees instead of target trees
}

// DefaultSearch mirrors the service defaults.
func DefaultSearch() Search {
	return Search{Beam: 1, Rescore: true}
}

// Tables are the lexical translation tables: PEF[f][e] = p(e|f), PFE[e][f] = p(f|e).
type Tables struct {
	PEF corpus.Table
	PFE corpus.Table
}

// #endregion options

// #region client
// Client implements perceptron.Aligner against the alignment service.
type Client struct {
	conn     *grpc.ClientConn
	client   ServiceClient
	features FeatureSet
	tables   Tables
	search   Search
}

// NewClient connects to the alignment service at addr.
func NewClient(addr string, fs FeatureSet, tables Tables, search Search) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &Client{
		conn:     conn,
		client:   NewServiceClient(conn),
		features: fs,
		tables:   tables,
		search:   search,
	}, nil
}

// NewClientWithService creates a Client with an injected service implementation.
// Used for testing without a real gRPC connection.
func NewClientWithService(svc ServiceClient, fs FeatureSet, tables Tables, search Search) *Client {
	return &Client{client: svc, features: fs, tables: tables, search: search}
}

// Close shuts down the gRPC connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Align decodes inst under weights. The response must carry hope, 1best and
// fear, plus gold when inst has gold links.
func (c *Client) Align(ctx context.Context, inst corpus.Instance, weights *svector.Vector) (perceptron.Hypotheses, error) {
	req, err := c.request(inst, weights)
	if err != nil {
		return perceptron.Hypotheses{}, err
	}
	resp, err := c.client.Align(ctx, req)
	if err != nil {
		return perceptron.Hypotheses{}, fmt.Errorf("align rpc: %w", err)
	}

	var h perceptron.Hypotheses
	roles := []struct {
		role     perceptron.Role
		dst      *perceptron.Hypothesis
		required bool
	}{
		{perceptron.RoleGold, &h.Gold, inst.Gold != nil},
		{perceptron.RoleHope, &h.Hope, true},
		{perceptron.RoleOneBest, &h.OneBest, true},
		{perceptron.RoleFear, &h.Fear, true},
	}
	fields := resp.GetFields()
	for _, r := range roles {
		v, ok := fields[string(r.role)]
		if !ok {
			if r.required {
				return perceptron.Hypotheses{}, fmt.Errorf("%w: instance %d: response missing %s", faults.ErrData, inst.ID, r.role)
			}
			continue
		}
		hyp, err := decodeHypothesis(v)
		if err != nil {
			return perceptron.Hypotheses{}, fmt.Errorf("instance %d %s: %w", inst.ID, r.role, err)
		}
		*r.dst = hyp
	}
	return h, nil
}

// #endregion client

// #region encoding
func (c *Client) request(inst corpus.Instance, weights *svector.Vector) (*structpb.Struct, error) {
	m := map[string]interface{}{
		"id":           inst.ID,
		"source":       stringList(inst.Source),
		"target":       stringList(inst.Target),
		"target_tree":  inst.TargetTree,
		"source_tree":  inst.SourceTree,
		"a1":           inst.A1,
		"a2":           inst.A2,
		"inverse":      inst.Inverse,
		"weights":      weights.Map(),
		"feature_set":  c.features.Name,
		"local":        stringList(c.features.Local),
		"nonlocal":     stringList(c.features.Nonlocal),
		"beam":         c.search.Beam,
		"init_beam":    c.search.InitBeam,
		"rescore":      c.search.Rescore,
		"by_source":    c.search.SourceTree,
		"pef":          slice(c.tables.PEF, inst.Source, inst.Target),
		"pfe":          slice(c.tables.PFE, inst.Target, inst.Source),
	}
	if inst.Gold != nil {
		m["gold"] = inst.Gold.String()
	}
	req, err := structpb.NewStruct(toStructValues(m))
	if err != nil {
		return nil, fmt.Errorf("encode instance %d: %w", inst.ID, err)
	}
	return req, nil
}

// slice keeps the table rows an instance can use: given words from givens
// (plus the null word) paired with words from words.
func slice(t corpus.Table, givens, words []string) map[string]interface{} {
	out := make(map[string]interface{})
	if t == nil {
		return out
	}
	keep := make(map[string]struct{}, len(words)+1)
	for _, w := range words {
		keep[w] = struct{}{}
	}
	keep[corpus.NullToken] = struct{}{}
	for _, g := range append(append([]string(nil), givens...), corpus.NullToken) {
		row, ok := t[g]
		if !ok {
			continue
		}
		sub := make(map[string]interface{})
		for w, p := range row {
			if _, ok := keep[w]; ok {
				sub[w] = p
			}
		}
		if len(sub) > 0 {
			out[g] = sub
		}
	}
	return out
}

func stringList(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// toStructValues converts the Go-typed fields structpb cannot take directly.
func toStructValues(m map[string]interface{}) map[string]interface{} {
	for k, v := range m {
		switch x := v.(type) {
		case map[string]float64:
			conv := make(map[string]interface{}, len(x))
			for key, f := range x {
				conv[key] = f
			}
			m[k] = conv
		}
	}
	return m
}

func decodeHypothesis(v *structpb.Value) (perceptron.Hypothesis, error) {
	s := v.GetStructValue()
	if s == nil {
		return perceptron.Hypothesis{}, fmt.Errorf("%w: hypothesis is not an object", faults.ErrData)
	}
	fields := s.GetFields()

	linksVal, ok := fields["links"]
	if !ok {
		return perceptron.Hypothesis{}, fmt.Errorf("%w: hypothesis missing links", faults.ErrData)
	}
	if _, isStr := linksVal.GetKind().(*structpb.Value_StringValue); !isStr {
		return perceptron.Hypothesis{}, fmt.Errorf("%w: links must be a string", faults.ErrData)
	}
	links, err := corpus.ParseLinks(linksVal.GetStringValue())
	if err != nil {
		return perceptron.Hypothesis{}, err
	}

	feats := svector.New()
	if fv, ok := fields["features"]; ok {
		fs := fv.GetStructValue()
		if fs == nil {
			return perceptron.Hypothesis{}, fmt.Errorf("%w: features must be an object", faults.ErrData)
		}
		for k, x := range fs.GetFields() {
			num, ok := x.GetKind().(*structpb.Value_NumberValue)
			if !ok {
				return perceptron.Hypothesis{}, fmt.Errorf("%w: feature %q is not numeric", faults.ErrData, k)
			}
			feats.Set(k, num.NumberValue)
		}
	}
	return perceptron.Hypothesis{Links: links, Features: feats}, nil
}

// #endregion encoding
