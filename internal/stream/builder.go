package stream

import (
	"fmt"

	pb "github.com/rpcpool/yellowstone-grpc/examples/golang/proto"
	"gopkg.in/yaml.v3"
)

// Well-known program addresses for the default group table.
const (
	bondingCurveProgram = "6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P"
	ammPoolProgram      = "pAMMBay6oceH9fJKBRHGP5D4bD4sWpmSwMn52FMfXEA"
	externalAmmProgram  = "675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8"
)

// GroupSpec declares one subscription group: a named logical stream selecting
// transactions by program identifier set. Enumerated at startup; no state.
type GroupSpec struct {
	Name     string   `yaml:"name"`
	Programs []string `yaml:"programs"`
	Priority Priority `yaml:"priority"`
	// Commitment is processed|confirmed|finalized. Empty means processed.
	Commitment string `yaml:"commitment"`
	// TrackSlots adds slot updates to this group's stream, feeding the
	// block tracker. Enable on exactly one group to avoid duplicate slot
	// traffic; the tracker tolerates duplicates regardless.
	TrackSlots bool `yaml:"track_slots"`
	// BlocksMeta adds block meta updates (tx counts, block time).
	BlocksMeta bool `yaml:"blocks_meta"`
	// ChannelBuffer sizes the per-group parse channel. Default 1024.
	ChannelBuffer int `yaml:"channel_buffer"`
}

// DefaultGroupTable is the compiled-in configuration used when no YAML table
// is supplied.
func DefaultGroupTable() []GroupSpec {
	return []GroupSpec{
		{
			Name:       "bonding_curve",
			Programs:   []string{bondingCurveProgram},
			Priority:   PriorityHigh,
			Commitment: "processed",
			TrackSlots: true,
			BlocksMeta: true,
		},
		{
			Name:       "amm_pool",
			Programs:   []string{ammPoolProgram},
			Priority:   PriorityMedium,
			Commitment: "processed",
		},
		{
			Name:       "external_amm",
			Programs:   []string{externalAmmProgram},
			Priority:   PriorityLow,
			Commitment: "confirmed",
		},
	}
}

// ParseGroupTable decodes a YAML group table and validates it.
func ParseGroupTable(data []byte) ([]GroupSpec, error) {
	var doc struct {
		Groups []GroupSpec `yaml:"groups"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse group table: %w", err)
	}
	if len(doc.Groups) == 0 {
		return nil, fmt.Errorf("group table defines no groups")
	}

	seen := make(map[string]bool, len(doc.Groups))
	for i, g := range doc.Groups {
		if g.Name == "" {
			return nil, fmt.Errorf("group %d: empty name", i)
		}
		if seen[g.Name] {
			return nil, fmt.Errorf("group %q: duplicate name", g.Name)
		}
		seen[g.Name] = true
		if len(g.Programs) == 0 {
			return nil, fmt.Errorf("group %q: no programs", g.Name)
		}
		switch g.Priority {
		case PriorityHigh, PriorityMedium, PriorityLow:
		case "":
			doc.Groups[i].Priority = PriorityMedium
		default:
			return nil, fmt.Errorf("group %q: invalid priority %q", g.Name, g.Priority)
		}
		switch g.Commitment {
		case "", "processed", "confirmed", "finalized":
		default:
			return nil, fmt.Errorf("group %q: invalid commitment %q", g.Name, g.Commitment)
		}
	}
	return doc.Groups, nil
}

// Builder maps group specs to upstream filter requests. Pure; no state
// beyond the table.
type Builder struct {
	groups map[string]GroupSpec
}

// NewBuilder indexes the group table.
func NewBuilder(table []GroupSpec) *Builder {
	m := make(map[string]GroupSpec, len(table))
	for _, g := range table {
		m[g.Name] = g
	}
	return &Builder{groups: m}
}

// Lookup returns the spec for a group name.
func (b *Builder) Lookup(name string) (GroupSpec, bool) {
	g, ok := b.groups[name]
	return g, ok
}

// Groups returns every configured group spec.
func (b *Builder) Groups() []GroupSpec {
	out := make([]GroupSpec, 0, len(b.groups))
	for _, g := range b.groups {
		out = append(out, g)
	}
	return out
}

// BuildFilter produces the upstream subscribe request for one group. Vote
// and failed transactions are always excluded.
func (b *Builder) BuildFilter(name string) (*pb.SubscribeRequest, error) {
	g, ok := b.groups[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, name)
	}

	no := false
	commitment := commitmentLevel(g.Commitment)
	req := &pb.SubscribeRequest{
		Commitment: &commitment,
		Transactions: map[string]*pb.SubscribeRequestFilterTransactions{
			g.Name: {
				Vote:            &no,
				Failed:          &no,
				AccountInclude:  append([]string(nil), g.Programs...),
				AccountExclude:  []string{},
				AccountRequired: []string{},
			},
		},
	}

	if g.TrackSlots {
		filterByCommitment := false
		req.Slots = map[string]*pb.SubscribeRequestFilterSlots{
			g.Name + "_slots": {FilterByCommitment: &filterByCommitment},
		}
	}
	if g.BlocksMeta {
		req.BlocksMeta = map[string]*pb.SubscribeRequestFilterBlocksMeta{
			g.Name + "_meta": {},
		}
	}
	return req, nil
}

func commitmentLevel(s string) pb.CommitmentLevel {
	switch s {
	case "confirmed":
		return pb.CommitmentLevel_CONFIRMED
	case "finalized":
		return pb.CommitmentLevel_FINALIZED
	default:
		return pb.CommitmentLevel_PROCESSED
	}
}
