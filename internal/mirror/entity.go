package mirror

// EntityKind names a domain record derived from an address shape.
type EntityKind string

const (
	EntityInstance       EntityKind = "instance"
	EntityParameter      EntityKind = "parameter"
	EntityMessageInport  EntityKind = "message_inport"
	EntityMessageOutport EntityKind = "message_outport"
	EntityDataRef        EntityKind = "data_ref"
	EntityPresetList     EntityKind = "preset_list"
	EntityPatcher        EntityKind = "patcher"
	EntityTransportTempo EntityKind = "transport_tempo"
)

// Rule is the action attached to one address pattern.
type Rule struct {
	Kind EntityKind
	// Immediate nodes are materialised from the add notification alone.
	Immediate bool
	// Refines marks a node that updates its parent entity instead of
	// creating a new one.
	Refines bool
}

// Entity is one domain record resolved from an address.
type Entity struct {
	Kind    EntityKind `json:"kind"`
	Address string     `json:"address"`
	// Keys are the segments matched by wildcards, in pattern order.
	Keys []string `json:"keys,omitempty"`
}

// Name is the last wildcard capture, or the address base when the pattern
// has none.
func (e Entity) Name() string {
	if len(e.Keys) == 0 {
		return Base(e.Address)
	}
	return e.Keys[len(e.Keys)-1]
}

// Pattern is one table row. A "*" segment matches exactly one segment.
type Pattern struct {
	Pattern string
	Rule    Rule
	segs    []string
}

// EntityTable is an ordered list of patterns; the first match wins.
type EntityTable struct {
	rows []Pattern
}

func NewEntityTable(rows ...Pattern) *EntityTable {
	t := &EntityTable{rows: make([]Pattern, 0, len(rows))}
	for _, r := range rows {
		r.segs = Split(r.Pattern)
		t.rows = append(t.rows, r)
	}
	return t
}

// DefaultEntityTable covers the device's instance namespace.
func DefaultEntityTable() *EntityTable {
	return NewEntityTable(
		Pattern{Pattern: "/rnbo/inst/*", Rule: Rule{Kind: EntityInstance}},
		Pattern{Pattern: "/rnbo/inst/*/params/*", Rule: Rule{Kind: EntityParameter}},
		Pattern{Pattern: "/rnbo/inst/*/params/*/normalized", Rule: Rule{Kind: EntityParameter, Refines: true}},
		Pattern{Pattern: "/rnbo/inst/*/messages/in/*", Rule: Rule{Kind: EntityMessageInport, Immediate: true}},
		Pattern{Pattern: "/rnbo/inst/*/messages/out/*", Rule: Rule{Kind: EntityMessageOutport, Immediate: true}},
		Pattern{Pattern: "/rnbo/inst/*/data_refs/*", Rule: Rule{Kind: EntityDataRef}},
		Pattern{Pattern: "/rnbo/inst/*/presets/entries", Rule: Rule{Kind: EntityPresetList}},
		Pattern{Pattern: "/rnbo/patchers/*", Rule: Rule{Kind: EntityPatcher}},
		Pattern{Pattern: "/rnbo/jack/transport/bpm", Rule: Rule{Kind: EntityTransportTempo}},
	)
}

// Resolve matches addr against the table. For refining rules the returned
// entity is the refined parent.
func (t *EntityTable) Resolve(addr string) (Entity, Rule, bool) {
	segs := Split(addr)
	for _, row := range t.rows {
		keys, ok := matchSegments(row.segs, segs)
		if !ok {
			continue
		}
		ent := Entity{Kind: row.Rule.Kind, Address: Clean(addr), Keys: keys}
		if row.Rule.Refines {
			parent, _ := Parent(addr)
			ent.Address = parent
		}
		return ent, row.Rule, true
	}
	return Entity{}, Rule{}, false
}

func matchSegments(pattern, segs []string) ([]string, bool) {
	if len(pattern) != len(segs) {
		return nil, false
	}
	var keys []string
	for i, p := range pattern {
		switch p {
		case "*":
			keys = append(keys, segs[i])
		case segs[i]:
		default:
			return nil, false
		}
	}
	return keys, true
}
