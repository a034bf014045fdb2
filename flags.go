package txnsvc

// DependencyFlag adjusts the behaviour of a single dependency edge.
type DependencyFlag uint8

const (
	// FlagUnrequired marks the edge as optional: a missing target is not
	// reported as a problem at prepare time. Edges are required by default.
	FlagUnrequired DependencyFlag = 1 << iota

	// FlagNoDemand suppresses demand propagation through this edge.
	FlagNoDemand

	// FlagRequireDown inverts the edge polarity: the edge is satisfied while
	// the target is not up. Used for mutual-exclusion relations.
	FlagRequireDown

	// FlagParent marks a parent-child containment edge: when the target goes
	// down the dependent service is removed.
	FlagParent
)

// DependencyFlags is a combination of dependency flags.
type DependencyFlags uint8

// CombineFlags folds individual flags into a flag set.
func CombineFlags(flags ...DependencyFlag) DependencyFlags {
	var out DependencyFlags
	for _, f := range flags {
		out |= DependencyFlags(f)
	}
	return out
}

// Has reports whether the set contains the given flag.
func (f DependencyFlags) Has(flag DependencyFlag) bool {
	return f&DependencyFlags(flag) != 0
}
