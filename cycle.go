package txnsvc

import (
	"fmt"
)

// detectCycle verifies that installing root keeps the dependency graph
// acyclic. It walks the outgoing edges of root, recursing through each
// target registration's installed controller; reaching root again means
// the installation would introduce a cycle.
//
// The root's registrations are already bound when the walk runs, so cycles
// through aliases are found as well.
func detectCycle(root *ServiceController) error {
	visited := make(map[*ServiceController]struct{})
	var visit func(c *ServiceController, path []ServiceName) error
	visit = func(c *ServiceController, path []ServiceName) error {
		if c == root && len(path) > 0 {
			return fmt.Errorf("%w: %s", ErrCircularDependency, formatCycle(path))
		}
		if _, seen := visited[c]; seen {
			return nil
		}
		visited[c] = struct{}{}
		for _, d := range c.dependencies {
			target := d.Registration().Controller()
			if target == nil {
				continue
			}
			if err := visit(target, append(path, d.Registration().Name())); err != nil {
				return err
			}
		}
		return nil
	}
	return visit(root, nil)
}

func formatCycle(path []ServiceName) string {
	out := ""
	for i, n := range path {
		if i > 0 {
			out += " -> "
		}
		out += n.String()
	}
	return out
}
