package profile

import (
	"sort"
)

// Link resolves parent back-references for every reachable node. It handles
// both delivery forms: the flat collection with child-id references and the
// recursive structure rooted at Root. Linking is idempotent; relinking an
// already-linked snapshot is a no-op.
//
// A child id with no matching node is skipped; its siblings are still linked.
// When two parents claim the same child id, the parent with the larger id
// wins (last writer in ascending id order).
func (s *Snapshot) Link() {
	if s.linked {
		return
	}
	if s.Nodes == nil {
		s.Nodes = make(map[int64]*Node)
	}

	// Flat form: two passes. The id index already exists as the Nodes map;
	// assign parents in ascending parent-id order so duplicate claims
	// resolve deterministically.
	ids := make([]int64, 0, len(s.Nodes))
	for id := range s.Nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		parent := s.Nodes[id]
		for _, childID := range parent.ChildIDs {
			child, ok := s.Nodes[childID]
			if !ok {
				continue
			}
			child.Parent = parent
		}
	}

	// Recursive form: explicit worklist instead of recursion so pathological
	// tree depth cannot overflow the goroutine stack. Nodes are registered
	// into the flat index as they are visited; duplicate ids resolve
	// last-writer-wins.
	if s.Root != nil {
		s.Nodes[s.Root.ID] = s.Root
		stack := []*Node{s.Root}
		for len(stack) > 0 {
			parent := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			for _, child := range parent.Children {
				if child == nil {
					continue
				}
				child.Parent = parent
				s.Nodes[child.ID] = child
				stack = append(stack, child)
			}
		}
	}

	s.linked = true
}
