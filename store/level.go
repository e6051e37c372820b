package store

import "slices"

// Level assigns a dependency level to every entity in dirty: 0 when it has
// no parent inside dirty, otherwise one more than its deepest dirty parent.
//
// The computation iterates to a fixed point and gives up after
// len(dirty)+1 passes, returning a *CycleError naming the entities whose
// level was still changing.
func Level(g *Graph, dirty []ID) (map[ID]int, error) {
	inSet := make(map[ID]bool, len(dirty))
	for _, id := range dirty {
		inSet[id] = true
	}
	parents := make(map[ID][]ID, len(dirty))
	for _, id := range dirty {
		for _, p := range g.Parents(id) {
			if inSet[p] {
				parents[id] = append(parents[id], p)
			}
		}
	}

	levels := make(map[ID]int, len(dirty))
	for _, id := range dirty {
		levels[id] = 0
	}

	for pass := 0; pass <= len(dirty); pass++ {
		var changed []ID
		for _, id := range dirty {
			lvl := 0
			for _, p := range parents[id] {
				if levels[p]+1 > lvl {
					lvl = levels[p] + 1
				}
			}
			if lvl != levels[id] {
				levels[id] = lvl
				changed = append(changed, id)
			}
		}
		if len(changed) == 0 {
			return levels, nil
		}
		if pass == len(dirty) {
			refs := make([]string, 0, len(changed))
			for _, id := range changed {
				refs = append(refs, g.Ref(id))
			}
			slices.Sort(refs)
			return nil, &CycleError{Refs: refs}
		}
	}
	return levels, nil
}
