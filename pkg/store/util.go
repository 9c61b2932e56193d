package store

import "slices"

// ChunkRange calls fn for consecutive [start, end) windows of at most
// chunkSize over total items.
func ChunkRange(total, chunkSize int, fn func(start, end int) error) error {
	if total <= 0 {
		return nil
	}
	if chunkSize <= 0 {
		chunkSize = total
	}
	for start := 0; start < total; start += chunkSize {
		end := min(start+chunkSize, total)
		if err := fn(start, end); err != nil {
			return err
		}
	}
	return nil
}

// SortNodes orders nodes by kind then key, the order every adapter returns.
func SortNodes(nodes []Node) {
	slices.SortFunc(nodes, func(a, b Node) int { return CompareHandles(a.Handle, b.Handle) })
}

// SortEdges orders edges by kind, then source, then target.
func SortEdges(edges []Edge) {
	slices.SortFunc(edges, func(a, b Edge) int {
		if a.Kind != b.Kind {
			if a.Kind < b.Kind {
				return -1
			}
			return 1
		}
		if c := CompareHandles(a.From, b.From); c != 0 {
			return c
		}
		return CompareHandles(a.To, b.To)
	})
}
