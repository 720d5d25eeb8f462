package record

import (
	"sync"

	"github.com/ehrlich-b/tracemem/internal/model"
)

// CodeObjectInterner tracks which frame ids have already had a
// CodeObjectInfo record written, so a writer never re-emits the same
// interned code object twice in one stream (spec 3: "Interned under
// frame_id"). Exposed separately from Writer so the background reader
// and fork-clone path can inspect or replay the known set.
type CodeObjectInterner struct {
	mu    sync.RWMutex
	known map[model.FrameID]model.CodeObjectInfo
	order []model.FrameID
}

// NewCodeObjectInterner returns an empty interner.
func NewCodeObjectInterner() *CodeObjectInterner {
	return &CodeObjectInterner{known: make(map[model.FrameID]model.CodeObjectInfo)}
}

// InternIfNew records info under its FrameID if not already present,
// returning true if this is the first sighting (the writer should emit
// the record) or false if it was already interned (the writer should
// skip it).
func (c *CodeObjectInterner) InternIfNew(info model.CodeObjectInfo) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.known[info.FrameID]; ok {
		return false
	}
	c.known[info.FrameID] = info
	c.order = append(c.order, info.FrameID)
	return true
}

// Lookup returns the interned CodeObjectInfo for id, if any.
func (c *CodeObjectInterner) Lookup(id model.FrameID) (model.CodeObjectInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.known[id]
	return info, ok
}

// All returns every interned CodeObjectInfo in the order first observed,
// used to make a forked child's stream self-contained.
func (c *CodeObjectInterner) All() []model.CodeObjectInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.CodeObjectInfo, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.known[id])
	}
	return out
}
