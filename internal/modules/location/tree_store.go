// README: In-process driver index on an R-tree; used for local runs and tests.
package location

import (
	"context"
	"fmt"
	"sync"

	"github.com/dhconnelly/rtreego"

	"ridedispatch/internal/types"
)

// pointTolerance gives each driver a tiny box so it is a valid R-tree entry.
const pointTolerance = 0.00001

type treeEntry struct {
	id       types.ID
	position types.Point
	rect     rtreego.Rect
}

func (e *treeEntry) Bounds() rtreego.Rect { return e.rect }

// TreeIndex keeps positions in an R-tree keyed on (lng, lat). Searches take a
// bounding box around the circle and then filter by haversine distance.
type TreeIndex struct {
	mu      sync.RWMutex
	tree    *rtreego.Rtree
	entries map[types.ID]*treeEntry
}

func NewTreeIndex() *TreeIndex {
	return &TreeIndex{
		tree:    rtreego.NewTree(2, 25, 50),
		entries: make(map[types.ID]*treeEntry),
	}
}

func (s *TreeIndex) UpsertDriver(_ context.Context, driverID types.ID, pos types.Point) error {
	if !pos.Valid() {
		return fmt.Errorf("invalid position %v", pos)
	}
	e := &treeEntry{
		id:       driverID,
		position: pos,
		rect:     rtreego.Point{pos.Lng, pos.Lat}.ToRect(pointTolerance),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[driverID]; ok {
		s.tree.Delete(old)
	}
	s.tree.Insert(e)
	s.entries[driverID] = e
	return nil
}

func (s *TreeIndex) RemoveDriver(_ context.Context, driverID types.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[driverID]; ok {
		s.tree.Delete(old)
		delete(s.entries, driverID)
	}
	return nil
}

func (s *TreeIndex) SearchNearby(_ context.Context, center types.Point, radiusKm float64, limit int) (SearchResult, error) {
	dLat, dLng := degreeSpan(center.Lat, radiusKm)
	box, err := rtreego.NewRectFromPoints(
		rtreego.Point{center.Lng - dLng, center.Lat - dLat},
		rtreego.Point{center.Lng + dLng, center.Lat + dLat},
	)
	if err != nil {
		return SearchResult{}, fmt.Errorf("search box: %w", err)
	}

	s.mu.RLock()
	hits := s.tree.SearchIntersect(box)
	s.mu.RUnlock()

	var drivers []Driver
	for _, h := range hits {
		e := h.(*treeEntry)
		dist := DistanceKm(center, e.position)
		if dist > radiusKm {
			continue
		}
		drivers = append(drivers, Driver{ID: e.id, Position: e.position, DistanceKm: dist})
	}
	return finalize(drivers, radiusKm, limit), nil
}

func (s *TreeIndex) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
