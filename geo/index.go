// Package geo keeps an in-memory spatial index of live driver positions.
// The database remains authoritative for matching; this index only serves
// map views, where a slightly stale answer is fine.
package geo

import (
	"math"
	"sort"
	"sync"

	"github.com/dhconnelly/rtreego"
	"github.com/google/uuid"
	"github.com/mmcloughlin/geohash"
)

const (
	// Precision 7 cells are roughly 150m across, enough to group markers
	// on a city map.
	cellPrecision = 7

	earthRadiusM = 6371000
)

// Entry is a driver position as stored in the index.
type Entry struct {
	ID   uuid.UUID
	Lat  float64
	Lng  float64
	Cell string
}

type item struct {
	entry Entry
	rect  *rtreego.Rect
}

func (i *item) Bounds() *rtreego.Rect { return i.rect }

// Index is safe for concurrent use.
type Index struct {
	mu    sync.RWMutex
	tree  *rtreego.Rtree
	items map[uuid.UUID]*item
}

func NewIndex() *Index {
	return &Index{
		tree:  rtreego.NewTree(2, 25, 50),
		items: make(map[uuid.UUID]*item),
	}
}

// Upsert replaces the stored position for id.
func (x *Index) Upsert(id uuid.UUID, lat, lng float64) {
	rect := rtreego.Point{lat, lng}.ToRect(1e-6)
	it := &item{
		entry: Entry{
			ID:   id,
			Lat:  lat,
			Lng:  lng,
			Cell: geohash.EncodeWithPrecision(lat, lng, cellPrecision),
		},
		rect: rect,
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if old, ok := x.items[id]; ok {
		x.tree.Delete(old)
	}
	x.tree.Insert(it)
	x.items[id] = it
}

func (x *Index) Remove(id uuid.UUID) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if old, ok := x.items[id]; ok {
		x.tree.Delete(old)
		delete(x.items, id)
	}
}

func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.items)
}

// Nearby returns up to limit entries within radiusM metres of the given
// point, closest first.
func (x *Index) Nearby(lat, lng, radiusM float64, limit int) []Entry {
	// Bounding box in degrees, widened by latitude so the box covers the
	// circle away from the equator.
	latDeg := radiusM / 111000
	lngDeg := latDeg / math.Max(math.Cos(lat*math.Pi/180), 0.01)
	min := rtreego.Point{lat - latDeg, lng - lngDeg}
	max := rtreego.Point{lat + latDeg, lng + lngDeg}
	rect, err := rtreego.NewRectFromPoints(min, max)
	if err != nil {
		return nil
	}

	x.mu.RLock()
	hits := x.tree.SearchIntersect(rect)
	x.mu.RUnlock()

	type scored struct {
		entry Entry
		dist  float64
	}
	var in []scored
	for _, h := range hits {
		e := h.(*item).entry
		d := Distance(lat, lng, e.Lat, e.Lng)
		if d <= radiusM {
			in = append(in, scored{e, d})
		}
	}
	sort.Slice(in, func(i, j int) bool { return in[i].dist < in[j].dist })

	if limit > 0 && len(in) > limit {
		in = in[:limit]
	}
	out := make([]Entry, len(in))
	for i, s := range in {
		out[i] = s.entry
	}
	return out
}

// Distance is the haversine great-circle distance in metres.
func Distance(lat1, lng1, lat2, lng2 float64) float64 {
	const rad = math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLng := (lng2 - lng1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusM * math.Asin(math.Sqrt(a))
}
