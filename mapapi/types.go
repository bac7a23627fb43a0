package mapapi

// LatLng is a geographic point, latitude first.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// TextValue is the provider's human-readable plus raw-value pair. Value is
// metres for distances and seconds for durations.
type TextValue struct {
	Text  string `json:"text"`
	Value int    `json:"value"`
}

type Geometry struct {
	Location LatLng `json:"location"`
}

type Place struct {
	Name             string   `json:"name"`
	FormattedAddress string   `json:"formatted_address"`
	Geometry         Geometry `json:"geometry"`
}

type GeocodeResult struct {
	FormattedAddress string   `json:"formatted_address"`
	Geometry         Geometry `json:"geometry"`
}

// Location bundles the two lookups a free-text search runs.
type Location struct {
	Places   []Place         `json:"places"`
	Geocodes []GeocodeResult `json:"geocodes"`
}

type Polyline struct {
	Points string `json:"points"`
}

type Leg struct {
	Distance     TextValue `json:"distance"`
	Duration     TextValue `json:"duration"`
	StartAddress string    `json:"start_address"`
	EndAddress   string    `json:"end_address"`
}

type Route struct {
	Summary          string   `json:"summary"`
	Legs             []Leg    `json:"legs"`
	OverviewPolyline Polyline `json:"overview_polyline"`
}

type Directions struct {
	Status string  `json:"status"`
	Routes []Route `json:"routes"`
}

type MatrixElement struct {
	Status   string    `json:"status"`
	Distance TextValue `json:"distance"`
	Duration TextValue `json:"duration"`
}

type matrixRow struct {
	Elements []MatrixElement `json:"elements"`
}

type distanceMatrix struct {
	Status       string      `json:"status"`
	ErrorMessage string      `json:"error_message"`
	Rows         []matrixRow `json:"rows"`
}
