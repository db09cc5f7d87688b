// Package product provides the archive product catalogue for era-fetcher.
package product

import (
	"errors"
	"fmt"
	"sort"
)

// ErrUnknownProduct is returned when a requested product is not in the catalogue.
var ErrUnknownProduct = errors.New("no such product")

// Definition describes a single archive product: the remote dataset it maps
// to and the variable/level selection requested from it.
type Definition struct {
	Name      string   `yaml:"name"`
	Dataset   string   `yaml:"dataset"`
	Variables []string `yaml:"variables"`
	Levels    []int    `yaml:"levels"` // empty for single-level products
}

// Validate checks that a definition is complete enough to submit.
func (d Definition) Validate() error {
	if d.Name == "" {
		return errors.New("product name is required")
	}
	if d.Dataset == "" {
		return fmt.Errorf("product %q: dataset is required", d.Name)
	}
	if len(d.Variables) == 0 {
		return fmt.Errorf("product %q: at least one variable is required", d.Name)
	}
	return nil
}

// Builtin returns the products the fetcher knows out of the box.
func Builtin() []Definition {
	return []Definition{
		{
			Name:    "pressure_an",
			Dataset: "reanalysis-era5-pressure-levels",
			Variables: []string{
				"geopotential",
				"relative_humidity",
				"temperature",
			},
			Levels: []int{
				500, 550, 600, 650, 700, 750, 775, 800,
				825, 850, 875, 900, 925, 950, 975, 1000,
			},
		},
		{
			Name:    "surface_an",
			Dataset: "reanalysis-era5-single-levels",
			Variables: []string{
				"land_sea_mask",
				"low_cloud_cover",
				"toa_incident_solar_radiation",
			},
		},
		{
			Name:    "cams_eac4",
			Dataset: "cams-global-reanalysis-eac4",
			Variables: []string{
				"carbon_monoxide",
				"ozone",
				"total_aerosol_optical_depth_550nm",
			},
		},
	}
}

// Catalog resolves product names to definitions. Custom definitions from
// configuration merge over the builtin set, overriding by name.
type Catalog struct {
	defs map[string]Definition
}

// NewCatalog builds a catalogue from the builtin products plus custom ones.
func NewCatalog(custom []Definition) (*Catalog, error) {
	defs := make(map[string]Definition)
	for _, d := range Builtin() {
		defs[d.Name] = d
	}
	for _, d := range custom {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		defs[d.Name] = d
	}
	return &Catalog{defs: defs}, nil
}

// Get returns the definition for a product name.
func (c *Catalog) Get(name string) (Definition, error) {
	d, ok := c.defs[name]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %q", ErrUnknownProduct, name)
	}
	return d, nil
}

// Resolve returns definitions for the given names, preserving request order.
func (c *Catalog) Resolve(names []string) ([]Definition, error) {
	out := make([]Definition, 0, len(names))
	for _, name := range names {
		d, err := c.Get(name)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// Names returns all catalogue product names, sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.defs))
	for name := range c.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Area is a geographic selection as a north/west/south/east bounding box,
// in degrees. The archive expects the [N, W, S, E] order.
type Area struct {
	North float64 `yaml:"north"`
	West  float64 `yaml:"west"`
	South float64 `yaml:"south"`
	East  float64 `yaml:"east"`
}

// AreaAround returns a bounding box centred on a point, extending size
// degrees in each direction.
func AreaAround(lat, lon, size float64) Area {
	return Area{
		North: lat + size,
		West:  lon - size,
		South: lat - size,
		East:  lon + size,
	}
}

// List returns the area in the archive's [N, W, S, E] order.
func (a Area) List() []float64 {
	return []float64{a.North, a.West, a.South, a.East}
}

// Validate checks the box is non-degenerate and within bounds.
func (a Area) Validate() error {
	if a.North <= a.South {
		return fmt.Errorf("area: north (%g) must be greater than south (%g)", a.North, a.South)
	}
	if a.North > 90 || a.South < -90 {
		return fmt.Errorf("area: latitude out of range [%g, %g]", a.South, a.North)
	}
	return nil
}

// Grid is the requested output grid resolution in degrees.
type Grid struct {
	Lat float64 `yaml:"lat"`
	Lon float64 `yaml:"lon"`
}

// DefaultGrid is the 1x1 degree grid the fetcher requests unless configured.
func DefaultGrid() Grid {
	return Grid{Lat: 1.0, Lon: 1.0}
}

// List returns the grid as the [lat, lon] pair the archive expects.
func (g Grid) List() []float64 {
	return []float64{g.Lat, g.Lon}
}

// HourlyTimes returns the full set of analysis times, one per hour.
func HourlyTimes() []string {
	times := make([]string, 24)
	for h := 0; h < 24; h++ {
		times[h] = fmt.Sprintf("%02d:00", h)
	}
	return times
}

// ExtensionFor maps an output format to its file extension.
func ExtensionFor(format string) (string, error) {
	switch format {
	case "netcdf":
		return ".nc", nil
	case "grib":
		return ".grib", nil
	default:
		return "", fmt.Errorf("unknown output format %q (want netcdf or grib)", format)
	}
}
