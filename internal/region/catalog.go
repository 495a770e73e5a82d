package region

import (
	"errors"
	"sort"

	"github.com/gridshift/carbonsched/internal/models"
)

// ErrUnknownRegion is returned when a carbon region is not present in the
// catalog. It can only surface at config-validation time.
var ErrUnknownRegion = errors.New("unknown carbon region")

// Calibration bounds the historically observed carbon intensity of a
// region, in gCO2/kWh.
type Calibration struct {
	Min float64
	Max float64
}

// Catalog is the immutable table of carbon regions: their calibration
// ranges and the provider-specific location each region maps to. It is
// built once at startup.
type Catalog struct {
	calibrations map[string]Calibration
	locations    map[models.Provider]map[string]string
	exclusive    map[models.Provider][]string
	shared       []string
}

// DefaultCatalog returns the catalog of regions the scheduler operates in.
func DefaultCatalog() *Catalog {
	return &Catalog{
		calibrations: map[string]Calibration{
			"CAISO_NORTH":      {Min: 54, Max: 263},
			"UK":               {Min: 147, Max: 319},
			"PJM_ROANOKE":      {Min: 360, Max: 432},
			"PJM_SOUTHWEST_OH": {Min: 360, Max: 432},
			"FR":               {Min: 17, Max: 54},
			"SE":               {Min: 18, Max: 28},
		},
		locations: map[models.Provider]map[string]string{
			models.ProviderAzure: {
				"CAISO_NORTH": "West US",
				"UK":          "UK South",
				"PJM_ROANOKE": "East US",
				"FR":          "France Central",
			},
			models.ProviderAWS: {
				"CAISO_NORTH":      "us-west-1",
				"UK":               "eu-west-2",
				"PJM_SOUTHWEST_OH": "us-east-2",
				"SE":               "eu-north-1",
			},
		},
		exclusive: map[models.Provider][]string{
			models.ProviderAzure: {"PJM_ROANOKE", "FR"},
			models.ProviderAWS:   {"PJM_SOUTHWEST_OH", "SE"},
		},
		shared: []string{"CAISO_NORTH", "UK"},
	}
}

// CalibrationFor returns the calibration range for a carbon region.
func (c *Catalog) CalibrationFor(region string) (Calibration, error) {
	cal, ok := c.calibrations[region]
	if !ok {
		return Calibration{}, ErrUnknownRegion
	}
	return cal, nil
}

// ProviderLocation maps a carbon region to the given provider's location
// identifier. The second return value is false when the provider has no
// presence in the region.
func (c *Catalog) ProviderLocation(p models.Provider, region string) (string, bool) {
	loc, ok := c.locations[p][region]
	return loc, ok
}

// LocationRegion is the reverse of ProviderLocation: it resolves a
// provider location identifier back to its carbon region.
func (c *Catalog) LocationRegion(p models.Provider, location string) (string, bool) {
	for region, loc := range c.locations[p] {
		if loc == location {
			return region, true
		}
	}
	return "", false
}

// Regions returns every carbon region in the catalog, lexically sorted.
func (c *Catalog) Regions() []string {
	regions := make([]string, 0, len(c.calibrations))
	for r := range c.calibrations {
		regions = append(regions, r)
	}
	sort.Strings(regions)
	return regions
}

// EligibleRegions returns the regions a provider's jobs may be placed in:
// the provider-exclusive regions plus the shared ones. The slice is
// lexically sorted so that policy decisions are reproducible.
func (c *Catalog) EligibleRegions(p models.Provider) []string {
	regions := make([]string, 0, len(c.exclusive[p])+len(c.shared))
	regions = append(regions, c.exclusive[p]...)
	regions = append(regions, c.shared...)
	sort.Strings(regions)
	return regions
}

// EligibleLocations returns the provider location identifiers behind
// EligibleRegions.
func (c *Catalog) EligibleLocations(p models.Provider) []string {
	regions := c.EligibleRegions(p)
	locations := make([]string, 0, len(regions))
	for _, r := range regions {
		if loc, ok := c.ProviderLocation(p, r); ok {
			locations = append(locations, loc)
		}
	}
	return locations
}
