package catalog

import (
	"os"
	"sort"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/gridharvest/coordinator/internal/model"
)

// TierMultipliers weight selection toward higher-value markets.
type TierMultipliers map[model.MarketTier]float64

// DefaultTierMultipliers returns the standard market weighting.
func DefaultTierMultipliers() TierMultipliers {
	return TierMultipliers{
		model.TierPrimary:   1.5,
		model.TierSecondary: 1.0,
		model.TierTertiary:  0.6,
	}
}

// Multiplier returns the weight for a tier, defaulting to 1.0 for unknown
// tiers so a catalog typo never zeroes out a unit.
func (m TierMultipliers) Multiplier(tier model.MarketTier) float64 {
	if v, ok := m[tier]; ok && v > 0 {
		return v
	}
	return 1.0
}

// Catalog is the in-memory work unit table. Loaded once at startup;
// refresh is an external concern.
type Catalog struct {
	units []model.WorkUnit
	byID  map[string]model.WorkUnit
}

type catalogFile struct {
	Units []model.WorkUnit `yaml:"units"`
}

// Load reads a YAML catalog file and validates its entries. Units with a
// missing id or non-positive expected yield are skipped with a warning,
// not treated as fatal.
func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: read %s", path)
	}

	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, eris.Wrapf(err, "catalog: parse %s", path)
	}

	return New(file.Units), nil
}

// New builds a catalog from a unit slice, dropping invalid entries.
func New(units []model.WorkUnit) *Catalog {
	c := &Catalog{byID: make(map[string]model.WorkUnit)}
	var skipped int
	for _, u := range units {
		if u.ID == "" || u.ExpectedYield <= 0 {
			skipped++
			continue
		}
		if _, dup := c.byID[u.ID]; dup {
			skipped++
			continue
		}
		c.units = append(c.units, u)
		c.byID[u.ID] = u
	}
	sort.Slice(c.units, func(i, j int) bool { return c.units[i].ID < c.units[j].ID })

	if skipped > 0 {
		zap.L().Warn("catalog: skipped invalid or duplicate units",
			zap.Int("skipped", skipped),
			zap.Int("loaded", len(c.units)),
		)
	}
	return c
}

// Len returns the number of loaded units.
func (c *Catalog) Len() int { return len(c.units) }

// Units returns all units sorted by id.
func (c *Catalog) Units() []model.WorkUnit {
	out := make([]model.WorkUnit, len(c.units))
	copy(out, c.units)
	return out
}

// Get looks up a unit by id.
func (c *Catalog) Get(id string) (model.WorkUnit, bool) {
	u, ok := c.byID[id]
	return u, ok
}

// InBand returns units whose expected yield lies in [minYield, maxYield].
// A zero maxYield means no upper bound.
func (c *Catalog) InBand(minYield, maxYield int64) []model.WorkUnit {
	var out []model.WorkUnit
	for _, u := range c.units {
		if u.ExpectedYield < minYield {
			continue
		}
		if maxYield > 0 && u.ExpectedYield > maxYield {
			continue
		}
		out = append(out, u)
	}
	return out
}

// Bounds returns the unit's tile bounds as a go-geom bounds in lon/lat, or
// false when the catalog carries no geometry for it.
func Bounds(u model.WorkUnit) (*geom.Bounds, bool) {
	if u.MinLon == 0 && u.MaxLon == 0 && u.MinLat == 0 && u.MaxLat == 0 {
		return nil, false
	}
	b := geom.NewBounds(geom.XY)
	b.SetCoords(geom.Coord{u.MinLon, u.MinLat}, geom.Coord{u.MaxLon, u.MaxLat})
	return b, true
}

// TotalYield sums expected yield across units.
func TotalYield(units []model.WorkUnit) int64 {
	var total int64
	for _, u := range units {
		total += u.ExpectedYield
	}
	return total
}
