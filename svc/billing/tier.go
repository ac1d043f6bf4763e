package billing

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Tier is a named subscription level with an associated token allowance.
type Tier string

const (
	TierFree    Tier = "FREE"
	TierBasic   Tier = "BASIC"
	TierPro     Tier = "PRO"
	TierProPlus Tier = "PROPLUS"
)

// CatalogEntry maps an external price id to a tier, its token allowance and
// billing duration. The FREE entry has no price id: it is never sold, but the
// reconciler needs its allowance when a subscription expires.
type CatalogEntry struct {
	Tier           Tier   `yaml:"tier"`
	PriceID        string `yaml:"price_id,omitempty"`
	TokenCredits   int64  `yaml:"token_credits"`
	DurationMonths int    `yaml:"duration_months,omitempty"`
}

// CatalogData is the raw catalog payload loaded from a CatalogSource.
type CatalogData struct {
	Entries []CatalogEntry `yaml:"tiers"`
	// ManualLinks maps invitation-link identifiers to the price id they
	// activate through the manual (invoice-based) flow.
	ManualLinks map[string]string `yaml:"manual_links,omitempty"`
}

// CatalogSource loads catalog data into the billing service.
type CatalogSource interface {
	Load(ctx context.Context) (CatalogData, error)
}

// Catalog is the static, immutable tier catalog. It supports lookup by
// external price id and the inverse lookup by tier.
type Catalog struct {
	byPrice map[string]CatalogEntry
	byTier  map[Tier]CatalogEntry
	links   map[string]string
}

// NewCatalog loads and validates catalog data from the given source.
func NewCatalog(ctx context.Context, src CatalogSource) (*Catalog, error) {
	if src == nil {
		panic("billing: CatalogSource is required")
	}

	data, err := src.Load(ctx)
	if err != nil {
		return nil, errors.Join(ErrInvalidCatalog, err)
	}

	c := &Catalog{
		byPrice: make(map[string]CatalogEntry, len(data.Entries)),
		byTier:  make(map[Tier]CatalogEntry, len(data.Entries)),
		links:   make(map[string]string, len(data.ManualLinks)),
	}

	for _, entry := range data.Entries {
		if entry.Tier == "" {
			return nil, errors.Join(ErrInvalidCatalog, errors.New("catalog entry without tier"))
		}
		if entry.TokenCredits < 0 {
			return nil, errors.Join(ErrInvalidCatalog,
				fmt.Errorf("tier %s has negative token allowance: %d", entry.Tier, entry.TokenCredits))
		}
		if _, exists := c.byTier[entry.Tier]; exists {
			return nil, errors.Join(ErrInvalidCatalog, fmt.Errorf("duplicate catalog entry for tier %s", entry.Tier))
		}
		if entry.Tier != TierFree && entry.PriceID == "" {
			return nil, errors.Join(ErrInvalidCatalog, fmt.Errorf("paid tier %s has no price id", entry.Tier))
		}
		c.byTier[entry.Tier] = entry
		if entry.PriceID != "" {
			if _, exists := c.byPrice[entry.PriceID]; exists {
				return nil, errors.Join(ErrInvalidCatalog, fmt.Errorf("duplicate price id %s", entry.PriceID))
			}
			c.byPrice[entry.PriceID] = entry
		}
	}

	if _, ok := c.byTier[TierFree]; !ok {
		return nil, errors.Join(ErrInvalidCatalog, errors.New("catalog must contain a FREE entry"))
	}

	for linkID, priceID := range data.ManualLinks {
		if _, ok := c.byPrice[priceID]; !ok {
			return nil, errors.Join(ErrInvalidCatalog,
				fmt.Errorf("manual link %s references unknown price id %s", linkID, priceID))
		}
		c.links[linkID] = priceID
	}

	return c, nil
}

// Lookup resolves an external price id to its catalog entry.
func (c *Catalog) Lookup(priceID string) (CatalogEntry, error) {
	entry, ok := c.byPrice[priceID]
	if !ok {
		return CatalogEntry{}, errors.Join(ErrUnknownPlan, fmt.Errorf("price id %q", priceID))
	}
	return entry, nil
}

// EntryForTier is the inverse lookup, used to compute the allowance for a
// tier already decided (e.g. on expiry to FREE).
func (c *Catalog) EntryForTier(tier Tier) (CatalogEntry, error) {
	entry, ok := c.byTier[tier]
	if !ok {
		return CatalogEntry{}, errors.Join(ErrUnknownTier, fmt.Errorf("tier %q", tier))
	}
	return entry, nil
}

// PriceForLink resolves a manual activation link id to its price id.
func (c *Catalog) PriceForLink(linkID string) (string, bool) {
	priceID, ok := c.links[linkID]
	return priceID, ok
}

// FileSource loads catalog data from a YAML file.
type FileSource struct {
	Path string
}

func (s FileSource) Load(_ context.Context) (CatalogData, error) {
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		return CatalogData{}, fmt.Errorf("read catalog file %s: %w", s.Path, err)
	}

	var data CatalogData
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return CatalogData{}, fmt.Errorf("parse catalog file %s: %w", s.Path, err)
	}
	return data, nil
}

// StaticSource serves in-code catalog data, mainly for tests and development.
type StaticSource struct {
	Data CatalogData
}

func (s StaticSource) Load(_ context.Context) (CatalogData, error) {
	return s.Data, nil
}
