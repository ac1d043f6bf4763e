package billing_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/chatbilling/svc/billing"
)

func TestNewCatalog(t *testing.T) {
	t.Parallel()

	t.Run("valid catalog", func(t *testing.T) {
		t.Parallel()

		catalog, err := billing.NewCatalog(context.Background(), billing.StaticSource{Data: testCatalogData()})
		require.NoError(t, err)

		entry, err := catalog.Lookup(testPricePro)
		require.NoError(t, err)
		assert.Equal(t, billing.TierPro, entry.Tier)
		assert.Equal(t, int64(1000000), entry.TokenCredits)
	})

	t.Run("missing free entry", func(t *testing.T) {
		t.Parallel()

		data := billing.CatalogData{
			Entries: []billing.CatalogEntry{
				{Tier: billing.TierBasic, PriceID: testPriceBasic, TokenCredits: 350000},
			},
		}
		_, err := billing.NewCatalog(context.Background(), billing.StaticSource{Data: data})
		assert.ErrorIs(t, err, billing.ErrInvalidCatalog)
	})

	t.Run("duplicate tier", func(t *testing.T) {
		t.Parallel()

		data := testCatalogData()
		data.Entries = append(data.Entries, billing.CatalogEntry{
			Tier: billing.TierBasic, PriceID: "pri_other", TokenCredits: 1,
		})
		_, err := billing.NewCatalog(context.Background(), billing.StaticSource{Data: data})
		assert.ErrorIs(t, err, billing.ErrInvalidCatalog)
	})

	t.Run("duplicate price id", func(t *testing.T) {
		t.Parallel()

		data := testCatalogData()
		data.Entries = append(data.Entries, billing.CatalogEntry{
			Tier: "ENTERPRISE", PriceID: testPriceBasic, TokenCredits: 1,
		})
		_, err := billing.NewCatalog(context.Background(), billing.StaticSource{Data: data})
		assert.ErrorIs(t, err, billing.ErrInvalidCatalog)
	})

	t.Run("paid tier without price id", func(t *testing.T) {
		t.Parallel()

		data := testCatalogData()
		data.Entries = append(data.Entries, billing.CatalogEntry{
			Tier: "ENTERPRISE", TokenCredits: 1,
		})
		_, err := billing.NewCatalog(context.Background(), billing.StaticSource{Data: data})
		assert.ErrorIs(t, err, billing.ErrInvalidCatalog)
	})

	t.Run("manual link referencing unknown price", func(t *testing.T) {
		t.Parallel()

		data := testCatalogData()
		data.ManualLinks["broken"] = "pri_nope"
		_, err := billing.NewCatalog(context.Background(), billing.StaticSource{Data: data})
		assert.ErrorIs(t, err, billing.ErrInvalidCatalog)
	})
}

func TestCatalogLookups(t *testing.T) {
	t.Parallel()

	catalog := testCatalog(t)

	t.Run("unknown price", func(t *testing.T) {
		t.Parallel()

		_, err := catalog.Lookup("pri_unknown")
		assert.ErrorIs(t, err, billing.ErrUnknownPlan)
	})

	t.Run("entry for tier", func(t *testing.T) {
		t.Parallel()

		entry, err := catalog.EntryForTier(billing.TierFree)
		require.NoError(t, err)
		assert.Equal(t, int64(20000), entry.TokenCredits)
		assert.Empty(t, entry.PriceID)

		_, err = catalog.EntryForTier("ULTRA")
		assert.ErrorIs(t, err, billing.ErrUnknownTier)
	})

	t.Run("price for link", func(t *testing.T) {
		t.Parallel()

		priceID, ok := catalog.PriceForLink("pro-invite")
		require.True(t, ok)
		assert.Equal(t, testPricePro, priceID)

		_, ok = catalog.PriceForLink("nope")
		assert.False(t, ok)
	})
}

func TestFileSource(t *testing.T) {
	t.Parallel()

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()

		_, err := billing.NewCatalog(context.Background(), billing.FileSource{Path: "testdata/does-not-exist.yaml"})
		assert.ErrorIs(t, err, billing.ErrInvalidCatalog)
	})
}
