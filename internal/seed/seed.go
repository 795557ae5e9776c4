package seed

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	catalogdomain "github.com/smallbiznis/impactledger/internal/catalog/domain"
	"github.com/smallbiznis/impactledger/internal/clock"
	"gorm.io/gorm"
)

type productSeed struct {
	sku   string
	title string
	price string
}

type initiativeSeed struct {
	slug        string
	title       string
	description string
	region      string
}

var defaultProducts = []productSeed{
	{sku: "TREE_PLANT_001", title: "Tree Planting Initiative", price: "25.00"},
	{sku: "WATER_WELL_001", title: "Clean Water Initiative", price: "50.00"},
	{sku: "SOLAR_PANEL_001", title: "Solar Energy Project", price: "100.00"},
	{sku: "EDUCATION_001", title: "Education Support", price: "30.00"},
	{sku: "OCEAN_CLEANUP_001", title: "Ocean Cleanup", price: "40.00"},
}

var defaultInitiatives = []initiativeSeed{
	{
		slug:        "amazon-reforestation",
		title:       "Amazon Reforestation Project",
		description: "Restoring the Amazon rainforest through strategic tree planting and community engagement.",
		region:      "Amazon Basin, Brazil",
	},
	{
		slug:        "clean-water-africa",
		title:       "Clean Water for Africa",
		description: "Building wells and water purification systems in rural communities.",
		region:      "East Africa",
	},
	{
		slug:        "solar-energy-global",
		title:       "Global Solar Initiative",
		description: "Installing solar panels in underserved communities.",
		region:      "Global",
	},
}

// EnsureCatalog inserts the demo products and in-progress initiatives.
// Rows that already exist (by sku or slug) are left untouched.
func EnsureCatalog(ctx context.Context, db *gorm.DB, repo catalogdomain.Repository, node *snowflake.Node, clk clock.Clock) (int, error) {
	if db == nil {
		return 0, errors.New("seed database handle is required")
	}

	inserted := 0
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := clk.Now()
		for _, item := range defaultProducts {
			ok, err := repo.InsertProduct(ctx, tx, &catalogdomain.Product{
				ID:        node.Generate(),
				SKU:       item.sku,
				Title:     item.title,
				Price:     decimal.RequireFromString(item.price),
				Active:    true,
				CreatedAt: now,
				UpdatedAt: now,
			})
			if err != nil {
				return err
			}
			if ok {
				inserted++
			}
		}
		for _, item := range defaultInitiatives {
			ok, err := repo.InsertInitiative(ctx, tx, &catalogdomain.Initiative{
				ID:          node.Generate(),
				Slug:        item.slug,
				Title:       item.title,
				Description: item.description,
				Region:      item.region,
				Status:      catalogdomain.InitiativeInProgress,
				CreatedAt:   now,
				UpdatedAt:   now,
			})
			if err != nil {
				return err
			}
			if ok {
				inserted++
			}
		}
		return nil
	})
	return inserted, err
}
