package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/joao-fontenele/harborline/internal/domain"
)

// DefaultSeed is the stock loaded when no seed file is configured.
var DefaultSeed = []domain.StockLevel{
	{SKU: "SKU-RED-CHAIR", Available: 25},
	{SKU: "SKU-BLUE-LAMP", Available: 40},
	{SKU: "SKU-WHITE-DESK", Available: 10},
}

type seedFile struct {
	Items []struct {
		SKU       string `json:"sku"`
		Available int    `json:"available"`
	} `json:"items"`
}

// LoadSeed reads {"items":[{"sku":..,"available":..}]} from path, or returns
// DefaultSeed when path is empty.
func LoadSeed(path string) ([]domain.StockLevel, error) {
	if path == "" {
		return DefaultSeed, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inventory seed: %w", err)
	}

	var seed seedFile
	if err := json.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("decode inventory seed: %w", err)
	}

	levels := make([]domain.StockLevel, 0, len(seed.Items))
	for _, item := range seed.Items {
		if item.SKU == "" || item.Available < 0 {
			return nil, fmt.Errorf("seed item %q available %d: %w", item.SKU, item.Available, domain.ErrValidation)
		}
		levels = append(levels, domain.StockLevel{SKU: item.SKU, Available: item.Available})
	}
	return levels, nil
}

// Seed loads the seed at path into store.
func Seed(ctx context.Context, store Store, path string) error {
	levels, err := LoadSeed(path)
	if err != nil {
		return err
	}
	return store.Seed(ctx, levels)
}
