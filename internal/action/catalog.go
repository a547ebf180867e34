package action

import (
	"context"
	"encoding/json"
	"os"

	"github.com/gzhole/guardbridge/internal/policy"
)

// CatalogName is the built-in action that describes the command policy.
const CatalogName = "catalog"

// Catalog answers the catalog action from a fresh command-policy read.
// Source is the command-policy path reported as sourcePolicy while it exists.
type Catalog struct {
	Provider policy.Provider
	Source   string
}

func (c *Catalog) Execute(ctx context.Context, name string, args json.RawMessage) (int, json.RawMessage) {
	p, err := c.Provider.CommandPolicy()
	if err != nil {
		return 1, errorPayload("policy_unavailable")
	}
	source := c.Source
	if _, err := os.Stat(source); err != nil {
		source = "none"
	}
	data, err := json.Marshal(policy.BuildCatalog(p, source))
	if err != nil {
		return 1, errorPayload("catalog_encode_failed")
	}
	return 0, data
}
