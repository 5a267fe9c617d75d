// Package tools holds the static catalog of priced verification tools, the
// payment challenge issuer, and the downstream HTTP invoker.
package tools

import (
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/vitwit/agentpay/types"
)

// Catalog is the immutable mapping from tool id to descriptor.
type Catalog struct {
	byID  map[string]types.ToolDescriptor
	order []string
}

// NewCatalog validates every descriptor and builds the catalog. Duplicate
// ids and malformed descriptors fail loading rather than surfacing later
// as runtime lookups.
func NewCatalog(descriptors []types.ToolDescriptor) (*Catalog, error) {
	v := validator.New()

	c := &Catalog{byID: make(map[string]types.ToolDescriptor, len(descriptors))}
	for _, d := range descriptors {
		if err := v.Struct(&d); err != nil {
			return nil, &types.Error{
				Code:    types.ErrConfig,
				Message: fmt.Sprintf("invalid tool descriptor %q: %v", d.ID, err),
			}
		}
		if d.Price != "" {
			if _, err := decimal.NewFromString(d.Price); err != nil {
				return nil, &types.Error{
					Code:    types.ErrConfig,
					Message: fmt.Sprintf("invalid price %q for tool %q", d.Price, d.ID),
				}
			}
		}
		if _, dup := c.byID[d.ID]; dup {
			return nil, &types.Error{
				Code:    types.ErrConfig,
				Message: fmt.Sprintf("duplicate tool id %q", d.ID),
			}
		}
		c.byID[d.ID] = d
		c.order = append(c.order, d.ID)
	}
	sort.Strings(c.order)
	return c, nil
}

// Get looks up a descriptor by id.
func (c *Catalog) Get(id string) (types.ToolDescriptor, error) {
	d, ok := c.byID[id]
	if !ok {
		return types.ToolDescriptor{}, &types.Error{
			Code:    types.ErrUnknownTool,
			Message: fmt.Sprintf("unknown tool %q", id),
		}
	}
	return d, nil
}

// List returns all descriptors in stable id order.
func (c *Catalog) List() []types.ToolDescriptor {
	out := make([]types.ToolDescriptor, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

// Len returns the number of catalog entries.
func (c *Catalog) Len() int {
	return len(c.byID)
}

// ValidateParams checks the supplied parameters against the descriptor's
// declared schema. Missing required fields reject before any side effect.
func ValidateParams(d types.ToolDescriptor, params map[string]any) error {
	for _, required := range d.Parameters.Required {
		v, ok := params[required]
		if !ok || v == nil || v == "" {
			return &types.Error{
				Code:    types.ErrValidation,
				Message: fmt.Sprintf("missing required parameter %q for tool %q", required, d.ID),
			}
		}
	}
	return nil
}
