package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Tool is one priced capability served behind the gateway. PriceUSD of
// zero (or an invalid provider payout address) makes the tool free.
type Tool interface {
	Name() string
	Description() string
	PriceUSD() float64
	// ParamsSchema returns a JSON Schema for the call parameters, or nil
	// to accept anything.
	ParamsSchema() map[string]interface{}
	Execute(ctx context.Context, params map[string]interface{}) (interface{}, error)
}

// ToolFunc adapts a plain function into a Tool.
type ToolFunc struct {
	ToolName        string
	ToolDescription string
	Price           float64
	Schema          map[string]interface{}
	Fn              func(ctx context.Context, params map[string]interface{}) (interface{}, error)
}

func (t ToolFunc) Name() string                         { return t.ToolName }
func (t ToolFunc) Description() string                  { return t.ToolDescription }
func (t ToolFunc) PriceUSD() float64                    { return t.Price }
func (t ToolFunc) ParamsSchema() map[string]interface{} { return t.Schema }

func (t ToolFunc) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return t.Fn(ctx, params)
}

// ToolInfo describes one tool in the served catalog.
type ToolInfo struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	PriceUSD    float64                `json:"priceUSD"`
	Params      map[string]interface{} `json:"params,omitempty"`
	Mode        string                 `json:"mode"`
	Endpoint    string                 `json:"endpoint"`
}

// Catalog builds the catalog entries for tools mounted under /tools.
func (g *Gateway) Catalog(tools ...Tool) []ToolInfo {
	catalog := make([]ToolInfo, 0, len(tools))
	for _, tool := range tools {
		catalog = append(catalog, ToolInfo{
			Name:        tool.Name(),
			Description: tool.Description(),
			PriceUSD:    tool.PriceUSD(),
			Params:      tool.ParamsSchema(),
			Mode:        string(g.Mode()),
			Endpoint:    "/tools/" + tool.Name(),
		})
	}
	return catalog
}

// validateParams checks the call parameters against the tool's schema.
func validateParams(tool Tool, params map[string]interface{}) error {
	schema := tool.ParamsSchema()
	if schema == nil {
		return nil
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(schema),
		gojsonschema.NewGoLoader(params),
	)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return fmt.Errorf("invalid parameters: %s", strings.Join(msgs, "; "))
	}
	return nil
}
