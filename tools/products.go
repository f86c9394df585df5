package tools

import "encoding/json"

type GetProductInput struct {
	ProductID string `json:"productId" jsonschema_description:"ID of the product to get details for."`
}

type SearchProductsInput struct {
	Category string  `json:"category,omitempty" jsonschema_description:"Category of products to search for."`
	MaxPrice float64 `json:"maxPrice,omitempty" jsonschema_description:"Maximum price for filtering products."`
	InStock  bool    `json:"inStock,omitempty" jsonschema_description:"Whether to only show products that are in stock."`
}

var GetProductInputSchema = GenerateSchema[GetProductInput]()
var SearchProductsInputSchema = GenerateSchema[SearchProductsInput]()

// ProductTools returns the catalog tools backed by s.
func ProductTools(s *Store) []ToolDefinition {
	return []ToolDefinition{
		{
			Name:        "get-product",
			Description: "Get product information from the retail catalog by product ID, including price and stock.",
			InputSchema: GetProductInputSchema,
			Function: func(input json.RawMessage) (any, error) {
				in, err := decode[GetProductInput](input)
				if err != nil {
					return nil, err
				}
				return s.Product(in.ProductID)
			},
		},
		{
			Name:        "search-products",
			Description: "Search the retail catalog by category, maximum price and availability.",
			InputSchema: SearchProductsInputSchema,
			Function: func(input json.RawMessage) (any, error) {
				in, err := decode[SearchProductsInput](input)
				if err != nil {
					return nil, err
				}
				found := s.Search(ProductFilter{Category: in.Category, MaxPrice: in.MaxPrice, InStockOnly: in.InStock})
				return map[string]any{"products": found, "count": len(found)}, nil
			},
		},
	}
}
