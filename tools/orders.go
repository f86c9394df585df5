package tools

import "encoding/json"

type CreateOrderInput struct {
	ProductID string `json:"productId" jsonschema_description:"ID of the product to order."`
	Quantity  int    `json:"quantity" jsonschema_description:"Quantity of the product to order." jsonschema:"minimum=1"`
}

type CheckOrderStatusInput struct {
	OrderID string `json:"orderId" jsonschema_description:"ID of the order to check status for."`
}

var CreateOrderInputSchema = GenerateSchema[CreateOrderInput]()
var CheckOrderStatusInputSchema = GenerateSchema[CheckOrderStatusInput]()

// OrderTools returns the ordering tools backed by s.
func OrderTools(s *Store) []ToolDefinition {
	return []ToolDefinition{
		{
			Name:        "create-order",
			Description: "Place an order for a product. Stock is reserved immediately.",
			InputSchema: CreateOrderInputSchema,
			Function: func(input json.RawMessage) (any, error) {
				in, err := decode[CreateOrderInput](input)
				if err != nil {
					return nil, err
				}
				return s.PlaceOrder(in.ProductID, in.Quantity)
			},
		},
		{
			Name:        "check-order-status",
			Description: "Check the status of an existing order by order ID.",
			InputSchema: CheckOrderStatusInputSchema,
			Function: func(input json.RawMessage) (any, error) {
				in, err := decode[CheckOrderStatusInput](input)
				if err != nil {
					return nil, err
				}
				return s.Order(in.OrderID)
			},
		},
	}
}
