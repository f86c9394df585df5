package tools

// Server names of the retail demo.
const (
	ProductServer = "products"
	OrderServer   = "orders"
)

// Registry returns the retail demo tools grouped by the server that serves them.
func Registry(s *Store) map[string][]ToolDefinition {
	return map[string][]ToolDefinition{
		ProductServer: ProductTools(s),
		OrderServer:   OrderTools(s),
	}
}
