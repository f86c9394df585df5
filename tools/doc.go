// Package tools implements the retail demo tools served by the playground's
// local MCP servers.
//
// Includes:
//   - ToolDefinition: name, description, JSON input schema, handler.
//   - GenerateSchema[T](): derive JSON Schema from Go structs.
//   - Store: in-memory product catalog and order book shared by the tools.
//   - Product tools: get-product, search-products.
//   - Order tools: create-order, check-order-status.
package tools
