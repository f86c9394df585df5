package tools_test

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/petasbytes/mcp-playground/tools"
)

func find(t *testing.T, defs []tools.ToolDefinition, name string) tools.ToolDefinition {
	t.Helper()
	for _, d := range defs {
		if d.Name == name {
			return d
		}
	}
	t.Fatalf("tool %q not found", name)
	return tools.ToolDefinition{}
}

func TestGetProduct(t *testing.T) {
	get := find(t, tools.ProductTools(tools.NewStore()), "get-product")

	out, err := get.Function(json.RawMessage(`{"productId":"P002"}`))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	p, ok := out.(tools.Product)
	if !ok || p.Name != "Smart Watch" {
		t.Fatalf("got %#v", out)
	}

	_, err = get.Function(json.RawMessage(`{"productId":"NOPE"}`))
	if !errors.Is(err, tools.ErrProductNotFound) {
		t.Fatalf("expected ErrProductNotFound, got %v", err)
	}

	if _, err := get.Function(json.RawMessage(`{bad`)); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestSearchProducts(t *testing.T) {
	search := find(t, tools.ProductTools(tools.NewStore()), "search-products")
	cases := []struct {
		name  string
		input string
		want  []string
	}{
		{"all", `{}`, []string{"P001", "P002", "P003", "P004", "P005", "P006"}},
		{"category", `{"category":"Apparel"}`, []string{"P003", "P004"}},
		{"in stock", `{"category":"apparel","inStock":true}`, []string{"P003"}},
		{"max price", `{"maxPrice":90}`, []string{"P003", "P004", "P006"}},
		{"none", `{"category":"garden"}`, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := search.Function(json.RawMessage(tc.input))
			if err != nil {
				t.Fatalf("unexpected err: %v", err)
			}
			res := out.(map[string]any)
			products := res["products"].([]tools.Product)
			var ids []string
			for _, p := range products {
				ids = append(ids, p.ID)
			}
			if strings.Join(ids, ",") != strings.Join(tc.want, ",") {
				t.Fatalf("got %v want %v", ids, tc.want)
			}
			if res["count"] != len(tc.want) {
				t.Fatalf("count = %v", res["count"])
			}
		})
	}
}

func TestCreateOrderAndCheckStatus(t *testing.T) {
	store := tools.NewStore(tools.Product{ID: "X1", Name: "Widget", Category: "misc", Price: 2.5, Stock: 3})
	orders := tools.OrderTools(store)
	create := find(t, orders, "create-order")
	check := find(t, orders, "check-order-status")

	out, err := create.Function(json.RawMessage(`{"productId":"X1","quantity":2}`))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	o := out.(tools.Order)
	if !strings.HasPrefix(o.ID, "ORD-") || o.Total != 5 || o.Status != tools.OrderStatusConfirmed {
		t.Fatalf("unexpected order: %#v", o)
	}
	p, _ := store.Product("X1")
	if p.Stock != 1 {
		t.Fatalf("stock not reserved: %d", p.Stock)
	}

	out, err = check.Function(json.RawMessage(`{"orderId":"` + o.ID + `"}`))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if got := out.(tools.Order); got.ID != o.ID {
		t.Fatalf("got %#v", got)
	}

	if _, err := create.Function(json.RawMessage(`{"productId":"X1","quantity":2}`)); !errors.Is(err, tools.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	if _, err := create.Function(json.RawMessage(`{"productId":"X1","quantity":0}`)); !errors.Is(err, tools.ErrInvalidQuantity) {
		t.Fatalf("expected ErrInvalidQuantity, got %v", err)
	}
	if _, err := check.Function(json.RawMessage(`{"orderId":"ORD-MISSING"}`)); !errors.Is(err, tools.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}
