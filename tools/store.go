package tools

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrProductNotFound   = errors.New("product not found")
	ErrOrderNotFound     = errors.New("order not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidQuantity   = errors.New("quantity must be positive")
)

const OrderStatusConfirmed = "confirmed"

type Product struct {
	ID       string  `json:"productId"`
	Name     string  `json:"name"`
	Category string  `json:"category"`
	Price    float64 `json:"price"`
	Stock    int     `json:"stock"`
}

func (p Product) InStock() bool { return p.Stock > 0 }

type Order struct {
	ID        string    `json:"orderId"`
	ProductID string    `json:"productId"`
	Quantity  int       `json:"quantity"`
	Total     float64   `json:"total"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// ProductFilter narrows a catalog search. Zero values match everything.
type ProductFilter struct {
	Category    string
	MaxPrice    float64
	InStockOnly bool
}

// Store is the in-memory catalog and order book. It is safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	products map[string]Product
	orders   map[string]Order
	now      func() time.Time
}

// NewStore returns a store holding products, or DefaultCatalog when none are given.
func NewStore(products ...Product) *Store {
	if len(products) == 0 {
		products = DefaultCatalog()
	}
	s := &Store{
		products: make(map[string]Product, len(products)),
		orders:   make(map[string]Order),
		now:      time.Now,
	}
	for _, p := range products {
		s.products[p.ID] = p
	}
	return s
}

func DefaultCatalog() []Product {
	return []Product{
		{ID: "P001", Name: "Wireless Headphones", Category: "electronics", Price: 129.99, Stock: 25},
		{ID: "P002", Name: "Smart Watch", Category: "electronics", Price: 199.99, Stock: 10},
		{ID: "P003", Name: "Running Shoes", Category: "apparel", Price: 89.50, Stock: 40},
		{ID: "P004", Name: "Rain Jacket", Category: "apparel", Price: 74.00, Stock: 0},
		{ID: "P005", Name: "Espresso Maker", Category: "home", Price: 249.00, Stock: 5},
		{ID: "P006", Name: "Desk Lamp", Category: "home", Price: 34.95, Stock: 60},
	}
}

func (s *Store) Product(id string) (Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return Product{}, fmt.Errorf("%w: %s", ErrProductNotFound, id)
	}
	return p, nil
}

// Search returns matching products ordered by ID.
func (s *Store) Search(f ProductFilter) []Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Product, 0, len(s.products))
	for _, p := range s.products {
		if f.Category != "" && !strings.EqualFold(p.Category, f.Category) {
			continue
		}
		if f.MaxPrice > 0 && p.Price > f.MaxPrice {
			continue
		}
		if f.InStockOnly && !p.InStock() {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PlaceOrder reserves stock and records a confirmed order.
func (s *Store) PlaceOrder(productID string, quantity int) (Order, error) {
	if quantity <= 0 {
		return Order{}, ErrInvalidQuantity
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[productID]
	if !ok {
		return Order{}, fmt.Errorf("%w: %s", ErrProductNotFound, productID)
	}
	if p.Stock < quantity {
		return Order{}, fmt.Errorf("%w: %s has %d left", ErrInsufficientStock, productID, p.Stock)
	}
	p.Stock -= quantity
	s.products[productID] = p

	o := Order{
		ID:        "ORD-" + strings.ToUpper(uuid.NewString()[:8]),
		ProductID: productID,
		Quantity:  quantity,
		Total:     float64(quantity) * p.Price,
		Status:    OrderStatusConfirmed,
		CreatedAt: s.now().UTC(),
	}
	s.orders[o.ID] = o
	return o, nil
}

func (s *Store) Order(id string) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	return o, nil
}
