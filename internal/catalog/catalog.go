package catalog

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidQuantity = errors.New("invalid quantity")
	ErrUnknownProduct  = errors.New("unknown product")
)

const (
	LPG3kgID        = "cmieed8ul0000llezcr4lm4qt"
	lpg3kgUnitPrice = 20000
	maxPerOrder     = 100
)

type Product interface {
	ID() string
	Name() string
	UnitPrice() int64
	Validate(quantity int) error
}

type LPG3kg struct{}

func (p LPG3kg) ID() string {
	return LPG3kgID
}

func (p LPG3kg) Name() string {
	return "LPG 3kg"
}

func (p LPG3kg) UnitPrice() int64 {
	return lpg3kgUnitPrice
}

func (p LPG3kg) Validate(quantity int) error {
	if quantity < 1 || quantity > maxPerOrder {
		return fmt.Errorf("%w: %d cylinders, must be between 1 and %d", ErrInvalidQuantity, quantity, maxPerOrder)
	}
	return nil
}

// Quote returns the total price of quantity units of p.
func Quote(p Product, quantity int) (int64, error) {
	if err := p.Validate(quantity); err != nil {
		return 0, err
	}
	return p.UnitPrice() * int64(quantity), nil
}

type Catalog interface {
	Get(id string) (Product, error)
	Default() Product
	List() []Product
}

type catalog struct {
	products map[string]Product
	def      Product
}

func New() Catalog {
	lpg := LPG3kg{}
	return &catalog{
		products: map[string]Product{
			lpg.ID(): lpg,
		},
		def: lpg,
	}
}

func (c *catalog) Get(id string) (Product, error) {
	if p, ok := c.products[id]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownProduct, id)
}

func (c *catalog) Default() Product {
	return c.def
}

func (c *catalog) List() []Product {
	list := make([]Product, 0, len(c.products))
	for _, p := range c.products {
		list = append(list, p)
	}
	return list
}
