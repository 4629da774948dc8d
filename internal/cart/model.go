package cart

import "github.com/MarcoPoloResearchLab/storefront/internal/catalog"

// LineItem is one product of a cart with its quantity. Quantity is never below 1.
type LineItem struct {
	ID          int            `json:"id"`
	Title       string         `json:"title"`
	Price       float64        `json:"price"`
	Description string         `json:"description,omitempty"`
	Category    string         `json:"category"`
	Image       string         `json:"image"`
	Rating      catalog.Rating `json:"rating"`
	Quantity    int            `json:"quantity"`
}

func lineFromProduct(product catalog.Product, quantity int) LineItem {
	if quantity < 1 {
		quantity = 1
	}
	return LineItem{
		ID:          product.ID,
		Title:       product.Title,
		Price:       product.Price,
		Description: product.Description,
		Category:    product.Category,
		Image:       product.Image,
		Rating:      product.Rating,
		Quantity:    quantity,
	}
}

// Cart is an ordered collection of line items keyed by product id. Every
// mutator returns a new Cart and leaves the receiver untouched.
type Cart []LineItem

// Add increments the line of product or appends a new line with quantity 1.
func (c Cart) Add(product catalog.Product) Cart {
	next := c.clone()
	for index := range next {
		if next[index].ID == product.ID {
			next[index].Quantity++
			return next
		}
	}
	return append(next, lineFromProduct(product, 1))
}

// Remove drops the line of productID, if present.
func (c Cart) Remove(productID int) Cart {
	next := make(Cart, 0, len(c))
	for _, line := range c {
		if line.ID != productID {
			next = append(next, line)
		}
	}
	return next
}

// ChangeQuantity sets the quantity of productID to max(1, quantity+delta).
func (c Cart) ChangeQuantity(productID, delta int) Cart {
	next := c.clone()
	for index := range next {
		if next[index].ID == productID {
			next[index].Quantity = max(1, next[index].Quantity+delta)
		}
	}
	return next
}

// Clear returns an empty cart.
func (c Cart) Clear() Cart {
	return Cart{}
}

// Total is the sum of price times quantity over all lines.
func (c Cart) Total() float64 {
	total := 0.0
	for _, line := range c {
		total += line.Price * float64(line.Quantity)
	}
	return total
}

// Count is the sum of quantities over all lines.
func (c Cart) Count() int {
	count := 0
	for _, line := range c {
		count += line.Quantity
	}
	return count
}

func (c Cart) clone() Cart {
	next := make(Cart, len(c))
	copy(next, c)
	return next
}

// normalize drops duplicate product ids and clamps quantities, keeping the
// first position of each product.
func (c Cart) normalize() Cart {
	next := make(Cart, 0, len(c))
	positions := make(map[int]int, len(c))
	for _, line := range c {
		if line.Quantity < 1 {
			line.Quantity = 1
		}
		if index, seen := positions[line.ID]; seen {
			next[index].Quantity += line.Quantity
			continue
		}
		positions[line.ID] = len(next)
		next = append(next, line)
	}
	return next
}
