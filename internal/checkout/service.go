// Package checkout validates orders and sends their confirmation message.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/MarcoPoloResearchLab/storefront/internal/cart"
	"go.uber.org/zap"
)

const (
	minOrderID = 100000
	maxOrderID = 999999
)

var errMissingDispatcher = errors.New("checkout: dispatcher required")

// Confirmation carries the parameters of the order confirmation template.
type Confirmation struct {
	ToName          string `json:"to_name"`
	ToEmail         string `json:"to_email"`
	OrderID         int    `json:"order_id"`
	TotalAmount     string `json:"total_amount"`
	ItemCount       int    `json:"item_count"`
	ShippingAddress string `json:"shipping_address"`
}

// Dispatcher delivers an order confirmation. A nil error is the delivery
// acknowledgment.
type Dispatcher interface {
	Send(ctx context.Context, confirmation Confirmation) error
}

// ServiceConfig describes the dependencies of a Service.
type ServiceConfig struct {
	Dispatcher Dispatcher
	Logger     *zap.Logger
	OrderID    func() int
}

// Service places orders.
type Service struct {
	dispatcher Dispatcher
	logger     *zap.Logger
	orderID    func() int
}

// NewService constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Dispatcher == nil {
		return nil, errMissingDispatcher
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	orderID := cfg.OrderID
	if orderID == nil {
		orderID = func() int { return minOrderID + rand.IntN(maxOrderID-minOrderID+1) }
	}
	return &Service{dispatcher: cfg.Dispatcher, logger: logger, orderID: orderID}, nil
}

// PlaceOrder validates request against items and sends the confirmation. It
// never touches the cart; callers clear it only after a nil error.
func (s *Service) PlaceOrder(ctx context.Context, items cart.Cart, request Request) (Confirmation, error) {
	if len(items) == 0 {
		return Confirmation{}, ErrEmptyCart
	}
	if err := request.Validate(); err != nil {
		return Confirmation{}, err
	}
	request = request.normalized()

	confirmation := Confirmation{
		ToName:          request.FirstName + " " + request.LastName,
		ToEmail:         request.Email,
		OrderID:         s.orderID(),
		TotalAmount:     fmt.Sprintf("%.2f", items.Total()),
		ItemCount:       len(items),
		ShippingAddress: request.ShippingAddress(),
	}

	if err := s.dispatcher.Send(ctx, confirmation); err != nil {
		s.logger.Warn("order confirmation dispatch failed",
			zap.Int("order_id", confirmation.OrderID),
			zap.Error(err))
		return Confirmation{}, fmt.Errorf("checkout: send confirmation: %w", err)
	}

	s.logger.Info("order placed",
		zap.Int("order_id", confirmation.OrderID),
		zap.String("total_amount", confirmation.TotalAmount),
		zap.Int("item_count", confirmation.ItemCount))
	return confirmation, nil
}
