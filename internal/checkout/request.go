package checkout

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultExistingAddress is the address on file offered by the checkout form.
const DefaultExistingAddress = "123 Kewal Park, Delhi - 110033"

// AddressMode selects between the address on file and a newly entered one.
type AddressMode string

const (
	AddressModeExisting AddressMode = "existing"
	AddressModeNew      AddressMode = "new"
)

var (
	// ErrEmptyCart rejects checkout of a cart without lines.
	ErrEmptyCart = errors.New("checkout: cart is empty")
	// ErrInvalidRequest marks a ValidationError.
	ErrInvalidRequest = errors.New("checkout: invalid request")
)

// ValidationError lists the checkout fields that failed validation.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("checkout: missing required fields: %s", strings.Join(e.Fields, ", "))
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidRequest
}

// Request is the submitted checkout form.
type Request struct {
	FirstName       string      `json:"first_name"`
	LastName        string      `json:"last_name"`
	Phone           string      `json:"phone"`
	Email           string      `json:"email"`
	AddressMode     AddressMode `json:"address_mode"`
	ExistingAddress string      `json:"existing_address"`
	NewAddress      string      `json:"new_address"`
	NewCity         string      `json:"new_city"`
	NewZipcode      string      `json:"new_zipcode"`
}

func (r Request) normalized() Request {
	r.FirstName = strings.TrimSpace(r.FirstName)
	r.LastName = strings.TrimSpace(r.LastName)
	r.Phone = strings.TrimSpace(r.Phone)
	r.Email = strings.TrimSpace(r.Email)
	r.NewAddress = strings.TrimSpace(r.NewAddress)
	r.NewCity = strings.TrimSpace(r.NewCity)
	r.NewZipcode = strings.TrimSpace(r.NewZipcode)
	r.ExistingAddress = strings.TrimSpace(r.ExistingAddress)
	if r.AddressMode == "" {
		r.AddressMode = AddressModeExisting
	}
	if r.AddressMode == AddressModeExisting && r.ExistingAddress == "" {
		r.ExistingAddress = DefaultExistingAddress
	}
	return r
}

// Validate reports every missing required field at once.
func (r Request) Validate() error {
	r = r.normalized()
	var missing []string
	required := []struct {
		name  string
		value string
	}{
		{"first_name", r.FirstName},
		{"last_name", r.LastName},
		{"phone", r.Phone},
		{"email", r.Email},
	}
	for _, field := range required {
		if field.value == "" {
			missing = append(missing, field.name)
		}
	}

	switch r.AddressMode {
	case AddressModeExisting:
	case AddressModeNew:
		if r.NewAddress == "" {
			missing = append(missing, "new_address")
		}
		if r.NewCity == "" {
			missing = append(missing, "new_city")
		}
		if r.NewZipcode == "" {
			missing = append(missing, "new_zipcode")
		}
	default:
		missing = append(missing, "address_mode")
	}

	if len(missing) > 0 {
		return &ValidationError{Fields: missing}
	}
	return nil
}

// ShippingAddress renders the address the order ships to.
func (r Request) ShippingAddress() string {
	r = r.normalized()
	if r.AddressMode == AddressModeNew {
		return fmt.Sprintf("%s, %s - %s", r.NewAddress, r.NewCity, r.NewZipcode)
	}
	return r.ExistingAddress
}
