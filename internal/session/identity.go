package session

import (
	"strings"

	"github.com/MarcoPoloResearchLab/storefront/internal/catalog"
)

// Identity is the authenticated user of a scope.
type Identity struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	ID       int    `json:"id,omitempty"`
}

// HasRemoteID reports whether the identity maps onto a remote user record.
func (i Identity) HasRemoteID() bool {
	return i.ID > 0
}

// CredentialRecord is a stored email/password pair with its profile.
type CredentialRecord struct {
	Email    string          `json:"email"`
	Password string          `json:"password"`
	Username string          `json:"username"`
	ID       int             `json:"id"`
	Name     catalog.Name    `json:"name"`
	Address  catalog.Address `json:"address"`
	Phone    string          `json:"phone"`
}

func (r CredentialRecord) matches(email, password string) bool {
	return r.Email == email && r.Password == password
}

func (r CredentialRecord) identity() Identity {
	return Identity{Email: r.Email, Username: r.Username, ID: r.ID}
}

func (r CredentialRecord) toUser() catalog.User {
	return catalog.User{
		Email:    r.Email,
		Username: r.Username,
		Password: r.Password,
		Name:     r.Name,
		Address:  r.Address,
		Phone:    r.Phone,
	}
}

func recordFromUser(user catalog.User) CredentialRecord {
	return CredentialRecord{
		Email:    user.Email,
		Password: user.Password,
		Username: user.Username,
		ID:       user.ID,
		Name:     user.Name,
		Address:  user.Address,
		Phone:    user.Phone,
	}
}

// newCredentialRecord fills the profile fields a sign-up form does not collect.
func newCredentialRecord(email, password, username string) CredentialRecord {
	if strings.TrimSpace(username) == "" {
		username, _, _ = strings.Cut(email, "@")
	}
	return CredentialRecord{
		Email:    email,
		Password: password,
		Username: username,
		Name:     catalog.Name{Firstname: "John", Lastname: "Doe"},
		Address: catalog.Address{
			City:    "kilcoole",
			Street:  "7835 new road",
			Number:  3,
			Zipcode: "12926-3874",
			Geolocation: catalog.Geolocation{
				Lat:  "-37.3159",
				Long: "81.1496",
			},
		},
		Phone: "1-570-236-7033",
	}
}
