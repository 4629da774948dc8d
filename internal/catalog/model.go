package catalog

// Rating is the aggregate review score of a product.
type Rating struct {
	Rate  float64 `json:"rate"`
	Count int     `json:"count"`
}

// Product is a catalog entry as served by the remote product service.
type Product struct {
	ID          int     `json:"id"`
	Title       string  `json:"title"`
	Price       float64 `json:"price"`
	Description string  `json:"description"`
	Category    string  `json:"category"`
	Image       string  `json:"image"`
	Rating      Rating  `json:"rating"`
}

// Name is the profile name of a remote user.
type Name struct {
	Firstname string `json:"firstname"`
	Lastname  string `json:"lastname"`
}

// Geolocation is the coordinate pair attached to an address.
type Geolocation struct {
	Lat  string `json:"lat"`
	Long string `json:"long"`
}

// Address is the postal address attached to a remote user.
type Address struct {
	City        string      `json:"city"`
	Street      string      `json:"street"`
	Number      int         `json:"number"`
	Zipcode     string      `json:"zipcode"`
	Geolocation Geolocation `json:"geolocation"`
}

// User is a credential record held by the remote user service.
type User struct {
	ID       int     `json:"id,omitempty"`
	Email    string  `json:"email"`
	Username string  `json:"username"`
	Password string  `json:"password"`
	Name     Name    `json:"name"`
	Address  Address `json:"address"`
	Phone    string  `json:"phone"`
}

// CartLine references a product and its quantity inside a remote cart.
type CartLine struct {
	ProductID int `json:"productId"`
	Quantity  int `json:"quantity"`
}

// Cart is a remote cart owned by a user.
type Cart struct {
	ID       int        `json:"id"`
	UserID   int        `json:"userId"`
	Date     string     `json:"date,omitempty"`
	Products []CartLine `json:"products"`
}
