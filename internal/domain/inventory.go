package domain

type StockLevel struct {
	SKU       string `json:"sku"`
	Available int    `json:"available"`
	Reserved  int    `json:"reserved"`
}

type ReservationStatus string

const (
	ReservationStatusPending   ReservationStatus = "pending"
	ReservationStatusConfirmed ReservationStatus = "confirmed"
	ReservationStatusReleased  ReservationStatus = "released"
)

// Reservation is the quantity of one SKU held against stock for one order.
type Reservation struct {
	OrderID  string            `json:"order_id"`
	SKU      string            `json:"sku"`
	Quantity int               `json:"qty"`
	Status   ReservationStatus `json:"status"`
}

func (r Reservation) Active() bool {
	return r.Status == ReservationStatusPending || r.Status == ReservationStatusConfirmed
}

type ReservationLine struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"qty"`
}

type Shortage struct {
	SKU       string `json:"sku"`
	Available int    `json:"available"`
	Requested int    `json:"requested"`
}

type ReservationResult struct {
	OrderID   string     `json:"order_id"`
	Granted   bool       `json:"granted"`
	Shortages []Shortage `json:"shortages,omitempty"`
}
