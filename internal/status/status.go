// Package status derives the single user-facing fulfillment status of an
// order from its payment status and its (optional) delivery.
//
// Every screen that shows an order (customer list, admin list, courier tasks,
// dashboards) goes through Resolve so the two backend fields are never read
// independently.
package status

import (
	"github.com/salambundo/gasorder/internal/models"
)

type Severity string

const (
	SeverityNeutral Severity = "neutral"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
)

type Display struct {
	Label    string   `json:"label"`
	ColorTag Severity `json:"colorTag"`
}

var (
	AwaitingPayment = Display{Label: "Awaiting Payment", ColorTag: SeverityNeutral}
	Delivered       = Display{Label: "Delivered", ColorTag: SeveritySuccess}
	OutForDelivery  = Display{Label: "Out for Delivery", ColorTag: SeverityInfo}
	ReadyToShip     = Display{Label: "Ready to Ship", ColorTag: SeverityWarning}
	Processing      = Display{Label: "Processing", ColorTag: SeverityWarning}
	Unknown         = Display{Label: "Unknown", ColorTag: SeverityNeutral}
)

// Resolve never fails: unrecognized values fall through to Unknown so one bad
// record cannot break a list.
func Resolve(o models.Order) Display {
	if models.NormalizePaymentStatus(string(o.PaymentStatus)) == models.PaymentPending {
		return AwaitingPayment
	}

	if o.Delivery != nil {
		switch models.NormalizeDeliveryStatus(string(o.Delivery.Status)) {
		case models.DeliverySent:
			return Delivered
		case models.DeliveryOnTheRoad:
			return OutForDelivery
		case models.DeliveryReady:
			return ReadyToShip
		}
		return Unknown
	}

	if models.NormalizePaymentStatus(string(o.PaymentStatus)) == models.PaymentSuccess {
		return Processing
	}
	return Unknown
}

// PaymentBadge describes the payment status on its own, for the payment
// column of order tables.
func PaymentBadge(s models.PaymentStatus) Display {
	switch models.NormalizePaymentStatus(string(s)) {
	case models.PaymentPending:
		return Display{Label: "Awaiting Payment", ColorTag: SeverityWarning}
	case models.PaymentSuccess:
		return Display{Label: "Paid", ColorTag: SeveritySuccess}
	case models.PaymentFailed:
		return Display{Label: "Failed", ColorTag: SeverityNeutral}
	case models.PaymentChallenge:
		return Display{Label: "Needs Verification", ColorTag: SeverityWarning}
	}
	return Display{Label: string(s), ColorTag: SeverityNeutral}
}

// DeliveryBadge describes a delivery status on its own, for courier task
// lists and the deliveries table.
func DeliveryBadge(s models.DeliveryStatus) Display {
	switch models.NormalizeDeliveryStatus(string(s)) {
	case models.DeliveryReady:
		return Display{Label: "Ready to Ship", ColorTag: SeverityInfo}
	case models.DeliveryOnTheRoad:
		return Display{Label: "On the Road", ColorTag: SeverityWarning}
	case models.DeliverySent:
		return Display{Label: "Sent", ColorTag: SeveritySuccess}
	}
	return Display{Label: string(s), ColorTag: SeverityNeutral}
}
