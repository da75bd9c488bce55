package status

import "github.com/salambundo/gasorder/internal/models"

// Next returns the state a courier can move a delivery to. SENT is terminal
// and there is no way back to READY.
func Next(s models.DeliveryStatus) (models.DeliveryStatus, bool) {
	switch models.NormalizeDeliveryStatus(string(s)) {
	case models.DeliveryReady:
		return models.DeliveryOnTheRoad, true
	case models.DeliveryOnTheRoad:
		return models.DeliverySent, true
	}
	return "", false
}

func CanTransition(from, to models.DeliveryStatus) bool {
	next, ok := Next(from)
	return ok && next == models.NormalizeDeliveryStatus(string(to))
}
