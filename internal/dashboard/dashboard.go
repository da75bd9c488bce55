// Package dashboard computes the per-role statistics shown on the landing
// page of each role. Everything here is pure: callers fetch the data.
package dashboard

import (
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/salambundo/gasorder/internal/models"
)

type Admin struct {
	TotalSales          int   `json:"total_sales"`
	Revenue             int64 `json:"revenue"`
	PendingPayments     int   `json:"pending_payments"`
	TotalDeliveries     int   `json:"total_deliveries"`
	CompletedDeliveries int   `json:"completed_deliveries"`
	PendingDeliveries   int   `json:"pending_deliveries"`
}

type MonthBucket struct {
	Month   time.Month `json:"month"`
	Name    string     `json:"name"`
	Revenue int64      `json:"revenue"`
	Count   int        `json:"count"`
}

type Customer struct {
	TotalOrders    int           `json:"total_orders"`
	PendingPayment int           `json:"pending_payment"`
	Completed      int           `json:"completed"`
	InProcess      int           `json:"in_process"`
	LastOrder      *models.Order `json:"last_order,omitempty"`
}

type Courier struct {
	Total     int `json:"total"`
	Ready     int `json:"ready"`
	OnTheRoad int `json:"on_the_road"`
	Sent      int `json:"sent"`
}

func paid(o models.Order) bool {
	return o.PaymentStatus == models.PaymentSuccess
}

// AdminStats counts every paid order as a delivery to make, whether or not a
// courier has been assigned yet.
func AdminStats(orders []models.Order, deliveries []models.Delivery) Admin {
	paidOrders := lo.Filter(orders, func(o models.Order, _ int) bool { return paid(o) })
	completed := lo.CountBy(deliveries, func(d models.Delivery) bool {
		return d.Status == models.DeliverySent
	})

	return Admin{
		TotalSales: len(orders),
		Revenue: lo.SumBy(paidOrders, func(o models.Order) int64 {
			return o.TotalAmount
		}),
		PendingPayments: lo.CountBy(orders, func(o models.Order) bool {
			return o.PaymentStatus == models.PaymentPending
		}),
		TotalDeliveries:     len(paidOrders),
		CompletedDeliveries: completed,
		PendingDeliveries:   len(paidOrders) - completed,
	}
}

func emptyYear() []MonthBucket {
	out := make([]MonthBucket, 12)
	for i := range out {
		m := time.Month(i + 1)
		out[i] = MonthBucket{Month: m, Name: m.String()[:3]}
	}
	return out
}

// MonthlyRevenue buckets the paid orders of year by creation month.
func MonthlyRevenue(orders []models.Order, year int) []MonthBucket {
	out := emptyYear()
	for _, o := range orders {
		if !paid(o) || o.CreatedAt.IsZero() || o.CreatedAt.Year() != year {
			continue
		}
		b := &out[o.CreatedAt.Month()-1]
		b.Revenue += o.TotalAmount
		b.Count++
	}
	return out
}

// Years lists the distinct years of paid orders, newest first. An empty list
// yields the current year so a chart always has something to select.
func Years(orders []models.Order, now time.Time) []int {
	years := lo.Uniq(lo.FilterMap(orders, func(o models.Order, _ int) (int, bool) {
		return o.CreatedAt.Year(), paid(o) && !o.CreatedAt.IsZero()
	}))
	if len(years) == 0 {
		return []int{now.Year()}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(years)))
	return years
}

// CustomerStats expects the orders newest first, as the backend lists them.
func CustomerStats(orders []models.Order) Customer {
	c := Customer{
		TotalOrders: len(orders),
		PendingPayment: lo.CountBy(orders, func(o models.Order) bool {
			return o.PaymentStatus == models.PaymentPending
		}),
		Completed: lo.CountBy(orders, func(o models.Order) bool {
			return paid(o) && o.DeliveryStatus() == models.DeliverySent
		}),
		InProcess: lo.CountBy(orders, func(o models.Order) bool {
			return paid(o) && o.DeliveryStatus() != models.DeliverySent
		}),
	}
	if len(orders) > 0 {
		last := orders[0]
		c.LastOrder = &last
	}
	return c
}

func CourierStats(tasks []models.Delivery) Courier {
	count := func(st models.DeliveryStatus) int {
		return lo.CountBy(tasks, func(d models.Delivery) bool { return d.Status == st })
	}
	return Courier{
		Total:     len(tasks),
		Ready:     count(models.DeliveryReady),
		OnTheRoad: count(models.DeliveryOnTheRoad),
		Sent:      count(models.DeliverySent),
	}
}

// CourierMonthly counts finished tasks of year by month.
func CourierMonthly(tasks []models.Delivery, year int) []MonthBucket {
	out := emptyYear()
	for _, d := range tasks {
		if d.Status != models.DeliverySent || d.CreatedAt.Year() != year {
			continue
		}
		out[d.CreatedAt.Month()-1].Count++
	}
	return out
}

// CourierYears lists the distinct years with finished tasks, newest first.
func CourierYears(tasks []models.Delivery, now time.Time) []int {
	years := lo.Uniq(lo.FilterMap(tasks, func(d models.Delivery, _ int) (int, bool) {
		return d.CreatedAt.Year(), d.Status == models.DeliverySent && !d.CreatedAt.IsZero()
	}))
	if len(years) == 0 {
		return []int{now.Year()}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(years)))
	return years
}

// TasksFor returns the deliveries assigned to courier. The id is compared
// when both sides carry one, the name otherwise.
func TasksFor(deliveries []models.Delivery, courier models.User) []models.Delivery {
	name := strings.TrimSpace(courier.Name)
	return lo.Filter(deliveries, func(d models.Delivery, _ int) bool {
		if d.CourierID != "" && courier.ID != "" {
			return d.CourierID == courier.ID
		}
		return name != "" && strings.EqualFold(strings.TrimSpace(d.CourierName), name)
	})
}
