package models

import "time"

type PaymentStatus string

const (
	PendingPayment   PaymentStatus = "pending"
	PaidPayment      PaymentStatus = "paid"
	CancelledPayment PaymentStatus = "cancelled"
	RefundedPayment  PaymentStatus = "refunded"
)

type FulfillmentStatus string

const (
	PendingFulfillment    FulfillmentStatus = "pending"
	ProcessingFulfillment FulfillmentStatus = "processing"
	CompletedFulfillment  FulfillmentStatus = "completed"
	FailedFulfillment     FulfillmentStatus = "failed"
)

// Order aggregates one or more Tasks bought in a single purchase.
type Order struct {
	ID                int64             `json:"id" db:"id"`
	Code              string            `json:"code" db:"code"`
	PaymentStatus     PaymentStatus     `json:"payment_status" db:"payment_status"`
	FulfillmentStatus FulfillmentStatus `json:"fulfillment_status" db:"fulfillment_status"`
	TotalAmount       int64             `json:"total_amount" db:"total_amount"` // minor currency units
	CreatedAt         time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at" db:"updated_at"`
	Tasks             []Task            `json:"tasks,omitempty"` // populated at runtime
}

// DeriveFulfillment computes an order's fulfillment status purely from its
// tasks: completed iff every task completed, failed if any task failed,
// otherwise processing as long as anything is in flight.
func DeriveFulfillment(tasks []Task) FulfillmentStatus {
	if len(tasks) == 0 {
		return PendingFulfillment
	}
	completed := 0
	for _, t := range tasks {
		switch NormalizeTaskStatus(t.Status) {
		case FailedTaskStatus:
			return FailedFulfillment
		case CompletedTaskStatus:
			completed++
		}
	}
	if completed == len(tasks) {
		return CompletedFulfillment
	}
	return ProcessingFulfillment
}
