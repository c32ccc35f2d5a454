package mail

import (
	"context"
	"time"
)

const (
	// DefaultQuery finds receipt-like messages anywhere in the mailbox
	DefaultQuery = "label:receipts OR subject:(receipt OR order OR invoice)"

	// maxBody bounds the parsed body kept per message
	maxBody = 5000
)

// Email is a fetched message reduced to what receipt extraction needs
type Email struct {
	ID       string   `json:"id"`
	ThreadID string   `json:"threadId"`
	Subject  string   `json:"subject"`
	From     string   `json:"from"`
	To       string   `json:"to"`
	Date     string   `json:"date"`
	Body     string   `json:"body"`
	Snippet  string   `json:"snippet"`
	Labels   []string `json:"labels"`
}

// MessageRef identifies a message returned by a search
type MessageRef struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
}

// Source searches a mailbox and fetches individual messages
type Source interface {
	Search(ctx context.Context, query string, max int) ([]MessageRef, error)
	Get(ctx context.Context, id string) (*Email, error)
}

// RecentQuery narrows the receipt search to messages newer than daysBack days
func RecentQuery(daysBack int, now time.Time) string {
	since := now.UTC().AddDate(0, 0, -daysBack)
	return "(label:receipts OR subject:(receipt OR order OR invoice OR purchase)) after:" + since.Format("2006/01/02")
}
