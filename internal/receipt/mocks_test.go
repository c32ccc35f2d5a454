package receipt

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/zombor/receiptify/internal/extraction"
	"github.com/zombor/receiptify/internal/mail"
)

// mockDB is a mock implementation of DB
type mockDB struct {
	receipts  map[string]*Receipt
	saveErr   error
	getErr    error
	listErr   error
	findErr   error
	deleteErr error
}

func newMockDB() *mockDB {
	return &mockDB{receipts: make(map[string]*Receipt)}
}

func (m *mockDB) SaveReceipt(receipt *Receipt) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	copied := *receipt
	m.receipts[receipt.ID] = &copied
	return nil
}

func (m *mockDB) GetReceipt(id string) (*Receipt, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	receipt, ok := m.receipts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	copied := *receipt
	return &copied, nil
}

func (m *mockDB) ListReceipts(userID string) ([]*Receipt, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	receipts := make([]*Receipt, 0, len(m.receipts))
	for _, r := range m.receipts {
		if r.UserID == userID {
			copied := *r
			receipts = append(receipts, &copied)
		}
	}
	return receipts, nil
}

func (m *mockDB) FindByEmail(userID, emailID string) (*Receipt, error) {
	if m.findErr != nil {
		return nil, m.findErr
	}
	for _, r := range m.receipts {
		if r.UserID == userID && r.EmailID == emailID {
			copied := *r
			return &copied, nil
		}
	}
	return nil, fmt.Errorf("%w: email %s", ErrNotFound, emailID)
}

func (m *mockDB) DeleteReceipt(id string) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}
	if _, ok := m.receipts[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(m.receipts, id)
	return nil
}

func (m *mockDB) Close() error {
	return nil
}

// mockStorage is a mock implementation of Storage
type mockStorage struct {
	files     map[string][]byte
	saveErr   error
	getErr    error
	deleteErr error
}

func newMockStorage() *mockStorage {
	return &mockStorage{files: make(map[string][]byte)}
}

func (m *mockStorage) Save(name string, data []byte) (string, error) {
	if m.saveErr != nil {
		return "", m.saveErr
	}
	m.files[name] = data
	return name, nil
}

func (m *mockStorage) Get(name string) ([]byte, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	data, ok := m.files[name]
	if !ok {
		return nil, errors.New("file not found")
	}
	return data, nil
}

func (m *mockStorage) Delete(name string) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}
	delete(m.files, name)
	return nil
}

// mockEmailExtractor is a mock implementation of EmailExtractor
type mockEmailExtractor struct {
	configured bool
	result     *extraction.Extraction
	extractErr error
	contents   []string
	metadata   []extraction.Metadata
}

func newMockEmailExtractor() *mockEmailExtractor {
	amount := 12.5
	datetime := time.Date(2024, 3, 2, 9, 30, 0, 0, time.UTC)
	return &mockEmailExtractor{
		configured: true,
		result: &extraction.Extraction{
			Receipt: extraction.Receipt{
				Datetime:   &datetime,
				Merchant:   "Blue Bottle",
				Category:   extraction.CategoryDining,
				Amount:     &amount,
				Confidence: extraction.ConfidenceHigh,
			},
			Provider: "gemini",
			Raw:      `{"merchant":"Blue Bottle"}`,
		},
	}
}

func (m *mockEmailExtractor) Configured() bool {
	return m.configured
}

func (m *mockEmailExtractor) Extract(_ context.Context, content string, md extraction.Metadata) (*extraction.Extraction, error) {
	m.contents = append(m.contents, content)
	m.metadata = append(m.metadata, md)
	if m.extractErr != nil {
		return nil, m.extractErr
	}
	return m.result, nil
}

// mockImageExtractor is a mock implementation of ImageExtractor
type mockImageExtractor struct {
	configured bool
	result     *extraction.Extraction
	extractErr error
	mimeTypes  []string
}

func newMockImageExtractor() *mockImageExtractor {
	amount := 42.1
	currency := "EUR"
	return &mockImageExtractor{
		configured: true,
		result: &extraction.Extraction{
			Receipt: extraction.Receipt{
				Merchant:   "Carrefour",
				Category:   extraction.CategoryGroceries,
				Amount:     &amount,
				Currency:   currency,
				Confidence: extraction.ConfidenceMedium,
			},
			Provider: "gemini",
		},
	}
}

func (m *mockImageExtractor) Configured() bool {
	return m.configured
}

func (m *mockImageExtractor) ExtractImage(_ context.Context, _ []byte, mimeType string) (*extraction.Extraction, error) {
	m.mimeTypes = append(m.mimeTypes, mimeType)
	if m.extractErr != nil {
		return nil, m.extractErr
	}
	return m.result, nil
}

// mockMailbox is a mock implementation of mail.Source
type mockMailbox struct {
	emails    map[string]*mail.Email
	refs      []mail.MessageRef
	searchErr error
	getErr    error
	queries   []string
	maxes     []int
	fetched   []string
}

func newMockMailbox() *mockMailbox {
	return &mockMailbox{emails: make(map[string]*mail.Email)}
}

func (m *mockMailbox) add(email *mail.Email) {
	m.emails[email.ID] = email
	m.refs = append(m.refs, mail.MessageRef{ID: email.ID, ThreadID: email.ThreadID})
}

func (m *mockMailbox) Search(_ context.Context, query string, max int) ([]mail.MessageRef, error) {
	m.queries = append(m.queries, query)
	m.maxes = append(m.maxes, max)
	if m.searchErr != nil {
		return nil, m.searchErr
	}
	return m.refs, nil
}

func (m *mockMailbox) Get(_ context.Context, id string) (*mail.Email, error) {
	m.fetched = append(m.fetched, id)
	if m.getErr != nil {
		return nil, m.getErr
	}
	email, ok := m.emails[id]
	if !ok {
		return nil, errors.New("message not found")
	}
	return email, nil
}

// mockIDGenerator hands out id-1, id-2, ...
type mockIDGenerator struct {
	next int
}

func (m *mockIDGenerator) Generate() string {
	m.next++
	return "id-" + strconv.Itoa(m.next)
}

// mockTimeSource is a mock implementation of TimeSource
type mockTimeSource struct {
	now time.Time
}

func (m *mockTimeSource) Now() time.Time {
	return m.now
}
