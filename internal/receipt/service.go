package receipt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/zombor/receiptify/internal/extraction"
	"github.com/zombor/receiptify/internal/mail"
)

const (
	defaultListLimit = 100
	defaultBatchSize = 50
	recentBatchSize  = 50
	// defaultSpacing keeps batch email processing under provider rate limits
	defaultSpacing = time.Second
)

var (
	// ErrMailUnavailable is returned by email operations when no mailbox is configured
	ErrMailUnavailable = errors.New("mail source is not configured")

	// ErrVisionUnavailable is returned by ScanImage when no vision provider is configured
	ErrVisionUnavailable = errors.New("vision provider is not configured")
)

// ValidationError lists what is wrong with client supplied receipt data
type ValidationError struct {
	Message string
	Details []string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// IDGenerator generates unique IDs for receipts
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (uuidGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (defaultTimeSource) Now() time.Time {
	return time.Now()
}

// EmailExtractor reads receipts out of email bodies
type EmailExtractor interface {
	Configured() bool
	Extract(ctx context.Context, content string, md extraction.Metadata) (*extraction.Extraction, error)
}

// ImageExtractor reads receipts out of photos
type ImageExtractor interface {
	Configured() bool
	ExtractImage(ctx context.Context, data []byte, mimeType string) (*extraction.Extraction, error)
}

// Deps are the optional collaborators of a Service. Nil fields get defaults.
type Deps struct {
	IDGenerator IDGenerator
	TimeSource  TimeSource
	// Spacing is the minimum gap between emails in a batch; negative disables it
	Spacing time.Duration
}

// Service handles receipt operations
type Service struct {
	db      DB
	storage Storage
	emails  EmailExtractor
	vision  ImageExtractor
	mailbox mail.Source

	idGenerator IDGenerator
	timeSource  TimeSource
	spacing     time.Duration
}

// NewService creates a Service with uuid IDs, the wall clock and one second
// between batch emails. mailbox may be nil when Gmail is not set up.
func NewService(db DB, storage Storage, emails EmailExtractor, vision ImageExtractor, mailbox mail.Source) *Service {
	return NewServiceWithDeps(db, storage, emails, vision, mailbox, Deps{})
}

// NewServiceWithDeps creates a Service with custom dependencies for testing
func NewServiceWithDeps(db DB, storage Storage, emails EmailExtractor, vision ImageExtractor, mailbox mail.Source, deps Deps) *Service {
	s := &Service{
		db:          db,
		storage:     storage,
		emails:      emails,
		vision:      vision,
		mailbox:     mailbox,
		idGenerator: deps.IDGenerator,
		timeSource:  deps.TimeSource,
		spacing:     deps.Spacing,
	}
	if s.idGenerator == nil {
		s.idGenerator = uuidGenerator{}
	}
	if s.timeSource == nil {
		s.timeSource = defaultTimeSource{}
	}
	if s.spacing == 0 {
		s.spacing = defaultSpacing
	}
	return s
}

// MailConfigured reports whether email operations are available
func (s *Service) MailConfigured() bool {
	return s.mailbox != nil
}

// VisionConfigured reports whether image scanning is available
func (s *Service) VisionConfigured() bool {
	return s.vision != nil && s.vision.Configured()
}

// statusFor routes low confidence extractions to manual review
func statusFor(c extraction.Confidence) Status {
	if c == extraction.ConfidenceLow {
		return StatusManualReview
	}
	return StatusProcessed
}

// fromExtraction builds the stored receipt for an email extraction
func (s *Service) fromExtraction(id, userID string, email *mail.Email, result *extraction.Extraction, now time.Time) (*Receipt, error) {
	r := result.Receipt

	datetime := now
	if r.Datetime != nil {
		datetime = *r.Datetime
	}
	currency := r.Currency
	if currency == "" {
		currency = defaultCurrency
	}
	var amount int64
	if r.Amount != nil {
		var err error
		if amount, err = toCents(*r.Amount); err != nil {
			return nil, &extraction.MissingFieldError{Field: "amount", Want: "a total amount in range"}
		}
	}
	tax, err := centsPtr(r.Tax)
	if err != nil {
		return nil, &extraction.MissingFieldError{Field: "tax", Want: "a tax amount in range"}
	}
	tip, err := centsPtr(r.Tip)
	if err != nil {
		return nil, &extraction.MissingFieldError{Field: "tip", Want: "a tip amount in range"}
	}

	return &Receipt{
		ID:          id,
		UserID:      userID,
		Datetime:    datetime,
		Merchant:    r.Merchant,
		Category:    string(r.Category),
		Amount:      amount,
		Currency:    currency,
		Notes:       r.Notes,
		Status:      statusFor(r.Confidence),
		Confidence:  string(r.Confidence),
		Items:       r.Items,
		Tax:         tax,
		Tip:         tip,
		EmailID:     email.ID,
		SourceEmail: email.From,
		Subject:     email.Subject,
		Provider:    result.Provider,
		LLMResponse: result.Raw,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// ProcessEmail turns one email into a receipt. An email that already produced a
// receipt is not processed again; one whose earlier attempt failed is retried.
// When extraction fails a placeholder with status failed is stored and the error
// is returned.
func (s *Service) ProcessEmail(ctx context.Context, userID, emailID string) (*Receipt, error) {
	if s.mailbox == nil {
		return nil, ErrMailUnavailable
	}

	id := s.idGenerator.Generate()
	existing, err := s.db.FindByEmail(userID, emailID)
	switch {
	case err == nil && existing.Status != StatusFailed:
		slog.Info("Email already processed", "email_id", emailID, "receipt_id", existing.ID)
		return existing, nil
	case err == nil:
		id = existing.ID
	case !errors.Is(err, ErrNotFound):
		return nil, fmt.Errorf("checking for processed email: %w", err)
	}

	receipt, err := s.extractEmail(ctx, id, userID, emailID)
	if err != nil {
		slog.Error("Failed to process email", "email_id", emailID, "error", err)
		s.saveFailure(id, userID, emailID, err)
		return nil, err
	}

	if err := s.db.SaveReceipt(receipt); err != nil {
		return nil, fmt.Errorf("saving receipt to database: %w", err)
	}
	slog.Info("Processed receipt", "merchant", receipt.Merchant, "amount", formatCents(receipt.Amount), "currency", receipt.Currency)
	return receipt, nil
}

func (s *Service) extractEmail(ctx context.Context, id, userID, emailID string) (*Receipt, error) {
	email, err := s.mailbox.Get(ctx, emailID)
	if err != nil {
		return nil, fmt.Errorf("fetching email: %w", err)
	}

	result, err := s.emails.Extract(ctx, email.Body, extraction.Metadata{
		Subject: email.Subject,
		From:    email.From,
		Date:    email.Date,
	})
	if err != nil {
		return nil, err
	}
	return s.fromExtraction(id, userID, email, result, s.timeSource.Now())
}

// saveFailure keeps a record of a failed attempt so it shows up for review
func (s *Service) saveFailure(id, userID, emailID string, cause error) {
	now := s.timeSource.Now()
	placeholder := &Receipt{
		ID:        id,
		UserID:    userID,
		Datetime:  now,
		Merchant:  "Unknown",
		Category:  string(extraction.CategoryOther),
		Currency:  defaultCurrency,
		Status:    StatusFailed,
		Notes:     "Processing failed: " + cause.Error(),
		EmailID:   emailID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.SaveReceipt(placeholder); err != nil {
		slog.Error("Failed to create error record", "email_id", emailID, "error", err)
	}
}

// BatchResult is the outcome for one email of a batch. Exactly one of Receipt
// and Error is set.
type BatchResult struct {
	EmailID string   `json:"emailId"`
	Receipt *Receipt `json:"receipt,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// ProcessRecentEmails processes receipt emails from the last daysBack days
func (s *Service) ProcessRecentEmails(ctx context.Context, userID string, daysBack int) ([]BatchResult, error) {
	if daysBack <= 0 {
		daysBack = 7
	}
	return s.processQuery(ctx, userID, mail.RecentQuery(daysBack, s.timeSource.Now()), recentBatchSize)
}

// ProcessAllEmails processes up to max receipt emails regardless of age
func (s *Service) ProcessAllEmails(ctx context.Context, userID string, max int) ([]BatchResult, error) {
	if max <= 0 {
		max = defaultBatchSize
	}
	return s.processQuery(ctx, userID, mail.DefaultQuery, max)
}

// processQuery handles matching emails one at a time, spaced by s.spacing.
// A failed email is recorded in its result and does not stop the batch.
func (s *Service) processQuery(ctx context.Context, userID, query string, max int) ([]BatchResult, error) {
	if s.mailbox == nil {
		return nil, ErrMailUnavailable
	}

	refs, err := s.mailbox.Search(ctx, query, max)
	if err != nil {
		return nil, fmt.Errorf("searching emails: %w", err)
	}
	slog.Info("Found receipt emails", "count", len(refs), "query", query)

	limit := rate.Inf
	if s.spacing > 0 {
		limit = rate.Every(s.spacing)
	}
	limiter := rate.NewLimiter(limit, 1)

	results := make([]BatchResult, 0, len(refs))
	for _, ref := range refs {
		if err := limiter.Wait(ctx); err != nil {
			results = append(results, BatchResult{EmailID: ref.ID, Error: err.Error()})
			continue
		}

		receipt, err := s.ProcessEmail(ctx, userID, ref.ID)
		if err != nil {
			results = append(results, BatchResult{EmailID: ref.ID, Error: err.Error()})
			continue
		}
		results = append(results, BatchResult{EmailID: ref.ID, Receipt: receipt})
	}
	return results, nil
}

// SearchEmails lists message ids matching a Gmail query
func (s *Service) SearchEmails(ctx context.Context, query string, max int) ([]mail.MessageRef, error) {
	if s.mailbox == nil {
		return nil, ErrMailUnavailable
	}
	refs, err := s.mailbox.Search(ctx, query, max)
	if err != nil {
		return nil, fmt.Errorf("searching emails: %w", err)
	}
	return refs, nil
}

// GetEmail fetches one parsed email
func (s *Service) GetEmail(ctx context.Context, id string) (*mail.Email, error) {
	if s.mailbox == nil {
		return nil, ErrMailUnavailable
	}
	email, err := s.mailbox.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetching email: %w", err)
	}
	return email, nil
}

// ScanSource describes the uploaded file behind a scan
type ScanSource struct {
	Filename string `json:"filename"`
	Mimetype string `json:"mimetype"`
	Size     int    `json:"size"`
	// StoredAs is the archive name; pass it back as ManualReceipt.File to attach
	// the image to the saved receipt
	StoredAs string `json:"storedAs"`
}

// ScanResult is an extraction from a photo, not yet saved as a receipt
type ScanResult struct {
	Extracted extraction.Receipt `json:"extracted"`
	Provider  string             `json:"provider"`
	Source    ScanSource         `json:"source"`
}

// ScanImage archives an upload and extracts receipt fields from it. The archive
// is removed again when extraction fails.
func (s *Service) ScanImage(ctx context.Context, userID, filename string, data []byte, contentType string) (*ScanResult, error) {
	if !s.VisionConfigured() {
		return nil, ErrVisionUnavailable
	}
	if len(data) == 0 {
		return nil, extraction.ErrNoImage
	}

	stored, err := s.storage.Save(storedName(s.idGenerator.Generate(), filename), data)
	if err != nil {
		return nil, fmt.Errorf("saving file: %w", err)
	}

	result, err := s.vision.ExtractImage(ctx, data, contentType)
	if err != nil {
		slog.Error("Failed to scan receipt",
			"user_id", userID,
			"filename", filename,
			"content_type", contentType,
			"file_size", len(data),
			"error", err,
		)
		if delErr := s.storage.Delete(stored); delErr != nil {
			slog.Warn("Failed to delete file", "filename", stored, "error", delErr)
		}
		return nil, fmt.Errorf("scanning receipt: %w", err)
	}

	return &ScanResult{
		Extracted: result.Receipt,
		Provider:  result.Provider,
		Source: ScanSource{
			Filename: filename,
			Mimetype: contentType,
			Size:     len(data),
			StoredAs: stored,
		},
	}, nil
}

// ManualReceipt is a receipt typed in by the user. Amount accepts a number or a
// string such as "$12.50".
type ManualReceipt struct {
	Datetime    string `json:"datetime"`
	Merchant    string `json:"merchant"`
	Category    string `json:"category"`
	Amount      any    `json:"amount"`
	Currency    string `json:"currency"`
	Notes       string `json:"notes"`
	File        string `json:"file"`
	ContentType string `json:"contentType"`
}

// CreateReceipt stores a manually entered receipt
func (s *Service) CreateReceipt(userID string, in ManualReceipt) (*Receipt, error) {
	amount := extraction.ParseAmount(in.Amount)
	merchant := strings.TrimSpace(in.Merchant)
	if strings.TrimSpace(in.Datetime) == "" || merchant == "" || strings.TrimSpace(in.Category) == "" || amount == nil || *amount == 0 {
		return nil, &ValidationError{Message: "Missing required fields: datetime, merchant, category, amount"}
	}

	datetime, err := parseDatetime(in.Datetime)
	if err != nil {
		return nil, &ValidationError{Message: "datetime must be an ISO 8601 date or timestamp"}
	}
	cents, err := toCents(*amount)
	if err != nil {
		return nil, &ValidationError{Message: err.Error()}
	}

	if in.File != "" {
		if _, err := s.storage.Get(in.File); err != nil {
			return nil, &ValidationError{Message: "file does not exist"}
		}
	}

	now := s.timeSource.Now()
	receipt := &Receipt{
		ID:          s.idGenerator.Generate(),
		UserID:      userID,
		Datetime:    datetime,
		Merchant:    merchant,
		Category:    canonicalCategory(in.Category),
		Amount:      cents,
		Currency:    canonicalCurrency(in.Currency),
		Notes:       strings.TrimSpace(in.Notes),
		Status:      StatusProcessed,
		Filename:    in.File,
		ContentType: in.ContentType,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.SaveReceipt(receipt); err != nil {
		return nil, fmt.Errorf("saving receipt to database: %w", err)
	}
	return receipt, nil
}

func parseDatetime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized datetime %q", s)
}

func canonicalCategory(s string) string {
	c := extraction.Category(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return string(extraction.CategoryOther)
	}
	return string(c)
}

func canonicalCurrency(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return defaultCurrency
	}
	return s
}

// GetReceipt retrieves one of the user's receipts
func (s *Service) GetReceipt(userID, id string) (*Receipt, error) {
	receipt, err := s.db.GetReceipt(id)
	if err != nil {
		return nil, fmt.Errorf("getting receipt: %w", err)
	}
	if receipt.UserID != userID {
		return nil, fmt.Errorf("getting receipt: %w", ErrNotFound)
	}
	return receipt, nil
}

// ListReceipts returns the user's receipts matching f, newest first
func (s *Service) ListReceipts(userID string, f Filter) ([]*Receipt, error) {
	all, err := s.db.ListReceipts(userID)
	if err != nil {
		return nil, fmt.Errorf("listing receipts: %w", err)
	}

	receipts := make([]*Receipt, 0, len(all))
	for _, r := range all {
		if f.Matches(r) {
			receipts = append(receipts, r)
		}
	}
	sort.SliceStable(receipts, func(i, j int) bool {
		return receipts[i].Datetime.After(receipts[j].Datetime)
	})

	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if len(receipts) > limit {
		receipts = receipts[:limit]
	}
	return receipts, nil
}

// ReceiptUpdate holds the fields to change; nil and empty fields are left alone
type ReceiptUpdate struct {
	Datetime *string `json:"datetime"`
	Merchant *string `json:"merchant"`
	Category *string `json:"category"`
	Amount   any     `json:"amount"`
	Currency *string `json:"currency"`
	Notes    *string `json:"notes"`
	Status   *Status `json:"status"`
}

// UpdateReceipt applies a partial update to one of the user's receipts
func (s *Service) UpdateReceipt(userID, id string, in ReceiptUpdate) (*Receipt, error) {
	receipt, err := s.GetReceipt(userID, id)
	if err != nil {
		return nil, err
	}

	if in.Datetime != nil && *in.Datetime != "" {
		datetime, err := parseDatetime(*in.Datetime)
		if err != nil {
			return nil, &ValidationError{Message: "datetime must be an ISO 8601 date or timestamp"}
		}
		receipt.Datetime = datetime
	}
	if in.Merchant != nil && strings.TrimSpace(*in.Merchant) != "" {
		receipt.Merchant = strings.TrimSpace(*in.Merchant)
	}
	if in.Category != nil && strings.TrimSpace(*in.Category) != "" {
		receipt.Category = canonicalCategory(*in.Category)
	}
	if in.Amount != nil {
		amount := extraction.ParseAmount(in.Amount)
		if amount == nil {
			return nil, &ValidationError{Message: "amount must be a number"}
		}
		cents, err := toCents(*amount)
		if err != nil {
			return nil, &ValidationError{Message: err.Error()}
		}
		receipt.Amount = cents
	}
	if in.Currency != nil && strings.TrimSpace(*in.Currency) != "" {
		receipt.Currency = canonicalCurrency(*in.Currency)
	}
	if in.Notes != nil {
		receipt.Notes = *in.Notes
	}
	if in.Status != nil && *in.Status != "" {
		if !in.Status.Valid() {
			return nil, &ValidationError{Message: "status must be processed, manual_review or failed"}
		}
		receipt.Status = *in.Status
	}
	receipt.UpdatedAt = s.timeSource.Now()

	if err := s.db.SaveReceipt(receipt); err != nil {
		return nil, fmt.Errorf("saving receipt to database: %w", err)
	}
	return receipt, nil
}

// DeleteReceipt removes one of the user's receipts and its archived file
func (s *Service) DeleteReceipt(userID, id string) error {
	receipt, err := s.GetReceipt(userID, id)
	if err != nil {
		return err
	}

	if receipt.Filename != "" {
		if err := s.storage.Delete(receipt.Filename); err != nil {
			// Log error but continue with database deletion
			slog.Warn("Failed to delete file", "filename", receipt.Filename, "error", err)
		}
	}

	if err := s.db.DeleteReceipt(id); err != nil {
		return fmt.Errorf("deleting receipt from database: %w", err)
	}
	return nil
}

// GetReceiptFile returns the archived upload of one of the user's receipts
func (s *Service) GetReceiptFile(userID, id string) ([]byte, string, error) {
	receipt, err := s.GetReceipt(userID, id)
	if err != nil {
		return nil, "", err
	}
	if receipt.Filename == "" {
		return nil, "", fmt.Errorf("receipt %s has no file: %w", id, ErrNotFound)
	}

	data, err := s.storage.Get(receipt.Filename)
	if err != nil {
		return nil, "", fmt.Errorf("getting receipt file: %w", err)
	}

	contentType := receipt.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return data, contentType, nil
}

// Stats totals the user's spending overall, this calendar month, and per category
func (s *Service) Stats(userID string) (*Stats, error) {
	receipts, err := s.db.ListReceipts(userID)
	if err != nil {
		return nil, fmt.Errorf("listing receipts: %w", err)
	}

	now := s.timeSource.Now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	var total, thisMonth int64
	byCategory := map[string]*struct {
		total int64
		count int
	}{}
	for _, r := range receipts {
		total += r.Amount
		if !r.Datetime.Before(monthStart) {
			thisMonth += r.Amount
		}
		entry, ok := byCategory[r.Category]
		if !ok {
			entry = &struct {
				total int64
				count int
			}{}
			byCategory[r.Category] = entry
		}
		entry.total += r.Amount
		entry.count++
	}

	stats := &Stats{
		Total:      formatCents(total),
		ThisMonth:  formatCents(thisMonth),
		Count:      len(receipts),
		ByCategory: make([]CategoryStat, 0, len(byCategory)),
	}
	for category, entry := range byCategory {
		stats.ByCategory = append(stats.ByCategory, CategoryStat{
			Category: category,
			Total:    formatCents(entry.total),
			Count:    entry.count,
		})
	}
	sort.Slice(stats.ByCategory, func(i, j int) bool {
		return stats.ByCategory[i].Category < stats.ByCategory[j].Category
	})
	return stats, nil
}
