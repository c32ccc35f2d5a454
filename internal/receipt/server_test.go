package receipt

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/receiptify/internal/extraction"
	"github.com/zombor/receiptify/internal/mail"
)

var _ = Describe("Server", func() {
	var (
		db          *mockDB
		storage     *mockStorage
		emails      *mockEmailExtractor
		vision      *mockImageExtractor
		mailbox     *mockMailbox
		noMailbox   bool
		auth        BasicAuth
		maxUpload   int64
		ghttpServer *ghttp.Server
	)

	BeforeEach(func() {
		db = newMockDB()
		storage = newMockStorage()
		emails = newMockEmailExtractor()
		vision = newMockImageExtractor()
		mailbox = newMockMailbox()
		noMailbox = false
		auth = BasicAuth{}
		maxUpload = 0
		ghttpServer = ghttp.NewServer()
	})

	AfterEach(func() {
		ghttpServer.Close()
	})

	// do serves exactly one request through a freshly built server
	do := func(req *http.Request) (*http.Response, map[string]any) {
		var source mail.Source = mailbox
		if noMailbox {
			source = nil
		}
		service := NewServiceWithDeps(db, storage, emails, vision, source, Deps{
			IDGenerator: &mockIDGenerator{},
			TimeSource:  &mockTimeSource{now: time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)},
			Spacing:     -1,
		})
		server := NewServerWithMux(service, auth, maxUpload, http.NewServeMux())
		ghttpServer.AppendHandlers(server.ServeHTTP)

		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		raw, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())

		var body map[string]any
		if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
			Expect(json.Unmarshal(raw, &body)).To(Succeed())
		} else {
			body = map[string]any{"raw": string(raw)}
		}
		return resp, body
	}

	newRequest := func(method, path string, body io.Reader) *http.Request {
		req, err := http.NewRequest(method, ghttpServer.URL()+path, body)
		Expect(err).NotTo(HaveOccurred())
		return req
	}

	jsonRequest := func(method, path, body string) *http.Request {
		req := newRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		return req
	}

	uploadRequest := func(field, filename, contentType string, data []byte) *http.Request {
		var b bytes.Buffer
		writer := multipart.NewWriter(&b)
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", `form-data; name="`+field+`"; filename="`+filename+`"`)
		if contentType != "" {
			header.Set("Content-Type", contentType)
		}
		part, err := writer.CreatePart(header)
		Expect(err).NotTo(HaveOccurred())
		_, err = part.Write(data)
		Expect(err).NotTo(HaveOccurred())
		Expect(writer.Close()).To(Succeed())

		req := newRequest(http.MethodPost, "/api/receipts/parse/image", &b)
		req.Header.Set("Content-Type", writer.FormDataContentType())
		return req
	}

	seed := func() {
		db.receipts["r1"] = &Receipt{ID: "r1", UserID: DefaultUserID, Merchant: "A", Category: "dining", Amount: 1000, Currency: "USD",
			Datetime: time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC), Filename: "r1.jpg", ContentType: "image/jpeg"}
		db.receipts["r2"] = &Receipt{ID: "r2", UserID: DefaultUserID, Merchant: "B", Category: "groceries", Amount: 2550, Currency: "USD",
			Datetime: time.Date(2024, 2, 20, 0, 0, 0, 0, time.UTC)}
		db.receipts["b1"] = &Receipt{ID: "b1", UserID: "bob", Merchant: "C", Category: "dining", Amount: 100,
			Datetime: time.Date(2024, 3, 12, 0, 0, 0, 0, time.UTC)}
		storage.files["r1.jpg"] = []byte("jpeg bytes")
	}

	Describe("CORS", func() {
		It("answers preflight requests", func() {
			resp, _ := do(newRequest(http.MethodOptions, "/api/receipts/r1", nil))
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Methods")).To(ContainSubstring("PUT"))
		})

		It("sets headers on normal responses", func() {
			resp, _ := do(newRequest(http.MethodGet, "/api/receipts", nil))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
		})
	})

	Describe("basic auth", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "bob", Password: "secret"}
			seed()
		})

		It("rejects requests without credentials", func() {
			resp, _ := do(newRequest(http.MethodGet, "/api/receipts", nil))
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Basic"))
		})

		It("rejects a wrong password", func() {
			req := newRequest(http.MethodGet, "/api/receipts", nil)
			req.SetBasicAuth("bob", "wrong")
			resp, _ := do(req)
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})

		It("scopes receipts to the authenticated user", func() {
			req := newRequest(http.MethodGet, "/api/receipts", nil)
			req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("bob:secret")))
			resp, body := do(req)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(body["count"]).To(BeEquivalentTo(1))
		})

		It("leaves the health check open", func() {
			resp, body := do(newRequest(http.MethodGet, "/health", nil))
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(body["status"]).To(Equal("ok"))
		})
	})

	Describe("GET /api/receipts", func() {
		BeforeEach(func() {
			seed()
		})

		It("lists the user's receipts newest first", func() {
			resp, body := do(newRequest(http.MethodGet, "/api/receipts", nil))
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))
			Expect(body["success"]).To(BeTrue())
			Expect(body["count"]).To(BeEquivalentTo(2))
			receipts := body["receipts"].([]any)
			Expect(receipts[0].(map[string]any)["id"]).To(Equal("r1"))
		})

		It("applies query filters", func() {
			resp, body := do(newRequest(http.MethodGet, "/api/receipts?category=groceries&dateFrom=2024-02-01&dateTo=2024-02-28&limit=5", nil))
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(body["count"]).To(BeEquivalentTo(1))
		})

		It("rejects a malformed date", func() {
			resp, body := do(newRequest(http.MethodGet, "/api/receipts?dateFrom=yesterday", nil))
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(body["error"]).To(ContainSubstring("dateFrom"))
		})

		When("no receipts exist", func() {
			BeforeEach(func() {
				db.receipts = map[string]*Receipt{}
			})

			It("returns an empty array", func() {
				_, body := do(newRequest(http.MethodGet, "/api/receipts", nil))
				Expect(body["receipts"]).To(BeEmpty())
			})
		})

		When("the database fails", func() {
			BeforeEach(func() {
				db.listErr = errors.New("service error")
			})

			It("returns Internal Server Error", func() {
				resp, body := do(newRequest(http.MethodGet, "/api/receipts", nil))
				Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
				Expect(body["error"]).To(Equal("Failed to fetch receipts"))
			})
		})
	})

	Describe("POST /api/receipts", func() {
		It("creates a receipt", func() {
			resp, body := do(jsonRequest(http.MethodPost, "/api/receipts",
				`{"datetime":"2024-03-01","merchant":"Deli","category":"dining","amount":"12.00"}`))
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			Expect(body["message"]).To(Equal("Receipt created successfully"))
			receipt := body["receipt"].(map[string]any)
			Expect(receipt["amount"]).To(BeEquivalentTo(1200))
			Expect(receipt["currency"]).To(Equal("USD"))
		})

		It("returns Bad Request when fields are missing", func() {
			resp, body := do(jsonRequest(http.MethodPost, "/api/receipts", `{"merchant":"Deli"}`))
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(body["error"]).To(ContainSubstring("Missing required fields"))
		})

		It("returns Bad Request for invalid JSON", func() {
			resp, _ := do(jsonRequest(http.MethodPost, "/api/receipts", `{`))
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("POST /api/receipts/insert", func() {
		It("stores valid receipts", func() {
			resp, body := do(jsonRequest(http.MethodPost, "/api/receipts/insert",
				`[{"merchant":"A","category":"dining","amount":1},{"merchant":"B","category":"travel","amount":2}]`))
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			Expect(body["receipts"]).To(HaveLen(2))
		})

		It("returns schema errors", func() {
			resp, body := do(jsonRequest(http.MethodPost, "/api/receipts/insert", `{"merchant":"A","amount":-4}`))
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(body["details"]).NotTo(BeEmpty())
			Expect(db.receipts).To(BeEmpty())
		})
	})

	Describe("POST /api/receipts/parse/image", func() {
		It("returns the extracted receipt and source", func() {
			resp, body := do(uploadRequest("receipt", "scan.jpg", "image/jpeg", []byte("fake image data")))
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(body["success"]).To(BeTrue())
			Expect(body["extracted"].(map[string]any)["merchant"]).To(Equal("Carrefour"))
			source := body["source"].(map[string]any)
			Expect(source["filename"]).To(Equal("scan.jpg"))
			Expect(source["mimetype"]).To(Equal("image/jpeg"))
			Expect(source["size"]).To(BeEquivalentTo(15))
		})

		It("accepts the file under the file field", func() {
			resp, _ := do(uploadRequest("file", "scan.png", "image/png", []byte("png")))
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("infers the type from the extension", func() {
			resp, _ := do(uploadRequest("receipt", "IMG_1.HEIC", "", []byte("heic bytes")))
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(vision.mimeTypes).To(Equal([]string{"image/heic"}))
		})

		It("returns Bad Request without a file", func() {
			var b bytes.Buffer
			writer := multipart.NewWriter(&b)
			Expect(writer.WriteField("note", "hi")).To(Succeed())
			Expect(writer.Close()).To(Succeed())
			req := newRequest(http.MethodPost, "/api/receipts/parse/image", &b)
			req.Header.Set("Content-Type", writer.FormDataContentType())

			resp, body := do(req)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(body["error"]).To(Equal("No image file provided"))
		})

		When("the upload is over the limit", func() {
			BeforeEach(func() {
				maxUpload = 1024
			})

			It("returns a size error", func() {
				resp, body := do(uploadRequest("receipt", "big.jpg", "image/jpeg", bytes.Repeat([]byte("x"), 2048)))
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(body["error"]).To(Equal("File is too large"))
				Expect(vision.mimeTypes).To(BeEmpty())
			})
		})

		When("no vision provider is configured", func() {
			BeforeEach(func() {
				vision.configured = false
			})

			It("returns Service Unavailable", func() {
				resp, _ := do(uploadRequest("receipt", "scan.jpg", "image/jpeg", []byte("data")))
				Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))
			})
		})

		When("the model reply is unusable", func() {
			BeforeEach(func() {
				vision.extractErr = &extraction.AllProvidersFailedError{Failures: []extraction.ProviderFailure{
					{Provider: "gemini", Err: &extraction.MalformedJSONError{Err: errors.New("unexpected token")}},
				}}
			})

			It("returns Unprocessable Entity", func() {
				resp, body := do(uploadRequest("receipt", "scan.jpg", "image/jpeg", []byte("data")))
				Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
				Expect(body["details"]).To(ContainSubstring("not valid JSON"))
			})
		})

		When("the provider cannot be reached", func() {
			BeforeEach(func() {
				vision.extractErr = &extraction.AllProvidersFailedError{Failures: []extraction.ProviderFailure{
					{Provider: "gemini", Err: errors.New("connection refused")},
				}}
			})

			It("returns Internal Server Error", func() {
				resp, _ := do(uploadRequest("receipt", "scan.jpg", "image/jpeg", []byte("data")))
				Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
			})
		})
	})

	Describe("GET /api/receipts/stats/summary", func() {
		BeforeEach(func() {
			seed()
		})

		It("returns the totals", func() {
			resp, body := do(newRequest(http.MethodGet, "/api/receipts/stats/summary", nil))
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			stats := body["stats"].(map[string]any)
			Expect(stats["total"]).To(Equal("35.50"))
			Expect(stats["thisMonth"]).To(Equal("10.00"))
			Expect(stats["count"]).To(BeEquivalentTo(2))
		})
	})

	Describe("single receipt routes", func() {
		BeforeEach(func() {
			seed()
		})

		It("gets a receipt", func() {
			resp, body := do(newRequest(http.MethodGet, "/api/receipts/r1", nil))
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(body["receipt"].(map[string]any)["merchant"]).To(Equal("A"))
		})

		It("returns Not Found for another user's receipt", func() {
			resp, body := do(newRequest(http.MethodGet, "/api/receipts/b1", nil))
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			Expect(body["error"]).To(Equal("Receipt not found"))
		})

		It("updates a receipt", func() {
			resp, body := do(jsonRequest(http.MethodPut, "/api/receipts/r2", `{"notes":"split with Sam","status":"manual_review"}`))
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(body["receipt"].(map[string]any)["notes"]).To(Equal("split with Sam"))
			Expect(db.receipts["r2"].Status).To(Equal(StatusManualReview))
		})

		It("returns Not Found when updating a missing receipt", func() {
			resp, _ := do(jsonRequest(http.MethodPut, "/api/receipts/nope", `{"notes":"x"}`))
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("deletes a receipt", func() {
			resp, body := do(newRequest(http.MethodDelete, "/api/receipts/r1", nil))
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(body["success"]).To(BeTrue())
			Expect(db.receipts).NotTo(HaveKey("r1"))
			Expect(storage.files).NotTo(HaveKey("r1.jpg"))
		})

		It("serves the archived file", func() {
			resp, body := do(newRequest(http.MethodGet, "/api/receipts/r1/file", nil))
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("image/jpeg"))
			Expect(body["raw"]).To(Equal("jpeg bytes"))
		})

		It("returns Not Found when the receipt has no file", func() {
			resp, body := do(newRequest(http.MethodGet, "/api/receipts/r2/file", nil))
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			Expect(body["error"]).To(Equal("File not found"))
		})
	})

	Describe("Gmail routes", func() {
		BeforeEach(func() {
			mailbox.add(&mail.Email{ID: "msg-1", Subject: "Receipt", From: "shop@example.com", Body: "Total 12.50"})
			mailbox.add(&mail.Email{ID: "msg-2", Subject: "Order", From: "shop@example.com", Body: "Total 3"})
		})

		It("syncs recent emails", func() {
			resp, body := do(jsonRequest(http.MethodPost, "/api/gmail/sync", `{"daysBack":3}`))
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(body["message"]).To(Equal("Email sync completed"))
			Expect(body["total"]).To(BeEquivalentTo(2))
			Expect(body["success"]).To(BeEquivalentTo(2))
			Expect(body["failed"]).To(BeEquivalentTo(0))
			Expect(mailbox.queries[0]).To(ContainSubstring("after:2024/03/12"))
		})

		It("reports failed emails separately", func() {
			delete(mailbox.emails, "msg-2")
			resp, body := do(newRequest(http.MethodPost, "/api/gmail/process-all", nil))
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(body["message"]).To(Equal("All emails processed"))
			Expect(body["success"]).To(BeEquivalentTo(1))
			Expect(body["failed"]).To(BeEquivalentTo(1))
			Expect(body["failures"].([]any)[0].(map[string]any)["emailId"]).To(Equal("msg-2"))
		})

		It("processes one email", func() {
			resp, body := do(newRequest(http.MethodPost, "/api/gmail/process-email/msg-1", nil))
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(body["message"]).To(Equal("Email processed successfully"))
			Expect(body["receipt"].(map[string]any)["emailId"]).To(Equal("msg-1"))
		})

		It("returns details when processing fails", func() {
			emails.extractErr = &extraction.AllProvidersFailedError{}
			resp, body := do(newRequest(http.MethodPost, "/api/gmail/process-email/msg-1", nil))
			Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
			Expect(body["error"]).To(Equal("Failed to process email"))
			Expect(body["details"]).To(ContainSubstring("all model providers failed"))
		})

		It("searches emails", func() {
			resp, body := do(newRequest(http.MethodGet, "/api/gmail/search?maxResults=5", nil))
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(body["count"]).To(BeEquivalentTo(2))
			Expect(mailbox.queries).To(Equal([]string{"label:receipts"}))
			Expect(mailbox.maxes).To(Equal([]int{5}))
		})

		It("fetches one email", func() {
			resp, body := do(newRequest(http.MethodGet, "/api/gmail/email/msg-1", nil))
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(body["subject"]).To(Equal("Receipt"))
		})

		When("no mailbox is configured", func() {
			BeforeEach(func() {
				noMailbox = true
			})

			It("returns Service Unavailable", func() {
				resp, _ := do(newRequest(http.MethodPost, "/api/gmail/sync", nil))
				Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))
			})
		})
	})
})
