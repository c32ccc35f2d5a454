package scanning

import (
	"context"
	"errors"

	"github.com/google/generative-ai-go/genai"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// fakeGenerator records the parts it was called with and replies with a fixed response
type fakeGenerator struct {
	parts []genai.Part
	resp  *genai.GenerateContentResponse
	err   error
}

func (f *fakeGenerator) GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error) {
	f.parts = parts
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func textResponse(texts ...string) *genai.GenerateContentResponse {
	parts := make([]genai.Part, 0, len(texts))
	for _, t := range texts {
		parts = append(parts, genai.Text(t))
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: &genai.Content{Parts: parts}}},
	}
}

var _ = Describe("Gemini", func() {
	var (
		apiKey    string
		generator *fakeGenerator
		connects  int
		releases  int
		connErr   error
		gemini    *Gemini
	)

	BeforeEach(func() {
		apiKey = "test-key"
		generator = &fakeGenerator{resp: textResponse(`{"merchant":`, `"Cafe"}`)}
		connects = 0
		releases = 0
		connErr = nil
	})

	JustBeforeEach(func() {
		gemini = NewGeminiWithDeps(apiKey, "gemini-test", func(ctx context.Context, key, model string) (ContentGenerator, func() error, error) {
			connects++
			if connErr != nil {
				return nil, nil, connErr
			}
			return generator, func() error { releases++; return nil }, nil
		})
	})

	Describe("Configured", func() {
		When("an API key is set", func() {
			It("is configured", func() {
				Expect(gemini.Configured()).To(BeTrue())
			})
		})

		When("the API key is blank", func() {
			BeforeEach(func() {
				apiKey = "   "
			})

			It("is not configured", func() {
				Expect(gemini.Configured()).To(BeFalse())
			})

			It("refuses to complete", func() {
				_, err := gemini.Complete(context.Background(), Request{Prompt: "hi"})
				Expect(err).To(MatchError(ErrProviderUnavailable))
				Expect(connects).To(Equal(0))
			})
		})
	})

	Describe("Complete", func() {
		It("joins the text parts of the first candidate", func() {
			text, err := gemini.Complete(context.Background(), Request{Prompt: "extract"})
			Expect(err).NotTo(HaveOccurred())
			Expect(text).To(Equal(`{"merchant":"Cafe"}`))
		})

		It("sends the prompt as a text part", func() {
			_, err := gemini.Complete(context.Background(), Request{Prompt: "extract"})
			Expect(err).NotTo(HaveOccurred())
			Expect(generator.parts).To(Equal([]genai.Part{genai.Text("extract")}))
		})

		It("sends PNG images ahead of the prompt", func() {
			png := []byte("\x89PNG fake")
			_, err := gemini.Complete(context.Background(), Request{Prompt: "extract", Image: png, MimeType: "image/png"})
			Expect(err).NotTo(HaveOccurred())
			Expect(generator.parts).To(HaveLen(2))
			Expect(generator.parts[0]).To(Equal(genai.ImageData("png", png)))
		})

		It("connects once and reuses the client", func() {
			for i := 0; i < 3; i++ {
				_, err := gemini.Complete(context.Background(), Request{Prompt: "extract"})
				Expect(err).NotTo(HaveOccurred())
			}
			Expect(connects).To(Equal(1))
		})

		When("the client is reset", func() {
			It("reconnects on the next call", func() {
				_, err := gemini.Complete(context.Background(), Request{Prompt: "extract"})
				Expect(err).NotTo(HaveOccurred())
				Expect(gemini.Reset()).To(Succeed())
				Expect(releases).To(Equal(1))

				_, err = gemini.Complete(context.Background(), Request{Prompt: "extract"})
				Expect(err).NotTo(HaveOccurred())
				Expect(connects).To(Equal(2))
			})
		})

		When("the model returns no candidates", func() {
			BeforeEach(func() {
				generator.resp = &genai.GenerateContentResponse{}
			})

			It("returns empty text", func() {
				text, err := gemini.Complete(context.Background(), Request{Prompt: "extract"})
				Expect(err).NotTo(HaveOccurred())
				Expect(text).To(BeEmpty())
			})
		})

		When("the model call fails", func() {
			var setupErr error

			BeforeEach(func() {
				setupErr = errors.New("quota exceeded")
				generator.err = setupErr
			})

			It("returns the error", func() {
				_, err := gemini.Complete(context.Background(), Request{Prompt: "extract"})
				Expect(err).To(MatchError(setupErr))
			})
		})

		When("connecting fails", func() {
			BeforeEach(func() {
				connErr = errors.New("bad key")
			})

			It("returns the error and retries the connection next time", func() {
				_, err := gemini.Complete(context.Background(), Request{Prompt: "extract"})
				Expect(err).To(MatchError(connErr))
				_, _ = gemini.Complete(context.Background(), Request{Prompt: "extract"})
				Expect(connects).To(Equal(2))
			})
		})
	})

	Describe("constructors", func() {
		It("defaults the text model", func() {
			Expect(NewGemini("k", "").Model()).To(Equal("gemini-pro"))
		})

		It("defaults the vision model", func() {
			Expect(NewGeminiVision("k", "").Model()).To(Equal("gemini-2.5-flash"))
		})

		It("keeps an explicit model", func() {
			Expect(NewGeminiVision("k", "gemini-2.5-pro").Model()).To(Equal("gemini-2.5-pro"))
		})
	})
})
