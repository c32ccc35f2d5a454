package extraction

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func amountPtr(f float64) *float64 {
	return &f
}

func missingField(err error) string {
	var missing *MissingFieldError
	if errors.As(err, &missing) {
		return missing.Field
	}
	return ""
}

var _ = Describe("Validate", func() {
	var r Receipt

	BeforeEach(func() {
		r = Receipt{
			Merchant: "Cafe",
			Amount:   amountPtr(12.5),
			Currency: "USD",
		}
	})

	It("accepts a complete receipt under both profiles", func() {
		Expect(Validate(r, VisionProfile)).To(Succeed())
		Expect(Validate(r, EmailProfile)).To(Succeed())
	})

	It("names the merchant first", func() {
		r.Merchant = ""
		r.Amount = nil

		err := Validate(r, VisionProfile)
		Expect(missingField(err)).To(Equal("merchant"))
		Expect(err).To(MatchError(ContainSubstring("did not provide a merchant name")))
	})

	It("names a missing amount", func() {
		r.Amount = nil

		err := Validate(r, EmailProfile)
		Expect(missingField(err)).To(Equal("amount"))
		Expect(err).To(MatchError("model did not provide a total amount"))
	})

	Describe("zero amounts", func() {
		BeforeEach(func() {
			r.Amount = amountPtr(0)
		})

		It("are rejected for email", func() {
			err := Validate(r, EmailProfile)
			Expect(missingField(err)).To(Equal("amount"))
			Expect(err).To(MatchError(ContainSubstring("positive")))
		})

		It("are allowed for photos", func() {
			Expect(Validate(r, VisionProfile)).To(Succeed())
		})
	})

	Describe("missing currency", func() {
		BeforeEach(func() {
			r.Currency = ""
		})

		It("is rejected for photos", func() {
			err := Validate(r, VisionProfile)
			Expect(missingField(err)).To(Equal("currency"))
			Expect(err).To(MatchError("model did not provide a currency"))
		})

		It("is allowed for email", func() {
			Expect(Validate(r, EmailProfile)).To(Succeed())
		})
	})

	It("classifies the error as an extraction failure", func() {
		r.Merchant = ""
		Expect(IsExtractionFailure(Validate(r, EmailProfile))).To(BeTrue())
	})
})
