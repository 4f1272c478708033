package scanning

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"

	"github.com/google/generative-ai-go/genai"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

func tinyPNG() []byte {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.White)
	var buf bytes.Buffer
	Expect(png.Encode(&buf, img)).To(Succeed())
	return buf.Bytes()
}

const receiptJSON = `{"store_name": "Pingo Doce", "purchase_date": "2024-03-05", "purchase_time": null, "total_amount": 3.2, "items": [{"original_name": "Bananas", "generalized_name": "bananas", "quantity": 1.2, "price_per_unit": 1.1, "tags": ["fruit"]}]}`

var _ = Describe("Ollama", func() {
	var (
		server    *ghttp.Server
		extractor *Ollama
		data      *ReceiptData
		err       error
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		extractor, err = NewOllama(server.URL(), "llava")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		server.Close()
	})

	JustBeforeEach(func() {
		data, err = extractor.Extract(context.Background(), tinyPNG(), "receipt.png")
	})

	When("the model answers with JSON", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/api/chat"),
				ghttp.VerifyContentType("application/json"),
				ghttp.RespondWithJSONEncoded(http.StatusOK, ollamaChatResponse{
					Message: ollamaMessage{Role: "assistant", Content: receiptJSON},
					Done:    true,
				}),
			))
		})

		It("returns the parsed receipt", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(*data.StoreName).To(Equal("Pingo Doce"))
			Expect(data.PurchaseTime).To(BeNil())
			Expect(data.Items).To(HaveLen(1))
		})
	})

	When("the server fails", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusInternalServerError, "model not loaded"))
		})

		It("returns a service unavailable error", func() {
			Expect(IsKind(err, ServiceUnavailable)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("model not loaded"))
		})
	})

	When("the model answers with nothing", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusOK, ollamaChatResponse{Done: true}))
		})

		It("returns an empty response error", func() {
			Expect(IsKind(err, EmptyResponse)).To(BeTrue())
		})
	})
})

var _ = Describe("OpenAI", func() {
	var (
		server    *ghttp.Server
		extractor *OpenAI
		data      *ReceiptData
		err       error
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		extractor, err = NewOpenAI(server.URL()+"/v1", "sk-test", "gpt-4o")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		server.Close()
	})

	JustBeforeEach(func() {
		data, err = extractor.Extract(context.Background(), tinyPNG(), "receipt.png")
	})

	When("the completion contains fenced JSON", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/v1/chat/completions"),
				ghttp.VerifyHeaderKV("Authorization", "Bearer sk-test"),
				ghttp.RespondWith(http.StatusOK, `{"choices": [{"message": {"content": "`+"```json\\n{\\\"store_name\\\": \\\"Lidl\\\", \\\"items\\\": []}\\n```"+`"}}]}`),
			))
		})

		It("returns the parsed receipt", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(*data.StoreName).To(Equal("Lidl"))
			Expect(data.Items).To(BeEmpty())
		})
	})

	When("there are no choices", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusOK, `{"choices": []}`))
		})

		It("returns an empty response error", func() {
			Expect(IsKind(err, EmptyResponse)).To(BeTrue())
		})
	})

	When("the API rejects the key", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusUnauthorized, `{"error": {"message": "Incorrect API key provided", "type": "invalid_request_error", "code": "invalid_api_key"}}`))
		})

		It("returns a service unavailable error", func() {
			Expect(IsKind(err, ServiceUnavailable)).To(BeTrue())
			Expect(err).To(MatchError(ContainSubstring("status 401")))
		})
	})

	When("the request is sent", func() {
		var body map[string]any

		BeforeEach(func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				func(w http.ResponseWriter, r *http.Request) {
					defer GinkgoRecover()
					Expect(json.NewDecoder(r.Body).Decode(&body)).To(Succeed())
				},
				ghttp.RespondWith(http.StatusOK, `{"choices": [{"message": {"role": "assistant", "content": "{\"items\": []}"}}]}`),
			))
		})

		It("attaches the image as a high detail data URL", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(body["model"]).To(Equal("gpt-4o"))
			Expect(body["temperature"]).To(BeNumerically("~", 0.2, 0.001))
			Expect(body["max_tokens"]).To(BeEquivalentTo(maxOutputTokens))

			messages := body["messages"].([]any)
			Expect(messages).To(HaveLen(2))
			Expect(messages[0]).To(HaveKeyWithValue("role", "system"))

			parts := messages[1].(map[string]any)["content"].([]any)
			image := parts[1].(map[string]any)["image_url"].(map[string]any)
			Expect(image["detail"]).To(Equal("high"))
			Expect(image["url"]).To(HavePrefix("data:image/png;base64,"))
		})
	})

	When("the content is not JSON", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusOK, `{"choices": [{"message": {"content": "sorry, blurry photo"}}]}`))
		})

		It("returns an invalid json error", func() {
			Expect(IsKind(err, InvalidJSON)).To(BeTrue())
		})
	})
})

var _ = Describe("NewOpenAI", func() {
	It("requires an api key", func() {
		_, err := NewOpenAI("", "", "")
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("candidateText", func() {
	It("joins the text parts of the first candidate", func() {
		resp := &genai.GenerateContentResponse{
			Candidates: []*genai.Candidate{
				{Content: &genai.Content{Parts: []genai.Part{genai.Text(`{"store_name":`), genai.Text(` "Lidl"}`)}}},
			},
		}
		Expect(candidateText(resp)).To(Equal(`{"store_name": "Lidl"}`))
	})

	It("returns an empty string without candidates", func() {
		Expect(candidateText(&genai.GenerateContentResponse{})).To(BeEmpty())
		Expect(candidateText(nil)).To(BeEmpty())
	})
})

var _ = Describe("detectMIMEType", func() {
	It("sniffs PNG bytes regardless of the name", func() {
		Expect(detectMIMEType(tinyPNG(), "receipt.dat")).To(Equal("image/png"))
	})

	It("sniffs PDFs", func() {
		Expect(detectMIMEType([]byte("%PDF-1.7\n..."), "x")).To(Equal("application/pdf"))
	})

	It("recognizes HEIC brands", func() {
		heicHeader := []byte{0, 0, 0, 24, 'f', 't', 'y', 'p', 'h', 'e', 'i', 'c', 0, 0, 0, 0}
		Expect(detectMIMEType(heicHeader, "IMG_0001")).To(Equal("image/heic"))
	})

	It("falls back to the extension", func() {
		Expect(detectMIMEType([]byte{0x01, 0x02, 0x03}, "scan.heif")).To(Equal("image/heic"))
	})

	It("passes PNG through unchanged", func() {
		data := tinyPNG()
		img, err := prepareImage(data, "receipt.png")
		Expect(err).NotTo(HaveOccurred())
		Expect(img.Data).To(Equal(data))
		Expect(img.format()).To(Equal("png"))
	})
})
