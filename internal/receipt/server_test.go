package receipt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	g "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
	"github.com/rs/zerolog"

	"github.com/zombor/grocery-tracker/internal/archive"
	"github.com/zombor/grocery-tracker/internal/scanning"
)

type uploadForm struct {
	filename         string
	data             []byte
	originalFileName string
	userIdentifier   string
}

func multipartBody(form uploadForm) (*bytes.Buffer, string) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if form.filename != "" {
		part, err := writer.CreateFormFile("file", form.filename)
		Expect(err).NotTo(HaveOccurred())
		_, err = part.Write(form.data)
		Expect(err).NotTo(HaveOccurred())
	}
	if form.originalFileName != "" {
		Expect(writer.WriteField("original_file_name", form.originalFileName)).To(Succeed())
	}
	if form.userIdentifier != "" {
		Expect(writer.WriteField("user_identifier", form.userIdentifier)).To(Succeed())
	}
	Expect(writer.Close()).To(Succeed())
	return body, writer.FormDataContentType()
}

func decodeJSON(resp *http.Response, v any) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	Expect(err).NotTo(HaveOccurred())
	Expect(json.Unmarshal(body, v)).To(Succeed(), string(body))
}

var _ = g.Describe("Server", func() {
	var (
		repo        *mockRepository
		extractor   *mockExtractor
		dispatcher  *Dispatcher
		service     *Service
		server      *Server
		auth        BasicAuth
		ghttpServer *ghttp.Server
	)

	setupServer := func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
		service = NewService(Dependencies{
			Repository: repo,
			Extractor:  extractor,
			Archive:    &mockArchive{obj: &archive.Object{ID: "drive-1", URL: "https://drive.google.com/d/drive-1"}},
			Dispatcher: dispatcher,
			TimeSource: &mockTimeSource{now: time.Date(2025, 6, 1, 18, 42, 0, 0, time.Local)},
		})
		server = NewServerWithMux(service, auth, zerolog.Nop(), http.NewServeMux())
		ghttpServer = ghttp.NewServer()
		ghttpServer.AppendHandlers(server.ServeHTTP, server.ServeHTTP, server.ServeHTTP)
	}

	post := func(path string, form uploadForm) *http.Response {
		body, contentType := multipartBody(form)
		resp, err := http.Post(ghttpServer.URL()+path, contentType, body)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	g.BeforeEach(func() {
		repo = newMockRepository()
		extractor = &mockExtractor{data: sampleReceiptData()}
		dispatcher = NewDispatcher(1, 4)
		auth = BasicAuth{}
		ghttpServer = nil
	})

	g.JustBeforeEach(func() {
		setupServer()
	})

	g.AfterEach(func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
		Expect(dispatcher.Stop(context.Background())).To(Succeed())
	})

	g.Describe("GET /health", func() {
		g.It("should return status OK", func() {
			resp, err := http.Get(ghttpServer.URL() + "/health")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			resp.Body.Close()
		})
	})

	g.Describe("POST /api/v1/receipts/upload", func() {
		g.When("the receipt is processed", func() {
			g.It("returns the stored receipt with its entries", func() {
				resp := post("/api/v1/receipts/upload", uploadForm{
					filename:       "IMG_1.jpg",
					data:           []byte("jpeg"),
					userIdentifier: "alice",
				})
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))
				Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))
				Expect(resp.Header.Get("X-Request-ID")).NotTo(BeEmpty())

				var body map[string]any
				decodeJSON(resp, &body)
				Expect(body["id"]).To(BeEquivalentTo(1))
				Expect(body["store_name"]).To(Equal("Pingo Doce"))
				Expect(body["purchase_date"]).To(Equal("2024-03-05"))
				Expect(body["archive_file_id"]).To(Equal("drive-1"))
				Expect(body["archive_filename"]).To(Equal("20240305T1015_grocery_pingo-doce.jpg"))
				Expect(body["product_entries_count"]).To(BeEquivalentTo(2))
				Expect(body["product_entries"]).To(HaveLen(2))
				Expect(body["submitted_by"]).To(Equal("alice"))
			})

			g.It("prefers the original_file_name field", func() {
				resp := post("/api/v1/receipts/upload", uploadForm{
					filename:         "blob",
					data:             []byte("pdf"),
					originalFileName: "receipt.pdf",
				})
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))
				Expect(extractor.lastFilename).To(Equal("receipt.pdf"))
			})
		})

		g.When("no file is sent", func() {
			g.It("returns bad request", func() {
				resp := post("/api/v1/receipts/upload", uploadForm{userIdentifier: "alice"})
				var body map[string]string
				decodeJSON(resp, &body)
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(body["error"]).To(Equal("no file provided"))
			})
		})

		g.When("the file is empty", func() {
			g.It("reports an unreadable receipt", func() {
				resp := post("/api/v1/receipts/upload", uploadForm{filename: "empty.jpg"})
				var body map[string]string
				decodeJSON(resp, &body)
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(body["error"]).To(HavePrefix("could not read receipt: "))
				Expect(extractor.calls).To(BeZero())
			})
		})

		g.When("extraction fails", func() {
			g.BeforeEach(func() {
				extractor.err = &scanning.ExtractionError{Kind: scanning.EmptyResponse, Provider: "openai", Err: errors.New("no text in response")}
			})

			g.It("reports an unreadable receipt", func() {
				resp := post("/api/v1/receipts/upload", uploadForm{filename: "r.jpg", data: []byte("x")})
				var body map[string]string
				decodeJSON(resp, &body)
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(body["error"]).To(ContainSubstring("could not read receipt: openai extraction failed: empty response"))
			})
		})

		g.When("the database fails", func() {
			g.BeforeEach(func() {
				repo.saveErr = errors.New("disk I/O error")
			})

			g.It("returns an internal error without details", func() {
				resp := post("/api/v1/receipts/upload", uploadForm{filename: "r.jpg", data: []byte("x")})
				var body map[string]string
				decodeJSON(resp, &body)
				Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
				Expect(body["error"]).To(Equal("internal error"))
			})
		})

		g.When("async is requested", func() {
			g.It("accepts the upload and exposes the task", func() {
				resp := post("/api/v1/receipts/upload?async=true", uploadForm{filename: "r.jpg", data: []byte("x")})
				Expect(resp.StatusCode).To(Equal(http.StatusAccepted))

				var accepted map[string]any
				decodeJSON(resp, &accepted)
				Expect(accepted["status_url"]).To(HavePrefix("/api/v1/tasks/"))

				task, ok := service.Task(accepted["id"].(string))
				Expect(ok).To(BeTrue())
				Eventually(task.Done()).Should(BeClosed())

				statusResp, err := http.Get(ghttpServer.URL() + accepted["status_url"].(string))
				Expect(err).NotTo(HaveOccurred())
				Expect(statusResp.StatusCode).To(Equal(http.StatusOK))

				var status map[string]any
				decodeJSON(statusResp, &status)
				Expect(status["status"]).To(Equal("completed"))
				Expect(status["receipt"]).To(HaveKeyWithValue("store_name", "Pingo Doce"))
			})
		})

		g.When("async processing fails on the file", func() {
			g.BeforeEach(func() {
				extractor.err = &scanning.ExtractionError{Kind: scanning.ServiceUnavailable, Provider: "gemini", Err: errors.New("quota")}
			})

			g.It("reports the failure on the task", func() {
				resp := post("/api/v1/receipts/upload?async=1", uploadForm{filename: "r.jpg", data: []byte("x")})
				var accepted map[string]any
				decodeJSON(resp, &accepted)

				task, ok := service.Task(accepted["id"].(string))
				Expect(ok).To(BeTrue())
				Eventually(task.Done()).Should(BeClosed())

				statusResp, err := http.Get(ghttpServer.URL() + "/api/v1/tasks/" + task.ID)
				Expect(err).NotTo(HaveOccurred())
				var status map[string]any
				decodeJSON(statusResp, &status)
				Expect(status["status"]).To(Equal("failed"))
				Expect(status["error"]).To(HavePrefix("could not read receipt: gemini extraction failed"))
			})
		})
	})

	g.Describe("GET /api/v1/tasks/{id}", func() {
		g.It("returns not found for unknown tasks", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/v1/tasks/nope")
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	g.Describe("receipt lookups", func() {
		var stored *Receipt

		g.BeforeEach(func() {
			var err error
			stored, err = repo.Save(context.Background(), &Receipt{ArchiveFilename: "a.jpg", StoreName: strPtr("Lidl")}, []ProductEntry{{GeneralizedName: "milk", Tags: []string{}}})
			Expect(err).NotTo(HaveOccurred())
		})

		g.It("lists receipts", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/v1/receipts")
			Expect(err).NotTo(HaveOccurred())
			var receipts []map[string]any
			decodeJSON(resp, &receipts)
			Expect(receipts).To(HaveLen(1))
			Expect(receipts[0]["product_entries_count"]).To(BeEquivalentTo(1))
		})

		g.It("gets a receipt by id", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/v1/receipts/1")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var receipt Receipt
			decodeJSON(resp, &receipt)
			Expect(receipt.ID).To(Equal(stored.ID))
			Expect(*receipt.StoreName).To(Equal("Lidl"))
		})

		g.It("returns not found for unknown receipts", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/v1/receipts/99")
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		g.It("rejects malformed ids", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/v1/receipts/abc")
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		g.It("deletes a receipt", func() {
			req, err := http.NewRequest(http.MethodDelete, ghttpServer.URL()+"/api/v1/receipts/1", nil)
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(repo.count()).To(BeZero())
		})

		g.It("reports files the archive cannot serve", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/v1/receipts/1/file")
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	g.Describe("basic auth", func() {
		g.BeforeEach(func() {
			auth = BasicAuth{Username: "user", Password: "pass"}
		})

		g.It("rejects requests without credentials", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/v1/receipts")
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Basic"))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
		})

		g.It("accepts valid credentials", func() {
			req, err := http.NewRequest(http.MethodGet, ghttpServer.URL()+"/api/v1/receipts", nil)
			Expect(err).NotTo(HaveOccurred())
			req.SetBasicAuth("user", "pass")
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		g.It("leaves the health check open", func() {
			resp, err := http.Get(ghttpServer.URL() + "/health")
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})

	g.Describe("CORS preflight", func() {
		g.It("answers OPTIONS without auth", func() {
			auth = BasicAuth{Username: "user", Password: "pass"}
			setupServer()

			req, err := http.NewRequest(http.MethodOptions, ghttpServer.URL()+"/api/v1/receipts/upload", nil)
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Methods")).To(ContainSubstring("DELETE"))
		})
	})
})
