package receipt

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"regexp"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/receipt-auditor/internal/policy"
	"github.com/zombor/receipt-auditor/internal/scanning"
)

var _ = Describe("Server", func() {
	var (
		policies    *mockPolicyStore
		scanner     *mockScanner
		service     *Service
		server      *Server
		opts        Options
		ghttpServer *ghttp.Server
	)

	setupServer := func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
		service = NewServiceWithDeps(scanner, policies, &mockIDGenerator{id: "analysis-1"},
			&mockTimeSource{now: time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)})
		server = NewServerWithMux(service, opts, http.NewServeMux())
		ghttpServer = ghttp.NewServer()
		for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions} {
			ghttpServer.RouteToHandler(method, regexp.MustCompile(`.*`), server.ServeHTTP)
		}
	}

	postJSON := func(path string, body any) *http.Response {
		data, err := json.Marshal(body)
		Expect(err).NotTo(HaveOccurred())
		resp, err := http.Post(ghttpServer.URL()+path, "application/json", bytes.NewReader(data))
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	upload := func(filename string, content []byte, category string) *http.Response {
		var b bytes.Buffer
		writer := multipart.NewWriter(&b)
		part, err := writer.CreateFormFile("file", filename)
		Expect(err).NotTo(HaveOccurred())
		part.Write(content)
		if category != "" {
			Expect(writer.WriteField("category", category)).To(Succeed())
		}
		Expect(writer.Close()).To(Succeed())

		resp, err := http.Post(ghttpServer.URL()+"/api/receipts/scan", writer.FormDataContentType(), &b)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	decodeError := func(resp *http.Response) string {
		defer resp.Body.Close()
		var body map[string]string
		Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
		return body["error"]
	}

	BeforeEach(func() {
		policies = newMockPolicyStore()
		scanner = newMockScanner()
		opts = Options{}
		ghttpServer = nil
		setupServer()
	})

	AfterEach(func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
	})

	Describe("handleAnalyzeText", func() {
		When("the request is valid", func() {
			It("should return status OK with the analysis", func() {
				resp := postJSON("/api/receipts/analyze", map[string]string{
					"text":     "Acme Store\nTotal: $150.00\n03/15/2024",
					"category": "Meals",
				})
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))

				var analysis Analysis
				Expect(json.NewDecoder(resp.Body).Decode(&analysis)).To(Succeed())
				Expect(analysis.ID).To(Equal("analysis-1"))
				Expect(*analysis.Receipt.Vendor).To(Equal("Acme Store"))
				Expect(*analysis.Receipt.Date).To(Equal("2024-03-15"))
				Expect(analysis.Violations).To(HaveLen(1))
			})

			It("uses the documented JSON field names", func() {
				resp := postJSON("/api/receipts/analyze", map[string]string{"text": ""})
				defer resp.Body.Close()
				body, err := io.ReadAll(resp.Body)
				Expect(err).NotTo(HaveOccurred())

				var raw map[string]any
				Expect(json.Unmarshal(body, &raw)).To(Succeed())
				Expect(raw).To(HaveKey("extracted_data"))
				Expect(raw).To(HaveKey("policy_violations"))
				Expect(raw["extracted_data"]).To(HaveKeyWithValue("vendor", BeNil()))
				Expect(raw["extracted_data"]).To(HaveKeyWithValue("items", BeEmpty()))
			})
		})

		When("the body is not JSON", func() {
			It("should return status Bad Request", func() {
				resp, err := http.Post(ghttpServer.URL()+"/api/receipts/analyze", "application/json", bytes.NewBufferString("{"))
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(decodeError(resp)).To(Equal("Invalid request body"))
			})
		})

		When("the policy store fails", func() {
			BeforeEach(func() {
				policies.currentErr = errors.New("db closed")
				setupServer()
			})

			It("should return status Internal Server Error", func() {
				resp := postJSON("/api/receipts/analyze", map[string]string{"text": "x"})
				Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
				Expect(decodeError(resp)).To(Equal("Internal server error"))
			})
		})
	})

	Describe("handleScanReceipt", func() {
		When("upload succeeds", func() {
			It("should return status OK with the analysis", func() {
				resp := upload("receipt.jpg", []byte("fake image data"), "Meals")
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusOK))

				var analysis Analysis
				Expect(json.NewDecoder(resp.Body).Decode(&analysis)).To(Succeed())
				Expect(analysis.Category).To(Equal("Meals"))
				Expect(*analysis.Receipt.Amount).To(Equal(45.00))
			})

			It("infers the content type from the extension", func() {
				resp := upload("receipt.heic", []byte("fake image data"), "")
				resp.Body.Close()
				Expect(scanner.lastContentType).To(Equal("image/heic"))
			})
		})

		When("no file is provided", func() {
			It("should return status Bad Request", func() {
				var b bytes.Buffer
				writer := multipart.NewWriter(&b)
				writer.WriteField("category", "Meals")
				writer.Close()

				resp, err := http.Post(ghttpServer.URL()+"/api/receipts/scan", writer.FormDataContentType(), &b)
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(decodeError(resp)).To(ContainSubstring("No file was selected"))
			})
		})

		When("the body is not multipart", func() {
			It("should return status Bad Request", func() {
				resp, err := http.Post(ghttpServer.URL()+"/api/receipts/scan", "text/plain", bytes.NewBufferString("hello"))
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(decodeError(resp)).To(Equal("Error parsing form"))
			})
		})

		When("the upload exceeds the size limit", func() {
			It("should return status Bad Request without scanning", func() {
				var b bytes.Buffer
				writer := multipart.NewWriter(&b)
				part, err := writer.CreateFormFile("file", "huge.jpg")
				Expect(err).NotTo(HaveOccurred())
				_, err = part.Write(make([]byte, maxUploadSize+multipartOverhead+1))
				Expect(err).NotTo(HaveOccurred())
				Expect(writer.Close()).To(Succeed())

				req := httptest.NewRequest(http.MethodPost, "/api/receipts/scan", &b)
				req.Header.Set("Content-Type", writer.FormDataContentType())
				rec := httptest.NewRecorder()
				server.ServeHTTP(rec, req)

				Expect(rec.Code).To(Equal(http.StatusBadRequest))
				Expect(rec.Body.String()).To(ContainSubstring("File is too large"))
				Expect(scanner.lastContentType).To(BeEmpty())
			})
		})

		When("the image is unreadable", func() {
			BeforeEach(func() {
				scanner.scanErr = scanning.ErrUnreadableImage
			})

			It("should return status Bad Request", func() {
				resp := upload("receipt.jpg", []byte("junk"), "")
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(decodeError(resp)).To(ContainSubstring("Could not read the receipt image"))
			})
		})

		When("the OCR engine fails", func() {
			BeforeEach(func() {
				scanner.scanErr = errors.New("quota exceeded")
			})

			It("should return status Bad Gateway", func() {
				resp := upload("receipt.jpg", []byte("data"), "")
				Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
				resp.Body.Close()
			})
		})

		When("the scanner circuit is open", func() {
			BeforeEach(func() {
				scanner.scanErr = scanning.ErrScannerUnavailable
			})

			It("should return status Service Unavailable", func() {
				resp := upload("receipt.jpg", []byte("data"), "")
				Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))
				resp.Body.Close()
			})
		})

		When("scans are rate limited", func() {
			BeforeEach(func() {
				opts = Options{ScanRate: 0.001, ScanBurst: 1}
				setupServer()
			})

			It("rejects requests beyond the burst", func() {
				first := upload("receipt.jpg", []byte("data"), "")
				first.Body.Close()
				Expect(first.StatusCode).To(Equal(http.StatusOK))

				second := upload("receipt.jpg", []byte("data"), "")
				Expect(second.StatusCode).To(Equal(http.StatusTooManyRequests))
				Expect(second.Header.Get("Retry-After")).To(Equal("1"))
				second.Body.Close()
			})
		})
	})

	Describe("policy endpoints", func() {
		It("returns the current policy", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/policy")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var p policy.Policy
			Expect(json.NewDecoder(resp.Body).Decode(&p)).To(Succeed())
			Expect(p).To(Equal(policy.DefaultPolicy()))
		})

		It("replaces the policy", func() {
			body, _ := json.Marshal(policy.Policy{
				MaxAmounts:     map[string]float64{"Meals": 25},
				RequiredFields: []policy.Field{policy.FieldVendor},
				MaxDaysOld:     14,
			})
			req, err := http.NewRequest(http.MethodPut, ghttpServer.URL()+"/api/policy", bytes.NewReader(body))
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(policies.policy.MaxDaysOld).To(Equal(14))
		})

		It("rejects an invalid policy", func() {
			req, err := http.NewRequest(http.MethodPut, ghttpServer.URL()+"/api/policy",
				bytes.NewBufferString(`{"required_fields":["merchant"]}`))
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(decodeError(resp)).To(ContainSubstring("merchant"))
			Expect(policies.saved).To(BeEmpty())
		})
	})

	Describe("basic auth", func() {
		BeforeEach(func() {
			opts = Options{BasicAuth: BasicAuth{Username: "admin", Password: "secret"}}
			setupServer()
		})

		It("rejects requests without credentials", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/policy")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Basic"))
			resp.Body.Close()
		})

		It("accepts valid credentials", func() {
			req, err := http.NewRequest(http.MethodGet, ghttpServer.URL()+"/api/policy", nil)
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("admin:secret")))
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			resp.Body.Close()
		})

		It("rejects a wrong password", func() {
			req, err := http.NewRequest(http.MethodGet, ghttpServer.URL()+"/api/policy", nil)
			Expect(err).NotTo(HaveOccurred())
			req.SetBasicAuth("admin", "nope")
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			resp.Body.Close()
		})

		It("leaves the health check open", func() {
			resp, err := http.Get(ghttpServer.URL() + "/healthz")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			resp.Body.Close()
		})
	})

	Describe("CORS", func() {
		BeforeEach(func() {
			opts = Options{CORSOrigin: "http://localhost:5173"}
			setupServer()
		})

		It("answers preflight requests", func() {
			req, err := http.NewRequest(http.MethodOptions, ghttpServer.URL()+"/api/receipts/analyze", nil)
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("http://localhost:5173"))
			Expect(resp.Header.Get("Access-Control-Allow-Credentials")).To(Equal("true"))
		})
	})

	It("returns Method Not Allowed for unsupported methods", func() {
		resp, err := http.Get(ghttpServer.URL() + "/api/receipts/analyze")
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusMethodNotAllowed))
		resp.Body.Close()
	})
})
