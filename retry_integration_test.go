package resilience_test

import (
	"context"
	"errors"
	"log/slog"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sony/gobreaker/v2"

	jperrors "github.com/JohnPlummer/jp-go-errors"
	resilience "github.com/chrisbze/molaison-research-agent"
)

var _ = Describe("RetryWrapper end to end", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		source *scriptedSource
		logger *slog.Logger
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		source = &scriptedSource{}
		logger = slog.New(slog.NewTextHandler(GinkgoWriter, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	})

	AfterEach(func() {
		cancel()
	})

	Describe("HTTPStatusClassifier driving a retrier", func() {
		var classifier *resilience.HTTPStatusClassifier

		BeforeEach(func() {
			classifier = resilience.NewHTTPStatusClassifier()
		})

		Context("transient status codes", func() {
			DescribeTable("keeps trying transient statuses",
				func(statusCode int, errorMsg string) {
					attempts := 0
					source.respondWith(func(ctx context.Context, req string) (string, error) {
						attempts++
						if attempts < 3 {
							return "", resilience.NewStatusCodeError(statusCode, errors.New(errorMsg))
						}
						return "work record", nil
					})

					retrier := resilience.NewRetryWrapper(
						source,
						resilience.WithMaxRetries(4),
						resilience.WithConstantBackoff(10*time.Millisecond),
						resilience.WithErrorClassifier(classifier),
						resilience.WithRetryLogger(logger),
					)

					resp, err := retrier.Execute(ctx, "crossref:works/10.1038")
					Expect(err).NotTo(HaveOccurred())
					Expect(resp).To(Equal("work record"))
					Expect(source.calls()).To(Equal(3))
				},
				Entry("429 throttled", 429, "too many requests"),
				Entry("500 server error", 500, "internal server error"),
				Entry("502 bad gateway", 502, "bad gateway"),
				Entry("503 service unavailable", 503, "service unavailable"),
				Entry("504 gateway timeout", 504, "gateway timeout"),
			)
		})

		Context("permanent status codes", func() {
			DescribeTable("stops on permanent statuses",
				func(statusCode int, errorMsg string) {
					source.respondWith(func(ctx context.Context, req string) (string, error) {
						return "", resilience.NewStatusCodeError(statusCode, errors.New(errorMsg))
					})

					retrier := resilience.NewRetryWrapper(
						source,
						resilience.WithMaxRetries(4),
						resilience.WithConstantBackoff(10*time.Millisecond),
						resilience.WithErrorClassifier(classifier),
						resilience.WithRetryLogger(logger),
					)

					resp, err := retrier.Execute(ctx, "crossref:works/10.1038")
					Expect(err).To(HaveOccurred())
					Expect(resp).To(Equal(""))
					Expect(source.calls()).To(Equal(1))
				},
				Entry("400 malformed query", 400, "malformed query"),
				Entry("401 bad credentials", 401, "bad credentials"),
				Entry("403 forbidden", 403, "forbidden"),
				Entry("404 unknown record", 404, "no such record"),
			)
		})

		Context("sentinel errors from jp-go-errors", func() {
			It("backs off on ErrRateLimited", func() {
				attempts := 0
				source.respondWith(func(ctx context.Context, req string) (string, error) {
					attempts++
					if attempts < 3 {
						return "", jperrors.ErrRateLimited
					}
					return "work record", nil
				})

				retrier := resilience.NewRetryWrapper(
					source,
					resilience.WithMaxRetries(4),
					resilience.WithConstantBackoff(10*time.Millisecond),
					resilience.WithErrorClassifier(classifier),
					resilience.WithRetryLogger(logger),
				)

				resp, err := retrier.Execute(ctx, "crossref:works/10.1038")
				Expect(err).NotTo(HaveOccurred())
				Expect(resp).To(Equal("work record"))
				Expect(source.calls()).To(Equal(3))
			})

			It("treats timeouts as transient", func() {
				attempts := 0
				source.respondWith(func(ctx context.Context, req string) (string, error) {
					attempts++
					if attempts < 3 {
						return "", jperrors.NewTimeoutError("fetch timed out", "fetch", 5*time.Second)
					}
					return "work record", nil
				})

				retrier := resilience.NewRetryWrapper(
					source,
					resilience.WithMaxRetries(4),
					resilience.WithConstantBackoff(10*time.Millisecond),
					resilience.WithErrorClassifier(classifier),
					resilience.WithRetryLogger(logger),
				)

				resp, err := retrier.Execute(ctx, "crossref:works/10.1038")
				Expect(err).NotTo(HaveOccurred())
				Expect(resp).To(Equal("work record"))
				Expect(source.calls()).To(Equal(3))
			})

			It("never retries the caller's own cancellation", func() {
				source.respondWith(func(ctx context.Context, req string) (string, error) {
					return "", context.DeadlineExceeded
				})

				retrier := resilience.NewRetryWrapper(
					source,
					resilience.WithMaxRetries(4),
					resilience.WithConstantBackoff(10*time.Millisecond),
					resilience.WithErrorClassifier(classifier),
					resilience.WithRetryLogger(logger),
				)

				resp, err := retrier.Execute(ctx, "crossref:works/10.1038")
				Expect(err).To(Equal(context.DeadlineExceeded))
				Expect(resp).To(Equal(""))
				Expect(source.calls()).To(Equal(1))
			})

			It("lets context.Canceled through untouched", func() {
				source.respondWith(func(ctx context.Context, req string) (string, error) {
					return "", context.Canceled
				})

				retrier := resilience.NewRetryWrapper(
					source,
					resilience.WithMaxRetries(4),
					resilience.WithConstantBackoff(10*time.Millisecond),
					resilience.WithErrorClassifier(classifier),
					resilience.WithRetryLogger(logger),
				)

				resp, err := retrier.Execute(ctx, "crossref:works/10.1038")
				Expect(err).To(Equal(context.Canceled))
				Expect(resp).To(Equal(""))
				Expect(source.calls()).To(Equal(1))
			})
		})

		Context("with circuit breaker rejections", func() {
			It("does not retry when the circuit is open", func() {
				source.respondWith(func(ctx context.Context, req string) (string, error) {
					return "", gobreaker.ErrOpenState
				})

				retrier := resilience.NewRetryWrapper(
					source,
					resilience.WithMaxRetries(4),
					resilience.WithConstantBackoff(10*time.Millisecond),
					resilience.WithErrorClassifier(classifier),
					resilience.WithRetryLogger(logger),
				)

				_, err := retrier.Execute(ctx, "crossref:works/10.1038")
				Expect(errors.Is(err, gobreaker.ErrOpenState)).To(BeTrue())
				Expect(source.calls()).To(Equal(1))
			})
		})

		Context("caller-tuned status sets", func() {
			It("drops the defaults when a custom set is given", func() {
				customClassifier := &resilience.HTTPStatusClassifier{
					RetryableStatuses: []int{418}, // teapots only
				}

				source.respondWith(func(ctx context.Context, req string) (string, error) {
					return "", resilience.NewStatusCodeError(500, errors.New("server error"))
				})

				retrier := resilience.NewRetryWrapper(
					source,
					resilience.WithMaxRetries(4),
					resilience.WithConstantBackoff(10*time.Millisecond),
					resilience.WithErrorClassifier(customClassifier),
					resilience.WithRetryLogger(logger),
				)

				resp, err := retrier.Execute(ctx, "crossref:works/10.1038")
				Expect(err).To(HaveOccurred())
				Expect(resp).To(Equal(""))
				Expect(source.calls()).To(Equal(1)) // 500 is not in the custom set
			})

			It("honors an added transient status", func() {
				customClassifier := &resilience.HTTPStatusClassifier{
					RetryableStatuses: []int{418},
				}

				attempts := 0
				source.respondWith(func(ctx context.Context, req string) (string, error) {
					attempts++
					if attempts < 3 {
						return "", resilience.NewStatusCodeError(418, errors.New("I'm a teapot"))
					}
					return "work record", nil
				})

				retrier := resilience.NewRetryWrapper(
					source,
					resilience.WithMaxRetries(4),
					resilience.WithConstantBackoff(10*time.Millisecond),
					resilience.WithErrorClassifier(customClassifier),
					resilience.WithRetryLogger(logger),
				)

				resp, err := retrier.Execute(ctx, "crossref:works/10.1038")
				Expect(err).NotTo(HaveOccurred())
				Expect(resp).To(Equal("work record"))
				Expect(source.calls()).To(Equal(3))
			})
		})

		Context("with errors carrying no status", func() {
			It("retries transport-level errors", func() {
				attempts := 0
				source.respondWith(func(ctx context.Context, req string) (string, error) {
					attempts++
					if attempts < 3 {
						return "", errors.New("connection reset by peer")
					}
					return "work record", nil
				})

				retrier := resilience.NewRetryWrapper(
					source,
					resilience.WithMaxRetries(4),
					resilience.WithConstantBackoff(10*time.Millisecond),
					resilience.WithErrorClassifier(classifier),
					resilience.WithRetryLogger(logger),
				)

				resp, err := retrier.Execute(ctx, "crossref:works/10.1038")
				Expect(err).NotTo(HaveOccurred())
				Expect(resp).To(Equal("work record"))
				Expect(source.calls()).To(Equal(3))
			})
		})
	})

	Describe("StatusCodeError", func() {
		It("carries the status code in the message", func() {
			baseErr := errors.New("service unavailable")
			statusErr := resilience.NewStatusCodeError(503, baseErr)

			Expect(statusErr.Error()).To(Equal("status 503: service unavailable"))
			Expect(errors.Unwrap(statusErr)).To(Equal(baseErr))
		})

		It("exposes the status code for classification", func() {
			statusErr := resilience.NewStatusCodeError(503, errors.New("service unavailable"))

			var httpErr resilience.HTTPError
			Expect(errors.As(statusErr, &httpErr)).To(BeTrue())
			Expect(httpErr.StatusCode()).To(Equal(503))
		})

		It("classifies wrapped status errors", func() {
			classifier := resilience.NewHTTPStatusClassifier()

			transient := resilience.NewStatusCodeError(502, errors.New("bad gateway"))
			Expect(classifier.IsRetryable(transient)).To(BeTrue())

			permanent := resilience.NewStatusCodeError(403, errors.New("forbidden"))
			Expect(classifier.IsRetryable(permanent)).To(BeFalse())
		})
	})

	Describe("Source outage patterns", func() {
		It("handles intermittent source failures", func() {
			attempts := 0
			source.respondWith(func(ctx context.Context, req string) (string, error) {
				attempts++
				if attempts%2 == 1 && attempts < 5 {
					return "", resilience.NewStatusCodeError(503, errors.New("service unavailable"))
				}
				return "work record", nil
			})

			retrier := resilience.NewRetryWrapper(
				source,
				resilience.WithMaxRetries(9),
				resilience.WithExponentialBackoff(10*time.Millisecond, 200*time.Millisecond),
				resilience.WithRetryLogger(logger),
			)

			resp, err := retrier.Execute(ctx, "crossref:works/10.1038")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp).To(Equal("work record"))
		})

		It("rides out a rate-limited window", func() {
			attempts := 0
			source.respondWith(func(ctx context.Context, req string) (string, error) {
				attempts++
				if attempts < 4 {
					return "", jperrors.ErrRateLimited
				}
				return "work record", nil
			})

			retrier := resilience.NewRetryWrapper(
				source,
				resilience.WithMaxRetries(4),
				resilience.WithExponentialBackoff(20*time.Millisecond, 500*time.Millisecond),
				resilience.WithRetryLogger(logger),
			)

			start := time.Now()
			resp, err := retrier.Execute(ctx, "crossref:works/10.1038")
			elapsed := time.Since(start)

			Expect(err).NotTo(HaveOccurred())
			Expect(resp).To(Equal("work record"))
			Expect(source.calls()).To(Equal(4))
			// Three waits, each floored at 100ms
			Expect(elapsed).To(BeNumerically(">=", 250*time.Millisecond))
		})

		It("wastes no attempts on a dead endpoint", func() {
			source.respondWith(func(ctx context.Context, req string) (string, error) {
				return "", resilience.NewStatusCodeError(401, errors.New("unauthorized"))
			})

			retrier := resilience.NewRetryWrapper(
				source,
				resilience.WithMaxRetries(9),
				resilience.WithExponentialBackoff(100*time.Millisecond, time.Second),
				resilience.WithRetryLogger(logger),
			)

			start := time.Now()
			resp, err := retrier.Execute(ctx, "crossref:works/10.1038")
			elapsed := time.Since(start)

			Expect(err).To(HaveOccurred())
			Expect(resp).To(Equal(""))
			Expect(source.calls()).To(Equal(1))
			Expect(elapsed).To(BeNumerically("<", 50*time.Millisecond))
		})
	})
})
