package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mchmarny/churnctl/pkg/analytics"
	"github.com/mchmarny/churnctl/pkg/dataset"
	"github.com/mchmarny/churnctl/pkg/model"
	"github.com/mchmarny/churnctl/pkg/scoring"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"
)

const (
	serverShutdownWaitSeconds = 5
	serverTimeoutSeconds      = 300
	serverMaxHeaderBytes      = 20
	batchMaxIDs               = 1000
)

var (
	addressFlag = &cli.StringFlag{
		Name:  "address",
		Usage: "Address on which the server will listen (overrides serve.address)",
	}

	serverCmd = &cli.Command{
		Name:    "serve",
		Aliases: []string{"server"},
		Usage:   "Start the scoring HTTP server",
		Flags:   []cli.Flag{addressFlag},
		Action:  cmdStartServer,
	}

	// requestsTotal counts API requests.
	// Labels: route, code
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "churnctl",
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "Total API requests by route and status code",
	}, []string{"route", "code"})

	// requestLatency measures API request latency.
	// Labels: route
	requestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "churnctl",
		Subsystem: "api",
		Name:      "latency_seconds",
		Help:      "API request latency in seconds",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5, 30},
	}, []string{"route"})

	// scoredTotal counts scored customers by outcome.
	// Labels: risk (high, low)
	scoredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "churnctl",
		Subsystem: "scoring",
		Name:      "scored_total",
		Help:      "Total customers scored by risk band",
	}, []string{"risk"})

	// explanationFailures counts scores returned without an explanation.
	explanationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "churnctl",
		Subsystem: "scoring",
		Name:      "explanation_failures_total",
		Help:      "Total scores returned without an explanation",
	})
)

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error string `json:"error"`
}

type batchRequest struct {
	IDs []string `json:"ids" binding:"required,min=1"`
}

func cmdStartServer(ctx context.Context, cmd *cli.Command) error {
	cfg := getConfig(cmd)
	svc, err := newService(ctx, cfg)
	if err != nil {
		return err
	}

	address := cfg.Conf.Serve.Address
	if v := cmd.String(addressFlag.Name); v != "" {
		address = v
	}

	gin.SetMode(gin.ReleaseMode)
	s := &http.Server{
		Addr:           address,
		Handler:        makeRouter(svc),
		ReadTimeout:    serverTimeoutSeconds * time.Second,
		WriteTimeout:   serverTimeoutSeconds * time.Second,
		MaxHeaderBytes: 1 << serverMaxHeaderBytes,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("error starting server", "error", err)
		}
	}()
	slog.Info("server started", "address", address)

	select {
	case <-done:
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), serverShutdownWaitSeconds*time.Second)
	defer cancel()

	if err := s.Shutdown(sctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("error shutting down server", "error", err)
	}
	return nil
}

func makeRouter(svc *scoring.Service) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), instrument())

	api := r.Group("/api")
	api.GET("/customers", customersHandler(svc))
	api.GET("/score/:id", scoreHandler(svc))
	api.POST("/score", batchScoreHandler(svc))
	api.GET("/compare", compareHandler(svc))
	api.GET("/summary", summaryHandler(svc))

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

func instrument() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		requestsTotal.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
		requestLatency.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, scoring.ErrCustomerNotFound):
		return http.StatusNotFound
	case errors.Is(err, scoring.ErrNotInitialized),
		errors.Is(err, dataset.ErrDatasetNotFound),
		errors.Is(err, model.ErrArtifactNotFound):
		return http.StatusServiceUnavailable
	case errors.Is(err, model.ErrTrainingInProgress):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	code := statusFor(err)
	slog.Error("request failed", "path", c.Request.URL.Path, "status", code, "error", err)
	c.JSON(code, ErrorResponse{Error: err.Error()})
}

// observe counts a score by risk band. The explanation decides the band
// when present, otherwise the probability is compared to threshold.
func observe(sc *scoring.Score, threshold float64) {
	high := sc.Probability > threshold
	if sc.Explanation != nil {
		high = sc.Explanation.HighRisk
	}
	risk := "low"
	if high {
		risk = "high"
	}
	scoredTotal.WithLabelValues(risk).Inc()
	if sc.ExplanationError != "" {
		explanationFailures.Inc()
	}
}

func customersHandler(svc *scoring.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ids, err := svc.ListCustomers()
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, ids)
	}
}

func scoreHandler(svc *scoring.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		sc, err := svc.Score(c.Request.Context(), c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		observe(sc, svc.RiskThreshold())
		c.JSON(http.StatusOK, sc)
	}
}

func batchScoreHandler(svc *scoring.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req batchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
			return
		}
		if len(req.IDs) > batchMaxIDs {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "too many ids"})
			return
		}
		list, err := svc.ScoreBatch(c.Request.Context(), req.IDs)
		if err != nil {
			fail(c, err)
			return
		}
		for _, sc := range list {
			observe(sc, svc.RiskThreshold())
		}
		c.JSON(http.StatusOK, list)
	}
}

func compareHandler(svc *scoring.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := svc.CompareModels(c.Request.Context())
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, rows)
	}
}

func summaryHandler(svc *scoring.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		sum, err := svc.Summary(summaryFilter(
			queryOrAll(c, "contract"),
			queryOrAll(c, "internet"),
			queryOrAll(c, "payment")))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, sum)
	}
}

func queryOrAll(c *gin.Context, key string) string {
	v := strings.TrimSpace(c.Query(key))
	if v == "" {
		return analytics.FilterAll
	}
	return v
}
