package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestWithRequestContextSetsID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	baseLogger := zerolog.Nop()
	r := gin.New()
	r.Use(withRequestContext(baseLogger))
	r.GET("/ping", func(c *gin.Context) {
		if requestID(c) == "" {
			t.Error("request ID not set")
		}
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Header().Get(requestIDHeader) == "" {
		t.Fatal("expected request ID header")
	}
	if resp.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.Code)
	}
}

func TestWithRequestContextRecordsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(withRequestContext(zerolog.Nop()))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	r.ServeHTTP(httptest.NewRecorder(), req)

	var found bool
	for _, span := range recorder.Ended() {
		if span.Name() == "GET /ping" {
			found = true
			break
		}
	}
	if !found {
		t.Fatal("expected request span")
	}
}

func TestRespondErrorIncludesRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	baseLogger := zerolog.Nop()
	r := gin.New()
	r.Use(withRequestContext(baseLogger))
	r.GET("/fail", func(c *gin.Context) {
		respondError(c, http.StatusBadRequest, "boom", baseLogger)
	})

	req := httptest.NewRequest(http.MethodGet, "/fail", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", resp.Code)
	}
	if resp.Header().Get(requestIDHeader) == "" {
		t.Fatal("missing request ID header")
	}
}
