package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MarcoPoloResearchLab/panels/internal/comics"
	"github.com/MarcoPoloResearchLab/panels/internal/docstore"
	"github.com/MarcoPoloResearchLab/panels/internal/reader"
	"github.com/MarcoPoloResearchLab/panels/internal/session"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func TestRespondErrorMapsFailures(testContext *testing.T) {
	gin.SetMode(gin.TestMode)
	service, err := comics.NewService(comics.ServiceConfig{Store: docstore.NewMemoryStore(nil)})
	if err != nil {
		testContext.Fatalf("failed to build service: %v", err)
	}
	notFound := service.UpdateSeries(httptest.NewRequest(http.MethodGet, "/", http.NoBody).Context(),
		comics.Owner{UserID: "user-1"}, "naruto", comics.SeriesUpdate{})
	if notFound == nil {
		testContext.Fatalf("expected update of a missing series to fail")
	}
	unauthenticated := service.UpdateSeries(httptest.NewRequest(http.MethodGet, "/", http.NoBody).Context(),
		comics.Owner{}, "naruto", comics.SeriesUpdate{})

	testCases := []struct {
		name   string
		err    error
		status int
		body   string
	}{
		{"illegal transition", fmt.Errorf("%w: open_series from reader", session.ErrIllegalTransition), http.StatusConflict, ""},
		{"not reading", session.ErrNotReading, http.StatusConflict, ""},
		{"unknown chapter", reader.ErrUnknownChapter, http.StatusNotFound, `{"error":"not_found"}`},
		{"service not found", notFound, http.StatusNotFound, `{"code":"comics.update_series.not_found","error":"update_series_failed"}`},
		{"service unauthenticated", unauthenticated, http.StatusUnauthorized, `{"code":"comics.update_series.not_authenticated","error":"update_series_failed"}`},
		{"unclassified", errors.New("disk full"), http.StatusInternalServerError, `{"error":"update_series_failed"}`},
	}
	for _, testCase := range testCases {
		recorder := httptest.NewRecorder()
		context, _ := gin.CreateTestContext(recorder)
		handler := &httpHandler{logger: zap.NewNop()}

		handler.respondError(context, "update_series", testCase.err)

		if recorder.Code != testCase.status {
			testContext.Fatalf("%s: expected status %d, got %d", testCase.name, testCase.status, recorder.Code)
		}
		if testCase.body != "" && recorder.Body.String() != testCase.body {
			testContext.Fatalf("%s: unexpected response body: %s", testCase.name, recorder.Body.String())
		}
	}
}
