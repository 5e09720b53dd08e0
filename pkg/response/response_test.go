package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func record(handler gin.HandlerFunc) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	handler(c)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestSuccessEnvelope(t *testing.T) {
	w := record(func(c *gin.Context) {
		Success(c, map[string]string{"jira_key": "TEST-1"})
	})
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	resp := decode(t, w)
	if resp.Code != 0 || resp.Message != "ok" {
		t.Errorf("envelope = %+v, want code 0 message ok", resp)
	}
	if resp.Data == nil {
		t.Error("data should be carried through")
	}
}

func TestCreatedEnvelope(t *testing.T) {
	w := record(func(c *gin.Context) {
		Created(c, map[string]int{"id": 1})
	})
	if w.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201", w.Code)
	}
	if resp := decode(t, w); resp.Code != 0 {
		t.Errorf("code = %d, want 0", resp.Code)
	}
}

func TestErrorEnvelopes(t *testing.T) {
	cases := []struct {
		name   string
		send   func(c *gin.Context)
		status int
	}{
		{"bad request", func(c *gin.Context) { BadRequest(c, "jira_key is required") }, http.StatusBadRequest},
		{"unauthorized", func(c *gin.Context) { Unauthorized(c, "invalid webhook secret") }, http.StatusUnauthorized},
		{"not found", func(c *gin.Context) { NotFound(c, "finding not found") }, http.StatusNotFound},
		{"server error", func(c *gin.Context) { ServerError(c, "database unavailable") }, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := record(tc.send)
			if w.Code != tc.status {
				t.Errorf("status = %d, want %d", w.Code, tc.status)
			}
			resp := decode(t, w)
			if resp.Code != tc.status {
				t.Errorf("envelope code = %d, want the HTTP status %d", resp.Code, tc.status)
			}
			if resp.Message == "" {
				t.Error("message should carry the reason")
			}
		})
	}
}
