package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestNormalizePhone(t *testing.T) {
	assert.Equal(t, "+639123456789", NormalizePhone(" +63 912 345 6789 "))
	assert.Equal(t, "+639876543210", NormalizePhone("+63 (987) 654-3210"))
}

func TestIsValidPhone(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"+639123456789", true},
		{"+14155550100", true},
		{"639123456789", false},
		{"+0123456789", false},
		{"+12", false},
		{"+63912345678901234", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsValidPhone(tt.in), tt.in)
	}
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "hello", SanitizeString("  hello  ", 100))
	assert.Equal(t, "abc", SanitizeString("abcdef", 3))
	assert.Equal(t, "ab", SanitizeString("a\x00b", 10))
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("description", ""),
		ValidPhone("sellerId", "not-a-phone"),
		Positive("amount", 0),
		MaxLength("description", strings.Repeat("x", 10), 5),
		Required("buyerId", "+639123456789"),
	)
	assert.Len(t, errs, 4)
	assert.Equal(t, "description: is required", errs.Error())

	assert.Empty(t, Validate(ValidPhone("sellerId", ""), Positive("amount", 5000)))
	assert.Equal(t, "validation failed", ValidationErrors{}.Error())
}

func TestActorHeaderMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(ActorHeaderMiddleware("X-Actor-ID"))
	r.GET("/me", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("actorID"))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("X-Actor-ID", "+63 912 345 6789")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "+639123456789", w.Body.String())
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(8))
	r.POST("/echo", func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader(`{"a":"0123456789"}`)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}
