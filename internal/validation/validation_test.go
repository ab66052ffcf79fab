package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestIsValidID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"sess_a1b2c3d4", true},
		{"user-42", true},
		{"evt_00ff.v2", true},
		{"A", true},
		{strings.Repeat("a", 64), true},

		// Invalid cases
		{"", false},
		{"-leading-dash", false},
		{"_leading_underscore", false},
		{"has space", false},
		{"semi;colon", false},
		{"null\x00byte", false},
		{strings.Repeat("a", 65), false}, // Too long
	}

	for _, tc := range tests {
		result := IsValidID(tc.id)
		if result != tc.valid {
			t.Errorf("IsValidID(%q) = %v, want %v", tc.id, result, tc.valid)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hello\x00world", 20, "helloworld"},
	}

	for _, tc := range tests {
		result := SanitizeString(tc.input, tc.maxLen)
		if result != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, result, tc.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	// Test valid input
	errors := Validate(
		Required("userId", "user-1"),
		ValidID("sessionId", "sess_a1b2c3d4"),
	)
	if len(errors) != 0 {
		t.Errorf("Expected no errors, got %v", errors)
	}

	// Test invalid input
	errors = Validate(
		Required("userId", ""),
		ValidID("sessionId", "not valid!"),
	)
	if len(errors) != 2 {
		t.Errorf("Expected 2 errors, got %d", len(errors))
	}
}

func TestValidID_EmptyPasses(t *testing.T) {
	// Empty values are Required's job
	if err := ValidID("sessionId", "")(); err != nil {
		t.Errorf("Expected empty value to pass ValidID, got %v", err)
	}
}

func TestMaxLength(t *testing.T) {
	if err := MaxLength("notes", "short", 10)(); err != nil {
		t.Errorf("Expected short value to pass, got %v", err)
	}
	if err := MaxLength("notes", strings.Repeat("x", 11), 10)(); err == nil {
		t.Error("Expected long value to fail MaxLength")
	}
}

func TestValidationErrors_Error(t *testing.T) {
	var empty ValidationErrors
	if empty.Error() != "validation failed" {
		t.Errorf("Unexpected error string: %s", empty.Error())
	}

	errs := ValidationErrors{{Field: "sessionId", Message: "is required"}}
	if errs.Error() != "sessionId: is required" {
		t.Errorf("Unexpected error string: %s", errs.Error())
	}
}

func TestIDParamMiddleware(t *testing.T) {
	router := gin.New()
	router.GET("/sessions/:sessionId/users/:userId",
		IDParamMiddleware("sessionId", "userId"),
		func(c *gin.Context) { c.Status(http.StatusOK) },
	)

	// Valid params pass
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/sessions/sess_1/users/user-1", nil)
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 for valid params, got %d", w.Code)
	}

	// Malformed param rejected
	w = httptest.NewRecorder()
	req, _ = http.NewRequest("GET", "/sessions/bad;id/users/user-1", nil)
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed param, got %d", w.Code)
	}
}

func TestRequestSizeMiddleware(t *testing.T) {
	router := gin.New()
	router.POST("/echo", RequestSizeMiddleware(16), func(c *gin.Context) {
		var body map[string]interface{}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "too_large"})
			return
		}
		c.Status(http.StatusOK)
	})

	// Small body passes
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/echo", strings.NewReader(`{"a":1}`))
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 for small body, got %d", w.Code)
	}

	// Oversized body rejected
	w = httptest.NewRecorder()
	req, _ = http.NewRequest("POST", "/echo", strings.NewReader(`{"a":"`+strings.Repeat("x", 64)+`"}`))
	router.ServeHTTP(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected 413 for oversized body, got %d", w.Code)
	}
}
