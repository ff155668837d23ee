package validation

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

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
		Required("name", "John"),
		PositiveInt("telegramId", "12345"),
	)
	if len(errors) != 0 {
		t.Errorf("Expected no errors, got %v", errors)
	}

	// Test invalid input
	errors = Validate(
		Required("name", ""),
		PositiveInt("telegramId", "-7"),
	)
	if len(errors) != 2 {
		t.Errorf("Expected 2 errors, got %d", len(errors))
	}
}

func TestPositiveInt(t *testing.T) {
	tests := []struct {
		value string
		valid bool
	}{
		{"1", true},
		{"123456789012", true},
		{"", true}, // optional; use Required for required fields

		// Invalid
		{"0", false},
		{"-5", false},
		{"abc", false},
		{"1.5", false},
	}

	for _, tc := range tests {
		err := PositiveInt("id", tc.value)()
		valid := err == nil
		if valid != tc.valid {
			t.Errorf("PositiveInt(%q) valid=%v, want %v", tc.value, valid, tc.valid)
		}
	}
}

func TestMaxLength(t *testing.T) {
	// Under limit
	err := MaxLength("field", "hello", 10)()
	if err != nil {
		t.Error("Expected no error for string under limit")
	}

	// At limit
	err = MaxLength("field", "hello", 5)()
	if err != nil {
		t.Error("Expected no error for string at limit")
	}

	// Over limit
	err = MaxLength("field", "hello world", 5)()
	if err == nil {
		t.Error("Expected error for string over limit")
	}
}

func TestTelegramIDParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/users/:telegramId", TelegramIDParamMiddleware(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	for _, tc := range []struct {
		param string
		code  int
	}{
		{"42", http.StatusOK},
		{"0", http.StatusBadRequest},
		{"-1", http.StatusBadRequest},
		{"bogus", http.StatusBadRequest},
	} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/users/"+tc.param, nil)
		r.ServeHTTP(w, req)
		if w.Code != tc.code {
			t.Errorf("param %q: status = %d, want %d", tc.param, w.Code, tc.code)
		}
	}
}
