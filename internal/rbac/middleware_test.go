package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"expertcall-platform/internal/auth"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func doRequest(t *testing.T, userType auth.UserType, mw gin.HandlerFunc) int {
	t.Helper()
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		if userType != "" {
			ctx := auth.WithIdentity(c.Request.Context(), "u-1", userType)
			c.Request = c.Request.WithContext(ctx)
		}
		c.Next()
	})
	r.GET("/x", mw, func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	r.ServeHTTP(w, req)
	return w.Code
}

func TestRequireUserType(t *testing.T) {
	tests := []struct {
		name     string
		userType auth.UserType
		allowed  []auth.UserType
		want     int
	}{
		{"expert allowed", auth.UserTypeExpert, []auth.UserType{auth.UserTypeExpert}, http.StatusOK},
		{"user forbidden on expert route", auth.UserTypeUser, []auth.UserType{auth.UserTypeExpert}, http.StatusForbidden},
		{"admin bypasses", auth.UserTypeAdmin, []auth.UserType{auth.UserTypeExpert}, http.StatusOK},
		{"missing identity", "", []auth.UserType{auth.UserTypeExpert}, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := doRequest(t, tt.userType, RequireUserType(tt.allowed...))
			assert.Equal(t, tt.want, got)
		})
	}
}
