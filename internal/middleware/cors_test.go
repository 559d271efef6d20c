package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorsMiddleware(t *testing.T) {
	testCases := []struct {
		name           string
		origin         string
		userAgent      string
		path           string
		expectCors     bool
		expectedStatus int
	}{
		{
			name:           "AllowedOrigin",
			origin:         "https://troupe.ensembleworks.com",
			expectCors:     true,
			expectedStatus: http.StatusOK,
		},
		{
			name:           "AllowedLocalOrigin",
			origin:         "http://localhost:5173",
			expectCors:     true,
			expectedStatus: http.StatusOK,
		},
		{
			name:           "NotAllowedOrigin",
			origin:         "https://www.notallowed.com",
			userAgent:      "Mozilla/5.0",
			expectCors:     false,
			expectedStatus: http.StatusForbidden,
		},
		{
			name:           "AllowedUserAgentCurl",
			origin:         "https://www.notallowed.com",
			userAgent:      "curl/8.4.0",
			expectCors:     true,
			expectedStatus: http.StatusOK,
		},
		{
			name:           "AllowedUserAgentTestAgent",
			origin:         "https://www.notallowed.com",
			userAgent:      "test-agent",
			expectCors:     true,
			expectedStatus: http.StatusOK,
		},
		{
			name:           "PathBasedCorsTrainingBlobs",
			origin:         "https://www.notallowed.com",
			userAgent:      "Mozilla/5.0",
			path:           "/trainings/blob/1234",
			expectCors:     true,
			expectedStatus: http.StatusOK,
		},
		{
			name:           "NoOriginHeader",
			userAgent:      "Mozilla/5.0",
			path:           "/unknown/path",
			expectCors:     true,
			expectedStatus: http.StatusOK,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			req, err := http.NewRequest("GET", "/"+tc.path, nil)
			require.NoError(t, err)
			if tc.path != "" {
				req.URL.Path = tc.path
			}
			req.Header.Set("Origin", tc.origin)
			req.Header.Set("User-Agent", tc.userAgent)

			nextHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
			handler := Cors()(nextHandler)

			handler.ServeHTTP(rr, req)

			assert.Equal(t, tc.expectedStatus, rr.Code, "Unexpected status code")
			if tc.expectCors {
				assert.Equal(t, tc.origin, rr.Header().Get("Access-Control-Allow-Origin"))
			}
		})
	}
}
