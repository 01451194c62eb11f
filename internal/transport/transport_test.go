package transport

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyStatus(t *testing.T) {
	cases := map[string]struct {
		code     int
		expected Kind
	}{
		"ok":                {code: http.StatusOK, expected: Accepted},
		"accepted":          {code: http.StatusAccepted, expected: Accepted},
		"bad request":       {code: http.StatusBadRequest, expected: ClientRejected},
		"too large":         {code: http.StatusRequestEntityTooLarge, expected: ClientRejected},
		"request timeout":   {code: http.StatusRequestTimeout, expected: TransientFailure},
		"too many requests": {code: http.StatusTooManyRequests, expected: TransientFailure},
		"server error":      {code: http.StatusInternalServerError, expected: TransientFailure},
		"unavailable":       {code: http.StatusServiceUnavailable, expected: TransientFailure},
		"redirect":          {code: http.StatusFound, expected: TransientFailure},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, tc.expected, ClassifyStatus(tc.code))
		})
	}
}
