package remote

import (
	"fmt"
)

type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e == nil {
		return "model server http error"
	}
	if e.Body == "" {
		return fmt.Sprintf("model server http error: status=%d", e.StatusCode)
	}
	return fmt.Sprintf("model server http error: status=%d body=%s", e.StatusCode, e.Body)
}

// retriable reports whether a status is worth another attempt. Client errors
// mean the request itself is wrong and will not heal with time.
func retriable(status int) bool {
	return status == 429 || status >= 500
}
