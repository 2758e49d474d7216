package httputil

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/tidwall/gjson"

	"github.com/xeptore/quefi/unit"
)

const maxErrorBodySize = 64 * unit.Kibibyte

func ReadResponseBody(resp *http.Response) ([]byte, error) {
	respBody, err := io.ReadAll(resp.Body)
	if nil != err {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if len(respBody) == 0 {
		return nil, errors.New("unexpected empty response body")
	}

	return respBody, nil
}

// ReadErrorBody reads at most a bounded prefix of a non-2xx response body.
func ReadErrorBody(resp *http.Response) []byte {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, int64(maxErrorBodySize)))
	return b
}

// ErrorMessage extracts a human readable message from a Spotify error body.
// The Web API nests it under error.message, the accounts service uses
// error_description.
func ErrorMessage(b []byte) string {
	if !gjson.ValidBytes(b) {
		return string(b)
	}

	res := gjson.GetManyBytes(b, "error.message", "error_description", "error")
	for _, r := range res {
		if r.Type == gjson.String && len(r.Str) > 0 {
			return r.Str
		}
	}

	return string(b)
}

// RetryAfter returns the Retry-After header value in seconds, or zero.
func RetryAfter(resp *http.Response) int {
	n, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if nil != err || n < 0 {
		return 0
	}

	return n
}
