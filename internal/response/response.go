// Package response builds the envelopes returned by the HTTP API. Error
// bodies share one shape: {"errors": {"<field>": ...}}.
package response

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

const (
	AllowOrigin  = "*"
	AllowHeaders = "Content-Type,Authorization,Accept,X-Amz-Date,X-Api-Key,X-Amz-Security-Token,x-client-type,x-client-version"
)

type Response struct {
	StatusCode      int               `json:"statusCode"`
	Headers         map[string]string `json:"headers"`
	Body            string            `json:"body"`
	IsBase64Encoded bool              `json:"isBase64Encoded,omitempty"`
}

// Generic returns a response carrying the default CORS headers, overlaid
// with headers.
func Generic(statusCode int, body string, headers map[string]string) Response {
	h := map[string]string{
		"Access-Control-Allow-Origin":  AllowOrigin,
		"Access-Control-Allow-Headers": AllowHeaders,
	}
	for k, v := range headers {
		h[http.CanonicalHeaderKey(k)] = v
	}
	return Response{
		StatusCode: statusCode,
		Headers:    h,
		Body:       body,
	}
}

func OK(body string) Response {
	return Generic(http.StatusOK, body, nil)
}

// JSON encodes v as the body. Encoding failures degrade to a 500 envelope.
func JSON(statusCode int, v any) Response {
	payload, err := json.Marshal(v)
	if err != nil {
		return InternalServerError(fmt.Sprintf("encode response: %v", err))
	}
	return Generic(statusCode, string(payload), map[string]string{"Content-Type": "application/json"})
}

func Error(statusCode int, errs map[string]any) Response {
	return JSON(statusCode, map[string]any{"errors": errs})
}

func BadRequest(reasons ...string) Response {
	if len(reasons) == 0 {
		reasons = []string{"bad request"}
	}
	return Error(http.StatusBadRequest, map[string]any{"_request": reasons})
}

func NotFound() Response {
	return Error(http.StatusNotFound, map[string]any{"_resource": []string{"not found"}})
}

func MethodNotAllowed(allow ...string) Response {
	resp := Error(http.StatusMethodNotAllowed, map[string]any{"_internal": "Method Not Allowed"})
	if len(allow) > 0 {
		resp.Headers["Allow"] = strings.Join(allow, ", ")
	}
	return resp
}

// Unprocessable reports per-field reasons, as produced by strict parameter
// resolution or undecodable sources.
func Unprocessable(fields map[string][]string) Response {
	errs := make(map[string]any, len(fields))
	for k, v := range fields {
		errs[k] = v
	}
	return Error(http.StatusUnprocessableEntity, errs)
}

func TooManyRequests(retryAfterSeconds int) Response {
	resp := Error(http.StatusTooManyRequests, map[string]any{"_request": []string{"rate limit exceeded"}})
	if retryAfterSeconds > 0 {
		resp.Headers["Retry-After"] = strconv.Itoa(retryAfterSeconds)
	}
	return resp
}

func InternalServerError(message string) Response {
	if message == "" {
		message = "Internal server error"
	}
	return Error(http.StatusInternalServerError, map[string]any{"_internal": message})
}

func Unavailable(message string) Response {
	return Error(http.StatusServiceUnavailable, map[string]any{"_internal": message})
}

// Image wraps encoded image bytes. The body is base64 so the envelope stays
// printable; Write decodes it again.
func Image(data []byte, contentType string, headers map[string]string) Response {
	h := map[string]string{
		"Content-Type": contentType,
	}
	for k, v := range headers {
		h[k] = v
	}
	resp := Generic(http.StatusOK, base64.StdEncoding.EncodeToString(data), h)
	resp.IsBase64Encoded = true
	return resp
}

// Bytes returns the decoded body.
func (r Response) Bytes() ([]byte, error) {
	if !r.IsBase64Encoded {
		return []byte(r.Body), nil
	}
	data, err := base64.StdEncoding.DecodeString(r.Body)
	if err != nil {
		return nil, fmt.Errorf("decode base64 body: %w", err)
	}
	return data, nil
}

// Write sends r to w.
func (r Response) Write(w http.ResponseWriter) error {
	body, err := r.Bytes()
	if err != nil {
		return err
	}

	for k, v := range r.Headers {
		w.Header().Set(k, v)
	}
	if r.IsBase64Encoded {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	}
	status := r.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)

	_, err = w.Write(body)
	return err
}
