package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"meeting-transcriber/internal/models"
)

// transportFailure maps a transport-level error to failure data.
func transportFailure(err error) *models.FailureData {
	if errors.Is(err, context.DeadlineExceeded) {
		return &models.FailureData{Reason: models.FailureTimedOut, Error: err.Error()}
	}
	return &models.FailureData{Reason: models.FailureRequestFailed, Error: err.Error()}
}

// statusFailure maps a non-2xx provider response to failure data.
func statusFailure(status int, body []byte) *models.FailureData {
	msg := fmt.Sprintf("status %d: %s", status, truncate(body, 512))
	switch {
	case status == http.StatusTooManyRequests:
		return &models.FailureData{Reason: models.FailureRateLimitExceeded, Error: msg}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &models.FailureData{Reason: models.FailureCredentialsInvalid, Error: msg}
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return &models.FailureData{Reason: models.FailureTimedOut, Error: msg}
	default:
		return &models.FailureData{Reason: models.FailureRequestFailed, Error: msg}
	}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}

// postBytes sends a raw-body POST and returns the response body.
func postBytes(ctx context.Context, client *http.Client, url, contentType string, headers map[string]string, body []byte) ([]byte, *models.FailureData) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &models.FailureData{Reason: models.FailureInternalError, Error: err.Error()}
	}
	req.Header.Set("Content-Type", contentType)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return doRequest(client, req)
}

// postMultipart sends audio as a multipart file field plus form fields.
func postMultipart(ctx context.Context, client *http.Client, url, fileField, filename string, audio []byte, fields map[string]string, headers map[string]string) ([]byte, *models.FailureData) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile(fileField, filename)
	if err == nil {
		_, err = part.Write(audio)
	}
	for k, v := range fields {
		if err != nil {
			break
		}
		err = w.WriteField(k, v)
	}
	if err == nil {
		err = w.Close()
	}
	if err != nil {
		return nil, &models.FailureData{Reason: models.FailureInternalError, Error: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return nil, &models.FailureData{Reason: models.FailureInternalError, Error: err.Error()}
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return doRequest(client, req)
}

// getJSON issues a GET and returns the response body.
func getJSON(ctx context.Context, client *http.Client, url string, headers map[string]string) ([]byte, *models.FailureData) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &models.FailureData{Reason: models.FailureInternalError, Error: err.Error()}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return doRequest(client, req)
}

func doRequest(client *http.Client, req *http.Request) ([]byte, *models.FailureData) {
	resp, err := client.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			err = ctxErr
		}
		return nil, transportFailure(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, transportFailure(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusFailure(resp.StatusCode, body)
	}
	return body, nil
}
