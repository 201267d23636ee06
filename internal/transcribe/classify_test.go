package transcribe

import (
	"testing"

	"meeting-transcriber/internal/models"
)

func TestIsRetryableFailure(t *testing.T) {
	retryable := []string{
		models.FailureAudioUploadFailed,
		models.FailureRequestFailed,
		models.FailureTimedOut,
		models.FailureRateLimitExceeded,
		models.FailureInternalError,
	}
	for _, reason := range retryable {
		if !IsRetryableFailure(models.FailureData{Reason: reason}) {
			t.Fatalf("expected %q to be retryable", reason)
		}
	}

	terminal := []string{
		models.FailureCredentialsInvalid,
		models.FailureAudioInvalid,
		"some_future_reason",
		"",
	}
	for _, reason := range terminal {
		if IsRetryableFailure(models.FailureData{Reason: reason}) {
			t.Fatalf("expected %q to fail closed", reason)
		}
	}
}
