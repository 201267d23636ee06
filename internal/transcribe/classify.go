package transcribe

import "meeting-transcriber/internal/models"

// retryableReasons is the closed set of failure kinds worth another attempt.
// Anything outside it fails closed: the utterance is terminal on first sight
// rather than looping on a failure that will never clear.
var retryableReasons = map[string]struct{}{
	models.FailureAudioUploadFailed: {},
	models.FailureRequestFailed:     {},
	models.FailureTimedOut:          {},
	models.FailureRateLimitExceeded: {},
	models.FailureInternalError:     {},
}

// IsRetryableFailure reports whether a failure classification is eligible for
// another transcription attempt.
func IsRetryableFailure(f models.FailureData) bool {
	_, ok := retryableReasons[f.Reason]
	return ok
}
