// Package errors holds taskhook's coded errors. Import it as apperrors.
//
// A code fixes three things: the category (transient, permanent, resource
// or internal), whether the queue and the delivery client retry, and the
// HTTP status the API answers with. WithRetryable overrides the retry
// decision for a single error.
//
//	err := apperrors.New(apperrors.ErrCodeHTTPStatus, "engine rejected trigger",
//		apperrors.WithTaskID(id), apperrors.WithMetadata("status", "503"))
//
//	if apperrors.IsRetryable(err) {
//		// leave the job for redelivery
//	}
//	w.WriteHeader(apperrors.HTTPStatus(err))
//
// Wrap keeps the code of a coded cause and classifies context errors as
// TIMEOUT or CANCELED. Errors marshal to the body the API and the audit
// trail share:
//
//	{"code":"CONFLICT","category":"permanent","message":"...","retryable":false}
package errors
