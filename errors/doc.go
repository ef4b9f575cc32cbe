// Package errors provides the error taxonomy used across the SDK.
//
// # Taxonomy
//
// Five domain errors describe what can go wrong when working with collections
// and the outbox:
//
//   - ErrInvalidID: empty or undecodable local id, or a collection name that
//     cannot be namespaced. Returned before any store call and never retried.
//   - ErrConflict / *ConflictError: the store rejected a write because its base
//     revision is stale or the id already exists. ConflictError.Key carries the
//     physical key so callers can decide whether to retry.
//   - ErrNotFound: the logical document does not exist.
//   - ErrInvalidRequest: the store rejected the request as malformed.
//   - ErrTransportFailure: a delivery attempt failed. The outbox records this as
//     a REJECTED message; it is never returned to the caller of Post.
//
// # Classification
//
// Infrastructure errors are classified as transient, invalid or fatal so that
// adapters can decide whether to retry:
//
//	if errors.IsTransient(err) {
//	    // back off and try again
//	}
//
// Wrap helpers produce messages of the form "component.method: action failed: cause":
//
//	return errors.WrapTransient(err, "couch", "Get", "http request")
//
// Because the package is named errors, files importing it alongside the standard
// library alias the latter as stderrors.
package errors
