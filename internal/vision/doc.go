// Package vision abstracts the model collaborators: face detection,
// identity prediction, and face embeddings. Sidecar adapters talk to local
// model servers over HTTP; null implementations stand in when no sidecar is
// configured so callers degrade instead of failing.
package vision
