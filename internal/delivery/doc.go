// Package delivery submits audio segments to the analysis backend.
// It builds the two-part multipart request, classifies failures into timeout,
// network and server errors, parses backend responses into results and
// defines the retry backoff policy. It also wraps the backend session
// lifecycle endpoints.
package delivery
