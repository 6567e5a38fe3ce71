// Package security provides validation, sanitization, and limits for job
// submissions.
//
// This package includes:
//   - Input validation for job names, executor names, and unique keys
//   - Error message sanitization to prevent sensitive data leakage
//   - Clamping functions to enforce safe limits on retry counts
//   - Content-hash dedup keys for submissions without an explicit key
package security
