// Package domain holds the shared vocabulary of the pipeline: accounts,
// schedule settings, artifacts, chunks, credentials, task kinds and the
// error taxonomy every stage reports through.
package domain
