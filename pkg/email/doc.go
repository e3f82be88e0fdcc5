// Package email delivers transactional messages through Postmark, or writes
// them to disk in development when no Postmark token is configured.
package email
