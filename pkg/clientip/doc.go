// Package clientip resolves the caller's address behind a configurable list
// of trusted proxy headers and makes it available to handlers, rate limiting
// and structured logs.
//
//	ips := clientip.New(cfg.TrustedHeaders...)
//	r.Use(ips.Middleware)
//	log := logger.New(logger.WithContextExtractors(clientip.LoggerExtractor()))
//
// Only list headers that your edge proxy overwrites. An untrusted header lets
// callers choose their own address.
package clientip
