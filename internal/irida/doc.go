// Package irida is a client for the IRIDA REST API.
//
// A Client authenticates with the OAuth2 resource-owner password grant and
// hands out a Session whose bearer token is renewed transparently. Upload
// pushes one run manifest: it registers a sequencing run, finds or creates
// each sample in its project, streams the sample's fastq files and finally
// flags the run COMPLETE. Every step tolerates having been done before, so a
// retried upload re-sends what it must and the server drops duplicates.
//
// Failures are classified for the caller: ErrTransient (network, 408, 429,
// 5xx) is worth retrying, ErrPermanent (other 4xx) is not. The HTTP detail
// travels as a *StatusError.
package irida
