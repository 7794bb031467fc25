// Package server exposes the transfer service over HTTP: chunked upload
// endpoints, short-link resolution, ranged ciphertext downloads and the
// health probes used by orchestrators.
package server
