// Package server implements the HTTP front of acsm-bridge: the upload form,
// the POST /dl fulfilment handler that drives the ADEPT tools, probes and
// metrics, plus the optional PostgreSQL audit trail and MinIO voucher
// archive.
package server
