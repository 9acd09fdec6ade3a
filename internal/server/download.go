package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"acsm-bridge/internal/adept"
)

const (
	licenseFileName = "URLLink.acsm"
	bookFileName    = "book.epub"
	workDirPrefix   = "acsm-"

	epubContentType    = "application/epub+zip"
	contentDisposition = `attachment; filename="book.epub"`
)

// handleDownload handles POST /dl. The first multipart part is taken as the
// voucher, fulfilled with the download tool, stripped with the DRM removal
// tool, and the resulting EPUB is returned as an attachment. Every request
// works in its own directory, which is removed before the handler returns.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rec := Fulfilment{
		ID:        uuid.New(),
		RequestID: RequestIDFromContext(ctx),
		ClientIP:  s.clientIP(r),
		StartedAt: time.Now().UTC(),
	}

	book, err := s.fulfil(w, r, &rec)
	rec.FinishedAt = time.Now().UTC()
	elapsed := rec.FinishedAt.Sub(rec.StartedAt)

	if err != nil {
		var fe *fulfilmentError
		if !errors.As(err, &fe) {
			fe = internalError("unknown", "Internal server error", err)
		}

		s.logger.ErrorContext(ctx, "fulfilment_failed",
			"id", rec.ID,
			"step", fe.Step,
			"status", fe.Status,
			"ms", elapsed.Milliseconds(),
			"err", fe.Err,
		)
		s.metrics.observeFulfilment(fe.Step, fe, 0)

		rec.Status = fulfilmentFailed
		rec.FailedStep = fe.Step
		rec.ErrorMessage = fe.Error()
		s.recordFulfilment(ctx, rec)

		http.Error(w, fe.Message, fe.Status)
		return
	}

	sum := sha256.Sum256(book)
	rec.Status = fulfilmentSucceeded
	rec.BookBytes = int64(len(book))
	rec.BookSHA256 = hex.EncodeToString(sum[:])

	h := w.Header()
	h.Set("Content-Type", epubContentType)
	h.Set("Content-Disposition", contentDisposition)
	h.Set("Content-Length", strconv.Itoa(len(book)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(book); err != nil {
		s.logger.WarnContext(ctx, "response_write_failed", "id", rec.ID, "err", err)
	}

	s.logger.InfoContext(ctx, "fulfilment_complete",
		"id", rec.ID,
		"bytes", rec.BookBytes,
		"sha256", rec.BookSHA256,
		"ms", elapsed.Milliseconds(),
	)
	s.metrics.observeFulfilment("", nil, len(book))
	s.recordFulfilment(ctx, rec)
}

// fulfil runs the steps of one request and returns the finished book.
// Errors are always *fulfilmentError.
func (s *Server) fulfil(w http.ResponseWriter, r *http.Request, rec *Fulfilment) ([]byte, error) {
	ctx := r.Context()

	voucher, err := s.readVoucher(w, r)
	if err != nil {
		return nil, err
	}
	rec.LicenseBytes = int64(len(voucher))

	// A job slot is taken only once the upload is in memory, so slow
	// uploaders never hold one.
	s.metrics.jobsWaiting.Inc()
	err = s.jobs.Acquire(ctx, 1)
	s.metrics.jobsWaiting.Dec()
	if err != nil {
		return nil, &fulfilmentError{
			Status:  http.StatusServiceUnavailable,
			Message: "Server busy, try again later",
			Step:    stepQueue,
			Err:     err,
		}
	}
	defer s.jobs.Release(1)
	s.metrics.jobsInFlight.Inc()
	defer s.metrics.jobsInFlight.Dec()

	dir, err := newWorkDir(s.cfg.WorkDir)
	if err != nil {
		return nil, internalError(stepWorkDir, "Failed to prepare working directory", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			s.logger.WarnContext(ctx, "workdir_cleanup_failed", "dir", dir, "err", err)
		}
	}()

	licensePath := filepath.Join(dir, licenseFileName)
	if err := os.WriteFile(licensePath, voucher, 0o600); err != nil {
		return nil, internalError(stepSave, "Failed to save uploaded file", err)
	}
	rec.VoucherKey = s.archiveVoucher(ctx, rec, voucher)

	bookPath := filepath.Join(dir, bookFileName)
	if _, err := s.tools.Download(ctx, licensePath, bookPath); err != nil {
		var exitErr *adept.ExitError
		if errors.As(err, &exitErr) {
			return nil, internalError(stepDownload, "Failed to download book: "+exitErr.Output(), err)
		}
		return nil, internalError(stepDownload, "Failed to run epub downloader", err)
	}

	if _, err := s.tools.RemoveDRM(ctx, bookPath); err != nil {
		if !s.cfg.RemoveBestEffort {
			return nil, internalError(stepRemoveDRM, "Failed to remove DRM from book", err)
		}
		s.logger.WarnContext(ctx, "drm_removal_failed_ignored", "id", rec.ID, "err", err)
	}

	book, err := os.ReadFile(bookPath)
	if err != nil {
		return nil, internalError(stepReadBook, "Failed to read the generated book file", err)
	}
	return book, nil
}

// readVoucher returns the content of the first multipart part.
func (s *Server) readVoucher(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if s.cfg.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	}
	if s.cfg.UploadTimeout > 0 {
		// Not every ResponseWriter supports deadlines; those just skip it.
		rc := http.NewResponseController(w)
		if err := rc.SetReadDeadline(time.Now().Add(s.cfg.UploadTimeout)); err == nil {
			defer func() { _ = rc.SetReadDeadline(time.Time{}) }()
		}
	}

	mr, err := r.MultipartReader()
	if err != nil {
		return nil, badRequest(stepMultipart, "Failed to read multipart upload", err)
	}

	part, err := mr.NextPart()
	switch {
	case err == io.EOF:
		return nil, badRequest(stepMultipart, "No file uploaded", err)
	case isTooLarge(err):
		return nil, uploadTooLarge(err)
	case errors.Is(err, os.ErrDeadlineExceeded):
		return nil, uploadTimedOut(err)
	case err != nil:
		return nil, badRequest(stepMultipart, "Failed to read multipart upload", err)
	}
	defer func() { _ = part.Close() }()

	data, err := io.ReadAll(part)
	if err != nil {
		if isTooLarge(err) {
			return nil, uploadTooLarge(err)
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, uploadTimedOut(err)
		}
		return nil, internalError(stepRead, "Failed to read file content", err)
	}
	return data, nil
}

func isTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}

func uploadTooLarge(err error) *fulfilmentError {
	return &fulfilmentError{
		Status:  http.StatusRequestEntityTooLarge,
		Message: "Uploaded file too large",
		Step:    stepRead,
		Err:     err,
	}
}

func uploadTimedOut(err error) *fulfilmentError {
	return &fulfilmentError{
		Status:  http.StatusRequestTimeout,
		Message: "Upload timed out",
		Step:    stepRead,
		Err:     err,
	}
}

// newWorkDir creates a private directory for one request under root.
func newWorkDir(root string) (string, error) {
	if root == "" {
		root = os.TempDir()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", err
	}
	dir := filepath.Join(root, workDirPrefix+uuid.NewString())
	if err := os.Mkdir(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

// archiveVoucher copies the voucher to object storage. Failures are logged
// and never fail the request.
func (s *Server) archiveVoucher(ctx context.Context, rec *Fulfilment, voucher []byte) string {
	if s.archive == nil {
		return ""
	}

	key := voucherKey(rec.ID, rec.StartedAt)
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := s.archive.Store(ctx, key, voucher); err != nil {
		s.logger.WarnContext(ctx, "voucher_archive_failed", "key", key, "err", err)
		return ""
	}
	return key
}

// recordFulfilment writes rec to the audit trail, if one is configured.
func (s *Server) recordFulfilment(ctx context.Context, rec Fulfilment) {
	if s.audit == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := s.audit.Record(ctx, rec); err != nil {
		s.logger.WarnContext(ctx, "audit_record_failed", "id", rec.ID, "err", err)
	}
}
