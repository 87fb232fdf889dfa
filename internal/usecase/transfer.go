package usecase

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"teams-file-bot/internal/domain"
	"teams-file-bot/internal/files"
)

const (
	defaultUploadTimeout   = 30 * time.Second
	defaultDownloadTimeout = 30 * time.Second
)

// TransferState tracks one consent-gated upload to a user.
type TransferState int

const (
	TransferOffered TransferState = iota + 1
	TransferAccepted
	TransferUploading
	TransferUploaded
	TransferUploadFailed
	TransferDeclined
)

func (s TransferState) String() string {
	switch s {
	case TransferOffered:
		return "offered"
	case TransferAccepted:
		return "accepted"
	case TransferUploading:
		return "uploading"
	case TransferUploaded:
		return "uploaded"
	case TransferUploadFailed:
		return "upload_failed"
	case TransferDeclined:
		return "declined"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s TransferState) Terminal() bool {
	return s == TransferUploaded || s == TransferUploadFailed || s == TransferDeclined
}

// FileStore holds the bot's report artifacts and user uploads.
// *files.Store satisfies this interface.
type FileStore interface {
	Size(name string) (int64, error)
	Open(name string) (*os.File, int64, error)
	SaveUpload(name string, r io.Reader, check func(io.Reader) error) (int64, error)
}

// DownloadStatusError is returned when an attachment download answers non-2xx.
type DownloadStatusError struct {
	StatusCode int
}

func (e *DownloadStatusError) Error() string {
	return fmt.Sprintf("download: unexpected status %d", e.StatusCode)
}

func (e *DownloadStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Transfer implements file exchange with the user: offering bot files behind a
// consent card, uploading them once accepted, and receiving user uploads.
type Transfer struct {
	store           FileStore
	httpClient      *http.Client
	uploadTimeout   time.Duration
	downloadTimeout time.Duration
	logger          *slog.Logger
}

type TransferOption func(*Transfer)

func WithTransferHTTPClient(c *http.Client) TransferOption {
	return func(t *Transfer) {
		if c != nil {
			t.httpClient = c
		}
	}
}

func WithUploadTimeout(d time.Duration) TransferOption {
	return func(t *Transfer) {
		if d > 0 {
			t.uploadTimeout = d
		}
	}
}

func WithDownloadTimeout(d time.Duration) TransferOption {
	return func(t *Transfer) {
		if d > 0 {
			t.downloadTimeout = d
		}
	}
}

func WithTransferLogger(l *slog.Logger) TransferOption {
	return func(t *Transfer) {
		if l != nil {
			t.logger = l
		}
	}
}

func NewTransfer(store FileStore, opts ...TransferOption) (*Transfer, error) {
	if store == nil {
		return nil, errors.New("usecase: file store must not be nil")
	}
	t := &Transfer{
		store:           store,
		httpClient:      &http.Client{},
		uploadTimeout:   defaultUploadTimeout,
		downloadTimeout: defaultDownloadTimeout,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "transfer")
	return t, nil
}

// Offer sends a consent card for filename. Nothing is uploaded until the user
// accepts.
func (t *Transfer) Offer(ctx context.Context, turn domain.Turn, filename string) (TransferState, error) {
	size, err := t.store.Size(filename)
	if err != nil {
		return 0, newError(ErrorInternal, "artifact_unavailable", err)
	}
	card, err := consentCard(filename, size)
	if err != nil {
		return 0, newError(ErrorInternal, "render_consent_card", err)
	}
	if _, err := turn.SendActivity(ctx, card); err != nil {
		return 0, newError(ErrorUpstream, "send_consent_card", err)
	}
	t.logger.Info("file offered", "file", filename, "size", size)
	return TransferOffered, nil
}

// Accept uploads the file named in the consent context to the location Teams
// provided. Only HTTP 201 counts as success; anything else ends the transfer
// in TransferUploadFailed. There is no retry.
func (t *Transfer) Accept(ctx context.Context, turn domain.Turn, resp domain.FileConsentCardResponse) (TransferState, error) {
	cc, err := resp.ConsentContext()
	if err != nil || cc.Filename == "" {
		t.logger.Warn("consent accept without usable context", "err", err)
		return t.failUpload(ctx, turn)
	}
	if resp.UploadInfo == nil || resp.UploadInfo.UploadURL == "" {
		t.logger.Warn("consent accept without upload url", "file", cc.Filename)
		return t.failUpload(ctx, turn)
	}

	status, err := t.upload(ctx, cc.Filename, resp.UploadInfo.UploadURL)
	if err != nil {
		t.logger.Error("upload failed", "file", cc.Filename, "err", err)
		return t.failUpload(ctx, turn)
	}
	if status != http.StatusCreated {
		t.logger.Error("upload rejected", "file", cc.Filename, "status", status)
		return t.failUpload(ctx, turn)
	}

	card, err := fileInfoCard(*resp.UploadInfo, cc.Filename)
	if err != nil {
		return TransferUploaded, newError(ErrorInternal, "render_file_info_card", err)
	}
	if _, err := turn.SendActivity(ctx, card); err != nil {
		return TransferUploaded, newError(ErrorUpstream, "send_file_info_card", err)
	}
	if _, err := turn.SendActivity(ctx, domain.NewMarkupMessage(textUploadFollowUp)); err != nil {
		return TransferUploaded, newError(ErrorUpstream, "send_reply", err)
	}
	t.logger.Info("file uploaded", "file", cc.Filename, "name", resp.UploadInfo.Name)
	return TransferUploaded, nil
}

func (t *Transfer) failUpload(ctx context.Context, turn domain.Turn) (TransferState, error) {
	if _, err := turn.SendActivity(ctx, domain.NewMarkupMessage(uploadFailedText(textUploadFailedError))); err != nil {
		return TransferUploadFailed, newError(ErrorUpstream, "send_reply", err)
	}
	return TransferUploadFailed, nil
}

// upload PUTs the whole file in a single range and returns the HTTP status.
func (t *Transfer) upload(ctx context.Context, filename, uploadURL string) (int, error) {
	f, size, err := t.store.Open(filename)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()
	if size == 0 {
		return 0, errors.New("refusing to upload an empty file")
	}

	ctx, cancel := context.WithTimeout(ctx, t.uploadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, f)
	if err != nil {
		return 0, fmt.Errorf("create upload request: %w", err)
	}
	req.ContentLength = size
	req.Header.Set("Content-Range", fmt.Sprintf("bytes 0-%d/%d", size-1, size))

	res, err := t.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = res.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
	return res.StatusCode, nil
}

// Decline acknowledges a declined consent card. Nothing is uploaded.
func (t *Transfer) Decline(ctx context.Context, turn domain.Turn, resp domain.FileConsentCardResponse) (TransferState, error) {
	cc, err := resp.ConsentContext()
	if err != nil {
		t.logger.Warn("consent decline with unreadable context", "err", err)
	}
	if _, err := turn.SendActivity(ctx, domain.NewMarkupMessage(declinedText(cc.Filename))); err != nil {
		return TransferDeclined, newError(ErrorUpstream, "send_reply", err)
	}
	t.logger.Info("file declined", "file", cc.Filename)
	return TransferDeclined, nil
}

// ReceivedFile describes a template the user uploaded.
type ReceivedFile struct {
	Name    string
	Size    int64
	Columns []string
}

// Receive downloads a file the user attached and keeps it under its sanitized
// name in the uploads area once its CSV header and rows check out. A rejected
// file is not kept. Errors carry one of the reasons invalid_attachment,
// download_failed, save_failed, file_too_large or template_invalid.
func (t *Transfer) Receive(ctx context.Context, att domain.Attachment) (ReceivedFile, error) {
	name, err := files.SanitizeName(att.Name)
	if err != nil {
		return ReceivedFile{}, newError(ErrorInvalidInput, "invalid_attachment", fmt.Errorf("%w: %q", err, att.Name))
	}
	var info domain.FileDownloadInfo
	if err := json.Unmarshal(att.Content, &info); err != nil || info.DownloadURL == "" {
		return ReceivedFile{}, newError(ErrorInvalidInput, "invalid_attachment", err)
	}

	var columns []string
	size, err := t.download(ctx, name, info.DownloadURL, func(r io.Reader) error {
		header, err := files.ParseHeader(r)
		if err != nil {
			return newError(ErrorInvalidInput, "template_invalid", err)
		}
		columns = header
		return nil
	})
	if err != nil {
		return ReceivedFile{}, err
	}
	t.logger.Info("template received", "file", name, "size", size, "columns", len(columns))
	return ReceivedFile{Name: name, Size: size, Columns: columns}, nil
}

func (t *Transfer) download(ctx context.Context, name, downloadURL string, check func(io.Reader) error) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, t.downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return 0, newError(ErrorInvalidInput, "invalid_attachment", err)
	}
	res, err := t.httpClient.Do(req)
	if err != nil {
		return 0, newError(ErrorUpstream, "download_failed", err)
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return 0, newError(ErrorUpstream, "download_failed", &DownloadStatusError{StatusCode: res.StatusCode})
	}

	n, err := t.store.SaveUpload(name, res.Body, check)
	var ue *Error
	switch {
	case errors.As(err, &ue):
		return 0, err
	case errors.Is(err, files.ErrTooLarge):
		return 0, newError(ErrorInvalidInput, "file_too_large", err)
	case err != nil:
		return 0, newError(ErrorInternal, "save_failed", err)
	}
	return n, nil
}

// templateProblem turns a template parse error into a short user-facing reason.
func templateProblem(err error) string {
	var pe *csv.ParseError
	switch {
	case errors.Is(err, files.ErrNoHeader):
		return "the file is empty"
	case errors.As(err, &pe):
		if errors.Is(pe.Err, csv.ErrFieldCount) {
			return "row " + strconv.Itoa(pe.Line) + " does not have the same number of columns as the header"
		}
		return strings.TrimSpace(pe.Error())
	case errors.Is(err, files.ErrTooLarge):
		return "the file is too large"
	default:
		return "the file is not valid CSV"
	}
}
