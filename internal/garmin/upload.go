package garmin

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"

	"github.com/goccy/go-json"

	"weightsync/internal/wsync"
)

const (
	uploadPath     = "/modern/proxy/upload-service/upload/.fit"
	uploadFilename = "withings.fit"
)

// UploadResult summarizes Connect's import report.
type UploadResult struct {
	Status    int
	UploadID  int64
	Successes int
	Failures  int
	// NoContent is set when Connect answered 204 without a report; the
	// file contained nothing new.
	NoContent bool
}

type importReport struct {
	DetailedImportResult *struct {
		UploadID  int64             `json:"uploadId"`
		Successes []json.RawMessage `json:"successes"`
		Failures  []json.RawMessage `json:"failures"`
	} `json:"detailedImportResult"`
}

// Upload posts a FIT payload using sess. A rejected session (401/403) is
// dropped from the cache so the next run logs in again.
func (c *Client) Upload(ctx context.Context, sess *Session, payload []byte) (UploadResult, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("data", uploadFilename)
	if err != nil {
		return UploadResult{}, wsync.ServiceError(wsync.KindUpload, "building upload form", err)
	}
	if _, err := part.Write(payload); err != nil {
		return UploadResult{}, wsync.ServiceError(wsync.KindUpload, "building upload form", err)
	}
	if err := mw.Close(); err != nil {
		return UploadResult{}, wsync.ServiceError(wsync.KindUpload, "building upload form", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(c.connectURL, uploadPath).String(), &buf)
	if err != nil {
		return UploadResult{}, wsync.ServiceError(wsync.KindUpload, "building upload request", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("nk", "NT")

	resp, err := c.do(c.httpClient(sess.Jar, false), req, "Connect upload")
	if err != nil {
		return UploadResult{}, err
	}

	if resp.status == http.StatusUnauthorized || resp.status == http.StatusForbidden {
		c.cache.Delete(sess.AccountID)
		c.logger.Warn("garmin session rejected, dropped from cache", "account", sess.AccountID, "status", resp.status)
		return UploadResult{}, wsync.ServiceError(wsync.KindUpload,
			fmt.Sprintf("bad response during upload: %d (session expired)", resp.status), nil)
	}

	result := UploadResult{Status: resp.status}
	var report importReport
	if err := json.Unmarshal(resp.body, &report); err != nil || report.DetailedImportResult == nil {
		if resp.status == http.StatusNoContent {
			result.NoContent = true
			c.logger.Info("garmin upload had no content to import", "account", sess.AccountID)
			return result, nil
		}
		return UploadResult{}, wsync.ServiceError(wsync.KindUpload, fmt.Sprintf("bad response during upload: %d", resp.status), err)
	}

	r := report.DetailedImportResult
	result.UploadID = r.UploadID
	result.Successes = len(r.Successes)
	result.Failures = len(r.Failures)

	switch resp.status {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return result, nil
	default:
		return UploadResult{}, wsync.ServiceError(wsync.KindUpload, fmt.Sprintf("upload rejected with status %d", resp.status), nil)
	}
}
