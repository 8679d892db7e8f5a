package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hunglaithe117-alt/build-risk-dashboard-sub005/internal/domain"
	"github.com/hunglaithe117-alt/build-risk-dashboard-sub005/internal/pipeline"
)

const (
	workerHeaderTimestamp = "X-Tracker-Worker-Ts"
	workerHeaderSignature = "X-Tracker-Worker-Sig"
)

// verifyWorkerRequest authenticates a worker callback and returns the body.
// The signature covers the timestamp, method and a body digest, so a replay
// outside the skew window or a body swap both fail.
func (api *pipelineAPI) verifyWorkerRequest(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if strings.TrimSpace(api.workerSecret) == "" {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return nil, false
	}

	ts := strings.TrimSpace(r.Header.Get(workerHeaderTimestamp))
	sig := strings.TrimSpace(r.Header.Get(workerHeaderSignature))
	if ts == "" || sig == "" {
		api.writeError(w, r, http.StatusUnauthorized, "worker_signature_required")
		return nil, false
	}
	if err := verifyWorkerTimestamp(ts, time.Now().UTC(), api.workerMaxSkew); err != nil {
		api.writeError(w, r, http.StatusUnauthorized, "worker_signature_invalid")
		return nil, false
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_body")
		return nil, false
	}
	if err := verifyWorkerSignature(api.workerSecret, ts, r.Method, body, sig); err != nil {
		api.logger.Warn("rejected worker report", "path", r.URL.Path, "error", err)
		api.writeError(w, r, http.StatusUnauthorized, "worker_signature_invalid")
		return nil, false
	}
	return body, true
}

func verifyWorkerTimestamp(raw string, now time.Time, maxSkew time.Duration) error {
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return errors.New("invalid timestamp")
	}
	at := time.Unix(ts, 0).UTC()
	skew := now.Sub(at)
	if skew < 0 {
		skew = -skew
	}
	if skew > maxSkew {
		return errors.New("timestamp outside allowed skew")
	}
	return nil
}

func verifyWorkerSignature(secret, ts, method string, body []byte, signature string) error {
	expected := computeWorkerMAC(secret, ts, method, body)
	got, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return errors.New("invalid signature encoding")
	}
	if !hmac.Equal(expected, got) {
		return errors.New("invalid signature")
	}
	return nil
}

func computeWorkerMAC(secret, ts, method string, body []byte) []byte {
	sum := sha256.Sum256(body)
	msg := strings.Join([]string{
		strings.TrimSpace(ts),
		strings.ToUpper(strings.TrimSpace(method)),
		hex.EncodeToString(sum[:]),
	}, "\n")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(msg))
	return mac.Sum(nil)
}

type fetchedReportBody struct {
	BuildID string `json:"build_id"`
}

func (api *pipelineAPI) handleReportFetched(w http.ResponseWriter, r *http.Request) {
	body, ok := api.verifyWorkerRequest(w, r)
	if !ok {
		return
	}
	var report fetchedReportBody
	if err := json.Unmarshal(body, &report); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if strings.TrimSpace(report.BuildID) == "" {
		api.writeError(w, r, http.StatusBadRequest, "build_id_required")
		return
	}
	if err := api.tracker.Status.MarkFetched(r.Context(), report.BuildID); err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

type resourceReportBody struct {
	OutcomeID string `json:"outcome_id"`
	BuildID   string `json:"build_id"`
	Resource  string `json:"resource"`
	Status    string `json:"status"`
	Error     string `json:"error"`
}

func (api *pipelineAPI) handleReportResource(w http.ResponseWriter, r *http.Request) {
	body, ok := api.verifyWorkerRequest(w, r)
	if !ok {
		return
	}
	var report resourceReportBody
	if err := json.Unmarshal(body, &report); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	kind, err := domain.ParseResourceKind(report.Resource)
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "unknown_resource")
		return
	}
	err = api.tracker.Status.ReportResourceOutcome(r.Context(), pipeline.ResourceReport{
		OutcomeID: strings.TrimSpace(report.OutcomeID),
		BuildID:   strings.TrimSpace(report.BuildID),
		Resource:  kind,
		Status:    report.Status,
		Error:     report.Error,
	})
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_report")
		return
	}
	api.writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

type processingReportBody struct {
	OutcomeID string `json:"outcome_id"`
	BuildID   string `json:"build_id"`
	Status    string `json:"status"`
	Error     string `json:"error"`
}

func (api *pipelineAPI) handleReportProcessing(w http.ResponseWriter, r *http.Request) {
	body, ok := api.verifyWorkerRequest(w, r)
	if !ok {
		return
	}
	var report processingReportBody
	if err := json.Unmarshal(body, &report); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	err := api.tracker.Status.ReportProcessingOutcome(r.Context(), pipeline.ProcessingReport{
		OutcomeID: strings.TrimSpace(report.OutcomeID),
		BuildID:   strings.TrimSpace(report.BuildID),
		Status:    report.Status,
		Error:     report.Error,
	})
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_report")
		return
	}
	api.writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

type scanReportBody struct {
	DatasetID         string             `json:"dataset_id"`
	Tool              string             `json:"tool"`
	CommitSHA         string             `json:"commit_sha"`
	ConfigFingerprint string             `json:"config_fingerprint"`
	Status            string             `json:"status"`
	Error             string             `json:"error"`
	Metrics           map[string]float64 `json:"metrics"`
}

func (api *pipelineAPI) handleReportScan(w http.ResponseWriter, r *http.Request) {
	body, ok := api.verifyWorkerRequest(w, r)
	if !ok {
		return
	}
	var report scanReportBody
	if err := json.Unmarshal(body, &report); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	err := api.tracker.Dedup.ReportScanOutcome(r.Context(), pipeline.ScanReport{
		DatasetID: strings.TrimSpace(report.DatasetID),
		Key: domain.ScanKey{
			Tool:              strings.TrimSpace(report.Tool),
			CommitSHA:         strings.TrimSpace(report.CommitSHA),
			ConfigFingerprint: strings.TrimSpace(report.ConfigFingerprint),
		},
		Status:  report.Status,
		Error:   report.Error,
		Metrics: report.Metrics,
	})
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_report")
		return
	}
	api.writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}
