package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hunglaithe117-alt/build-risk-dashboard-sub005/internal/domain"
)

// webhookDispatcher hands work to the external fetch and scan workers over
// signed HTTP webhooks. The signature scheme mirrors the one workers use to
// report back, so both sides share one secret.
type webhookDispatcher struct {
	logger    *slog.Logger
	client    *http.Client
	ingestURL string
	scanURL   string
	secret    string
}

func newWebhookDispatcher(logger *slog.Logger, ingestURL, scanURL, secret string) *webhookDispatcher {
	return &webhookDispatcher{
		logger:    logger,
		client:    &http.Client{Timeout: 10 * time.Second},
		ingestURL: ingestURL,
		scanURL:   scanURL,
		secret:    secret,
	}
}

func (d *webhookDispatcher) post(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	ts := strconv.FormatInt(time.Now().UTC().Unix(), 10)
	sig := computeWorkerMAC(d.secret, ts, http.MethodPost, body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(workerHeaderTimestamp, ts)
	req.Header.Set(workerHeaderSignature, base64.RawURLEncoding.EncodeToString(sig))

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("worker returned %d", resp.StatusCode)
	}
	return nil
}

func (d *webhookDispatcher) DispatchIngest(ctx context.Context, item domain.ImportBuildItem, kinds []domain.ResourceKind, override map[string]any) error {
	if d.ingestURL == "" {
		d.logger.Debug("no ingest worker configured", "item_id", item.ID)
		return nil
	}
	resources := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		resources = append(resources, string(kind))
	}
	payload := map[string]any{
		"item_id":    item.ID,
		"build_id":   item.BuildID,
		"commit_sha": item.CommitSHA,
		"resources":  resources,
	}
	if len(override) > 0 {
		payload["config_override"] = override
	}
	return d.post(ctx, d.ingestURL, payload)
}

func (d *webhookDispatcher) RequestScan(ctx context.Context, scan domain.CommitScan) error {
	if d.scanURL == "" {
		d.logger.Debug("no scan worker configured", "scan_id", scan.ID)
		return nil
	}
	return d.post(ctx, d.scanURL, map[string]any{
		"scan_id":            scan.ID,
		"dataset_id":         scan.DatasetID,
		"tool":               scan.Key.Tool,
		"commit_sha":         scan.Key.CommitSHA,
		"config_fingerprint": scan.Key.ConfigFingerprint,
	})
}
