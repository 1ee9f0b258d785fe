// Package submit hands accepted plans to the transaction consumer.
package submit

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/leverage-engine/internal/model"
	"github.com/yourorg/leverage-engine/internal/security"
)

// Receipt is what the consumer acknowledged for one plan
type Receipt struct {
	PlanID      string `json:"planId"`
	Digest      string `json:"digest"`
	Reference   string `json:"reference,omitempty"`
	SubmittedAt int64  `json:"submittedAt"`
}

// Envelope is the body posted to the consumer
type Envelope struct {
	Plan        *model.Plan        `json:"plan"`
	Signature   security.Signature `json:"signature"`
	PublicKey   string             `json:"publicKey"`
	SubmittedAt int64              `json:"submittedAt"`
}

// WebhookConsumer posts signed plans to the transaction builder's webhook.
// Requests are not retried: a plan is handed off at most once.
type WebhookConsumer struct {
	url        string
	apiKey     string
	signer     *security.PlanSigner
	httpClient *http.Client
}

// NewWebhookConsumer creates a consumer posting to url
func NewWebhookConsumer(url, apiKey string, signer *security.PlanSigner) (*WebhookConsumer, error) {
	if url == "" {
		return nil, errors.New("webhook URL not configured")
	}
	if signer == nil {
		return nil, errors.New("webhook consumer requires a plan signer")
	}

	httpClient := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
			IdleConnTimeout: 90 * time.Second,
		},
	}
	return &WebhookConsumer{url: url, apiKey: apiKey, signer: signer, httpClient: httpClient}, nil
}

// Submit consumes the plan, signs its digest and posts it. A plan that was
// never accepted, was already submitted or was changed after acceptance is
// refused before anything is sent.
func (w *WebhookConsumer) Submit(ctx context.Context, plan *model.Plan) (Receipt, error) {
	if err := plan.Consume(); err != nil {
		return Receipt{}, err
	}

	sig, err := w.signer.SignPlan(plan)
	if err != nil {
		return Receipt{}, err
	}

	now := time.Now().Unix()
	jsonData, err := json.Marshal(Envelope{
		Plan:        plan,
		Signature:   sig,
		PublicKey:   w.signer.PublicKey(),
		SubmittedAt: now,
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to marshal plan: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewBuffer(jsonData))
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Plan-Digest", plan.Digest)
	if w.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.apiKey)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return Receipt{}, fmt.Errorf("webhook returned error status: %d", resp.StatusCode)
	}

	receipt := Receipt{PlanID: plan.ID.String(), Digest: plan.Digest, SubmittedAt: now}
	var ack struct {
		Reference string `json:"reference"`
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if len(body) > 0 && json.Unmarshal(body, &ack) == nil {
		receipt.Reference = ack.Reference
	}

	logrus.WithFields(logrus.Fields{
		"plan_id":   receipt.PlanID,
		"kind":      plan.Kind,
		"reference": receipt.Reference,
	}).Info("Plan submitted to transaction consumer")
	return receipt, nil
}
