package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/countersign-io/countersign/pkg/compliance"
	"github.com/countersign-io/countersign/pkg/policy"
)

const (
	envelopeVersion = "1.1"
	dispatchCounter = "executor_dispatch"

	// Outbound transport signature header. The receiver verifies it
	// over the canonical JSON of the whole request body.
	signatureHeader = "X-Countersign-Signature"
)

// Envelope is the signed wrapper handed to the external executor. The
// sig field is excluded from the signed bytes.
type Envelope struct {
	Header EnvelopeHeader `json:"header"`
	Body   EnvelopeBody   `json:"body"`
	Meta   EnvelopeMeta   `json:"meta"`
	Sig    *string        `json:"sig"`
}

type EnvelopeHeader struct {
	Version     string `json:"version"`
	Timestamp   string `json:"timestamp"`
	TTLSeconds  int    `json:"ttl_seconds"`
	Priority    string `json:"priority"`
	RequiresAck bool   `json:"requires_ack"`
	LongRunning bool   `json:"long_running"`
}

type EnvelopeBody struct {
	Method    string         `json:"method"`
	Params    map[string]any `json:"params"`
	Sensitive bool           `json:"sensitive"`
}

type EnvelopeMeta struct {
	OriginUserID  string  `json:"origin_user_id"`
	Enc           string  `json:"enc"`
	EncKeyID      *string `json:"enc_key_id"`
	PolicyVersion string  `json:"policy_version"`
	DeviceID      string  `json:"device_id"`
}

// dispatchPayload is the full request body posted to the executor.
type dispatchPayload struct {
	CommandID  string            `json:"command_id"`
	DeviceID   string            `json:"device_id"`
	TraceID    string            `json:"trace_id"`
	Seq        int64             `json:"seq"`
	Method     string            `json:"method"`
	Params     map[string]any    `json:"params"`
	Sensitive  bool              `json:"sensitive"`
	Policy     policy.Decision   `json:"policy"`
	Compliance compliance.Result `json:"compliance"`
	Envelope   Envelope          `json:"envelope"`
}

type executorResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// dispatchResult is what the worker maps onto the command state.
type dispatchResult struct {
	Status string
	Reason string
}

// dispatch signs and posts one accepted command. Steps 1-5 always run
// (sequence, envelope, signatures, persistence, archive line); only the
// network call can fail, and that failure is reported as backpressure,
// never raised.
func (s *Server) dispatch(ctx context.Context, cmd *Command, decision policy.Decision, comp compliance.Result) (dispatchResult, error) {
	seq, err := s.sequencer.Next()
	if err != nil {
		return dispatchResult{}, fmt.Errorf("sequence: %w", err)
	}

	var params map[string]any
	if err := json.Unmarshal([]byte(cmd.Params), &params); err != nil {
		return dispatchResult{}, fmt.Errorf("decode params: %w", err)
	}
	if params == nil {
		params = map[string]any{}
	}

	policyVersion := "unversioned"
	var device Device
	if err := s.db.First(&device, "device_id = ?", cmd.DeviceID).Error; err == nil && device.PolicyHash != "" {
		policyVersion = device.PolicyHash
	}

	originUser := cmd.UserID
	if originUser == "" {
		originUser = "user-unknown"
	}

	envelope := Envelope{
		Header: EnvelopeHeader{
			Version:     envelopeVersion,
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
			TTLSeconds:  s.cfg.Dispatch.EnvelopeTTL,
			Priority:    "normal",
			RequiresAck: true,
			LongRunning: false,
		},
		Body: EnvelopeBody{
			Method:    cmd.Method,
			Params:    params,
			Sensitive: cmd.Sensitive,
		},
		Meta: EnvelopeMeta{
			OriginUserID:  originUser,
			Enc:           "none",
			PolicyVersion: policyVersion,
			DeviceID:      cmd.DeviceID,
		},
	}

	envelopeSig, err := s.signer.SignValueStripped(envelope)
	if err != nil {
		return dispatchResult{}, fmt.Errorf("sign envelope: %w", err)
	}
	envelope.Sig = &envelopeSig

	payload := dispatchPayload{
		CommandID:  cmd.ID,
		DeviceID:   cmd.DeviceID,
		TraceID:    cmd.TraceID,
		Seq:        seq,
		Method:     cmd.Method,
		Params:     params,
		Sensitive:  cmd.Sensitive,
		Policy:     decision,
		Compliance: comp,
		Envelope:   envelope,
	}

	// Transport-level signature over the entire body, so the receiver
	// can authenticate the whole call, not just the envelope.
	requestSig, err := s.signer.SignValue(payload)
	if err != nil {
		return dispatchResult{}, fmt.Errorf("sign request: %w", err)
	}

	rawEnvelope, err := json.Marshal(envelope)
	if err != nil {
		return dispatchResult{}, fmt.Errorf("encode envelope: %w", err)
	}

	updates := map[string]any{
		"server_seq":   seq,
		"envelope":     string(rawEnvelope),
		"envelope_sig": envelopeSig,
		"request_sig":  requestSig,
	}
	if err := s.db.Model(&Command{}).Where("id = ?", cmd.ID).Updates(updates).Error; err != nil {
		return dispatchResult{}, fmt.Errorf("persist dispatch fields: %w", err)
	}
	cmd.ServerSeq = &seq
	cmd.Envelope = string(rawEnvelope)
	cmd.EnvelopeSig = envelopeSig
	cmd.RequestSig = requestSig

	s.archive.AppendCommandEnvelope(cmd)

	body, err := json.Marshal(payload)
	if err != nil {
		return dispatchResult{}, fmt.Errorf("encode payload: %w", err)
	}

	resp, ok := s.postToExecutor(ctx, s.cfg.Executor.BaseURL+"/command/dispatch", body, requestSig)
	if !ok {
		return dispatchResult{Status: "backpressure", Reason: "executor_unreachable"}, nil
	}
	return dispatchResult{Status: resp.Status, Reason: resp.Reason}, nil
}

// postToExecutor performs the bounded POST with a single fixed-backoff
// retry. Any non-2xx response or transport error counts as failure.
func (s *Server) postToExecutor(ctx context.Context, url string, body []byte, requestSig string) (executorResponse, bool) {
	backoff := time.Duration(s.cfg.Executor.RetryBackoffMs) * time.Millisecond

	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
		}
		resp, err := s.tryPost(ctx, url, body, requestSig)
		if err == nil {
			return resp, true
		}
		s.logger.Warn().Err(err).Int("attempt", attempt+1).Str("url", url).Msg("executor call failed")
	}
	return executorResponse{}, false
}

func (s *Server) tryPost(ctx context.Context, url string, body []byte, requestSig string) (executorResponse, error) {
	timeout := time.Duration(s.cfg.Executor.RequestTimeout) * time.Second
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return executorResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(signatureHeader, requestSig)

	httpResp, err := s.httpClient.Do(req)
	if err != nil {
		return executorResponse{}, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		if httpResp.StatusCode >= 500 || httpResp.StatusCode == http.StatusTooManyRequests {
			return executorResponse{}, retryableStatusError{status: httpResp.StatusCode}
		}
		return executorResponse{}, fmt.Errorf("executor returned %d", httpResp.StatusCode)
	}

	var out executorResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
		return executorResponse{}, fmt.Errorf("decode executor response: %w", err)
	}
	return out, nil
}
