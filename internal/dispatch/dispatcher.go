// Package dispatch sends outbound messages through the gateway. Sends are
// strictly sequential; the gateway rate-limits aggressively and parallel
// dispatch gets an instance flagged.
package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/caiombs/zapcoach/internal/bus"
	"github.com/caiombs/zapcoach/internal/gateway"
	"github.com/caiombs/zapcoach/internal/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TypingDelayMS is the artificial typing-cadence hint sent with every text
// message. The gateway uses it to pace delivery and avoid anti-spam trips.
const TypingDelayMS = 1200

// Caller issues classified gateway requests.
type Caller interface {
	Request(ctx context.Context, method, path string, body, out any) error
}

// Receipt is the gateway's acknowledgment of a single send.
type Receipt struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

// Report tallies a bulk run. Errors holds one entry per failed recipient.
type Report struct {
	Sent   int               `json:"sent"`
	Failed int               `json:"failed"`
	Errors map[string]string `json:"errors,omitempty"`
}

// Dispatcher formats destinations and sends messages for one gateway.
type Dispatcher struct {
	gw          Caller
	bus         *bus.Bus
	logger      *zap.Logger
	metrics     *metrics.Metrics
	countryCode string
}

// New creates a dispatcher. countryCode is the local prefix prepended to
// bare subscriber numbers; metrics may be nil.
func New(gw Caller, b *bus.Bus, logger *zap.Logger, m *metrics.Metrics, countryCode string) *Dispatcher {
	if countryCode == "" {
		countryCode = "55"
	}
	return &Dispatcher{gw: gw, bus: b, logger: logger, metrics: m, countryCode: countryCode}
}

// FormatPhoneNumber canonicalizes a destination number. Non-digits are
// stripped; a bare 10-11 digit subscriber number gets the country prefix; a
// number already carrying the prefix at 12-13 digits passes through.
// Anything else is returned as cleaned digits and left for the gateway to
// reject, since local validation would have to duplicate per-country rules.
func (d *Dispatcher) FormatPhoneNumber(raw string) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, raw)

	switch {
	case strings.HasPrefix(digits, d.countryCode) && len(digits) >= 12 && len(digits) <= 13:
		return digits
	case len(digits) >= 10 && len(digits) <= 11:
		return d.countryCode + digits
	default:
		return digits
	}
}

type textRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
	Delay  int    `json:"delay"`
}

// SendText sends a single text message and returns the gateway's receipt.
func (d *Dispatcher) SendText(ctx context.Context, number, text, instanceName string) (Receipt, error) {
	req := textRequest{
		Number: d.FormatPhoneNumber(number),
		Text:   text,
		Delay:  TypingDelayMS,
	}

	var raw json.RawMessage
	if err := d.gw.Request(ctx, http.MethodPost, "/message/sendText/"+instanceName, req, &raw); err != nil {
		if d.metrics != nil {
			d.metrics.RecordSend("error")
		}
		d.publish("dispatch.failed", map[string]any{
			"instance": instanceName,
			"number":   req.Number,
			"error":    err.Error(),
		})
		return Receipt{}, err
	}
	if d.metrics != nil {
		d.metrics.RecordSend("ok")
	}

	receipt := parseReceipt(raw)
	d.publish("dispatch.sent", map[string]any{
		"instance": instanceName,
		"number":   req.Number,
		"id":       receipt.MessageID,
	})
	return receipt, nil
}

// MediaRequest describes an outbound media message. Exactly one of URL or
// Base64 must be set.
type MediaRequest struct {
	Number   string `json:"number"`
	Kind     string `json:"mediatype"`
	URL      string `json:"media,omitempty"`
	Base64   string `json:"base64,omitempty"`
	Caption  string `json:"caption,omitempty"`
	FileName string `json:"fileName,omitempty"`
}

// SendMedia sends a media message and returns the gateway's receipt.
func (d *Dispatcher) SendMedia(ctx context.Context, req MediaRequest, instanceName string) (Receipt, error) {
	req.Number = d.FormatPhoneNumber(req.Number)

	var raw json.RawMessage
	if err := d.gw.Request(ctx, http.MethodPost, "/message/sendMedia/"+instanceName, req, &raw); err != nil {
		if d.metrics != nil {
			d.metrics.RecordSend("error")
		}
		d.publish("dispatch.failed", map[string]any{
			"instance": instanceName,
			"number":   req.Number,
			"error":    err.Error(),
		})
		return Receipt{}, err
	}
	if d.metrics != nil {
		d.metrics.RecordSend("ok")
	}

	receipt := parseReceipt(raw)
	d.publish("dispatch.sent", map[string]any{
		"instance": instanceName,
		"number":   req.Number,
		"id":       receipt.MessageID,
	})
	return receipt, nil
}

// SendBulk sends text to each recipient in input order, one at a time. A
// failed recipient is counted and the run moves on; individual failures
// never abort the loop. When delay is positive it is awaited between
// consecutive sends. Cancelling ctx stops the run between sends and the
// partial tallies are returned.
func (d *Dispatcher) SendBulk(ctx context.Context, recipients []string, text string, delay time.Duration, instanceName string) Report {
	jobID := uuid.NewString()
	logger := d.logger.With(zap.String("job", jobID), zap.String("instance", instanceName))
	logger.Info("bulk send started", zap.Int("recipients", len(recipients)))

	var report Report
	for i, recipient := range recipients {
		if i > 0 && delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				logger.Warn("bulk send cancelled", zap.Int("sent", report.Sent), zap.Int("failed", report.Failed))
				return report
			}
		}
		if ctx.Err() != nil {
			logger.Warn("bulk send cancelled", zap.Int("sent", report.Sent), zap.Int("failed", report.Failed))
			return report
		}

		if _, err := d.SendText(ctx, recipient, text, instanceName); err != nil {
			report.Failed++
			if report.Errors == nil {
				report.Errors = make(map[string]string)
			}
			report.Errors[recipient] = err.Error()
			logger.Warn("bulk recipient failed", zap.String("recipient", recipient), zap.Error(err))
			continue
		}
		report.Sent++
	}

	logger.Info("bulk send finished", zap.Int("sent", report.Sent), zap.Int("failed", report.Failed))
	d.publish("dispatch.bulk_done", map[string]any{
		"job":      jobID,
		"instance": instanceName,
		"sent":     report.Sent,
		"failed":   report.Failed,
	})
	return report
}

func (d *Dispatcher) publish(kind string, payload map[string]any) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

// parseReceipt pulls the message id and status out of a send response. The
// id lives under key.id; status is top-level.
func parseReceipt(raw json.RawMessage) Receipt {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return Receipt{}
	}
	r := Receipt{Status: gateway.FirstString(m, "status")}
	if key, ok := m["key"].(map[string]any); ok {
		r.MessageID = gateway.FirstString(key, "id")
	}
	if r.MessageID == "" {
		r.MessageID = gateway.FirstString(m, "messageId", "id")
	}
	return r
}
