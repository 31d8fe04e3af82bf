package alert

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/pensionrisk/riskcore/pkg/config"
	"github.com/pensionrisk/riskcore/pkg/logger"
	"github.com/pensionrisk/riskcore/pkg/models"
	"github.com/pensionrisk/riskcore/pkg/resilience"
	"github.com/pensionrisk/riskcore/pkg/telemetry"
)

// Channel names, also used as circuit breaker keys.
const (
	ChannelSlack   = "slack"
	ChannelEmail   = "email"
	ChannelWebhook = "webhook"
)

// EventBreachOpened is the webhook event type for a new breach.
const EventBreachOpened = "kri.breach_opened"

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Notifier sends breach alerts to Slack, email and a signed webhook.
type Notifier struct {
	cfg      config.NotificationConfig
	log      *logger.Logger
	client   *http.Client
	breakers *resilience.Registry
	sendMail sendMailFunc
}

// NewNotifier creates a Notifier. Each channel gets its own circuit breaker
// from breakers; a nil registry disables the breakers.
func NewNotifier(cfg config.NotificationConfig, breakers *resilience.Registry, log *logger.Logger) *Notifier {
	if log == nil {
		log = logger.Nop()
	}
	return &Notifier{
		cfg:      cfg,
		log:      log.WithComponent("notifier"),
		breakers: breakers,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		sendMail: smtp.SendMail,
	}
}

// SendBreachAlert delivers the alert on every enabled channel. It fails if
// any channel fails or if no channel is enabled.
func (n *Notifier) SendBreachAlert(ctx context.Context, a models.BreachAlert) error {
	log := n.log.WithContext(ctx).WithKRI(a.KRIID)

	channels := map[string]func(context.Context, models.BreachAlert) error{}
	if n.cfg.SlackEnabled {
		channels[ChannelSlack] = n.sendSlack
	}
	if n.cfg.EmailEnabled {
		channels[ChannelEmail] = n.sendEmail
	}
	if n.cfg.WebhookEnabled {
		channels[ChannelWebhook] = n.sendWebhook
	}
	if len(channels) == 0 {
		return fmt.Errorf("no notification channels enabled")
	}

	var errs []error
	for _, name := range []string{ChannelSlack, ChannelEmail, ChannelWebhook} {
		send, ok := channels[name]
		if !ok {
			continue
		}
		if err := n.guard(ctx, name, func(ctx context.Context) error { return send(ctx, a) }); err != nil {
			log.Error("failed to send breach notification", "channel", name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notification errors: %w", errors.Join(errs...))
	}
	return nil
}

// do sends req inside an HTTP client span carrying the trace headers. The
// span records the endpoint without its path, which holds Slack's token.
func (n *Notifier) do(req *http.Request) (*http.Response, error) {
	endpoint := req.URL.Scheme + "://" + req.URL.Host
	ctx, span := telemetry.HTTPClientSpan(req.Context(), req.Method, endpoint)
	defer span.End()

	telemetry.InjectHTTPHeaders(ctx, req.Header)
	resp, err := n.client.Do(req.WithContext(ctx))
	if err != nil {
		span.SetError(err)
		return nil, err
	}
	span.SetAttribute("http.response.status_code", resp.StatusCode)
	return resp, nil
}

func (n *Notifier) guard(ctx context.Context, channel string, fn func(context.Context) error) error {
	ctx, span := telemetry.DispatchSpan(ctx, channel)
	defer span.End()

	var err error
	if n.breakers != nil {
		err = n.breakers.Get(channel).Do(ctx, fn)
	} else {
		err = fn(ctx)
	}
	if err != nil {
		span.SetError(err)
	}
	return err
}

// =============================================================================
// Slack
// =============================================================================

func (n *Notifier) sendSlack(ctx context.Context, a models.BreachAlert) error {
	if n.cfg.SlackWebhookURL == "" {
		return fmt.Errorf("slack webhook URL not configured")
	}

	payload, err := json.Marshal(n.buildSlackMessage(a))
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.SlackWebhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned status %d", resp.StatusCode)
	}

	n.log.Debug("sent Slack notification", "kri_id", a.KRIID, "level", a.Level)
	return nil
}

func levelColor(level models.KRIStatus) string {
	switch level {
	case models.KRIStatusCritical:
		return "#8B0000"
	case models.KRIStatusRed:
		return "#FF0000"
	default:
		return "#FFA500"
	}
}

func (n *Notifier) buildSlackMessage(a models.BreachAlert) map[string]interface{} {
	text := fmt.Sprintf("*%s* is %s\n*Current value:* %v\n*Threshold:* %v",
		a.KRIName, strings.ToUpper(string(a.Level)), a.Value, a.Threshold)
	if a.RiskTitle != "" {
		text += fmt.Sprintf("\n*Associated risk:* %s", a.RiskTitle)
	}
	if link := n.kriLink(a.KRIID); link != "" {
		text += fmt.Sprintf("\n<%s|View KRI>", link)
	}

	return map[string]interface{}{
		"channel":    n.cfg.SlackChannel,
		"username":   "Risk Monitor",
		"icon_emoji": ":chart_with_downwards_trend:",
		"attachments": []map[string]interface{}{
			{
				"color":     levelColor(a.Level),
				"title":     ":warning: KRI Breach Alert",
				"text":      text,
				"footer":    "riskcore",
				"ts":        a.BreachedAt.Unix(),
				"mrkdwn_in": []string{"text"},
			},
		},
	}
}

func (n *Notifier) kriLink(kriID string) string {
	if n.cfg.AppBaseURL == "" {
		return ""
	}
	return strings.TrimRight(n.cfg.AppBaseURL, "/") + "/kris/" + kriID
}

// =============================================================================
// Email
// =============================================================================

func (n *Notifier) sendEmail(ctx context.Context, a models.BreachAlert) error {
	if n.cfg.SMTPHost == "" {
		return fmt.Errorf("email not configured")
	}
	if len(a.Recipients) == 0 {
		return fmt.Errorf("alert has no email recipients")
	}

	subject, body := n.buildEmailContent(a)

	msg := fmt.Sprintf("From: %s\r\n", n.cfg.EmailFrom)
	msg += fmt.Sprintf("To: %s\r\n", strings.Join(a.Recipients, ","))
	msg += fmt.Sprintf("Subject: %s\r\n", subject)
	msg += "MIME-Version: 1.0\r\n"
	msg += "Content-Type: text/html; charset=\"UTF-8\"\r\n"
	msg += "\r\n"
	msg += body

	var auth smtp.Auth
	if n.cfg.SMTPUser != "" {
		auth = smtp.PlainAuth("", n.cfg.SMTPUser, n.cfg.SMTPPassword, n.cfg.SMTPHost)
	}
	addr := fmt.Sprintf("%s:%d", n.cfg.SMTPHost, n.cfg.SMTPPort)

	// net/smtp has no context support; run it aside and honour cancellation
	done := make(chan error, 1)
	go func() {
		done <- n.sendMail(addr, auth, n.cfg.EmailFrom, a.Recipients, []byte(msg))
	}()
	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	n.log.Debug("sent email notification", "kri_id", a.KRIID, "recipients", len(a.Recipients))
	return nil
}

func (n *Notifier) buildEmailContent(a models.BreachAlert) (subject, body string) {
	level := strings.ToUpper(string(a.Level))
	subject = fmt.Sprintf("KRI Alert: %s - %s", a.KRIName, level)

	link := ""
	if l := n.kriLink(a.KRIID); l != "" {
		link = fmt.Sprintf(`<p><a href="%s">View KRI</a></p>`, l)
	}

	body = fmt.Sprintf(`
<html>
<body>
<h2 style="color: %s;">KRI Breach Alert</h2>
<p><strong>KRI Name:</strong> %s</p>
<p><strong>Current Value:</strong> %v</p>
<p><strong>Threshold:</strong> %v</p>
<p><strong>Status:</strong> %s</p>
<p><strong>Associated Risk:</strong> %s</p>
<p><strong>Breached At:</strong> %s</p>
%s
<p>Please review and take appropriate action.</p>
</body>
</html>
`, levelColor(a.Level), a.KRIName, a.Value, a.Threshold, level, a.RiskTitle,
		a.BreachedAt.Format(time.RFC3339), link)

	return subject, body
}

// =============================================================================
// Webhook
// =============================================================================

type webhookPayload struct {
	Type  string             `json:"type"`
	Alert models.BreachAlert `json:"alert"`
}

func (n *Notifier) sendWebhook(ctx context.Context, a models.BreachAlert) error {
	if n.cfg.WebhookURL == "" {
		return fmt.Errorf("webhook URL not configured")
	}

	payload, err := json.Marshal(webhookPayload{Type: EventBreachOpened, Alert: a})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Riskcore-Event", EventBreachOpened)

	if n.cfg.WebhookSecret != "" {
		req.Header.Set("X-Riskcore-Signature", n.computeHMAC(payload))
	}

	resp, err := n.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	n.log.Debug("sent webhook notification", "kri_id", a.KRIID, "breach_id", a.BreachID.String())
	return nil
}

// computeHMAC computes an HMAC-SHA256 signature for webhook payloads.
func (n *Notifier) computeHMAC(payload []byte) string {
	h := hmac.New(sha256.New, []byte(n.cfg.WebhookSecret))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}
