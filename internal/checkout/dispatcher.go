package checkout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"go.uber.org/zap"
)

const (
	confirmationSubject    = "Your order has been placed"
	defaultEmailJSEndpoint = "https://api.emailjs.com/api/v1.0/email/send"
	defaultDispatchTimeout = 10 * time.Second
	senderDisplayName      = "Storefront"
)

var confirmationTemplate = template.Must(template.New("confirmation").Parse(`Hello {{.ToName}},

Thank you for your order #{{.OrderID}}.

Items: {{.ItemCount}}
Total: ${{.TotalAmount}}
Shipping to: {{.ShippingAddress}}
`))

// RenderConfirmation renders the plain text confirmation body.
func RenderConfirmation(confirmation Confirmation) (string, error) {
	var buffer bytes.Buffer
	if err := confirmationTemplate.Execute(&buffer, confirmation); err != nil {
		return "", fmt.Errorf("render confirmation: %w", err)
	}
	return buffer.String(), nil
}

// DispatchError reports a rejected delivery.
type DispatchError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("%s delivery failed: status=%d body=%s", e.Provider, e.StatusCode, strings.TrimSpace(e.Body))
}

// SendGridConfig configures a SendGridDispatcher.
type SendGridConfig struct {
	APIKey  string
	From    string
	BaseURL string
	Logger  *zap.Logger
}

// SendGridDispatcher delivers confirmations through the SendGrid mail API.
type SendGridDispatcher struct {
	apiKey  string
	from    string
	baseURL string
	logger  *zap.Logger
}

// NewSendGridDispatcher validates cfg and constructs a dispatcher.
func NewSendGridDispatcher(cfg SendGridConfig) (*SendGridDispatcher, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("sendgrid api key is empty")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("sendgrid from address is empty")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SendGridDispatcher{
		apiKey:  cfg.APIKey,
		from:    cfg.From,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		logger:  logger,
	}, nil
}

// Send implements Dispatcher.
func (d *SendGridDispatcher) Send(ctx context.Context, confirmation Confirmation) error {
	if confirmation.ToEmail == "" {
		return errors.New("sendgrid to address is empty")
	}
	body, err := RenderConfirmation(confirmation)
	if err != nil {
		return err
	}

	message := mail.NewSingleEmail(
		mail.NewEmail(senderDisplayName, d.from),
		confirmationSubject,
		mail.NewEmail(confirmation.ToName, confirmation.ToEmail),
		body,
		fmt.Sprintf("<pre>%s</pre>", html.EscapeString(body)),
	)

	client := sendgrid.NewSendClient(d.apiKey)
	if d.baseURL != "" {
		client.BaseURL = d.baseURL + "/v3/mail/send"
	}

	response, err := client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("sendgrid send: %w", err)
	}
	if response.StatusCode >= http.StatusBadRequest {
		d.logger.Warn("sendgrid rejected confirmation",
			zap.Int("status", response.StatusCode),
			zap.String("body", response.Body))
		return &DispatchError{Provider: "sendgrid", StatusCode: response.StatusCode, Body: response.Body}
	}

	d.logger.Info("sendgrid confirmation sent",
		zap.Int("status", response.StatusCode),
		zap.Int("order_id", confirmation.OrderID))
	return nil
}

// EmailJSConfig configures an EmailJSDispatcher.
type EmailJSConfig struct {
	ServiceID  string
	TemplateID string
	PublicKey  string
	Endpoint   string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// EmailJSDispatcher posts the confirmation parameters to an EmailJS template.
type EmailJSDispatcher struct {
	serviceID  string
	templateID string
	publicKey  string
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger
}

type emailJSPayload struct {
	ServiceID      string       `json:"service_id"`
	TemplateID     string       `json:"template_id"`
	UserID         string       `json:"user_id"`
	TemplateParams Confirmation `json:"template_params"`
}

// NewEmailJSDispatcher validates cfg and constructs a dispatcher.
func NewEmailJSDispatcher(cfg EmailJSConfig) (*EmailJSDispatcher, error) {
	if cfg.ServiceID == "" || cfg.TemplateID == "" || cfg.PublicKey == "" {
		return nil, errors.New("emailjs service id, template id and public key are required")
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = defaultEmailJSEndpoint
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultDispatchTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EmailJSDispatcher{
		serviceID:  cfg.ServiceID,
		templateID: cfg.TemplateID,
		publicKey:  cfg.PublicKey,
		endpoint:   endpoint,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Send implements Dispatcher.
func (d *EmailJSDispatcher) Send(ctx context.Context, confirmation Confirmation) error {
	payload, err := json.Marshal(emailJSPayload{
		ServiceID:      d.serviceID,
		TemplateID:     d.templateID,
		UserID:         d.publicKey,
		TemplateParams: confirmation,
	})
	if err != nil {
		return fmt.Errorf("encode emailjs payload: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build emailjs request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := d.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("emailjs send: %w", err)
	}
	defer response.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
	if response.StatusCode != http.StatusOK {
		d.logger.Warn("emailjs rejected confirmation",
			zap.Int("status", response.StatusCode),
			zap.String("body", string(body)))
		return &DispatchError{Provider: "emailjs", StatusCode: response.StatusCode, Body: string(body)}
	}

	d.logger.Info("emailjs confirmation sent", zap.Int("order_id", confirmation.OrderID))
	return nil
}

// LogDispatcher records confirmations in the log instead of sending them.
type LogDispatcher struct {
	logger *zap.Logger
}

// NewLogDispatcher constructs a LogDispatcher.
func NewLogDispatcher(logger *zap.Logger) *LogDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogDispatcher{logger: logger}
}

// Send implements Dispatcher.
func (d *LogDispatcher) Send(_ context.Context, confirmation Confirmation) error {
	d.logger.Info("order confirmation",
		zap.String("to_name", confirmation.ToName),
		zap.String("to_email", confirmation.ToEmail),
		zap.Int("order_id", confirmation.OrderID),
		zap.String("total_amount", confirmation.TotalAmount),
		zap.Int("item_count", confirmation.ItemCount),
		zap.String("shipping_address", confirmation.ShippingAddress))
	return nil
}
