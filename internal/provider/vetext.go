package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/notify-dispatch/internal/domain"
	"go.uber.org/zap"
)

// VETextClient delivers push notifications. VEText keeps processing a request
// after it closes the connection, so a read timeout is reported as a possible success.
type VETextClient struct {
	client   *resty.Client
	endpoint string
	username string
	password string
	appSID   string
	logger   *zap.Logger
}

func NewVETextClient(endpoint, username, password, appSID string, client *resty.Client, logger *zap.Logger) (*VETextClient, error) {
	trimmedEndpoint, err := validateEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	client, err = prepareHTTPClient(client)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VETextClient{
		client:   client,
		endpoint: trimmedEndpoint,
		username: username,
		password: password,
		appSID:   appSID,
		logger:   logger,
	}, nil
}

func (c *VETextClient) Name() string { return NameVEText }

func (c *VETextClient) NotificationType() domain.NotificationType { return domain.NotificationTypePush }

type vetextPushRequest struct {
	AppSID          string            `json:"appSid"`
	ICN             string            `json:"icn"`
	TemplateSID     string            `json:"templateSid"`
	Personalisation map[string]string `json:"personalisation,omitempty"`
}

func (c *VETextClient) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	if strings.TrimSpace(req.To) == "" {
		return nil, &ProviderError{Provider: NameVEText, Message: "missing recipient identifier", Reason: "missing recipient"}
	}

	response, err := c.client.R().
		SetContext(ctx).
		SetBasicAuth(c.username, c.password).
		SetHeader("Content-Type", "application/json").
		SetBody(vetextPushRequest{
			AppSID:          c.appSID,
			ICN:             req.To,
			TemplateSID:     req.TemplateID,
			Personalisation: req.Personalisation,
		}).
		Post(c.endpoint + "/mobile/push/send")
	if err != nil {
		if isTimeout(err) && ctx.Err() == nil {
			c.logger.Warn("vetext read timeout, message may still be delivered",
				zap.String("reference", req.Reference),
				zap.Error(err),
			)
			return &SendResult{}, nil
		}
		return nil, requestError(NameVEText, err)
	}
	if err := checkResponse(NameVEText, response); err != nil {
		return nil, err
	}

	return &SendResult{Reference: req.Reference, Response: strings.TrimSpace(response.String())}, nil
}

// TranslateDeliveryStatus always fails: VEText does not call back.
func (c *VETextClient) TranslateDeliveryStatus(raw []byte) (*domain.StatusRecord, error) {
	return nil, untranslatable(NameVEText, fmt.Sprintf("no delivery callbacks (%d bytes)", len(raw)), nil)
}
