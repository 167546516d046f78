package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/notify-dispatch/internal/domain"
)

// MMGClient sends SMS through the MMG bulk API. MMG echoes our reference back as CID.
type MMGClient struct {
	client   *resty.Client
	endpoint string
	apiKey   string
	sender   string
}

func NewMMGClient(endpoint, apiKey, sender string, client *resty.Client) (*MMGClient, error) {
	trimmedEndpoint, err := validateEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("mmg api key is required")
	}
	client, err = prepareHTTPClient(client)
	if err != nil {
		return nil, err
	}
	return &MMGClient{client: client, endpoint: trimmedEndpoint, apiKey: apiKey, sender: sender}, nil
}

func (c *MMGClient) Name() string { return NameMMG }

func (c *MMGClient) NotificationType() domain.NotificationType { return domain.NotificationTypeSMS }

type mmgSendRequest struct {
	ReqType string `json:"reqType"`
	MSISDN  string `json:"MSISDN"`
	Msg     string `json:"msg"`
	Sender  string `json:"sender"`
	CID     string `json:"cid"`
	Multi   bool   `json:"multi"`
}

func (c *MMGClient) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	sender := req.Sender
	if sender == "" {
		sender = c.sender
	}

	response, err := c.client.R().
		SetContext(ctx).
		SetHeader("Authorization", "Basic "+c.apiKey).
		SetHeader("Content-Type", "application/json").
		SetBody(mmgSendRequest{
			ReqType: "BULK",
			MSISDN:  req.To,
			Msg:     req.Body,
			Sender:  sender,
			CID:     req.Reference,
			Multi:   true,
		}).
		Post(c.endpoint)
	if err != nil {
		return nil, requestError(NameMMG, err)
	}
	if err := checkResponse(NameMMG, response); err != nil {
		return nil, err
	}

	return &SendResult{Reference: req.Reference, Response: strings.TrimSpace(response.String())}, nil
}

type mmgCallback struct {
	CID          string `json:"CID"`
	MSISDN       string `json:"MSISDN"`
	Status       string `json:"status"`
	Substatus    string `json:"substatus"`
	DeliveryTime string `json:"deliverytime"`
}

var mmgStatuses = map[string]statusMapping{
	"3": {status: domain.StatusDelivered},
	"4": {status: domain.StatusTemporaryFailure, reason: "unreachable"},
	"2": {status: domain.StatusPermanentFailure, reason: "rejected"},
	"5": {status: domain.StatusPermanentFailure, reason: "undeliverable"},
}

func (c *MMGClient) TranslateDeliveryStatus(raw []byte) (*domain.StatusRecord, error) {
	var cb mmgCallback
	if err := json.Unmarshal(raw, &cb); err != nil {
		return nil, untranslatable(NameMMG, "invalid JSON", err)
	}
	if cb.CID == "" {
		return nil, untranslatable(NameMMG, "missing CID", nil)
	}
	mapping, ok := mmgStatuses[strings.TrimSpace(cb.Status)]
	if !ok {
		return nil, untranslatable(NameMMG, fmt.Sprintf("unknown status %q", cb.Status), nil)
	}

	return &domain.StatusRecord{
		Reference:    cb.CID,
		Status:       mapping.status,
		StatusReason: mapping.reason,
		Provider:     NameMMG,
		Payload: map[string]any{
			"CID":          cb.CID,
			"MSISDN":       cb.MSISDN,
			"status":       cb.Status,
			"substatus":    cb.Substatus,
			"deliverytime": cb.DeliveryTime,
		},
	}, nil
}

func (c *MMGClient) SimulateDeliveryCallback(reference, to string, outcome domain.Status) ([]byte, error) {
	status := "3"
	switch outcome {
	case domain.StatusTemporaryFailure:
		status = "4"
	case domain.StatusPermanentFailure:
		status = "5"
	}
	return json.Marshal(mmgCallback{CID: reference, MSISDN: to, Status: status, Substatus: "1"})
}
