package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/promptatlas/prompt-atlas/internal/models"
)

// Client — клиент API платёжного шлюза.
//
// Все вызовы ограничены таймаутом http-клиента: зависание шлюза
// превращается в ошибку, а не в бесконечное ожидание вызывающего.
type Client struct {
	apiURL     string
	secretKey  string
	httpClient *http.Client
}

// NewClient создаёт новый клиент платёжного шлюза.
func NewClient(apiURL, secretKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		apiURL:     apiURL,
		secretKey:  secretKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	reqURL := c.apiURL + path
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("unexpected status: %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// RetrieveSubscription запрашивает у шлюза текущее состояние подписки
// и возвращает его в типизированном виде.
func (c *Client) RetrieveSubscription(ctx context.Context, subscriptionID string) (*models.ExternalSubscription, error) {
	const op = "billing.RetrieveSubscription"
	req, err := c.newRequest(ctx, http.MethodGet, "/subscriptions/"+url.PathEscape(subscriptionID), nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var raw SubscriptionResponse
	if err := c.do(req, &raw); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return raw.Normalize(), nil
}

// CreateCheckoutSession создаёт checkout-сессию для оформления платной подписки.
func (c *Client) CreateCheckoutSession(ctx context.Context, reqParams CreateCheckoutSessionRequest) (*CheckoutSessionResponse, error) {
	const op = "billing.CreateCheckoutSession"
	req, err := c.newRequest(ctx, http.MethodPost, "/checkout/sessions", reqParams)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var session CheckoutSessionResponse
	if err := c.do(req, &session); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &session, nil
}

// CreateSetupIntent создаёт setup intent для привязки платёжного метода.
func (c *Client) CreateSetupIntent(ctx context.Context, reqParams CreateSetupIntentRequest) (*SetupIntentResponse, error) {
	const op = "billing.CreateSetupIntent"
	req, err := c.newRequest(ctx, http.MethodPost, "/setup_intents", reqParams)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var intent SetupIntentResponse
	if err := c.do(req, &intent); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &intent, nil
}

// CancelAtPeriodEnd поручает шлюзу отменить подписку в конце оплаченного
// периода. Доступ у пользователя сохраняется до конца периода.
func (c *Client) CancelAtPeriodEnd(ctx context.Context, subscriptionID string) error {
	const op = "billing.CancelAtPeriodEnd"
	req, err := c.newRequest(ctx, http.MethodPost,
		"/subscriptions/"+url.PathEscape(subscriptionID)+"/cancel", cancelRequest{CancelAtPeriodEnd: true})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := c.do(req, nil); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
