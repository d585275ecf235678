package amazonhttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/BearBump/ParcelDesk/internal/adapters"
	"github.com/BearBump/ParcelDesk/internal/models"
)

var formatRe = regexp.MustCompile(`^TBA\d{10,}$`)

// Client talks to the Amazon shipment-tracking endpoint. Amazon has no public
// tracking API; this targets the internal gateway the surrounding system
// proxies, so the response shape is ours.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
}

func New(baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:9400"
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpc: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *Client) IsConfigured() bool { return c.token != "" }

func (c *Client) ValidateFormat(trackingNumber string) bool {
	return formatRe.MatchString(trackingNumber)
}

type trackResp struct {
	Status        string `json:"status"`
	Location      string `json:"location"`
	PromisedDate  string `json:"promisedDate"` // RFC3339
	ShippedDate   string `json:"shippedDate"`  // RFC3339
	Error         string `json:"error,omitempty"`
}

func (c *Client) TrackPackage(ctx context.Context, trackingNumber string) (models.ShipmentResult, error) {
	if !c.IsConfigured() {
		return models.ShipmentResult{}, adapters.NewAdapterError(models.CarrierAmazon, "missing token", nil)
	}
	if !c.ValidateFormat(trackingNumber) {
		return models.ShipmentResult{}, adapters.NewAdapterError(models.CarrierAmazon, "tracking number format rejected", nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/shipments/"+trackingNumber, nil)
	if err != nil {
		return models.ShipmentResult{}, adapters.NewAdapterError(models.CarrierAmazon, "new request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return models.ShipmentResult{}, adapters.NewAdapterError(models.CarrierAmazon, "do request", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.ShipmentResult{}, adapters.NewAdapterError(models.CarrierAmazon, "read body", err)
	}
	if resp.StatusCode/100 != 2 {
		return models.ShipmentResult{}, adapters.NewAdapterError(models.CarrierAmazon, fmt.Sprintf("amazon http %d", resp.StatusCode), nil)
	}

	var tr trackResp
	if err := json.Unmarshal(body, &tr); err != nil {
		return models.ShipmentResult{}, adapters.NewAdapterError(models.CarrierAmazon, "decode", err)
	}
	if tr.Error != "" {
		return models.ShipmentResult{}, adapters.NewAdapterError(models.CarrierAmazon, tr.Error, nil)
	}

	res := models.ShipmentResult{
		TrackingNumber:  trackingNumber,
		CarrierName:     models.CarrierAmazon,
		CurrentStatus:   tr.Status,
		CurrentLocation: tr.Location,
		RawPayload:      json.RawMessage(body),
	}
	if t, err := time.Parse(time.RFC3339, tr.PromisedDate); err == nil {
		res.ExpectedDeliveryDate = &t
	}
	if t, err := time.Parse(time.RFC3339, tr.ShippedDate); err == nil {
		res.ShippedDate = &t
	}
	res.Normalize()
	return res, nil
}
