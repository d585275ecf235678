package dhlhttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/BearBump/ParcelDesk/internal/adapters"
	"github.com/BearBump/ParcelDesk/internal/models"
)

var formatRe = regexp.MustCompile(`^(\d{10,11}|[A-Z]{3}\d{7,10})$`)

type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
}

func New(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = "https://api-eu.dhl.com"
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpc: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *Client) IsConfigured() bool { return c.apiKey != "" }

func (c *Client) ValidateFormat(trackingNumber string) bool {
	return formatRe.MatchString(trackingNumber)
}

type trackResp struct {
	Shipments []struct {
		Status struct {
			Description string `json:"description"`
			Location    struct {
				Address struct {
					AddressLocality string `json:"addressLocality"`
				} `json:"address"`
			} `json:"location"`
		} `json:"status"`
		EstimatedTimeOfDelivery string `json:"estimatedTimeOfDelivery"` // RFC3339
	} `json:"shipments"`
}

func (c *Client) TrackPackage(ctx context.Context, trackingNumber string) (models.ShipmentResult, error) {
	if !c.IsConfigured() {
		return models.ShipmentResult{}, adapters.NewAdapterError(models.CarrierDHL, "missing api key", nil)
	}
	if !c.ValidateFormat(trackingNumber) {
		return models.ShipmentResult{}, adapters.NewAdapterError(models.CarrierDHL, "tracking number format rejected", nil)
	}

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return models.ShipmentResult{}, adapters.NewAdapterError(models.CarrierDHL, "parse base url", err)
	}
	u.Path = "/track/shipments"
	q := u.Query()
	q.Set("trackingNumber", trackingNumber)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return models.ShipmentResult{}, adapters.NewAdapterError(models.CarrierDHL, "new request", err)
	}
	req.Header.Set("DHL-API-Key", c.apiKey)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return models.ShipmentResult{}, adapters.NewAdapterError(models.CarrierDHL, "do request", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.ShipmentResult{}, adapters.NewAdapterError(models.CarrierDHL, "read body", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return models.ShipmentResult{}, adapters.NewAdapterError(models.CarrierDHL, "shipment not found", nil)
	}
	if resp.StatusCode/100 != 2 {
		return models.ShipmentResult{}, adapters.NewAdapterError(models.CarrierDHL, fmt.Sprintf("dhl http %d", resp.StatusCode), nil)
	}

	var tr trackResp
	if err := json.Unmarshal(body, &tr); err != nil {
		return models.ShipmentResult{}, adapters.NewAdapterError(models.CarrierDHL, "decode", err)
	}
	if len(tr.Shipments) == 0 {
		return models.ShipmentResult{}, adapters.NewAdapterError(models.CarrierDHL, "empty shipments", nil)
	}
	sh := tr.Shipments[0]

	res := models.ShipmentResult{
		TrackingNumber:  trackingNumber,
		CarrierName:     models.CarrierDHL,
		CurrentStatus:   sh.Status.Description,
		CurrentLocation: sh.Status.Location.Address.AddressLocality,
		RawPayload:      json.RawMessage(body),
	}
	if t, err := time.Parse(time.RFC3339, sh.EstimatedTimeOfDelivery); err == nil {
		res.ExpectedDeliveryDate = &t
	}
	res.Normalize()
	return res, nil
}
