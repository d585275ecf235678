package upshttp

import (
	"bytes"
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

var formatRe = regexp.MustCompile(`^(1Z[A-Z0-9]{16}|\d{10,12})$`)

type Client struct {
	baseURL   string
	accessKey string
	httpc     *http.Client
}

func New(baseURL, accessKey string) *Client {
	if baseURL == "" {
		baseURL = "https://onlinetools.ups.com"
	}
	return &Client{
		baseURL:   baseURL,
		accessKey: accessKey,
		httpc: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *Client) IsConfigured() bool { return c.accessKey != "" }

func (c *Client) ValidateFormat(trackingNumber string) bool {
	return formatRe.MatchString(trackingNumber)
}

type trackReq struct {
	InquiryNumber string `json:"inquiryNumber"`
}

type trackResp struct {
	TrackResponse struct {
		Shipment struct {
			CurrentStatus struct {
				Description string `json:"description"`
			} `json:"currentStatus"`
			Activity []struct {
				Location string `json:"location"`
				Date     string `json:"date"` // "20060102"
			} `json:"activity"`
			DeliveryDate string `json:"deliveryDate"` // "20060102"
			PickupDate   string `json:"pickupDate"`
		} `json:"shipment"`
		Fault string `json:"fault,omitempty"`
	} `json:"trackResponse"`
}

func (c *Client) TrackPackage(ctx context.Context, trackingNumber string) (models.ShipmentResult, error) {
	if !c.IsConfigured() {
		return models.ShipmentResult{}, adapters.NewAdapterError(models.CarrierUPS, "missing access key", nil)
	}
	if !c.ValidateFormat(trackingNumber) {
		return models.ShipmentResult{}, adapters.NewAdapterError(models.CarrierUPS, "tracking number format rejected", nil)
	}

	b, err := json.Marshal(trackReq{InquiryNumber: trackingNumber})
	if err != nil {
		return models.ShipmentResult{}, adapters.NewAdapterError(models.CarrierUPS, "marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/track/v1/details", bytes.NewReader(b))
	if err != nil {
		return models.ShipmentResult{}, adapters.NewAdapterError(models.CarrierUPS, "new request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("AccessLicenseNumber", c.accessKey)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return models.ShipmentResult{}, adapters.NewAdapterError(models.CarrierUPS, "do request", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.ShipmentResult{}, adapters.NewAdapterError(models.CarrierUPS, "read body", err)
	}
	if resp.StatusCode/100 != 2 {
		return models.ShipmentResult{}, adapters.NewAdapterError(models.CarrierUPS, fmt.Sprintf("ups http %d", resp.StatusCode), nil)
	}

	var tr trackResp
	if err := json.Unmarshal(body, &tr); err != nil {
		return models.ShipmentResult{}, adapters.NewAdapterError(models.CarrierUPS, "decode", err)
	}
	if tr.TrackResponse.Fault != "" {
		return models.ShipmentResult{}, adapters.NewAdapterError(models.CarrierUPS, tr.TrackResponse.Fault, nil)
	}

	sh := tr.TrackResponse.Shipment
	res := models.ShipmentResult{
		TrackingNumber: trackingNumber,
		CarrierName:    models.CarrierUPS,
		CurrentStatus:  sh.CurrentStatus.Description,
		RawPayload:     json.RawMessage(body),
	}
	if len(sh.Activity) > 0 {
		res.CurrentLocation = sh.Activity[0].Location
	}
	if t, ok := parseDate(sh.DeliveryDate); ok {
		res.ExpectedDeliveryDate = &t
	}
	if t, ok := parseDate(sh.PickupDate); ok {
		res.ShippedDate = &t
	}
	res.Normalize()
	return res, nil
}

func parseDate(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation("20060102", s, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
