package fedexhttp

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

var formatRe = regexp.MustCompile(`^(\d{12}|\d{14}|\d{15}|\d{20,22})$`)

type Client struct {
	baseURL string
	apiKey  string
	secret  string
	httpc   *http.Client
}

func New(baseURL, apiKey, secret string) *Client {
	if baseURL == "" {
		baseURL = "https://apis.fedex.com"
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		secret:  secret,
		httpc: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *Client) IsConfigured() bool { return c.apiKey != "" && c.secret != "" }

func (c *Client) ValidateFormat(trackingNumber string) bool {
	return formatRe.MatchString(trackingNumber)
}

type trackResp struct {
	Output struct {
		CompleteTrackResults []struct {
			TrackResults []struct {
				LatestStatusDetail struct {
					Description  string `json:"description"`
					ScanLocation struct {
						City             string `json:"city"`
						StateOrProvince  string `json:"stateOrProvinceCode"`
					} `json:"scanLocation"`
				} `json:"latestStatusDetail"`
				EstimatedDeliveryTime string `json:"estimatedDeliveryTimeWindow"` // RFC3339
				ShipDate              string `json:"shipDate"`                    // RFC3339
				Error                 string `json:"error,omitempty"`
			} `json:"trackResults"`
		} `json:"completeTrackResults"`
	} `json:"output"`
}

func (c *Client) TrackPackage(ctx context.Context, trackingNumber string) (models.ShipmentResult, error) {
	if !c.IsConfigured() {
		return models.ShipmentResult{}, adapters.NewAdapterError(models.CarrierFedEx, "missing api credentials", nil)
	}
	if !c.ValidateFormat(trackingNumber) {
		return models.ShipmentResult{}, adapters.NewAdapterError(models.CarrierFedEx, "tracking number format rejected", nil)
	}

	payload := map[string]any{
		"trackingInfo": []map[string]any{
			{"trackingNumberInfo": map[string]string{"trackingNumber": trackingNumber}},
		},
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return models.ShipmentResult{}, adapters.NewAdapterError(models.CarrierFedEx, "marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/track/v1/trackingnumbers", bytes.NewReader(b))
	if err != nil {
		return models.ShipmentResult{}, adapters.NewAdapterError(models.CarrierFedEx, "new request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return models.ShipmentResult{}, adapters.NewAdapterError(models.CarrierFedEx, "do request", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.ShipmentResult{}, adapters.NewAdapterError(models.CarrierFedEx, "read body", err)
	}
	if resp.StatusCode/100 != 2 {
		return models.ShipmentResult{}, adapters.NewAdapterError(models.CarrierFedEx, fmt.Sprintf("fedex http %d", resp.StatusCode), nil)
	}

	var tr trackResp
	if err := json.Unmarshal(body, &tr); err != nil {
		return models.ShipmentResult{}, adapters.NewAdapterError(models.CarrierFedEx, "decode", err)
	}
	if len(tr.Output.CompleteTrackResults) == 0 || len(tr.Output.CompleteTrackResults[0].TrackResults) == 0 {
		return models.ShipmentResult{}, adapters.NewAdapterError(models.CarrierFedEx, "empty track results", nil)
	}
	first := tr.Output.CompleteTrackResults[0].TrackResults[0]
	if first.Error != "" {
		return models.ShipmentResult{}, adapters.NewAdapterError(models.CarrierFedEx, first.Error, nil)
	}

	loc := first.LatestStatusDetail.ScanLocation.City
	if loc != "" && first.LatestStatusDetail.ScanLocation.StateOrProvince != "" {
		loc = loc + ", " + first.LatestStatusDetail.ScanLocation.StateOrProvince
	}

	res := models.ShipmentResult{
		TrackingNumber:  trackingNumber,
		CarrierName:     models.CarrierFedEx,
		CurrentStatus:   first.LatestStatusDetail.Description,
		CurrentLocation: loc,
		RawPayload:      json.RawMessage(body),
	}
	if t, err := time.Parse(time.RFC3339, first.EstimatedDeliveryTime); err == nil {
		res.ExpectedDeliveryDate = &t
	}
	if t, err := time.Parse(time.RFC3339, first.ShipDate); err == nil {
		res.ShippedDate = &t
	}
	res.Normalize()
	return res, nil
}
