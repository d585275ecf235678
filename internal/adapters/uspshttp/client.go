package uspshttp

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

var formatRe = regexp.MustCompile(`^([A-Za-z]{2}\d{9}[A-Za-z]{2}|\d{20,22}|\d{4} \d{4} \d{4} \d{4})$`)

type Client struct {
	baseURL string
	userID  string
	httpc   *http.Client
}

func New(baseURL, userID string) *Client {
	if baseURL == "" {
		baseURL = "https://secure.shippingapis.com"
	}
	return &Client{
		baseURL: baseURL,
		userID:  userID,
		httpc: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *Client) IsConfigured() bool { return c.userID != "" }

func (c *Client) ValidateFormat(trackingNumber string) bool {
	return formatRe.MatchString(trackingNumber)
}

type trackResp struct {
	TrackInfo struct {
		Status        string `json:"status"`
		StatusCity    string `json:"statusCity"`
		StatusState   string `json:"statusState"`
		ExpectedDate  string `json:"expectedDeliveryDate"` // "2006-01-02"
		AcceptedDate  string `json:"acceptedDate"`
		Error         string `json:"error,omitempty"`
	} `json:"trackInfo"`
}

func (c *Client) TrackPackage(ctx context.Context, trackingNumber string) (models.ShipmentResult, error) {
	if !c.IsConfigured() {
		return models.ShipmentResult{}, adapters.NewAdapterError(models.CarrierUSPS, "missing user id", nil)
	}
	if !c.ValidateFormat(trackingNumber) {
		return models.ShipmentResult{}, adapters.NewAdapterError(models.CarrierUSPS, "tracking number format rejected", nil)
	}

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return models.ShipmentResult{}, adapters.NewAdapterError(models.CarrierUSPS, "parse base url", err)
	}
	u.Path = "/track/v2"
	q := u.Query()
	q.Set("userId", c.userID)
	q.Set("trackingNumber", trackingNumber)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return models.ShipmentResult{}, adapters.NewAdapterError(models.CarrierUSPS, "new request", err)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return models.ShipmentResult{}, adapters.NewAdapterError(models.CarrierUSPS, "do request", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.ShipmentResult{}, adapters.NewAdapterError(models.CarrierUSPS, "read body", err)
	}
	if resp.StatusCode/100 != 2 {
		return models.ShipmentResult{}, adapters.NewAdapterError(models.CarrierUSPS, fmt.Sprintf("usps http %d", resp.StatusCode), nil)
	}

	var tr trackResp
	if err := json.Unmarshal(body, &tr); err != nil {
		return models.ShipmentResult{}, adapters.NewAdapterError(models.CarrierUSPS, "decode", err)
	}
	if tr.TrackInfo.Error != "" {
		return models.ShipmentResult{}, adapters.NewAdapterError(models.CarrierUSPS, tr.TrackInfo.Error, nil)
	}

	loc := tr.TrackInfo.StatusCity
	if loc != "" && tr.TrackInfo.StatusState != "" {
		loc = loc + ", " + tr.TrackInfo.StatusState
	}

	res := models.ShipmentResult{
		TrackingNumber:  trackingNumber,
		CarrierName:     models.CarrierUSPS,
		CurrentStatus:   tr.TrackInfo.Status,
		CurrentLocation: loc,
		RawPayload:      json.RawMessage(body),
	}
	if t, ok := parseDate(tr.TrackInfo.ExpectedDate); ok {
		res.ExpectedDeliveryDate = &t
	}
	if t, ok := parseDate(tr.TrackInfo.AcceptedDate); ok {
		res.ShippedDate = &t
	}
	res.Normalize()
	return res, nil
}

func parseDate(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation("2006-01-02", s, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
