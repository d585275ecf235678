package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/BearBump/ParcelDesk/internal/models"
	"github.com/pkg/errors"
)

// Payload is the advisory notification sent to the caller-supplied URL after
// a request reaches a terminal state. The persisted state is authoritative;
// delivery is one-shot best effort, no retry, no signature.
type Payload struct {
	RequestID      string                 `json:"requestId"`
	TrackingNumber string                 `json:"trackingNumber"`
	State          string                 `json:"state"`
	Carrier        string                 `json:"carrier"`
	Result         *models.ShipmentResult `json:"result,omitempty"`
	Error          string                 `json:"error,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
}

type Notifier struct {
	httpc *http.Client
}

func New(timeout time.Duration) *Notifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Notifier{
		httpc: &http.Client{Timeout: timeout},
	}
}

func (n *Notifier) Notify(ctx context.Context, url string, p Payload) error {
	b, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "marshal callback")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return errors.Wrap(err, "new request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpc.Do(req)
	if err != nil {
		return errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("callback http %d", resp.StatusCode)
	}
	return nil
}
