package rackd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/metalwire/metalwire/api"
	"github.com/metalwire/metalwire/errdefs"
)

// Transport speaks the agent HTTP API. It satisfies the coordinator's
// AgentTransport interface.
type Transport struct {
	client *http.Client
}

// NewTransport creates an HTTP transport. A nil client gets a default with a
// request timeout; push retry pacing lives in the coordinator, not here.
func NewTransport(client *http.Client) *Transport {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Transport{client: client}
}

// Apply delivers a document to the rack agent. Connection errors come back
// as RackUnreachable so the caller can tell transport failures from
// rejections.
func (t *Transport) Apply(ctx context.Context, rack *api.RackController, doc *api.ConfigDocument) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("http://%s/v1/dhcp/%s", rack.Addr, doc.VLANID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return errdefs.ErrRackUnreachable(rack.ID, err.Error())
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusConflict:
		return errors.Wrap(ErrStaleVersion, readError(resp.Body))
	default:
		return errors.Errorf("rack %v rejected config: %v: %v", rack.ID, resp.Status, readError(resp.Body))
	}
}

// Status fetches the agent's serving status for a VLAN.
func (t *Transport) Status(ctx context.Context, rack *api.RackController, vlanID string) (*api.ServingStatus, error) {
	url := fmt.Sprintf("http://%s/v1/dhcp/%s", rack.Addr, vlanID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, errdefs.ErrRackUnreachable(rack.ID, err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("rack %v status: %v: %v", rack.ID, resp.Status, readError(resp.Body))
	}
	var st api.ServingStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Ping probes agent liveness.
func (t *Transport) Ping(ctx context.Context, rack *api.RackController) error {
	url := fmt.Sprintf("http://%s/v1/healthz", rack.Addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return errdefs.ErrRackUnreachable(rack.ID, err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errdefs.ErrRackUnreachable(rack.ID, resp.Status)
	}
	return nil
}

func readError(r io.Reader) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(r, 4096)).Decode(&body); err != nil || body.Error == "" {
		return "no error detail"
	}
	return body.Error
}
