package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPAdapter talks to a calendar bridge (the small service that fronts the
// provider's real calendar) over JSON/REST.
type HTTPAdapter struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewHTTPAdapter(baseURL, token string) *HTTPAdapter {
	return &HTTPAdapter{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:   strings.TrimSpace(token),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type busyItem struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (a *HTTPAdapter) ListBusyEvents(ctx context.Context, providerID string, from, to time.Time) ([]BusyInterval, error) {
	q := url.Values{}
	q.Set("provider_id", providerID)
	q.Set("from", from.UTC().Format(time.RFC3339))
	q.Set("to", to.UTC().Format(time.RFC3339))

	var items []busyItem
	if err := a.do(ctx, http.MethodGet, "/v1/busy?"+q.Encode(), nil, &items); err != nil {
		return nil, err
	}

	intervals := make([]BusyInterval, 0, len(items))
	for _, it := range items {
		if it.End.After(it.Start) {
			intervals = append(intervals, BusyInterval{Start: it.Start, End: it.End})
		}
	}
	return intervals, nil
}

func (a *HTTPAdapter) CreateEvent(ctx context.Context, req EventRequest) (string, error) {
	body := map[string]any{
		"provider_id":  req.ProviderID,
		"service_id":   req.ServiceID,
		"start":        req.Start.UTC().Format(time.RFC3339),
		"end":          req.End.UTC().Format(time.RFC3339),
		"patient_name": req.PatientName,
		"email":        req.Email,
		"phone":        req.Phone,
		"source":       req.Source,
	}
	var resp struct {
		EventID string `json:"event_id"`
	}
	if err := a.do(ctx, http.MethodPost, "/v1/events", body, &resp); err != nil {
		return "", err
	}
	if resp.EventID == "" {
		return "", fmt.Errorf("calendar bridge returned empty event id")
	}
	return resp.EventID, nil
}

func (a *HTTPAdapter) CancelEvent(ctx context.Context, externalEventID string) error {
	return a.do(ctx, http.MethodDelete, "/v1/events/"+url.PathEscape(externalEventID), nil, nil)
}

func (a *HTTPAdapter) do(ctx context.Context, method, path string, body any, out any) error {
	if a.baseURL == "" {
		return fmt.Errorf("calendar bridge url not configured")
	}

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("calendar bridge returned status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
