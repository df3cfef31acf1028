package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hackgods/clinic-event-pipeline/internal/resilience"
)

var ErrDoctorNotFound = errors.New("doctor not found")

type Doctor struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Specialty string `json:"specialty"`
}

func (d Doctor) DisplayName() string {
	name := strings.TrimSpace(d.FirstName + " " + d.LastName)
	if name == "" {
		return ""
	}
	return "Dr. " + name
}

// Client is the doctor directory boundary.
type Client interface {
	GetDoctor(ctx context.Context, id int64) (Doctor, error)
}

// HTTPClient talks to the directory service over plain HTTP.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// GetDoctor maps 404 to ErrDoctorNotFound and marks 5xx, 429 and network
// failures as transient. Other 4xx are permanent.
func (c *HTTPClient) GetDoctor(ctx context.Context, id int64) (Doctor, error) {
	url := c.baseURL + "/api/doctors/" + strconv.FormatInt(id, 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Doctor{}, fmt.Errorf("build doctor request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Doctor{}, resilience.Transient(fmt.Errorf("get doctor %d: %w", id, err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Doctor{}, ErrDoctorNotFound
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		_, _ = io.Copy(io.Discard, resp.Body)
		return Doctor{}, resilience.Transient(fmt.Errorf("get doctor %d: status %d", id, resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Doctor{}, fmt.Errorf("get doctor %d: status %d: %s", id, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var d Doctor
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		return Doctor{}, resilience.Transient(fmt.Errorf("decode doctor %d: %w", id, err))
	}
	if d.ID == 0 {
		d.ID = id
	}
	return d, nil
}
