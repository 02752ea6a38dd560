package pool

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Validator checks that an endpoint is reachable through the given client.
type Validator interface {
	Validate(ctx context.Context, service, region string, client *http.Client) error
}

// HTTPValidator probes the endpoint with a HEAD request. Any HTTP response,
// including 4xx, proves reachability; only transport failures count as
// validation failures.
type HTTPValidator struct {
	timeout  time.Duration
	override string
}

// NewHTTPValidator creates a validator with the given probe timeout.
// override, when non-empty, routes every probe to a fixed base URL.
func NewHTTPValidator(timeout time.Duration, override string) *HTTPValidator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPValidator{timeout: timeout, override: override}
}

// Validate implements Validator.
func (v *HTTPValidator) Validate(ctx context.Context, service, region string, client *http.Client) error {
	url := v.override
	if url == "" {
		url = EndpointURL(service, region)
	}

	probeCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build probe request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("endpoint unreachable: %w", err)
	}
	resp.Body.Close()

	return nil
}

// globalServices have no regional endpoints.
var globalServices = map[string]bool{
	"iam":        true,
	"cloudfront": true,
	"route53":    true,
}

// EndpointURL returns the HTTPS endpoint for a service in a region.
func EndpointURL(service, region string) string {
	if globalServices[service] {
		return fmt.Sprintf("https://%s.amazonaws.com", service)
	}
	return fmt.Sprintf("https://%s.%s.amazonaws.com", service, region)
}
