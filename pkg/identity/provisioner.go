package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Marcoby-Dev-Ops/Nexus-sub015/pkg/httpx"
)

// HTTPProvisioner asks the company service which organization a new user
// belongs to.
type HTTPProvisioner struct {
	Client     *http.Client
	Endpoint   string
	AuthHeader string
	AuthToken  string
	Retries    int
	RetryDelay time.Duration
}

func (p HTTPProvisioner) AssignCompany(ctx context.Context, ident Identity) (string, error) {
	if p.Endpoint == "" {
		return "", nil
	}
	body, err := json.Marshal(map[string]string{
		"subject": ident.Subject,
		"email":   ident.Email,
	})
	if err != nil {
		return "", err
	}
	headers := map[string]string{}
	if p.AuthHeader != "" && p.AuthToken != "" {
		headers[p.AuthHeader] = p.AuthToken
	}
	status, respBody, err := httpx.Do(ctx, p.Client, httpx.Call{
		Method:     http.MethodPost,
		URL:        p.Endpoint,
		Body:       body,
		Headers:    headers,
		Retries:    p.Retries,
		RetryDelay: p.RetryDelay,
	})
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("company service returned %d", status)
	}
	var parsed struct {
		CompanyID string `json:"companyId"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("company service response: %w", err)
	}
	return parsed.CompanyID, nil
}
