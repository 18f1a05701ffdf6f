package adapters

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"pipeline_backend/internal/leads/ports"
	"pipeline_backend/platform/config"

	"github.com/zeebo/blake3"
)

// SignatureHeader carries the keyed BLAKE3 digest of the request body.
const SignatureHeader = "X-Pipeline-Signature"

// IntegrationsClient posts automation payloads to named webhook endpoints.
type IntegrationsClient struct {
	endpoints map[string]string
	key       []byte
	http      *http.Client
}

// NewIntegrationsClient returns nil when no endpoint is configured.
func NewIntegrationsClient(cfg config.IntegrationsConfig) *IntegrationsClient {
	if len(cfg.GetIntegrationEndpoints()) == 0 {
		return nil
	}
	c := &IntegrationsClient{
		endpoints: cfg.GetIntegrationEndpoints(),
		http:      &http.Client{Timeout: 10 * time.Second},
	}
	if secret := cfg.GetIntegrationSecret(); secret != "" {
		key := blake3.Sum256([]byte(secret))
		c.key = key[:]
	}
	return c
}

type integrationRequest struct {
	Integration string            `json:"integration"`
	LeadID      string            `json:"leadId"`
	BranchID    string            `json:"branchId"`
	RuleID      string            `json:"ruleId"`
	Payload     map[string]string `json:"payload"`
	SentAt      time.Time         `json:"sentAt"`
}

func (c *IntegrationsClient) Call(ctx context.Context, call ports.IntegrationCall) error {
	url, ok := c.endpoints[call.Name]
	if !ok {
		return fmt.Errorf("integration %q: %w", call.Name, ports.ErrCollaboratorDisabled)
	}

	body := integrationRequest{
		Integration: call.Name,
		LeadID:      call.LeadID.String(),
		BranchID:    call.BranchID.String(),
		RuleID:      call.RuleID.String(),
		Payload:     call.Payload,
		SentAt:      time.Now().UTC(),
	}
	return postJSON(ctx, c.http, "integration "+call.Name, url, body, nil, func(req *http.Request, data []byte) {
		if c.key != nil {
			req.Header.Set(SignatureHeader, Sign(c.key, data))
		}
	})
}

// Sign returns the hex keyed BLAKE3 digest of body. key must be 32 bytes.
func Sign(key, body []byte) string {
	h, err := blake3.NewKeyed(key)
	if err != nil {
		return ""
	}
	_, _ = h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

var _ ports.Integrations = (*IntegrationsClient)(nil)
