package demo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/harun/agentloop/pkg/runctx"
	"github.com/harun/agentloop/pkg/toolexecutor"
)

const maxWeatherBody = 64 * 1024

// Plan is a broadband plan offered by the sales agents.
type Plan struct {
	PlanID   string `json:"plan_id"`
	PriceINR string `json:"price_inr"`
	Speed    string `json:"speed"`
}

// Plans is the fixed catalogue returned by fetch_available_plans.
var Plans = []Plan{
	{PlanID: "1", PriceINR: "399", Speed: "30 MB/s"},
	{PlanID: "2", PriceINR: "999", Speed: "100 MB/s"},
	{PlanID: "3", PriceINR: "1499", Speed: "150 MB/s"},
}

// WeatherTool fetches current conditions from a weatherstack compatible API.
func WeatherTool(client *http.Client, baseURL, apiKey string) *toolexecutor.Tool {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	baseURL = strings.TrimRight(baseURL, "/")

	return toolexecutor.MustTool(toolexecutor.ToolDefinition{
		Name:        "get_weather",
		Description: "Fetch the current weather for the given city.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "city", Type: "string", Description: "The city for which you will get the weather.", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}, rc *runctx.RunContext) (interface{}, error) {
			if apiKey == "" {
				return nil, fmt.Errorf("weather service is not configured")
			}
			city, _ := params["city"].(string)

			q := url.Values{}
			q.Set("access_key", apiKey)
			q.Set("query", city)
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/current?"+q.Encode(), nil)
			if err != nil {
				return nil, err
			}

			resp, err := client.Do(req)
			if err != nil {
				return nil, fmt.Errorf("weather request failed: %w", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(io.LimitReader(resp.Body, maxWeatherBody))
			if err != nil {
				return nil, fmt.Errorf("failed to read weather response: %w", err)
			}
			if resp.StatusCode != http.StatusOK {
				return nil, fmt.Errorf("weather service returned status %d", resp.StatusCode)
			}

			// weatherstack reports failures in a 200 body
			var apiErr struct {
				Success *bool `json:"success"`
				Error   struct {
					Info string `json:"info"`
				} `json:"error"`
			}
			if json.Unmarshal(body, &apiErr) == nil && apiErr.Success != nil && !*apiErr.Success {
				return nil, fmt.Errorf("weather service error: %s", apiErr.Error.Info)
			}
			return string(body), nil
		},
	})
}

// Email is one message written to the outbox.
type Email struct {
	To      string    `json:"to"`
	Subject string    `json:"subject"`
	HTML    string    `json:"html"`
	SentAt  time.Time `json:"sent_at"`
}

// jsonlFile appends JSON lines to a file from concurrent tool calls.
type jsonlFile struct {
	mu   sync.Mutex
	path string
}

func (f *jsonlFile) append(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer file.Close()

	_, err = file.Write(append(data, '\n'))
	return err
}

// EmailTool delivers mail to an outbox file. Every call needs approval.
func EmailTool(outbox string) *toolexecutor.Tool {
	out := &jsonlFile{path: outbox}

	return toolexecutor.MustTool(toolexecutor.ToolDefinition{
		Name:          "send_email",
		Description:   "Send a mail to the recipient.",
		NeedsApproval: true,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "to", Type: "string", Description: "To whom you want to send the mail.", Required: true},
			{Name: "subject", Type: "string", Description: "The subject of the email.", Required: true},
			{Name: "html", Type: "string", Description: "The HTML body of the email, without html, doctype or body tags.", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}, rc *runctx.RunContext) (interface{}, error) {
			mail := Email{
				To:      params["to"].(string),
				Subject: params["subject"].(string),
				HTML:    params["html"].(string),
				SentAt:  time.Now().UTC(),
			}
			if !strings.Contains(mail.To, "@") {
				return nil, fmt.Errorf("invalid recipient address: %s", mail.To)
			}
			if err := out.append(mail); err != nil {
				return nil, fmt.Errorf("failed to queue mail: %w", err)
			}

			log.Info().Str("to", mail.To).Str("subject", mail.Subject).Msg("Mail written to outbox")
			return "Mail has been sent successfully.", nil
		},
	})
}

// PlansTool lists the broadband plans.
func PlansTool() *toolexecutor.Tool {
	return toolexecutor.MustTool(toolexecutor.ToolDefinition{
		Name:        "fetch_available_plans",
		Description: "Fetches the available broadband plans for a user.",
		Handler: func(ctx context.Context, params map[string]interface{}, rc *runctx.RunContext) (interface{}, error) {
			return Plans, nil
		},
	})
}

// Refund is one line of the refunds ledger.
type Refund struct {
	CustomerID string    `json:"customer_id"`
	Reason     string    `json:"reason"`
	At         time.Time `json:"at"`
}

// RefundTool records refunds in a ledger file.
func RefundTool(ledger string) *toolexecutor.Tool {
	out := &jsonlFile{path: ledger}

	return toolexecutor.MustTool(toolexecutor.ToolDefinition{
		Name:        "process_refunds",
		Description: "Process a refund request for a customer.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "customer_id", Type: "string", Description: "The customer ID for the refund.", Required: true},
			{Name: "reason", Type: "string", Description: "Reason for the refund request.", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}, rc *runctx.RunContext) (interface{}, error) {
			refund := Refund{
				CustomerID: params["customer_id"].(string),
				Reason:     params["reason"].(string),
				At:         time.Now().UTC(),
			}
			if err := out.append(refund); err != nil {
				return nil, fmt.Errorf("failed to record refund: %w", err)
			}
			log.Info().Str("customer_id", refund.CustomerID).Msg("Refund recorded")
			return "Refund has been successfully processed.", nil
		},
	})
}
