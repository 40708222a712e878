package execution

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/IggyIkenna/basis-strategy-v1/internal/schema"
	"github.com/IggyIkenna/basis-strategy-v1/pkg/exception"
	"github.com/bytedance/sonic"
)

// Signing headers of the HTTP venue protocol.
const (
	HeaderAPIKey    = "X-BS-APIKEY"
	HeaderTimestamp = "X-BS-TIMESTAMP"
	HeaderSignature = "X-BS-SIGNATURE"
)

// HTTPConfig describes a venue gateway speaking JSON over HTTP.
type HTTPConfig struct {
	Name    schema.Venue
	BaseURL string
	APIKey  string
	Secret  string
}

// HTTPVenue submits instructions to a venue gateway:
//
//	POST /v1/instructions         {"timestamp":...,"instruction":{...}} -> {"fill":{...}}
//	POST /v1/instructions/atomic  {"timestamp":...,"instructions":[...]} -> {"fills":[...]}
//	GET  /v1/balances                                                    -> {"positions":[...]}
//
// Every request is signed with HMAC-SHA256 over timestamp + method + path + body.
type HTTPVenue struct {
	cfg    HTTPConfig
	client *http.Client
	now    func() time.Time
}

// NewHTTPVenue creates a live venue client.
func NewHTTPVenue(cfg HTTPConfig, client *http.Client) (*HTTPVenue, error) {
	if cfg.Name == "" {
		return nil, exception.Configuration(component, exception.CodeConfigMissing, "venue name is empty").
			With("field", "venues[].name")
	}
	if cfg.BaseURL == "" {
		return nil, exception.Configuration(component, exception.CodeConfigMissing, "venue url is empty").
			With("field", fmt.Sprintf("venues.%s.url", cfg.Name))
	}
	if client == nil {
		client = http.DefaultClient
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &HTTPVenue{cfg: cfg, client: client, now: time.Now}, nil
}

func (v *HTTPVenue) Name() schema.Venue { return v.cfg.Name }

type submitRequest struct {
	Timestamp    time.Time                     `json:"timestamp"`
	Instruction  *schema.ExecutionInstruction  `json:"instruction,omitempty"`
	Instructions []schema.ExecutionInstruction `json:"instructions,omitempty"`
}

type submitResponse struct {
	Fill  *schema.Fill   `json:"fill,omitempty"`
	Fills []schema.Fill  `json:"fills,omitempty"`
	Error *responseError `json:"error,omitempty"`
}

type balancesResponse struct {
	Positions []schema.Position `json:"positions"`
	Error     *responseError    `json:"error,omitempty"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (v *HTTPVenue) Submit(ctx context.Context, ts time.Time, instr schema.ExecutionInstruction) (schema.Fill, error) {
	var resp submitResponse
	if err := v.do(ctx, http.MethodPost, "/v1/instructions", submitRequest{Timestamp: ts.UTC(), Instruction: &instr}, &resp, instr.ID); err != nil {
		return schema.Fill{}, err
	}
	if resp.Fill == nil {
		return schema.Fill{}, v.rejected(instr.ID, "response has no fill")
	}
	return *resp.Fill, nil
}

func (v *HTTPVenue) SubmitAtomic(ctx context.Context, ts time.Time, instrs []schema.ExecutionInstruction) ([]schema.Fill, error) {
	var resp submitResponse
	if err := v.do(ctx, http.MethodPost, "/v1/instructions/atomic", submitRequest{Timestamp: ts.UTC(), Instructions: instrs}, &resp, ""); err != nil {
		return nil, err
	}
	return resp.Fills, nil
}

func (v *HTTPVenue) Balances(ctx context.Context, _ time.Time) ([]schema.Position, error) {
	var resp balancesResponse
	if err := v.do(ctx, http.MethodGet, "/v1/balances", nil, &resp, ""); err != nil {
		return nil, err
	}
	for i := range resp.Positions {
		resp.Positions[i].Key.Venue = v.cfg.Name
	}
	schema.SortPositions(resp.Positions)
	return resp.Positions, nil
}

func (v *HTTPVenue) do(ctx context.Context, method, path string, body any, out any, instructionID string) error {
	var payload []byte
	if body != nil {
		b, err := sonic.Marshal(body)
		if err != nil {
			return exception.Execution(v.component(), exception.CodeInvalidInstruction, "encode request").Wrap(err)
		}
		payload = b
	}

	req, err := http.NewRequestWithContext(ctx, method, v.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return exception.Execution(v.component(), exception.CodeVenueUnavailable, "build request").Wrap(err)
	}
	stamp := strconv.FormatInt(v.now().UnixMilli(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderAPIKey, v.cfg.APIKey)
	req.Header.Set(HeaderTimestamp, stamp)
	req.Header.Set(HeaderSignature, Sign(v.cfg.Secret, stamp, method, path, payload))

	resp, err := v.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return exception.Execution(v.component(), exception.CodeVenueTimeout, "venue request aborted").
				With("instruction", instructionID).
				Wrap(err)
		}
		return exception.Execution(v.component(), exception.CodeVenueUnavailable, "venue request failed").
			With("instruction", instructionID).
			Wrap(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return exception.Execution(v.component(), exception.CodeVenueUnavailable, "read response").Wrap(err)
	}

	switch {
	case resp.StatusCode >= 500:
		return exception.Execution(v.component(), exception.CodeVenueUnavailable, "venue server error").
			With("instruction", instructionID).
			With("status", resp.StatusCode).
			With("body", truncate(data))
	case resp.StatusCode >= 400:
		e := exception.Execution(v.component(), exception.CodeVenueRejected, "venue rejected request").
			With("instruction", instructionID).
			With("status", resp.StatusCode)
		var rejected submitResponse
		if sonic.Unmarshal(data, &rejected) == nil && rejected.Error != nil {
			return e.With("venue_code", rejected.Error.Code).With("reason", rejected.Error.Message)
		}
		return e.With("body", truncate(data))
	}

	if err := sonic.Unmarshal(data, out); err != nil {
		return exception.Execution(v.component(), exception.CodeVenueRejected, "decode response").
			With("instruction", instructionID).
			Wrap(err)
	}
	return nil
}

func (v *HTTPVenue) rejected(instructionID, msg string) *exception.Error {
	return exception.Execution(v.component(), exception.CodeVenueRejected, msg).
		With("instruction", instructionID)
}

func (v *HTTPVenue) component() string {
	return fmt.Sprintf("venue:%s", v.cfg.Name)
}

// Sign returns the hex HMAC-SHA256 of timestamp + method + path + body.
func Sign(secret, timestamp, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte(method))
	mac.Write([]byte(path))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func truncate(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 256 {
		return s[:256]
	}
	return s
}
