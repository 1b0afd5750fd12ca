// Package webapiclient is a concrete platform.Client over Dataverse's Web
// API (OData v4 REST), the one organization-service surface the core
// depends on but does not define (spec §6 "Platform client (consumed, not
// defined here)"). No pack repo carries an OData/Dataverse SDK, so this is
// built on net/http and encoding/json directly rather than a third-party
// client, the same way internal/output falls back to the standard library
// where the pack has no file-stream dependency to reach for.
package webapiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/r3edge-labs/dataverse-migrate/internal/platform"
)

const apiVersion = "v9.2"

// Provider authenticates a platform.Credential into a Client by probing
// WhoAmI against the credential's environment URL (§4.2 "init probe").
type Provider struct {
	HTTPClient *http.Client
}

// NewProvider returns a Provider using httpClient, or a client with a
// 100-second timeout when httpClient is nil.
func NewProvider(httpClient *http.Client) *Provider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 100 * time.Second}
	}
	return &Provider{HTTPClient: httpClient}
}

// Authenticate implements platform.AuthenticationProvider.
func (p *Provider) Authenticate(ctx context.Context, cred platform.Credential) (platform.Client, *platform.InitFailure) {
	if strings.TrimSpace(cred.EnvironmentURL) == "" {
		return nil, &platform.InitFailure{Kind: platform.FailAuth, Err: fmt.Errorf("credential %q has no environment URL", cred.Name)}
	}
	if strings.TrimSpace(cred.Bearer) == "" {
		return nil, &platform.InitFailure{Kind: platform.FailAuth, Err: fmt.Errorf("credential %q has no bearer token", cred.Name)}
	}

	c := &Client{
		http:    p.HTTPClient,
		baseURL: strings.TrimRight(cred.EnvironmentURL, "/") + "/api/data/" + apiVersion,
		bearer:  cred.Bearer,
	}

	if _, fault, err := c.Execute(ctx, "WhoAmI", nil); err != nil {
		return nil, &platform.InitFailure{Kind: platform.FailNetwork, Err: err}
	} else if fault != nil {
		return nil, &platform.InitFailure{Kind: failureKindForFault(fault), Err: fault}
	}

	return c, nil
}

func failureKindForFault(f *platform.Fault) platform.InitFailureKind {
	switch {
	case f.StatusCode == 401 || f.StatusCode == 403:
		return platform.FailAuth
	case f.StatusCode >= 500:
		return platform.FailService
	default:
		return platform.FailUnknown
	}
}

// Client implements platform.Client against one Dataverse environment.
type Client struct {
	http    *http.Client
	baseURL string
	bearer  string

	bypassPlugins bool
	bypassFlows   bool
}

// odataError is the envelope Dataverse returns on non-2xx responses.
type odataError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body any, bypassPlugins, bypassFlows bool, headers map[string]string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("OData-MaxVersion", "4.0")
	req.Header.Set("OData-Version", "4.0")
	req.Header.Set("Authorization", "Bearer "+c.bearer)
	if bypassPlugins {
		req.Header.Set("MSCRM.BypassCustomPluginExecution", "true")
	}
	if bypassFlows {
		req.Header.Set("MSCRM.SuppressDuplicateDetection", "false")
		req.Header.Set("MSCRM.BypassBusinessLogicExecution", "CustomSync,CustomAsync")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return c.http.Do(req)
}

// faultFromResponse builds a platform.Fault for any non-2xx response,
// reading the OData error envelope for the platform-specific code (§6).
func faultFromResponse(resp *http.Response) *platform.Fault {
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)

	fault := &platform.Fault{StatusCode: resp.StatusCode, RetryAfter: -1, Message: resp.Status}

	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.ParseInt(ra, 10, 64); err == nil {
			fault.RetryAfter = secs
		}
	}
	if dop := resp.Header.Get("x-ms-dop-hint"); dop != "" {
		if n, err := strconv.Atoi(dop); err == nil {
			fault.DegreesOfParallelism = n
		}
	}

	var env odataError
	if err := json.Unmarshal(data, &env); err == nil && env.Error.Message != "" {
		fault.Message = env.Error.Message
		fault.PlatformCode = platformCodeFromHex(env.Error.Code)
	}

	return fault
}

// platformCodeFromHex decodes Dataverse's 0x8004.... style error codes
// into the decimal platform code the retry policy classifies on (§4.4).
func platformCodeFromHex(code string) int {
	code = strings.TrimPrefix(strings.ToLower(code), "0x")
	n, err := strconv.ParseInt(code, 16, 64)
	if err != nil {
		return 0
	}
	return int(n)
}

func (c *Client) entitySet(entity string) string {
	// Dataverse entity sets are the logical name pluralized with "s"; callers
	// that need the real metadata-driven plural should resolve it upstream
	// and pass the set name as entity. This is the common-case convention.
	return entity + "s"
}

// Execute implements platform.Client's generic unbound-action escape hatch.
func (c *Client) Execute(ctx context.Context, messageName string, payload platform.Row) (platform.Row, *platform.Fault, error) {
	resp, err := c.do(ctx, http.MethodPost, "/"+messageName, payload, false, false, nil)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, faultFromResponse(resp), nil
	}

	var out platform.Row
	if resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && err != io.EOF {
			return nil, nil, fmt.Errorf("decoding %s response: %w", messageName, err)
		}
	}
	return out, nil, nil
}

// Create implements platform.Client.
func (c *Client) Create(ctx context.Context, entity string, row platform.Row) (string, *platform.Fault, error) {
	resp, err := c.do(ctx, http.MethodPost, "/"+c.entitySet(entity), row, c.bypassPlugins, c.bypassFlows, map[string]string{"Prefer": "return=representation"})
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", faultFromResponse(resp), nil
	}

	if loc := resp.Header.Get("OData-EntityId"); loc != "" {
		return idFromEntityID(loc), nil, nil
	}
	var out platform.Row
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", nil, fmt.Errorf("decoding create response: %w", err)
	}
	if id, ok := out[entity+"id"].(string); ok {
		return id, nil, nil
	}
	return "", nil, nil
}

// idFromEntityID extracts the trailing GUID from an OData-EntityId header
// like "https://org.crm.dynamics.com/api/data/v9.2/accounts(guid)".
func idFromEntityID(header string) string {
	open := strings.LastIndexByte(header, '(')
	close := strings.LastIndexByte(header, ')')
	if open < 0 || close < 0 || close < open {
		return header
	}
	return header[open+1 : close]
}

// Update implements platform.Client.
func (c *Client) Update(ctx context.Context, entity, id string, row platform.Row) (*platform.Fault, error) {
	resp, err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/%s(%s)", c.entitySet(entity), id), row, c.bypassPlugins, c.bypassFlows, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return faultFromResponse(resp), nil
	}
	return nil, nil
}

// Delete implements platform.Client.
func (c *Client) Delete(ctx context.Context, entity, id string) (*platform.Fault, error) {
	resp, err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/%s(%s)", c.entitySet(entity), id), nil, false, false, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return faultFromResponse(resp), nil
	}
	return nil, nil
}

// RetrieveMultiple implements platform.Client, passing the transpiled
// FetchXML straight through as a query-string parameter.
func (c *Client) RetrieveMultiple(ctx context.Context, query platform.Query) ([]platform.Row, *platform.Fault, error) {
	path := fmt.Sprintf("/%s?fetchXml=%s", c.entitySet(query.EntityName), urlEscape(query.XML))
	resp, err := c.do(ctx, http.MethodGet, path, nil, false, false, nil)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, faultFromResponse(resp), nil
	}

	var page struct {
		Value []platform.Row `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, nil, fmt.Errorf("decoding retrieve-multiple response: %w", err)
	}
	return page.Value, nil, nil
}

func urlEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-' || r == '_' || r == '.' || r == '~':
			b.WriteRune(r)
		default:
			fmt.Fprintf(&b, "%%%02X", r)
		}
	}
	return b.String()
}

// Associate implements platform.Client by posting a navigation-property
// $ref for each pair. Dataverse has no bulk associate endpoint, so this is
// always a loop; the caller (C9) already issues these outside the bulk
// batching path.
func (c *Client) Associate(ctx context.Context, pairs []platform.AssociatePair) (*platform.Fault, error) {
	for _, pr := range pairs {
		body := map[string]string{
			"@odata.id": fmt.Sprintf("%s/%s(%s)", c.baseURL, c.entitySet(pr.ToEntity), pr.ToID),
		}
		path := fmt.Sprintf("/%s(%s)/%s/$ref", c.entitySet(pr.FromEntity), pr.FromID, pr.RelationshipName)
		resp, err := c.do(ctx, http.MethodPost, path, body, false, false, nil)
		if err != nil {
			return nil, err
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			return faultFromResponse(resp), nil
		}
	}
	return nil, nil
}

// Disassociate implements platform.Client.
func (c *Client) Disassociate(ctx context.Context, pairs []platform.AssociatePair) (*platform.Fault, error) {
	for _, pr := range pairs {
		path := fmt.Sprintf("/%s(%s)/%s(%s)/$ref", c.entitySet(pr.FromEntity), pr.FromID, pr.RelationshipName, pr.ToID)
		resp, err := c.do(ctx, http.MethodDelete, path, nil, false, false, nil)
		if err != nil {
			return nil, err
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			return faultFromResponse(resp), nil
		}
	}
	return nil, nil
}

func (c *Client) bulkAction(ctx context.Context, entity, action string, targets []platform.Row, bypassPlugins, bypassFlows bool) (*platform.BulkResponse, *platform.Fault, error) {
	start := time.Now()
	body := map[string]any{"Targets": targets}
	path := fmt.Sprintf("/%s/Microsoft.Dynamics.CRM.%s", c.entitySet(entity), action)
	resp, err := c.do(ctx, http.MethodPost, path, body, bypassPlugins, bypassFlows, nil)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, faultFromResponse(resp), nil
	}

	var out struct {
		Ids []string `json:"Ids"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && err != io.EOF {
		return nil, nil, fmt.Errorf("decoding %s response: %w", action, err)
	}

	results := make([]platform.RowResult, len(targets))
	for i := range targets {
		var id string
		if i < len(out.Ids) {
			id = out.Ids[i]
		}
		results[i] = platform.RowResult{Index: i, ID: id}
	}
	return &platform.BulkResponse{Results: results, Duration: int64(time.Since(start))}, nil, nil
}

// CreateMultiple implements platform.Client via the CreateMultiple bound action.
func (c *Client) CreateMultiple(ctx context.Context, entity string, rows []platform.Row, bypassPlugins, bypassFlows bool) (*platform.BulkResponse, *platform.Fault, error) {
	return c.bulkAction(ctx, entity, "CreateMultiple", rows, bypassPlugins, bypassFlows)
}

// UpdateMultiple implements platform.Client via the UpdateMultiple bound action.
func (c *Client) UpdateMultiple(ctx context.Context, entity string, rows []platform.Row, bypassPlugins, bypassFlows bool) (*platform.BulkResponse, *platform.Fault, error) {
	return c.bulkAction(ctx, entity, "UpdateMultiple", rows, bypassPlugins, bypassFlows)
}

// UpsertMultiple implements platform.Client. Dataverse does not expose a
// native UpsertMultiple action, so this sends no request and returns a
// fault carrying a bulk-refusal message; the executor (C5) then falls back
// to its per-row path, which is the correct behavior for an operation the
// platform genuinely does not batch.
func (c *Client) UpsertMultiple(ctx context.Context, entity string, rows []platform.Row, bypassPlugins, bypassFlows bool) (*platform.BulkResponse, *platform.Fault, error) {
	return nil, &platform.Fault{StatusCode: 400, Message: "UpsertMultiple is not enabled on the entity " + entity}, nil
}

// DeleteMultiple implements platform.Client. Dataverse has no native bulk
// delete action either; the fault message matches the executor's
// bulk-refusal pattern so callers fall back transparently to per-row
// Delete calls.
func (c *Client) DeleteMultiple(ctx context.Context, entity string, ids []string) (*platform.BulkResponse, *platform.Fault, error) {
	return nil, &platform.Fault{StatusCode: 400, Message: "DeleteMultiple is not supported for entity " + entity}, nil
}

// RetrieveEntityMetadata implements platform.Client against the
// EntityDefinitions metadata endpoint, projecting lookup/customer
// attributes into the tierer's reference-field map (§4.8 "Input").
func (c *Client) RetrieveEntityMetadata(ctx context.Context, entity string) (*platform.EntityMetadata, error) {
	path := fmt.Sprintf("/EntityDefinitions(LogicalName='%s')/Attributes/Microsoft.Dynamics.CRM.LookupAttributeMetadata?$select=LogicalName,Targets", entity)
	resp, err := c.do(ctx, http.MethodGet, path, nil, false, false, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, faultFromResponse(resp)
	}

	var page struct {
		Value []struct {
			LogicalName string   `json:"LogicalName"`
			Targets     []string `json:"Targets"`
		} `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decoding entity metadata response: %w", err)
	}

	meta := &platform.EntityMetadata{LogicalName: entity, ReferenceFields: make(map[string]string, len(page.Value))}
	for _, attr := range page.Value {
		if len(attr.Targets) == 0 {
			continue
		}
		// Polymorphic (Customer-type) lookups carry multiple targets; the
		// first is the convention the tierer orders against (§4.8).
		meta.ReferenceFields[attr.LogicalName] = attr.Targets[0]
	}
	return meta, nil
}
