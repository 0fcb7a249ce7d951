// internal/model/fhir.go
package model

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Request describes one HTTP call issued against the FHIR server.
type Request struct {
	Method  string      `json:"method"`
	URL     string      `json:"url"`
	Params  url.Values  `json:"params,omitempty"`
	Headers http.Header `json:"headers,omitempty"`
	Body    []byte      `json:"body,omitempty"`
}

// Response is the structured result of a Request.
type Response struct {
	Status  int         `json:"status"`
	Headers http.Header `json:"headers,omitempty"`
	Body    []byte      `json:"body,omitempty"`
}

// NamedRequest is a request/response pair stored for later tests in the same run.
type NamedRequest struct {
	Name      string    `json:"name"`
	TestID    string    `json:"testId"` // Test that produced it
	Request   Request   `json:"request"`
	Response  *Response `json:"response"`
	Timestamp time.Time `json:"timestamp"`
}

// ResourceType returns the declared type tag of the response body, reading
// the resourceType member of a JSON body or the root element of an XML body.
func (r *Response) ResourceType() (string, error) {
	body := bytes.TrimSpace(r.Body)
	if len(body) == 0 {
		return "", fmt.Errorf("response body is empty")
	}

	if body[0] == '<' {
		dec := xml.NewDecoder(bytes.NewReader(body))
		for {
			tok, err := dec.Token()
			if err != nil {
				return "", fmt.Errorf("failed to parse XML body: %w", err)
			}
			if se, ok := tok.(xml.StartElement); ok {
				return se.Name.Local, nil
			}
		}
	}

	var tag struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(body, &tag); err != nil {
		return "", fmt.Errorf("failed to parse JSON body: %w", err)
	}
	if tag.ResourceType == "" {
		return "", fmt.Errorf("response body has no resourceType")
	}
	return tag.ResourceType, nil
}

// Resource decodes a JSON body into a generic map.
func (r *Response) Resource() (map[string]interface{}, error) {
	var res map[string]interface{}
	if err := json.Unmarshal(r.Body, &res); err != nil {
		return nil, fmt.Errorf("failed to decode resource: %w", err)
	}
	return res, nil
}

// Bundle decodes a JSON body as a FHIR Bundle.
func (r *Response) Bundle() (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(r.Body, &b); err != nil {
		return nil, fmt.Errorf("failed to decode bundle: %w", err)
	}
	if b.ResourceType != "Bundle" {
		return nil, fmt.Errorf("expected a Bundle, got %q", b.ResourceType)
	}
	return &b, nil
}

// Bundle is the subset of the FHIR Bundle resource the engine reads.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type,omitempty"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// BundleLink is a paging link of a searchset Bundle.
type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

// BundleEntry wraps one resource in a Bundle.
type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *struct {
		Mode string `json:"mode,omitempty"`
	} `json:"search,omitempty"`
}

// ResourceType returns the resourceType of the entry's resource.
func (e BundleEntry) ResourceType() string {
	var tag struct {
		ResourceType string `json:"resourceType"`
	}
	_ = json.Unmarshal(e.Resource, &tag)
	return tag.ResourceType
}

// ResourceID returns the id of the entry's resource.
func (e BundleEntry) ResourceID() string {
	var tag struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(e.Resource, &tag)
	return tag.ID
}

// OAuthCredentials is the JSON credential bundle accepted by oauth_credentials inputs.
type OAuthCredentials struct {
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenURL     string `json:"token_url,omitempty"`
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"` // Seconds after IssuedAt
	IssuedAt     string `json:"token_retrieval_time,omitempty"`
}

// Expiry returns when the access token expires, or the zero time if unknown.
func (c OAuthCredentials) Expiry() time.Time {
	if c.ExpiresIn <= 0 || c.IssuedAt == "" {
		return time.Time{}
	}
	issued, err := time.Parse(time.RFC3339, c.IssuedAt)
	if err != nil {
		return time.Time{}
	}
	return issued.Add(time.Duration(c.ExpiresIn) * time.Second)
}

// CanRefresh reports whether the credentials carry enough to request a new token.
func (c OAuthCredentials) CanRefresh() bool {
	return c.RefreshToken != "" && c.ClientID != ""
}

// NormalizeResourceType maps spellings such as "capability_statement" or
// "capabilitystatement" to a comparison key.
func NormalizeResourceType(name string) string {
	return strings.ToLower(strings.ReplaceAll(strings.ReplaceAll(name, "_", ""), "-", ""))
}
