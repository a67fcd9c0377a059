package refgraph

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/trellis-notes/trellis/backend/internal/document"
)

// HTTPFetcher pulls edge slices from the server's edge endpoint.
type HTTPFetcher struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

type edgesResponse struct {
	Edges []document.Edge `json:"edges"`
}

// FetchEdges retrieves every stored edge touching the artifact.
func (f *HTTPFetcher) FetchEdges(ctx context.Context, artifactID string) ([]document.Edge, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	endpoint := fmt.Sprintf("%s/artifacts/%s/edges", f.BaseURL, url.PathEscape(artifactID))
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("refgraph: build edge request: %w", err)
	}
	if f.Token != "" {
		request.Header.Set("Authorization", "Bearer "+f.Token)
	}

	response, err := client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("refgraph: fetch edges: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("refgraph: fetch edges: unexpected status %d", response.StatusCode)
	}

	var decoded edgesResponse
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("refgraph: decode edge response: %w", err)
	}
	return decoded.Edges, nil
}
