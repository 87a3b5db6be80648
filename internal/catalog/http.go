package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mbd888/settle/internal/apperr"
)

// HTTPCatalog asks the catalog service over HTTP:
// GET {base}/sellers/{seller}/offers/{item} returns an Offer as JSON,
// 404 when there is none.
type HTTPCatalog struct {
	base   string
	client *http.Client
}

// NewHTTPCatalog creates a client for the catalog service at base.
func NewHTTPCatalog(base string, timeout time.Duration) *HTTPCatalog {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPCatalog{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

func (h *HTTPCatalog) OpenOffer(ctx context.Context, sellerID, itemID string) (*Offer, error) {
	u := fmt.Sprintf("%s/sellers/%s/offers/%s", h.base, url.PathEscape(sellerID), url.PathEscape(itemID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, apperr.Gateway(err, "catalog lookup")
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, apperr.NotFound("no open offer from %s for %s", sellerID, itemID)
	case resp.StatusCode != http.StatusOK:
		return nil, apperr.Gateway(fmt.Errorf("status %d", resp.StatusCode), "catalog lookup")
	}

	var o Offer
	if err := json.NewDecoder(resp.Body).Decode(&o); err != nil {
		return nil, apperr.Gateway(err, "decode catalog offer")
	}
	if !o.Open {
		return nil, apperr.NotFound("no open offer from %s for %s", sellerID, itemID)
	}
	return &o, nil
}
